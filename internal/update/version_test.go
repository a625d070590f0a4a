package update

import "testing"

func TestParseVersion(t *testing.T) {
	cases := []struct {
		raw  string
		want Version
	}{
		{"1.2.3", Version{Major: 1, Minor: 2, Patch: 3}},
		{"1.2.3-alpha.1", Version{Major: 1, Minor: 2, Patch: 3, Prerelease: "alpha.1"}},
		{"1.2.3+build.5", Version{Major: 1, Minor: 2, Patch: 3, Build: "build.5"}},
	}
	for _, tc := range cases {
		got, err := ParseVersion(tc.raw)
		if err != nil {
			t.Fatalf("ParseVersion(%q) error: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseVersion(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestParseVersionInvalid(t *testing.T) {
	if _, err := ParseVersion("not-a-version"); err == nil {
		t.Fatal("expected error for invalid version string")
	}
}

func TestCompareVersions(t *testing.T) {
	a := Version{Major: 1, Minor: 2, Patch: 3}
	b := Version{Major: 1, Minor: 3, Patch: 0}
	if Compare(a, b) != -1 {
		t.Fatalf("expected a < b")
	}
	if Compare(b, a) != 1 {
		t.Fatalf("expected b > a")
	}
	if Compare(a, a) != 0 {
		t.Fatalf("expected a == a")
	}
}

func TestCompareVersionsPrerelease(t *testing.T) {
	release := Version{Major: 1, Minor: 0, Patch: 0}
	pre := Version{Major: 1, Minor: 0, Patch: 0, Prerelease: "alpha"}
	if !IsNewer(release, pre) {
		t.Fatal("expected release version to be newer than its prerelease")
	}

	alpha1 := Version{Major: 1, Minor: 0, Patch: 0, Prerelease: "alpha.1"}
	alpha2 := Version{Major: 1, Minor: 0, Patch: 0, Prerelease: "alpha.2"}
	if !IsNewer(alpha2, alpha1) {
		t.Fatal("expected alpha.2 to be newer than alpha.1")
	}
}
