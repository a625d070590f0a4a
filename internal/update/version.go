// Package update implements the agent's over-the-air update lifecycle:
// version comparison, signature verification, package install/rollback, and
// the HTTP client that queries the update server and drives the whole
// sequence — grounded on arkeep's RSA key handling in auth.JWTManager and its
// subprocess pattern in the hooks package, generalized from backup-job
// concerns to package installation.
package update

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Version is a parsed semantic version, following the SemVer 2.0.0 grammar.
// No semver library appears anywhere in the example pack, so this is a
// direct, minimal port of the original agent's hand-rolled parser/comparator.
type Version struct {
	Major      int
	Minor      int
	Patch      int
	Prerelease string
	Build      string
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

var versionPattern = regexp.MustCompile(
	`^(0|[1-9]\d*)` +
		`\.(0|[1-9]\d*)` +
		`\.(0|[1-9]\d*)` +
		`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?` +
		`(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

// ErrInvalidVersion is returned by ParseVersion for a malformed version string.
type ErrInvalidVersion struct {
	Raw string
}

func (e *ErrInvalidVersion) Error() string {
	return fmt.Sprintf("update: invalid version string: %q", e.Raw)
}

// ParseVersion parses a SemVer 2.0.0 version string.
func ParseVersion(raw string) (Version, error) {
	trimmed := strings.TrimSpace(raw)
	m := versionPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return Version{}, &ErrInvalidVersion{Raw: raw}
	}

	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return Version{Major: major, Minor: minor, Patch: patch, Prerelease: m[4], Build: m[5]}, nil
}

// Compare returns -1, 0, or 1 if a is less than, equal to, or greater than b,
// per SemVer precedence rules (build metadata is ignored).
func Compare(a, b Version) int {
	if c := compareInt(a.Major, b.Major); c != 0 {
		return c
	}
	if c := compareInt(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := compareInt(a.Patch, b.Patch); c != 0 {
		return c
	}

	switch {
	case a.Prerelease == "" && b.Prerelease != "":
		return 1
	case a.Prerelease != "" && b.Prerelease == "":
		return -1
	case a.Prerelease == "" && b.Prerelease == "":
		return 0
	default:
		return comparePrerelease(a.Prerelease, b.Prerelease)
	}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func comparePrerelease(a, b string) int {
	partsA := strings.Split(a, ".")
	partsB := strings.Split(b, ".")

	for i := 0; i < maxInt(len(partsA), len(partsB)); i++ {
		if i >= len(partsA) {
			return -1
		}
		if i >= len(partsB) {
			return 1
		}

		pa, pb := partsA[i], partsB[i]
		numA, errA := strconv.Atoi(pa)
		numB, errB := strconv.Atoi(pb)
		if errA == nil && errB == nil {
			if c := compareInt(numA, numB); c != 0 {
				return c
			}
			continue
		}
		if pa != pb {
			if pa < pb {
				return -1
			}
			return 1
		}
	}
	return 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// IsNewer reports whether candidate is a strictly newer version than current.
func IsNewer(candidate, current Version) bool {
	return Compare(candidate, current) > 0
}
