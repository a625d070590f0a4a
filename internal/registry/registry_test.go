package registry

import (
	"context"
	"testing"
	"time"
)

func nopHandler(status Status) Handler {
	return HandlerFunc(func(ctx context.Context, target string, port int, parameters map[string]any, deadline time.Time) (Result, error) {
		return Result{Protocol: "test", Target: target, Port: port, Status: status}, nil
	})
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	r.Register("tcp", nopHandler(StatusSuccess))

	h, err := r.Get("tcp")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	res, err := h.Probe(context.Background(), "example.com", 443, nil, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %v, want success", res.Status)
	}
}

func TestGetUnregisteredProtocol(t *testing.T) {
	r := New()
	_, err := r.Get("icmp")
	if err == nil {
		t.Fatal("expected error for unregistered protocol")
	}
	var unsupported *ErrUnsupportedProtocol
	if !asUnsupported(err, &unsupported) {
		t.Fatalf("expected ErrUnsupportedProtocol, got %T: %v", err, err)
	}
	if unsupported.Protocol != "icmp" {
		t.Fatalf("Protocol = %q, want icmp", unsupported.Protocol)
	}
}

func asUnsupported(err error, target **ErrUnsupportedProtocol) bool {
	e, ok := err.(*ErrUnsupportedProtocol)
	if !ok {
		return false
	}
	*target = e
	return true
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := New()
	r.Register("tcp", nopHandler(StatusSuccess))

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r.Register("tcp", nopHandler(StatusSuccess))
}

func TestSupports(t *testing.T) {
	r := New()
	r.Register("udp", nopHandler(StatusSuccess))

	if !r.Supports("udp") {
		t.Fatal("expected Supports(udp) to be true")
	}
	if r.Supports("http") {
		t.Fatal("expected Supports(http) to be false")
	}
}

func TestCapabilitiesSorted(t *testing.T) {
	r := New()
	r.Register("udp", nopHandler(StatusSuccess))
	r.Register("http", nopHandler(StatusSuccess))
	r.Register("icmp", nopHandler(StatusSuccess))

	got := r.Capabilities()
	want := []string{"http", "icmp", "udp"}
	if len(got) != len(want) {
		t.Fatalf("Capabilities() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Capabilities() = %v, want %v", got, want)
		}
	}
}
