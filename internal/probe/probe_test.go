package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/arkeep-io/netprobe-agent/internal/registry"
)

func TestTCPProbeSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	h := &TCP{}
	result, err := h.Probe(context.Background(), host, port, map[string]any{"connect_attempts": float64(2)}, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if result.Status != registry.StatusSuccess {
		t.Fatalf("status = %v, want success: %+v", result.Status, result.Metrics)
	}
	if result.Metrics["successful_connections"].(int) != 2 {
		t.Fatalf("successful_connections = %v, want 2", result.Metrics["successful_connections"])
	}
}

func TestTCPProbeConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	h := &TCP{}
	result, err := h.Probe(context.Background(), host, port, map[string]any{"connect_attempts": float64(1)}, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if result.Status != registry.StatusFailed {
		t.Fatalf("status = %v, want failed", result.Status)
	}
}

func TestHTTPProbeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	u, err := parseTestURL(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}

	h := &HTTP{}
	result, err := h.Probe(context.Background(), u.host, u.port, map[string]any{"request_attempts": float64(1)}, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if result.Status != registry.StatusSuccess {
		t.Fatalf("status = %v, want success: %s", result.Status, result.ErrorMessage)
	}
	if result.Metrics["total_requests"].(int) != 1 {
		t.Fatalf("total_requests = %v, want 1", result.Metrics["total_requests"])
	}
}

type testURL struct {
	host string
	port int
}

func parseTestURL(raw string) (testURL, error) {
	host, portStr, err := net.SplitHostPort(raw[len("http://"):])
	if err != nil {
		return testURL{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return testURL{}, err
	}
	return testURL{host: host, port: port}, nil
}

func TestIntParamFallsBackOnWrongType(t *testing.T) {
	if got := intParam(map[string]any{"count": "four"}, "count", 4); got != 4 {
		t.Fatalf("intParam = %d, want default 4", got)
	}
	if got := intParam(map[string]any{"count": float64(7)}, "count", 4); got != 7 {
		t.Fatalf("intParam = %d, want 7", got)
	}
}

func TestICMPMetricsAllLost(t *testing.T) {
	m := icmpMetrics(nil, 4)
	if m["packet_loss"].(float64) != 100.0 {
		t.Fatalf("packet_loss = %v, want 100.0", m["packet_loss"])
	}
}
