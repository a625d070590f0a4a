// Package probe holds the protocol handlers compiled into the agent. Each
// file implements registry.Handler for one protocol tag and is wired into
// the registry by cmd/agent at startup — there is no dynamic discovery.
package probe

import (
	"context"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/arkeep-io/netprobe-agent/internal/registry"
)

// TCPDefaults mirrors the default parameter values a task omits.
var TCPDefaults = map[string]any{
	"connect_attempts": 3,
	"retry_interval":    1.0,
}

// TCP implements registry.Handler by attempting a configurable number of
// raw TCP connects against target:port and aggregating connect-time
// statistics across attempts.
type TCP struct {
	// Dialer is injectable for tests; defaults to &net.Dialer{} on first use.
	Dialer interface {
		DialContext(ctx context.Context, network, address string) (net.Conn, error)
	}
}

type tcpAttempt struct {
	attempt      int
	success      bool
	connectMS    float64
	hasConnectMS bool
	err          string
}

func (p *TCP) dialer() interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
} {
	if p.Dialer != nil {
		return p.Dialer
	}
	return &net.Dialer{}
}

func (p *TCP) Probe(ctx context.Context, target string, port int, parameters map[string]any, deadline time.Time) (registry.Result, error) {
	start := time.Now()

	if target == "" || port <= 0 || port > 65535 {
		return registry.Result{}, fmt.Errorf("probe: tcp: invalid target/port %q:%d", target, port)
	}

	attempts := intParam(parameters, "connect_attempts", 3)
	retryInterval := floatParam(parameters, "retry_interval", 1.0)
	if attempts <= 0 {
		attempts = 3
	}

	var results []tcpAttempt
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				goto done
			case <-time.After(time.Duration(retryInterval * float64(time.Second))):
			}
		}
		results = append(results, p.attempt(ctx, target, port, i+1))
	}
done:

	metrics := tcpMetrics(results)
	durationMS := float64(time.Since(start)) / float64(time.Millisecond)

	status := registry.StatusSuccess
	var errMsg string
	successful := metrics["successful_connections"].(int)
	successRate := metrics["success_rate"].(float64)
	avgConnect, _ := metrics["avg_connect_time"].(float64)

	switch {
	case successful == 0:
		status = registry.StatusFailed
		errMsg = "all connection attempts failed"
	case successRate < 50.0:
		status = registry.StatusError
		errMsg = fmt.Sprintf("low success rate: %.1f%%", successRate)
	case avgConnect > 0 && metrics["avg_connect_time"] != nil:
		timeoutMS := deadlineMS(deadline, start)
		if timeoutMS > 0 && avgConnect > timeoutMS*0.8 {
			status = registry.StatusError
			errMsg = fmt.Sprintf("high connection time: %.1fms", avgConnect)
		}
	}

	return registry.Result{
		Protocol:     "tcp",
		Target:       target,
		Port:         port,
		Status:       status,
		DurationMS:   durationMS,
		Timestamp:    start.Unix(),
		ErrorMessage: errMsg,
		Metrics:      metrics,
		RawData: map[string]any{
			"attempts": attemptsRaw(results),
			"parameters": map[string]any{
				"connect_attempts": attempts,
				"retry_interval":   retryInterval,
			},
		},
	}, nil
}

func (p *TCP) attempt(ctx context.Context, target string, port int, seq int) tcpAttempt {
	address := net.JoinHostPort(target, fmt.Sprintf("%d", port))

	start := time.Now()
	conn, err := p.dialer().DialContext(ctx, "tcp", address)
	if err != nil {
		msg := err.Error()
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			msg = fmt.Sprintf("connection timeout: %s", err)
		}
		return tcpAttempt{attempt: seq, success: false, err: msg}
	}
	defer conn.Close()

	connectMS := float64(time.Since(start)) / float64(time.Millisecond)
	return tcpAttempt{attempt: seq, success: true, connectMS: round2(connectMS), hasConnectMS: true}
}

func tcpMetrics(results []tcpAttempt) map[string]any {
	if len(results) == 0 {
		return map[string]any{
			"total_attempts":          0,
			"successful_connections":  0,
			"failed_connections":      0,
			"success_rate":            0.0,
			"min_connect_time":        nil,
			"max_connect_time":        nil,
			"avg_connect_time":        nil,
			"stddev_connect_time":     nil,
			"connection_reliability":  0.0,
		}
	}

	total := len(results)
	var successful int
	var times []float64
	for _, r := range results {
		if r.success {
			successful++
			if r.hasConnectMS {
				times = append(times, r.connectMS)
			}
		}
	}
	failed := total - successful
	successRate := float64(successful) / float64(total) * 100

	var minT, maxT, avgT, stddevT any
	if len(times) > 0 {
		mn, mx, sum := times[0], times[0], 0.0
		for _, t := range times {
			if t < mn {
				mn = t
			}
			if t > mx {
				mx = t
			}
			sum += t
		}
		avg := sum / float64(len(times))
		var variance float64
		if len(times) > 1 {
			for _, t := range times {
				variance += (t - avg) * (t - avg)
			}
			variance /= float64(len(times))
		}
		minT, maxT, avgT, stddevT = round2(mn), round2(mx), round2(avg), round2(math.Sqrt(variance))
	}

	return map[string]any{
		"total_attempts":         total,
		"successful_connections": successful,
		"failed_connections":     failed,
		"success_rate":           round1(successRate),
		"min_connect_time":       minT,
		"max_connect_time":       maxT,
		"avg_connect_time":       avgT,
		"stddev_connect_time":    stddevT,
		"connection_reliability": round1(successRate),
	}
}

func attemptsRaw(results []tcpAttempt) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		var connectMS any
		if r.hasConnectMS {
			connectMS = r.connectMS
		}
		out = append(out, map[string]any{
			"attempt":      r.attempt,
			"success":      r.success,
			"connect_time": connectMS,
			"error":        r.err,
		})
	}
	return out
}
