package probe

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/arkeep-io/netprobe-agent/internal/registry"
)

// ICMP implements registry.Handler by shelling out to the system ping
// binary, the way hooks.Runner shells out to a configured script — sending
// raw ICMP echo requests from an unprivileged process is not portable
// without elevated capabilities, and the system ping command already does
// this reliably on every supported platform.
type ICMP struct{}

func (p *ICMP) Probe(ctx context.Context, target string, port int, parameters map[string]any, deadline time.Time) (registry.Result, error) {
	start := time.Now()

	if target == "" {
		return registry.Result{}, fmt.Errorf("probe: icmp: empty target")
	}

	count := intParam(parameters, "count", 4)
	if count <= 0 {
		count = 4
	}
	interval := floatParam(parameters, "interval", 1.0)
	packetSize := intParam(parameters, "packet_size", 32)
	ttl := intParam(parameters, "ttl", 64)

	timeoutSecs := floatParam(parameters, "timeout", time.Until(deadline).Seconds())
	if timeoutSecs <= 0 {
		timeoutSecs = 5.0
	}

	cmdTimeout := time.Duration(timeoutSecs*float64(count)+10) * time.Second

	cmdCtx, cancel := context.WithTimeout(ctx, cmdTimeout)
	defer cancel()

	cmd := buildPingCmd(cmdCtx, target, count, interval, packetSize, ttl, timeoutSecs)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	if err != nil {
		if cmdCtx.Err() != nil {
			return registry.Result{}, fmt.Errorf("probe: icmp: ping timed out after %s", cmdTimeout)
		}
		var exitErr *exec.ExitError
		exitCode := -1
		if ok := asExitError(err, &exitErr); ok {
			exitCode = exitErr.ExitCode()
		}
		// exit code 1 is acceptable: some packet loss, not a command failure.
		if exitCode != 1 {
			return registry.Result{}, fmt.Errorf("probe: icmp: ping command failed: %s", strings.TrimSpace(buf.String()))
		}
	}

	rtts := parsePingOutput(buf.String(), runtime.GOOS)
	metrics := icmpMetrics(rtts, count)
	durationMS := float64(time.Since(start)) / float64(time.Millisecond)

	status := registry.StatusSuccess
	var errMsg string
	received := metrics["packets_received"].(int)
	loss := metrics["packet_loss"].(float64)
	if received == 0 {
		status = registry.StatusFailed
		errMsg = "all packets lost"
	} else if loss > 50.0 {
		status = registry.StatusError
		errMsg = fmt.Sprintf("high packet loss: %.1f%%", loss)
	}

	return registry.Result{
		Protocol:     "icmp",
		Target:       target,
		Status:       status,
		DurationMS:   durationMS,
		Timestamp:    start.Unix(),
		ErrorMessage: errMsg,
		Metrics:      metrics,
		RawData: map[string]any{
			"rtts": rtts,
			"parameters": map[string]any{
				"count":       count,
				"interval":    interval,
				"packet_size": packetSize,
				"ttl":         ttl,
			},
		},
	}, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func buildPingCmd(ctx context.Context, target string, count int, interval float64, packetSize, ttl int, timeoutSecs float64) *exec.Cmd {
	if runtime.GOOS == "windows" {
		args := []string{
			"-n", strconv.Itoa(count),
			"-l", strconv.Itoa(packetSize),
			"-i", strconv.Itoa(ttl),
			"-w", strconv.Itoa(int(timeoutSecs * 1000)),
			target,
		}
		return exec.CommandContext(ctx, "ping", args...)
	}

	args := []string{
		"-c", strconv.Itoa(count),
		"-s", strconv.Itoa(packetSize),
		"-t", strconv.Itoa(ttl),
		"-W", strconv.Itoa(int(timeoutSecs)),
	}
	if interval != 1.0 {
		args = append(args, "-i", strconv.FormatFloat(interval, 'f', -1, 64))
	}
	args = append(args, target)
	return exec.CommandContext(ctx, "ping", args...)
}

func parsePingOutput(output, goos string) []float64 {
	var rtts []float64
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, "time") {
			continue
		}

		var timePart string
		if goos == "windows" {
			if !strings.Contains(line, "time=") || !strings.Contains(line, "ms") {
				continue
			}
			timePart = strings.SplitN(strings.SplitN(line, "time=", 2)[1], "ms", 2)[0]
			timePart = strings.NewReplacer("<", "", ">", "").Replace(timePart)
		} else {
			if !strings.Contains(line, "time=") {
				continue
			}
			fields := strings.Fields(strings.SplitN(line, "time=", 2)[1])
			if len(fields) == 0 {
				continue
			}
			timePart = fields[0]
		}

		rtt, err := strconv.ParseFloat(timePart, 64)
		if err != nil {
			continue
		}
		rtts = append(rtts, rtt)
	}
	return rtts
}

func icmpMetrics(rtts []float64, packetsSent int) map[string]any {
	if len(rtts) == 0 {
		return map[string]any{
			"packets_sent":     packetsSent,
			"packets_received": 0,
			"packet_loss":      100.0,
			"min_rtt":          nil,
			"max_rtt":          nil,
			"avg_rtt":          nil,
			"stddev_rtt":       nil,
			"jitter":           nil,
		}
	}

	received := len(rtts)
	mn, mx, sum := rtts[0], rtts[0], 0.0
	for _, r := range rtts {
		if r < mn {
			mn = r
		}
		if r > mx {
			mx = r
		}
		sum += r
	}
	avg := sum / float64(received)

	var variance float64
	for _, r := range rtts {
		variance += (r - avg) * (r - avg)
	}
	variance /= float64(received)
	stddev := math.Sqrt(variance)

	var jitter float64
	if received > 1 {
		var diffSum float64
		for i := 1; i < received; i++ {
			diffSum += math.Abs(rtts[i] - rtts[i-1])
		}
		jitter = diffSum / float64(received-1)
	}

	packetLoss := float64(packetsSent-received) / float64(packetsSent) * 100
	if packetLoss < 0 {
		packetLoss = 0
	}

	return map[string]any{
		"packets_sent":     packetsSent,
		"packets_received": received,
		"packet_loss":      round1(packetLoss),
		"min_rtt":          round2(mn),
		"max_rtt":          round2(mx),
		"avg_rtt":          round2(avg),
		"stddev_rtt":       round2(stddev),
		"jitter":           round2(jitter),
	}
}
