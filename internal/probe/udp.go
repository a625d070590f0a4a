package probe

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/arkeep-io/netprobe-agent/internal/registry"
)

// UDP implements registry.Handler by sending a configurable number of UDP
// datagrams to target:port and, when expect_response is set, measuring the
// round trip to a reply on the same socket.
type UDP struct{}

type udpPacketResult struct {
	sequence        int
	sent            bool
	transmissionErr string
	responseWaited  bool
	responseOK      bool
	responseMS      float64
	hasResponseMS   bool
}

func (p *UDP) Probe(ctx context.Context, target string, port int, parameters map[string]any, deadline time.Time) (registry.Result, error) {
	start := time.Now()

	if target == "" {
		return registry.Result{}, fmt.Errorf("probe: udp: empty target")
	}
	if port <= 0 {
		port = 53
	}

	count := intParam(parameters, "packet_count", 5)
	if count <= 0 {
		count = 5
	}
	packetSize := intParam(parameters, "packet_size", 64)
	interval := floatParam(parameters, "interval", 1.0)
	expectResponse := boolParam(parameters, "expect_response", false)

	timeout := time.Until(deadline)
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(target, fmt.Sprintf("%d", port)))
	if err != nil {
		return registry.Result{}, fmt.Errorf("probe: udp: resolve %s: %w", target, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return registry.Result{}, fmt.Errorf("probe: udp: dial %s: %w", target, err)
	}
	defer conn.Close()

	results := make([]udpPacketResult, 0, count)
	for i := 0; i < count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				goto done
			case <-time.After(time.Duration(interval * float64(time.Second))):
			}
		}
		results = append(results, sendUDPPacket(conn, packetSize, i+1, timeout, expectResponse))
	}
done:

	metrics := udpMetrics(results, expectResponse)
	durationMS := float64(time.Since(start)) / float64(time.Millisecond)

	status := registry.StatusSuccess
	var errMsg string
	sent := metrics["packets_sent"].(int)
	switch {
	case sent == 0:
		status = registry.StatusError
		errMsg = "no packets could be sent"
	case expectResponse && metrics["response_rate"].(float64) == 0.0:
		status = registry.StatusFailed
		errMsg = "no responses received"
	case expectResponse && metrics["response_rate"].(float64) < 50.0:
		status = registry.StatusError
		errMsg = fmt.Sprintf("low response rate: %.1f%%", metrics["response_rate"].(float64))
	case metrics["transmission_errors"].(int) > sent/2:
		status = registry.StatusError
		errMsg = fmt.Sprintf("high transmission error rate: %.1f%%", metrics["error_rate"].(float64))
	}

	return registry.Result{
		Protocol:     "udp",
		Target:       target,
		Port:         port,
		Status:       status,
		DurationMS:   durationMS,
		Timestamp:    start.Unix(),
		ErrorMessage: errMsg,
		Metrics:      metrics,
		RawData: map[string]any{
			"parameters": map[string]any{
				"packet_count":    count,
				"packet_size":     packetSize,
				"interval":        interval,
				"expect_response": expectResponse,
			},
		},
	}, nil
}

func sendUDPPacket(conn *net.UDPConn, packetSize, sequence int, timeout time.Duration, expectResponse bool) udpPacketResult {
	payload := buildUDPPayload(packetSize, sequence)

	sendTime := time.Now()
	if _, err := conn.Write(payload); err != nil {
		return udpPacketResult{sequence: sequence, sent: false, transmissionErr: err.Error()}
	}

	result := udpPacketResult{sequence: sequence, sent: true}
	if !expectResponse {
		return result
	}

	result.responseWaited = true
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := conn.Read(buf)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return result
	}
	_ = n
	result.responseOK = true
	result.responseMS = round2(float64(time.Since(sendTime)) / float64(time.Millisecond))
	result.hasResponseMS = true
	return result
}

func buildUDPPayload(size, sequence int) []byte {
	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header[0:4], uint32(sequence))
	binary.BigEndian.PutUint64(header[4:12], uint64(time.Now().UnixMicro()))

	if size <= len(header) {
		return header
	}
	payload := make([]byte, size)
	copy(payload, header)
	rand.Read(payload[len(header):])
	return payload
}

func udpMetrics(results []udpPacketResult, expectResponse bool) map[string]any {
	if len(results) == 0 {
		return map[string]any{
			"packets_sent":             0,
			"packets_received":         0,
			"transmission_errors":      0,
			"response_rate":            0.0,
			"error_rate":               0.0,
			"min_response_time":        nil,
			"max_response_time":        nil,
			"avg_response_time":        nil,
			"stddev_response_time":     nil,
			"jitter":                   nil,
			"transmission_reliability": 0.0,
		}
	}

	total := len(results)
	var sent, txErrors, received int
	var responseTimes []float64
	for _, r := range results {
		if r.sent {
			sent++
		} else {
			txErrors++
		}
		if r.responseOK {
			received++
		}
		if r.hasResponseMS {
			responseTimes = append(responseTimes, r.responseMS)
		}
	}

	var responseRate float64
	if expectResponse && sent > 0 {
		responseRate = float64(received) / float64(sent) * 100
	}

	var minT, maxT, avgT, stddevT, jitter any
	if expectResponse && len(responseTimes) > 0 {
		mn, mx, sum := responseTimes[0], responseTimes[0], 0.0
		for _, t := range responseTimes {
			if t < mn {
				mn = t
			}
			if t > mx {
				mx = t
			}
			sum += t
		}
		avg := sum / float64(len(responseTimes))
		var variance, jit float64
		if len(responseTimes) > 1 {
			for _, t := range responseTimes {
				variance += (t - avg) * (t - avg)
			}
			variance /= float64(len(responseTimes))
			var diffSum float64
			for i := 1; i < len(responseTimes); i++ {
				diffSum += math.Abs(responseTimes[i] - responseTimes[i-1])
			}
			jit = diffSum / float64(len(responseTimes)-1)
		}
		minT, maxT, avgT, stddevT, jitter = round2(mn), round2(mx), round2(avg), round2(math.Sqrt(variance)), round2(jit)
	}

	errorRate := float64(txErrors) / float64(total) * 100
	reliability := 100.0 - errorRate
	if expectResponse {
		reliability = (reliability + responseRate) / 2
	}

	return map[string]any{
		"packets_sent":             sent,
		"packets_received":         received,
		"transmission_errors":      txErrors,
		"response_rate":            round1(responseRate),
		"error_rate":               round1(errorRate),
		"min_response_time":        minT,
		"max_response_time":        maxT,
		"avg_response_time":        avgT,
		"stddev_response_time":     stddevT,
		"jitter":                   jitter,
		"transmission_reliability": round1(reliability),
	}
}
