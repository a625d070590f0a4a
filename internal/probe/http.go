package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arkeep-io/netprobe-agent/internal/registry"
)

// HTTP implements registry.Handler for both the "http" and "https" protocol
// tags — HTTPS registers the same handler with forceTLS set so a bare
// hostname target defaults to the https scheme and port 443.
type HTTP struct {
	ForceTLS bool
}

type httpAttemptResult struct {
	attempt       int
	success       bool
	statusCode    int
	responseMS    float64
	contentLength int
	redirectCount int
	finalURL      string
	contentSample string
	err           string
}

func (p *HTTP) Probe(ctx context.Context, target string, port int, parameters map[string]any, deadline time.Time) (registry.Result, error) {
	start := time.Now()

	targetURL, err := p.buildURL(target, port)
	if err != nil {
		return registry.Result{}, fmt.Errorf("probe: http: %w", err)
	}

	method := strings.ToUpper(stringParam(parameters, "method", "GET"))
	bodyStr := stringParam(parameters, "body", "")
	followRedirects := boolParam(parameters, "follow_redirects", true)
	verifySSL := boolParam(parameters, "verify_ssl", true)
	userAgent := stringParam(parameters, "user_agent", "NetworkProbe/1.0")
	maxRedirects := intParam(parameters, "max_redirects", 10)
	attempts := intParam(parameters, "request_attempts", 3)
	retryInterval := floatParam(parameters, "retry_interval", 1.0)
	expectedStatusCodes := intSliceParam(parameters, "status_codes", []int{200})
	contentCheck := stringParam(parameters, "content_check", "")
	headers := stringMapParam(parameters, "headers")

	if attempts <= 0 {
		attempts = 3
	}

	timeout := time.Until(deadline)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var results []httpAttemptResult
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				goto done
			case <-time.After(time.Duration(retryInterval * float64(time.Second))):
			}
		}
		redirects := new(int)
		client := p.buildClient(timeout, followRedirects, verifySSL, maxRedirects, redirects)
		results = append(results, singleHTTPRequest(ctx, client, targetURL, method, headers, bodyStr, userAgent, i+1, redirects))
	}
done:

	metrics := httpMetrics(results)
	durationMS := float64(time.Since(start)) / float64(time.Millisecond)
	status, errMsg := determineHTTPStatus(results, expectedStatusCodes, contentCheck)

	protocol := "http"
	if strings.HasPrefix(targetURL, "https") {
		protocol = "https"
	}

	return registry.Result{
		Protocol:     protocol,
		Target:       target,
		Port:         port,
		Status:       status,
		DurationMS:   durationMS,
		Timestamp:    start.Unix(),
		ErrorMessage: errMsg,
		Metrics:      metrics,
		RawData: map[string]any{
			"url":     targetURL,
			"results": httpRawAttempts(results),
			"parameters": map[string]any{
				"method":           method,
				"follow_redirects": followRedirects,
				"verify_ssl":       verifySSL,
				"request_attempts": attempts,
			},
		},
	}, nil
}

func (p *HTTP) buildURL(target string, port int) (string, error) {
	if target == "" {
		return "", fmt.Errorf("empty target")
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		if p.ForceTLS && strings.HasPrefix(target, "http://") {
			target = "https://" + strings.TrimPrefix(target, "http://")
		}
		u, err := url.Parse(target)
		if err != nil {
			return "", err
		}
		if port != 0 && u.Port() == "" {
			u.Host = fmt.Sprintf("%s:%d", u.Hostname(), port)
		}
		return u.String(), nil
	}

	scheme := "http"
	if p.ForceTLS || port == 443 {
		scheme = "https"
	}
	if port != 0 && port != 80 && port != 443 {
		return fmt.Sprintf("%s://%s:%d", scheme, target, port), nil
	}
	return fmt.Sprintf("%s://%s", scheme, target), nil
}

func (p *HTTP) buildClient(timeout time.Duration, followRedirects, verifySSL bool, maxRedirects int, redirects *int) *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifySSL},
	}
	client := &http.Client{Timeout: timeout, Transport: transport}
	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			*redirects = len(via)
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		}
	}
	return client
}

func singleHTTPRequest(ctx context.Context, client *http.Client, targetURL, method string, headers map[string]string, body, userAgent string, attempt int, redirects *int) httpAttemptResult {
	start := time.Now()

	var bodyReader io.Reader
	if body != "" {
		bodyReader = bytes.NewBufferString(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, bodyReader)
	if err != nil {
		return httpAttemptResult{attempt: attempt, success: false, err: err.Error()}
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	responseMS := round2(float64(time.Since(start)) / float64(time.Millisecond))
	if err != nil {
		return httpAttemptResult{attempt: attempt, success: false, responseMS: responseMS, err: err.Error()}
	}
	defer resp.Body.Close()

	content, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	sample := content
	if len(sample) > 1024 {
		sample = sample[:1024]
	}

	return httpAttemptResult{
		attempt:       attempt,
		success:       true,
		statusCode:    resp.StatusCode,
		responseMS:    responseMS,
		contentLength: len(content),
		redirectCount: *redirects,
		finalURL:      resp.Request.URL.String(),
		contentSample: string(sample),
	}
}

func httpMetrics(results []httpAttemptResult) map[string]any {
	if len(results) == 0 {
		return map[string]any{
			"total_requests":          0,
			"successful_requests":     0,
			"failed_requests":         0,
			"success_rate":            0.0,
			"min_response_time":       nil,
			"max_response_time":       nil,
			"avg_response_time":       nil,
			"stddev_response_time":    nil,
			"status_code_distribution": map[string]int{},
			"content_length_avg":      0.0,
			"redirect_count_avg":      0.0,
			"availability_score":      0.0,
		}
	}

	total := len(results)
	var successful int
	var responseTimes []float64
	statusDist := map[string]int{}
	var contentLengths, redirectCounts []float64

	for _, r := range results {
		if r.success {
			successful++
			statusDist[strconv.Itoa(r.statusCode)]++
			contentLengths = append(contentLengths, float64(r.contentLength))
			redirectCounts = append(redirectCounts, float64(r.redirectCount))
		}
		responseTimes = append(responseTimes, r.responseMS)
	}
	failed := total - successful
	successRate := float64(successful) / float64(total) * 100

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
	var stddev float64
	if len(responseTimes) > 1 {
		var variance float64
		for _, t := range responseTimes {
			variance += (t - avg) * (t - avg)
		}
		variance /= float64(len(responseTimes))
		stddev = math.Sqrt(variance)
	}

	contentAvg := avgOf(contentLengths)
	redirectAvg := avgOf(redirectCounts)

	availability := successRate
	if len(responseTimes) > 1 && avg > 0 {
		cv := stddev / avg
		availability = math.Max(0, availability-cv*5)
	}

	return map[string]any{
		"total_requests":           total,
		"successful_requests":      successful,
		"failed_requests":          failed,
		"success_rate":             round1(successRate),
		"min_response_time":        round2(mn),
		"max_response_time":        round2(mx),
		"avg_response_time":        round2(avg),
		"stddev_response_time":     round2(stddev),
		"status_code_distribution": statusDist,
		"content_length_avg":       round2(contentAvg),
		"redirect_count_avg":       round1(redirectAvg),
		"availability_score":       round1(availability),
	}
}

func avgOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func determineHTTPStatus(results []httpAttemptResult, expectedCodes []int, contentCheck string) (registry.Status, string) {
	if len(results) == 0 {
		return registry.StatusError, "no request results available"
	}

	var successful []httpAttemptResult
	for _, r := range results {
		if r.success {
			successful = append(successful, r)
		}
	}
	if len(successful) == 0 {
		return registry.StatusFailed, "all requests failed"
	}

	expected := map[int]bool{}
	for _, c := range expectedCodes {
		expected[c] = true
	}
	seenBad := map[int]bool{}
	for _, r := range successful {
		if !expected[r.statusCode] {
			seenBad[r.statusCode] = true
		}
	}
	if len(seenBad) > 0 {
		codes := make([]string, 0, len(seenBad))
		for c := range seenBad {
			codes = append(codes, strconv.Itoa(c))
		}
		return registry.StatusError, fmt.Sprintf("unexpected status codes: %s", strings.Join(codes, ", "))
	}

	if contentCheck != "" {
		failures := 0
		for _, r := range successful {
			if r.contentSample != "" && !strings.Contains(r.contentSample, contentCheck) {
				failures++
			}
		}
		if failures > 0 {
			return registry.StatusError, fmt.Sprintf("content check failed in %d requests", failures)
		}
	}

	successRate := float64(len(successful)) / float64(len(results)) * 100
	if successRate < 50.0 {
		return registry.StatusError, fmt.Sprintf("low success rate: %.1f%%", successRate)
	}

	var sum float64
	for _, r := range successful {
		sum += r.responseMS
	}
	avg := sum / float64(len(successful))
	if avg > 10000 {
		return registry.StatusError, fmt.Sprintf("high response time: %.1fms", avg)
	}

	return registry.StatusSuccess, ""
}

func httpRawAttempts(results []httpAttemptResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]any{
			"attempt":        r.attempt,
			"success":        r.success,
			"status_code":    r.statusCode,
			"response_time":  r.responseMS,
			"content_length": r.contentLength,
			"redirect_count": r.redirectCount,
			"final_url":      r.finalURL,
			"error":          r.err,
		})
	}
	return out
}

func intSliceParam(parameters map[string]any, key string, def []int) []int {
	v, ok := parameters[key]
	if !ok {
		return def
	}
	raw, ok := v.([]any)
	if !ok {
		return def
	}
	out := make([]int, 0, len(raw))
	for _, e := range raw {
		switch n := e.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func stringMapParam(parameters map[string]any, key string) map[string]string {
	v, ok := parameters[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
