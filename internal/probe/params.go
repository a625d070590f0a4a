package probe

import (
	"math"
	"time"
)

// intParam reads an integer-valued parameter out of a loosely-typed
// parameters map. Task parameters arrive over the wire as JSON and decode
// through encoding/json into float64 for any bare number, so both int and
// float64 representations are accepted.
func intParam(parameters map[string]any, key string, def int) int {
	v, ok := parameters[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

func floatParam(parameters map[string]any, key string, def float64) float64 {
	v, ok := parameters[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}

func boolParam(parameters map[string]any, key string, def bool) bool {
	v, ok := parameters[key]
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func stringParam(parameters map[string]any, key string, def string) string {
	v, ok := parameters[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// deadlineMS returns the full timeout budget in milliseconds derived from
// start and the handler's deadline, or 0 if deadline is zero.
func deadlineMS(deadline time.Time, start time.Time) float64 {
	if deadline.IsZero() {
		return 0
	}
	return float64(deadline.Sub(start)) / float64(time.Millisecond)
}
