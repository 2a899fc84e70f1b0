package policy

import "time"

// AsInt coerces a policy value (int, int64, or json-decoded float64) to int,
// returning def for anything else including nil.
func AsInt(v interface{}, def int) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return def
	}
}

// AsOptionalInt is like AsInt but treats an explicit nil (e.g. LPP's
// BACKUP_MAXIMUM default) as "no value" rather than coercing it to def.
func AsOptionalInt(v interface{}) (value int, ok bool) {
	if v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// AsFloat64 coerces a policy value to float64.
func AsFloat64(v interface{}, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return def
	}
}

// AsBool coerces a policy value to bool.
func AsBool(v interface{}, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// AsDuration interprets a policy value as a number of seconds (the wire
// representation spec.md uses for LPP/DP timing fields) and converts it to a
// time.Duration.
func AsDuration(v interface{}, def time.Duration) time.Duration {
	switch t := v.(type) {
	case float64:
		return time.Duration(t * float64(time.Second))
	case int:
		return time.Duration(t) * time.Second
	case int64:
		return time.Duration(t) * time.Second
	default:
		return def
	}
}
