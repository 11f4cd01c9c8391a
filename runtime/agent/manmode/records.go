package manmode

import (
	"encoding/json"
	"time"
)

// Record fields cross storage backends as portable scalars: times as
// RFC3339Nano strings, structured values as JSON text. The helpers below
// tolerate the few shapes different drivers hand back ([]byte vs string,
// json.Number vs float64) so repository code stays backend-agnostic.

func recordString(rec map[string]any, key string) string {
	switch v := rec[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func recordInt(rec map[string]any, key string) int {
	switch v := rec[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func recordFloat(rec map[string]any, key string) float64 {
	switch v := rec[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

func recordTime(rec map[string]any, key string) time.Time {
	switch v := rec[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
		return t
	default:
		return time.Time{}
	}
}

func decodeJSONField(rec map[string]any, key string, target any) error {
	raw := rec[key]
	if raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), target)
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, target)
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(buf, target)
	}
}
