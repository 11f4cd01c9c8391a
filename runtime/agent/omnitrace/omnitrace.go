// Package omnitrace provides the observability primitives shared by the
// orchestrator: canonical JSON serialization for deterministic hashing,
// content-based hashing for deduplication, sensitive-data redaction for audit
// payloads, payload truncation for storage efficiency, and event key
// generation for idempotent event mirroring.
package omnitrace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MaxPayloadSize is the serialized size above which Truncate collapses a
	// payload to its essential fields.
	MaxPayloadSize = 32 * 1024

	// MaxSafeStringLength is the longest string value preserved verbatim by
	// Redact for keys without an allowlist entry.
	MaxSafeStringLength = 20

	// LargeNumberThreshold is the absolute numeric value above which Redact
	// hashes a number (account numbers, amounts, and similar).
	LargeNumberThreshold = 10000

	// DefaultHashLength is the hex-prefix length returned by ComputeHash when
	// no explicit length is requested.
	DefaultHashLength = 16

	// maxRedactDepth bounds recursion through nested payloads.
	maxRedactDepth = 10
)

// allowlistKeys are always preserved; they carry no payload content and are
// required for tracing.
var allowlistKeys = map[string]struct{}{
	"id": {}, "workflow_id": {}, "run_id": {}, "step": {}, "step_id": {},
	"event_type": {}, "timestamp": {}, "status": {}, "retry_count": {},
	"attempt": {}, "version": {}, "type": {}, "name": {}, "action": {},
	"lane": {}, "result": {}, "success": {}, "error_code": {}, "duration_ms": {},
}

// droplistKeys always have their values replaced by a redaction marker.
var droplistKeys = map[string]struct{}{
	"password": {}, "secret": {}, "token": {}, "api_key": {}, "apikey": {},
	"auth": {}, "authorization": {}, "credential": {}, "private_key": {},
	"privatekey": {}, "access_token": {}, "refresh_token": {}, "session": {},
	"cookie": {},
}

// sensitivePatterns flag key names that suggest personal or financial data.
var sensitivePatterns = []string{
	"email", "phone", "address", "ssn", "social_security", "credit_card",
	"card_number", "cvv", "pin", "account_number", "routing_number", "bank",
	"salary", "income", "dob", "birth", "passport", "license",
	"user_", "customer_", "client_", "personal_",
}

var emailPattern = regexp.MustCompile(`[^@\s]+@[^@\s]+\.[^@\s]+`)

// CanonicalJSON serializes v deterministically: object keys sorted, no
// extraneous whitespace, no HTML escaping. Equal values always produce
// byte-equal output.
func CanonicalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// ComputeHash returns a lowercase hex prefix of the SHA-256 of the canonical
// JSON form of v. Length <= 0 selects DefaultHashLength. The function is
// total: values that cannot be serialized hash their Go string rendering
// instead, so callers never branch on failure.
func ComputeHash(v any, length int) string {
	if length <= 0 {
		length = DefaultHashLength
	}
	canonical, err := CanonicalJSON(v)
	if err != nil {
		canonical = fmt.Sprintf("%v", v)
	}
	sum := sha256.Sum256([]byte(canonical))
	full := hex.EncodeToString(sum[:])
	if length > len(full) {
		length = len(full)
	}
	return full[:length]
}

// Redact returns a copy of data safe for audit logs and notifications.
//
// Rules, in order per key: allowlisted keys are preserved (recursing into
// nested objects), droplisted or sensitive-pattern keys are replaced with a
// redaction marker, nested objects and lists are processed recursively, and
// remaining values are redacted when they look like content (strings longer
// than MaxSafeStringLength or matching an email, numbers with absolute value
// above LargeNumberThreshold). Recursion stops at depth 10.
func Redact(data map[string]any) map[string]any {
	return redactDepth(data, 0)
}

func redactDepth(data map[string]any, depth int) map[string]any {
	if depth >= maxRedactDepth {
		return map[string]any{"<truncated>": "max depth exceeded"}
	}
	result := make(map[string]any, len(data))
	for key, value := range data {
		switch {
		case isAllowlistedKey(key):
			if nested, ok := value.(map[string]any); ok {
				result[key] = redactDepth(nested, depth+1)
			} else {
				result[key] = value
			}
		case isSensitiveKey(key):
			result[key] = redactValue(value)
		default:
			switch v := value.(type) {
			case map[string]any:
				result[key] = redactDepth(v, depth+1)
			case []any:
				items := make([]any, len(v))
				for i, item := range v {
					if nested, ok := item.(map[string]any); ok {
						items[i] = redactDepth(nested, depth+1)
					} else if shouldRedactValue(item) {
						items[i] = redactValue(item)
					} else {
						items[i] = item
					}
				}
				result[key] = items
			default:
				if shouldRedactValue(value) {
					result[key] = redactValue(value)
				} else {
					result[key] = value
				}
			}
		}
	}
	return result
}

// Truncate passes small payloads through unchanged. Payloads whose canonical
// serialization exceeds maxSize (MaxPayloadSize when <= 0) collapse to their
// essential tracing fields plus a truncation marker and the original size.
func Truncate(payload map[string]any, maxSize int) map[string]any {
	if maxSize <= 0 {
		maxSize = MaxPayloadSize
	}
	serialized, err := CanonicalJSON(payload)
	if err != nil {
		serialized = fmt.Sprintf("%v", payload)
	}
	if len(serialized) <= maxSize {
		return payload
	}
	essential := map[string]struct{}{
		"workflow_id": {}, "id": {}, "event_type": {}, "timestamp": {}, "status": {},
	}
	truncated := make(map[string]any, len(essential)+2)
	for k, v := range payload {
		if _, ok := essential[k]; ok {
			truncated[k] = v
		}
	}
	truncated["<truncated>"] = true
	truncated["original_size"] = len(serialized)
	return truncated
}

// EventKey derives the idempotent mirror key for an event:
// "<type>:<workflow prefix>:<content hash>". Equal inputs yield equal keys, so
// replayed emissions of the same event collapse downstream.
func EventKey(workflowID, eventType, step string, retryCount int, timestamp string) string {
	components := []string{workflowID, eventType}
	if step != "" {
		components = append(components, step)
	}
	components = append(components, strconv.Itoa(retryCount))
	if timestamp != "" {
		components = append(components, timestamp)
	}
	keyHash := ComputeHash(strings.Join(components, ":"), 8)
	prefix := workflowID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s:%s:%s", eventType, prefix, keyHash)
}

func isAllowlistedKey(key string) bool {
	_, ok := allowlistKeys[strings.ToLower(key)]
	return ok
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if _, ok := droplistKeys[lower]; ok {
		return true
	}
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func shouldRedactValue(value any) bool {
	switch v := value.(type) {
	case string:
		if len(v) > MaxSafeStringLength {
			return true
		}
		return emailPattern.MatchString(v)
	case int:
		return abs(float64(v)) > LargeNumberThreshold
	case int32:
		return abs(float64(v)) > LargeNumberThreshold
	case int64:
		return abs(float64(v)) > LargeNumberThreshold
	case float32:
		return abs(float64(v)) > LargeNumberThreshold
	case float64:
		return abs(v) > LargeNumberThreshold
	default:
		return false
	}
}

func redactValue(value any) string {
	return fmt.Sprintf("<redacted:%s>", ComputeHash(value, DefaultHashLength))
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
