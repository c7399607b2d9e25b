package core

import "strings"

const RedactedValue = "[REDACTED]"

// RedactFields returns a copy of fields with credential-like keys replaced,
// recursing into nested maps, header maps and slices.
func RedactFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	return redactSensitiveMap(fields)
}

// RedactHeaders returns a copy of headers with signature and token headers
// replaced.
func RedactHeaders(headers map[string]string) map[string]string {
	target := make(map[string]string, len(headers))
	for key, value := range headers {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = value
	}
	return target
}

func redactSensitiveMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactSensitiveValue(value)
	}
	return target
}

func redactSensitiveValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactSensitiveMap(typed)
	case map[string]string:
		return RedactHeaders(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactSensitiveValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	sensitiveTokens := []string{
		"password",
		"secret",
		"token",
		"authorization",
		"api_key",
		"apikey",
		"cookie",
		"credential",
		"signature",
		"dsn",
	}
	for _, token := range sensitiveTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func isTraceabilityKey(key string) bool {
	switch key {
	case "trace_id",
		"x-trace-id",
		"idempotency_key",
		"delivery_id",
		"run_id",
		"previous_id",
		"path",
		"handler",
		"kind":
		return true
	default:
		return false
	}
}
