package agent

import (
	"encoding/json"
	"os"
	"strings"
)

// RedactionMarker replaces sensitive parameter values in error records and
// logs.
const RedactionMarker = "[REDACTED]"

// sensitiveKeyParts flag a parameter as secret when any appears as a
// case-insensitive substring of its key.
var sensitiveKeyParts = []string{"password", "token", "key", "secret", "credential"}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// RedactJSON returns a JSON rendering of input with sensitive values
// replaced. Input that does not parse is returned as the marker alone
// rather than leaking raw bytes.
func RedactJSON(input []byte) string {
	if len(input) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return RedactionMarker
	}
	out, err := json.Marshal(redactValue(v))
	if err != nil {
		return RedactionMarker
	}
	return string(out)
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKey(k) {
				out[k] = RedactionMarker
			} else {
				out[k] = redactValue(val)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val)
		}
		return out
	default:
		return v
	}
}

// StripHome removes the user's home-directory prefix from a path so error
// records do not leak usernames.
func StripHome(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + strings.TrimPrefix(path, home)
	}
	return path
}
