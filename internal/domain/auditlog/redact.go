package auditlog

import (
	"regexp"

	"github.com/claimsgate/claimsgate/internal/platform/vault"
)

var sensitiveKey = regexp.MustCompile(`(?i)(password|passwd|secret|token|authorization|credential|api[_-]?key|private[_-]?key)`)

// Redact returns a deep copy of m with every value under a credential-like key
// replaced by the vault placeholder.
func Redact(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return redactMap(m)
}

func redactMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for key, value := range m {
		if sensitiveKey.MatchString(key) {
			out[key] = vault.Masked
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return redactMap(val)
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, s := range val {
			if sensitiveKey.MatchString(k) {
				out[k] = vault.Masked
				continue
			}
			out[k] = s
		}
		return out
	case map[string][]string:
		out := make(map[string]interface{}, len(val))
		for k, s := range val {
			if sensitiveKey.MatchString(k) {
				out[k] = vault.Masked
				continue
			}
			out[k] = s
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, item := range val {
			out = append(out, redactValue(item))
		}
		return out
	default:
		return v
	}
}
