package masking

import "strings"

const maskToken = "****"

// sensitiveKeys hold free text that may carry patient details.
var sensitiveKeys = map[string]struct{}{
	"note":        {},
	"notes":       {},
	"outcome":     {},
	"description": {},
	"reason":      {},
	"patient":     {},
}

// MaskText redacts free text while keeping a short suffix for correlation.
func MaskText(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	runes := []rune(trimmed)
	if len(runes) <= 4 {
		return maskToken
	}
	return maskToken + string(runes[len(runes)-4:])
}

// MaskPayload returns a copy of input with sensitive string values masked.
// Nested maps and slices are walked.
func MaskPayload(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		if _, ok := sensitiveKeys[strings.ToLower(trimmedKey)]; ok {
			masked[trimmedKey] = maskValue(value)
			continue
		}
		masked[trimmedKey] = walk(value)
	}

	if len(masked) == 0 {
		return nil
	}
	return masked
}

func walk(value any) any {
	switch cast := value.(type) {
	case map[string]any:
		return MaskPayload(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, walk(item))
		}
		return out
	default:
		return value
	}
}

func maskValue(value any) any {
	switch cast := value.(type) {
	case string:
		return MaskText(cast)
	case map[string]any:
		out := make(map[string]any, len(cast))
		for k, v := range cast {
			out[k] = maskValue(v)
		}
		return out
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(item))
		}
		return out
	default:
		return value
	}
}
