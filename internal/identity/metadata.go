package identity

import (
	"strings"
	"unicode"
)

const customPrefix = "custom_"

// NormalizeMetadata rewrites metadata keys to the custom_<snake_case> form.
// Keys already carrying the prefix are kept as-is; values are untouched.
// Keys that normalize to nothing are dropped.
func NormalizeMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if strings.HasPrefix(k, customPrefix) {
			out[k] = v
			continue
		}
		name := snakeCase(k)
		if name == "" {
			continue
		}
		out[customPrefix+name] = v
	}
	return out
}

// snakeCase converts "gpuCount", "Team Name" and "max-tokens" into
// "gpu_count", "team_name" and "max_tokens".
func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	pendingSep := false
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && i > 0 && b.Len() > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					pendingSep = true
				}
			}
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
		default:
			pendingSep = true
		}
	}
	return b.String()
}
