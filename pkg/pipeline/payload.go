package pipeline

// Artifact payloads round-trip through JSON, so nested values arrive as
// map[string]any, []any, and float64 regardless of what the fetcher
// originally built. These accessors tolerate missing keys and wrong
// shapes by returning zero values.

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func intOf(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func boolOf(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

// stringsOf flattens a JSON array into its string elements, dropping
// anything that is not a string.
func stringsOf(v any) []string {
	raw := asSlice(v)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
