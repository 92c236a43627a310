package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// template syntax ({{.VAR_NAME}}). The $ character stays untouched so
// regex patterns and passwords survive verbatim.
//
// Missing variables expand to empty strings; validation catches
// required fields left empty. Malformed templates pass the original
// bytes through so the YAML parser can produce a clearer error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			envMap[kv[:idx]] = kv[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}

// NormalizeEnvToken converts a group, card-type, or task identifier to
// the form used in parameterized environment keys: upper-cased with
// ':', '.' and '-' replaced by '_'. For example "scrape:github" becomes
// "SCRAPE_GITHUB" and "resource.github.data" becomes
// "RESOURCE_GITHUB_DATA".
func NormalizeEnvToken(s string) string {
	r := strings.NewReplacer(":", "_", ".", "_", "-", "_")
	return strings.ToUpper(r.Replace(s))
}
