// Package masking scrubs credentials from the free-text parts of event
// payloads before they are persisted. Fetcher errors and progress
// messages can echo upstream responses, and those responses sometimes
// carry the very tokens that authenticated the request.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/mosaiclabs/mosaic/pkg/config"
)

// CompiledPattern pairs a compiled credential regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns returns the compiled built-in credential set. The
// set targets what leaks through HTTP error strings: auth headers,
// tokens embedded in URLs, and key assignments echoed back by upstream
// APIs. Email addresses are deliberately not masked; in this domain
// they are public profile content, not secrets.
func builtinPatterns() []*CompiledPattern {
	return []*CompiledPattern{
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.=]{8,}`),
			Replacement: `Bearer __MASKED_TOKEN__`,
		},
		{
			Name:        "github_token",
			Regex:       regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{36,255}|github_pat_[A-Za-z0-9_]{22,255})\b`),
			Replacement: `__MASKED_GITHUB_TOKEN__`,
		},
		{
			Name:        "url_credentials",
			Regex:       regexp.MustCompile(`(https?://)[^/\s:@]+:[^/\s@]+@`),
			Replacement: `${1}__MASKED_CREDENTIALS__@`,
		},
		{
			Name:        "url_key_param",
			Regex:       regexp.MustCompile(`(?i)([?&](?:api_?key|key|token|access_token)=)[^&\s"']+`),
			Replacement: `${1}__MASKED__`,
		},
		{
			Name:        "api_key",
			Regex:       regexp.MustCompile(`(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-]{16,}["']?`),
			Replacement: `"api_key": "__MASKED_API_KEY__"`,
		},
		{
			Name:        "password",
			Regex:       regexp.MustCompile(`(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?[^\s"']{6,}["']?`),
			Replacement: `"password": "__MASKED_PASSWORD__"`,
		},
		{
			Name:        "authorization_header",
			Regex:       regexp.MustCompile(`(?i)authorization["']?\s*[:=]\s*["']?[^\s"']{8,}`),
			Replacement: `Authorization: __MASKED__`,
		},
	}
}

// Masker applies the credential patterns to outbound event text.
// Created once at startup; safe for concurrent use. Patterns compile
// eagerly and invalid extras are logged and skipped.
type Masker struct {
	enabled  bool
	patterns []*CompiledPattern
}

// NewMasker builds a masker from config: the built-in credential set
// plus any deployment-specific extra patterns.
func NewMasker(cfg *config.MaskingConfig) *Masker {
	if cfg == nil {
		cfg = config.DefaultMaskingConfig()
	}
	m := &Masker{enabled: cfg.Enabled, patterns: builtinPatterns()}
	for i, raw := range cfg.ExtraPatterns {
		compiled, err := regexp.Compile(raw)
		if err != nil {
			slog.Error("Failed to compile extra masking pattern, skipping",
				"index", i, "error", err)
			continue
		}
		m.patterns = append(m.patterns, &CompiledPattern{
			Name:        fmt.Sprintf("extra:%d", i),
			Regex:       compiled,
			Replacement: `__MASKED__`,
		})
	}
	return m
}

// MaskString runs every pattern over s and returns the scrubbed text.
func (m *Masker) MaskString(s string) string {
	if !m.enabled || s == "" {
		return s
	}
	for _, p := range m.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}

// Free-text payload keys that can echo upstream responses. Structured
// result payloads (card data, deltas, list items) come from our own
// handlers and stay untouched.
var textKeys = map[string]bool{
	"message": true,
	"reason":  true,
}

// MaskEventPayload scrubs the free-text fields of an event payload in
// place: message and reason, plus any strings nested under the
// progress data map.
func (m *Masker) MaskEventPayload(payload map[string]any) {
	if !m.enabled || payload == nil {
		return
	}
	for key, val := range payload {
		if s, ok := val.(string); ok && textKeys[key] {
			payload[key] = m.MaskString(s)
			continue
		}
		if key == "data" {
			if nested, ok := val.(map[string]any); ok {
				m.maskMap(nested)
			}
		}
	}
}

func (m *Masker) maskMap(data map[string]any) {
	for key, val := range data {
		switch v := val.(type) {
		case string:
			data[key] = m.MaskString(v)
		case map[string]any:
			m.maskMap(v)
		}
	}
}
