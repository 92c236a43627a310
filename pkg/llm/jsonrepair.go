package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// GenerateJSON runs one strict-JSON call end to end: stream, drain,
// repair, parse into out. Unparseable output fails with kind
// llm_invalid_response; the caller falls back instead of retrying.
func GenerateJSON(ctx context.Context, client Client, in *GenerateInput, out any) (*Usage, error) {
	in.StrictJSON = true
	stream, err := client.Generate(ctx, in)
	if err != nil {
		return nil, err
	}
	text, usage, err := Collect(stream)
	if err != nil {
		return usage, err
	}
	if err := json.Unmarshal([]byte(RepairJSON(text)), out); err != nil {
		return usage, models.Kindf(models.ErrKindLLMInvalidResponse,
			"model returned unparseable JSON: %v", err)
	}
	return usage, nil
}

// RepairJSON recovers a JSON document from model output: strips code
// fences and surrounding prose, terminates an unfinished string,
// drops trailing commas, completes a dangling key, and closes
// unbalanced braces and brackets. The result is not guaranteed to
// parse; callers still unmarshal and classify failures.
func RepairJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = stripFences(s)
	s = clipToDocument(s)
	if s == "" {
		return s
	}
	return balance(s)
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop the info string ("json").
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// clipToDocument cuts prose around the outermost JSON container.
func clipToDocument(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	end := strings.LastIndexAny(s, "}]")
	if end > start {
		return s[start : end+1]
	}
	return s[start:]
}

func balance(s string) string {
	var (
		out      []byte
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			out = append(out, ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == ch {
				stack = stack[:len(stack)-1]
			}
		case ',':
			// Trailing comma: drop when the next significant byte
			// closes the container.
			if next := nextSignificant(s, i+1); next == '}' || next == ']' {
				continue
			}
		}
		out = append(out, ch)
	}

	if inString {
		if escaped {
			out = out[:len(out)-1]
		}
		out = append(out, '"')
	} else {
		j := len(out)
		for j > 0 && isSpace(out[j-1]) {
			j--
		}
		switch {
		case j > 0 && out[j-1] == ':':
			out = append(out[:j], []byte("null")...)
		case j > 0 && out[j-1] == ',' && len(stack) > 0:
			out = out[:j-1]
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		out = append(out, stack[i])
	}
	return string(out)
}

func nextSignificant(s string, from int) byte {
	for i := from; i < len(s); i++ {
		if !isSpace(s[i]) {
			return s[i]
		}
	}
	return 0
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}
