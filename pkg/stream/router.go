// Package stream converts chat-model output into incremental card
// deltas. A Router buffers streamed text, optionally splits it into
// named sections on marker lines, and emits flush-sized deltas whose
// per-section concatenation always equals the final section text.
package stream

import (
	"strings"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

const defaultFlushChars = 48

const (
	markerPrefix = "<!--section:"
	markerSuffix = "-->"
)

// EmitFunc delivers one delta for a section. Returning an error stops
// the router; the executor turns that into a failed card.
type EmitFunc func(section, delta string) error

// Router routes streamed text for one card. Not safe for concurrent
// use; a card's stream is consumed by a single worker.
type Router struct {
	spec    *models.StreamingSpec
	emit    EmitFunc
	flushAt int

	section string
	known   map[string]bool
	buf     strings.Builder

	// carry holds a line-start fragment that may still turn into a
	// marker once more text or the end of the stream arrives.
	carry       string
	atLineStart bool

	totals map[string]*strings.Builder
}

// NewRouter creates a router for the given streaming spec. The cursor
// starts at the first declared section, or "main" when the spec names
// none.
func NewRouter(spec *models.StreamingSpec, emit EmitFunc) *Router {
	known := make(map[string]bool, len(spec.Sections))
	for _, s := range spec.Sections {
		known[s] = true
	}
	section := "main"
	if len(spec.Sections) > 0 {
		section = spec.Sections[0]
	}
	return &Router{
		spec:        spec,
		emit:        emit,
		flushAt:     defaultFlushChars,
		section:     section,
		known:       known,
		atLineStart: true,
		totals:      make(map[string]*strings.Builder),
	}
}

// Write feeds one chunk of streamed text through the router.
func (r *Router) Write(text string) error {
	if r.spec.Route != models.RouteMarker {
		r.buf.WriteString(text)
		return r.maybeFlush()
	}

	data := r.carry + text
	r.carry = ""
	atStart := r.atLineStart

	for {
		nl := strings.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		line := data[:nl+1]
		data = data[nl+1:]
		if atStart {
			if name, ok := r.markerName(line); ok {
				if err := r.flush(); err != nil {
					return err
				}
				r.section = name
				continue
			}
		}
		r.buf.WriteString(line)
		atStart = true
	}

	// The unterminated tail is carried only while it can still become
	// a marker line; anything else is content.
	if atStart && r.markerCandidate(data) {
		r.carry = data
		r.atLineStart = true
	} else {
		r.buf.WriteString(data)
		if data != "" {
			atStart = false
		}
		r.atLineStart = atStart
	}
	return r.maybeFlush()
}

// Close flushes whatever remains. The end of the stream terminates a
// carried line, so a trailing marker without a newline still routes.
func (r *Router) Close() error {
	if r.carry != "" {
		if name, ok := r.markerName(r.carry); ok {
			if err := r.flush(); err != nil {
				return err
			}
			r.section = name
		} else {
			r.buf.WriteString(r.carry)
		}
		r.carry = ""
	}
	return r.flush()
}

// SectionText returns the accumulated text per section. After Close
// this equals, per section, the concatenation of every emitted delta.
func (r *Router) SectionText() map[string]string {
	out := make(map[string]string, len(r.totals))
	for section, b := range r.totals {
		out[section] = b.String()
	}
	return out
}

func (r *Router) flush() error {
	if r.buf.Len() == 0 {
		return nil
	}
	delta := r.buf.String()
	r.buf.Reset()
	if err := r.emit(r.section, delta); err != nil {
		return err
	}
	// Recorded only after a successful emit, so the totals always equal
	// the deltas the consumer actually received.
	tb := r.totals[r.section]
	if tb == nil {
		tb = &strings.Builder{}
		r.totals[r.section] = tb
	}
	tb.WriteString(delta)
	return nil
}

func (r *Router) maybeFlush() error {
	if r.buf.Len() >= r.flushAt || strings.Contains(r.buf.String(), "\n\n") {
		return r.flush()
	}
	return nil
}

// markerName matches a complete line of the form <!--section:name-->
// with name declared in the spec. Unknown or malformed markers stay
// literal text.
func (r *Router) markerName(line string) (string, bool) {
	s := strings.TrimRight(line, " \t\r\n")
	if !strings.HasPrefix(s, markerPrefix) || !strings.HasSuffix(s, markerSuffix) {
		return "", false
	}
	name := s[len(markerPrefix) : len(s)-len(markerSuffix)]
	if name == "" || !r.known[name] {
		return "", false
	}
	return name, true
}

// markerCandidate reports whether a line fragment could still become a
// marker for a known section.
func (r *Router) markerCandidate(s string) bool {
	if s == "" {
		return false
	}
	for name := range r.known {
		full := markerPrefix + name + markerSuffix
		if strings.HasPrefix(full, s) {
			return true
		}
		if strings.HasPrefix(s, full) && strings.TrimSpace(s[len(full):]) == "" {
			return true
		}
	}
	return false
}
