package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and fallback decisions.
// Kinds are stable wire tokens; clients and the scheduler both switch
// on them.
type ErrorKind string

const (
	// ErrKindInvalidInput means the request cannot be planned at all.
	// Surfaced to the caller; no job is created.
	ErrKindInvalidInput ErrorKind = "invalid_input"

	// ErrKindResolverAmbiguous means the input resolves to multiple
	// candidates and the caller must confirm one.
	ErrKindResolverAmbiguous ErrorKind = "resolver_ambiguous"

	// ErrKindUpstreamUnavailable is a non-success reply from an external
	// data source. Retryable.
	ErrKindUpstreamUnavailable ErrorKind = "upstream_unavailable"

	// ErrKindUpstreamRateLimited is an explicit rate-limit signal.
	// Retryable with longer backoff.
	ErrKindUpstreamRateLimited ErrorKind = "upstream_rate_limited"

	// ErrKindTimeout means a deadline was exceeded. Retryable only for
	// idempotent fetch work; otherwise the card falls back.
	ErrKindTimeout ErrorKind = "timeout"

	// ErrKindLLMInvalidResponse means a strict-JSON task returned
	// unparseable output. Never retried on the same call; the card uses
	// its deterministic fallback.
	ErrKindLLMInvalidResponse ErrorKind = "llm_invalid_response"

	// ErrKindInternal is an unexpected programming error.
	ErrKindInternal ErrorKind = "internal"

	// ErrKindCancelled means the job's cancellation fired.
	ErrKindCancelled ErrorKind = "cancelled"
)

// Retryable reports whether a card failing with this kind may be
// retried on the same row. Timeouts are handled separately because
// retry there depends on the fetcher declaring itself idempotent.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindUpstreamUnavailable, ErrKindUpstreamRateLimited:
		return true
	}
	return false
}

// KindError tags an error with a taxonomy kind so it survives wrapping.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *KindError) Unwrap() error { return e.Err }

// WrapKind tags err with kind. Returns nil for a nil err.
func WrapKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Kindf builds a tagged error from a format string.
func Kindf(kind ErrorKind, format string, a ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, a...)}
}

// KindOf extracts the taxonomy kind from err. Context cancellation and
// deadline errors map to their kinds; anything untagged is internal.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	return ErrKindInternal
}
