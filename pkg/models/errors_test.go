package models

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, ErrKindUpstreamUnavailable.Retryable())
	assert.True(t, ErrKindUpstreamRateLimited.Retryable())

	for _, k := range []ErrorKind{
		ErrKindInvalidInput,
		ErrKindResolverAmbiguous,
		ErrKindTimeout,
		ErrKindLLMInvalidResponse,
		ErrKindInternal,
		ErrKindCancelled,
	} {
		assert.False(t, k.Retryable(), "kind %s", k)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{
			name: "tagged error",
			err:  Kindf(ErrKindUpstreamUnavailable, "github replied 503"),
			want: ErrKindUpstreamUnavailable,
		},
		{
			name: "tag survives wrapping",
			err:  fmt.Errorf("fetch profile: %w", Kindf(ErrKindUpstreamRateLimited, "429")),
			want: ErrKindUpstreamRateLimited,
		},
		{
			name: "context cancellation",
			err:  context.Canceled,
			want: ErrKindCancelled,
		},
		{
			name: "wrapped context cancellation",
			err:  fmt.Errorf("card aborted: %w", context.Canceled),
			want: ErrKindCancelled,
		},
		{
			name: "deadline exceeded",
			err:  context.DeadlineExceeded,
			want: ErrKindTimeout,
		},
		{
			name: "untagged error is internal",
			err:  errors.New("nil map write"),
			want: ErrKindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapKind(t *testing.T) {
	assert.Nil(t, WrapKind(ErrKindInternal, nil))

	base := errors.New("boom")
	wrapped := WrapKind(ErrKindTimeout, base)
	assert.Equal(t, ErrKindTimeout, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Contains(t, wrapped.Error(), "timeout")
	assert.Contains(t, wrapped.Error(), "boom")
}

func TestKindErrorOutermostTagWins(t *testing.T) {
	// errors.As finds the outermost tag.
	inner := Kindf(ErrKindUpstreamUnavailable, "503")
	outer := WrapKind(ErrKindTimeout, inner)
	assert.Equal(t, ErrKindTimeout, KindOf(outer))
}
