// Package llm streams chat-model output for derivation cards. One
// Client interface fronts the provider adapters; chunks flow through a
// channel so the delta router can forward text the moment it arrives.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mosaiclabs/mosaic/pkg/config"
)

const chunkBuffer = 32

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of model input.
type Message struct {
	Role    Role
	Content string
}

// GenerateInput describes a single model call. Task selects the
// per-task timeout from config; adapters apply it themselves so every
// caller gets the same budget behavior.
type GenerateInput struct {
	Task        string
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64

	// StrictJSON asks for a bare JSON object. Adapters with a native
	// JSON mode turn it on; for the rest the prompt carries the
	// instruction and GenerateJSON repairs on the way out.
	StrictJSON bool
}

// Chunk is one unit of streamed model output. The marker method keeps
// the set closed; consumers switch on the concrete types.
type Chunk interface{ chunk() }

// TextChunk is a piece of assistant text.
type TextChunk struct{ Text string }

// ThinkingChunk is a piece of extended-thinking text. Never part of
// the answer; surfaced only for progress reporting.
type ThinkingChunk struct{ Text string }

// UsageChunk reports token usage totals for the call.
type UsageChunk struct {
	InputTokens  int
	OutputTokens int
}

// ErrorChunk terminates a stream that failed mid-flight.
type ErrorChunk struct{ Err error }

func (TextChunk) chunk()     {}
func (ThinkingChunk) chunk() {}
func (UsageChunk) chunk()    {}
func (ErrorChunk) chunk()    {}

// Usage holds the token totals reported by the provider for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Client is a streaming chat provider.
type Client interface {
	// Generate starts one model call and returns the chunk stream. The
	// channel closes when the stream ends; failures arrive as a final
	// ErrorChunk. Callers abandoning the stream early must cancel ctx.
	Generate(ctx context.Context, in *GenerateInput) (<-chan Chunk, error)

	// Close releases provider resources.
	Close() error
}

// NewClient constructs the configured provider adapter.
func NewClient(cfg *config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case config.LLMProviderAnthropic:
		return NewAnthropicClient(cfg), nil
	case config.LLMProviderOpenAI:
		return NewOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// Collect drains the stream and returns the concatenated text plus
// provider usage, if reported.
func Collect(stream <-chan Chunk) (string, *Usage, error) {
	return CollectWithCallback(stream, nil)
}

// CollectWithCallback drains the stream, invoking cb for every text
// chunk as it arrives. The delta router uses it to forward partial
// output while still receiving the assembled whole. A cb error aborts
// the drain and is returned with the text collected so far.
func CollectWithCallback(stream <-chan Chunk, cb func(text string) error) (string, *Usage, error) {
	var (
		b     strings.Builder
		usage *Usage
	)
	for chunk := range stream {
		switch c := chunk.(type) {
		case TextChunk:
			b.WriteString(c.Text)
			if cb != nil {
				if err := cb(c.Text); err != nil {
					return b.String(), usage, err
				}
			}
		case UsageChunk:
			usage = &Usage{InputTokens: c.InputTokens, OutputTokens: c.OutputTokens}
		case ErrorChunk:
			return b.String(), usage, c.Err
		}
	}
	return b.String(), usage, nil
}

// send delivers a chunk unless the consumer is gone. ctx here is the
// caller's context, not the per-call timeout: a timed-out call must
// still deliver its terminal ErrorChunk to a live consumer.
func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func resolveModel(cfg *config.LLMConfig, in *GenerateInput) string {
	if in.Model != "" {
		return in.Model
	}
	return cfg.Model
}

func resolveMaxTokens(cfg *config.LLMConfig, in *GenerateInput) int {
	if in.MaxTokens > 0 {
		return in.MaxTokens
	}
	return cfg.MaxTokens
}

func resolveTemperature(cfg *config.LLMConfig, in *GenerateInput) float64 {
	if in.Temperature > 0 {
		return in.Temperature
	}
	return cfg.Temperature
}
