package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/models"
)

// OpenAIClient implements Client on any OpenAI-compatible chat API.
// BaseURL points it at gateways and local inference servers.
type OpenAIClient struct {
	client *openai.Client
	cfg    *config.LLMConfig
}

// NewOpenAIClient builds the OpenAI-compatible adapter.
func NewOpenAIClient(cfg *config.LLMConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(os.Getenv(cfg.APIKeyEnv))
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}
}

// Generate starts a streaming chat completion and pumps deltas into
// the chunk channel.
func (c *OpenAIClient) Generate(ctx context.Context, in *GenerateInput) (<-chan Chunk, error) {
	if len(in.Messages) == 0 {
		return nil, errors.New("messages are required")
	}

	req := openai.ChatCompletionRequest{
		Model:         resolveModel(c.cfg, in),
		MaxTokens:     resolveMaxTokens(c.cfg, in),
		Temperature:   float32(resolveTemperature(c.cfg, in)),
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	for _, m := range in.Messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	if in.StrictJSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.TimeoutFor(in.Task))
	stream, err := c.client.CreateChatCompletionStream(cctx, req)
	if err != nil {
		cancel()
		return nil, classifyOpenAI(err)
	}

	out := make(chan Chunk, chunkBuffer)
	go func() {
		defer cancel()
		defer close(out)
		defer func() { _ = stream.Close() }()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				send(ctx, out, ErrorChunk{Err: classifyOpenAI(err)})
				return
			}
			if resp.Usage != nil {
				usage := UsageChunk{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
				}
				if !send(ctx, out, usage) {
					return
				}
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !send(ctx, out, TextChunk{Text: choice.Delta.Content}) {
					return
				}
			}
		}
	}()
	return out, nil
}

// Close implements Client. The SDK client holds no connection state.
func (c *OpenAIClient) Close() error { return nil }

func classifyOpenAI(err error) error {
	var apierr *openai.APIError
	if errors.As(err, &apierr) {
		switch {
		case apierr.HTTPStatusCode == http.StatusTooManyRequests:
			return models.WrapKind(models.ErrKindUpstreamRateLimited, err)
		case apierr.HTTPStatusCode >= 500:
			return models.WrapKind(models.ErrKindUpstreamUnavailable, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.WrapKind(models.ErrKindTimeout, err)
	}
	return fmt.Errorf("openai stream: %w", err)
}
