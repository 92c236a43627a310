package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/models"
)

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	client sdk.Client
	cfg    *config.LLMConfig
}

// NewAnthropicClient builds the Anthropic adapter. The API key comes
// from the environment variable named by APIKeyEnv.
func NewAnthropicClient(cfg *config.LLMConfig) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(os.Getenv(cfg.APIKeyEnv))}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{client: sdk.NewClient(opts...), cfg: cfg}
}

// Generate starts a streaming Messages call and pumps SDK events into
// the chunk channel. The per-task timeout governs the whole stream.
func (c *AnthropicClient) Generate(ctx context.Context, in *GenerateInput) (<-chan Chunk, error) {
	if len(in.Messages) == 0 {
		return nil, errors.New("messages are required")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(resolveModel(c.cfg, in)),
		MaxTokens: int64(resolveMaxTokens(c.cfg, in)),
	}
	var system []sdk.TextBlockParam
	for _, m := range in.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(system) > 0 {
		params.System = system
	}
	if t := resolveTemperature(c.cfg, in); t > 0 {
		params.Temperature = sdk.Float(t)
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.TimeoutFor(in.Task))
	stream := c.client.Messages.NewStreaming(cctx, params)
	if err := stream.Err(); err != nil {
		cancel()
		return nil, classifyAnthropic(err)
	}

	out := make(chan Chunk, chunkBuffer)
	go func() {
		defer cancel()
		defer close(out)
		defer func() { _ = stream.Close() }()
		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if delta.Text == "" {
						continue
					}
					if !send(ctx, out, TextChunk{Text: delta.Text}) {
						return
					}
				case sdk.ThinkingDelta:
					if delta.Thinking == "" {
						continue
					}
					if !send(ctx, out, ThinkingChunk{Text: delta.Thinking}) {
						return
					}
				}
			case sdk.MessageDeltaEvent:
				usage := UsageChunk{
					InputTokens:  int(ev.Usage.InputTokens),
					OutputTokens: int(ev.Usage.OutputTokens),
				}
				if !send(ctx, out, usage) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, out, ErrorChunk{Err: classifyAnthropic(err)})
		}
	}()
	return out, nil
}

// Close implements Client. The SDK client holds no connection state.
func (c *AnthropicClient) Close() error { return nil }

func classifyAnthropic(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return models.WrapKind(models.ErrKindUpstreamRateLimited, err)
		case apierr.StatusCode >= 500:
			return models.WrapKind(models.ErrKindUpstreamUnavailable, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.WrapKind(models.ErrKindTimeout, err)
	}
	return fmt.Errorf("anthropic stream: %w", err)
}
