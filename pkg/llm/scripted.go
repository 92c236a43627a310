package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptedResponse is one canned model reply.
type ScriptedResponse struct {
	// Chunks are emitted in order as TextChunks, so tests control the
	// exact split points streaming consumers see.
	Chunks []string

	// Usage, when set, is emitted after the text.
	Usage *Usage

	// Err, when set, terminates the stream with an ErrorChunk after
	// any chunks.
	Err error

	// Delay is inserted before each chunk.
	Delay time.Duration
}

// ScriptedClient plays canned responses keyed by task. Responses for a
// task are consumed in order; the last one is replayed when the queue
// runs dry, so a single script covers repeated calls while fail-then-
// succeed sequences stay expressible.
type ScriptedClient struct {
	mu      sync.Mutex
	scripts map[string][]*ScriptedResponse
	calls   []string
}

// NewScriptedClient creates an empty scripted client.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{scripts: make(map[string][]*ScriptedResponse)}
}

// Script queues a response for task.
func (c *ScriptedClient) Script(task string, resp *ScriptedResponse) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[task] = append(c.scripts[task], resp)
	return c
}

// ScriptText queues a plain text response for task, one TextChunk per
// argument.
func (c *ScriptedClient) ScriptText(task string, chunks ...string) *ScriptedClient {
	return c.Script(task, &ScriptedResponse{Chunks: chunks})
}

// Calls returns the tasks generated so far, in order.
func (c *ScriptedClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// CallCount returns how many times a task was generated.
func (c *ScriptedClient) CallCount(task string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call == task {
			n++
		}
	}
	return n
}

// Generate implements Client.
func (c *ScriptedClient) Generate(ctx context.Context, in *GenerateInput) (<-chan Chunk, error) {
	c.mu.Lock()
	c.calls = append(c.calls, in.Task)
	queue := c.scripts[in.Task]
	if len(queue) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("no scripted response for task %q", in.Task)
	}
	resp := queue[0]
	if len(queue) > 1 {
		c.scripts[in.Task] = queue[1:]
	}
	c.mu.Unlock()

	out := make(chan Chunk, chunkBuffer)
	go func() {
		defer close(out)
		for _, text := range resp.Chunks {
			if resp.Delay > 0 {
				select {
				case <-time.After(resp.Delay):
				case <-ctx.Done():
					return
				}
			}
			if !send(ctx, out, TextChunk{Text: text}) {
				return
			}
		}
		if resp.Usage != nil {
			if !send(ctx, out, UsageChunk{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}) {
				return
			}
		}
		if resp.Err != nil {
			send(ctx, out, ErrorChunk{Err: resp.Err})
		}
	}()
	return out, nil
}

// Close implements Client.
func (c *ScriptedClient) Close() error { return nil }
