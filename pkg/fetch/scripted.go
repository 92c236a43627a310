package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// ScriptedResult is one canned Fetch outcome.
type ScriptedResult struct {
	Payload map[string]any
	Err     error

	// Delay paces the fetch so tests can exercise budgets and
	// cancellation.
	Delay time.Duration

	// Prefill maps target card types to data emitted before returning.
	Prefill map[string]map[string]any

	// PrefillDegraded is Prefill with the degraded marker, for previews
	// seeding placeholder content.
	PrefillDegraded map[string]map[string]any

	// Steps are progress steps emitted before returning.
	Steps []string
}

// ScriptedFetcher is an in-memory Fetcher for tests. Results queue per
// card type in FIFO order; the last result replays once the queue
// drains so retries stay scriptable.
type ScriptedFetcher struct {
	mu      sync.Mutex
	results map[string][]*ScriptedResult
	calls   []string
}

// NewScriptedFetcher creates an empty scripted fetcher.
func NewScriptedFetcher() *ScriptedFetcher {
	return &ScriptedFetcher{results: make(map[string][]*ScriptedResult)}
}

// Script queues a result for a card type. Returns the fetcher for
// chaining.
func (f *ScriptedFetcher) Script(cardType string, res *ScriptedResult) *ScriptedFetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[cardType] = append(f.results[cardType], res)
	return f
}

// ScriptPayload queues a plain successful payload for a card type.
func (f *ScriptedFetcher) ScriptPayload(cardType string, payload map[string]any) *ScriptedFetcher {
	return f.Script(cardType, &ScriptedResult{Payload: payload})
}

// Calls returns the card types fetched so far, in order.
func (f *ScriptedFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many times a card type was fetched.
func (f *ScriptedFetcher) CallCount(cardType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == cardType {
			n++
		}
	}
	return n
}

// Fetch plays the next scripted result for the card type.
func (f *ScriptedFetcher) Fetch(ctx context.Context, fctx *Context) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fctx.Card.CardType)
	queue := f.results[fctx.Card.CardType]
	if len(queue) == 0 {
		f.mu.Unlock()
		return nil, models.Kindf(models.ErrKindInternal, "no scripted result for card %s", fctx.Card.CardType)
	}
	res := queue[0]
	if len(queue) > 1 {
		f.results[fctx.Card.CardType] = queue[1:]
	}
	f.mu.Unlock()

	if res.Delay > 0 {
		select {
		case <-time.After(res.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, step := range res.Steps {
		fctx.Progress(step, "", nil)
	}
	for cardType, data := range res.Prefill {
		if err := fctx.Prefill(cardType, data); err != nil {
			return nil, err
		}
	}
	for cardType, data := range res.PrefillDegraded {
		if err := fctx.PrefillDegraded(cardType, data); err != nil {
			return nil, err
		}
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Payload, nil
}
