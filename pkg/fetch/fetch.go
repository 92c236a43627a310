// Package fetch holds the source-specific upstream adapters. Fetchers
// are the only components that perform external I/O; they return opaque
// payloads that land in the artifact store and feed derivation cards.
// Adapters speak JSON to the configured upstream (or a scrape proxy in
// front of it), honor cancellation between calls, and degrade at the
// card's soft deadline instead of pushing past it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/version"
)

// Fetcher performs the external I/O behind one source's resource cards.
// Implementations dispatch on the card type in the Context.
type Fetcher interface {
	Fetch(ctx context.Context, fctx *Context) (map[string]any, error)
}

// Context carries per-card inputs, limits, and event callbacks into a
// Fetcher.
type Context struct {
	JobID        string
	Card         *models.Card
	Input        map[string]any
	SoftDeadline time.Time

	// OnProgress and OnPrefill are wired by the executor. Nil callbacks
	// make both no-ops so fetchers stay testable in isolation.
	OnProgress func(step, message string, data map[string]any) error
	OnPrefill  func(cardType string, data, meta map[string]any) error
}

// Progress emits a card.progress step. Best effort: an event append
// failure is logged and never fails the fetch.
func (c *Context) Progress(step, message string, data map[string]any) {
	if c.OnProgress == nil {
		return
	}
	if err := c.OnProgress(step, message, data); err != nil {
		slog.Warn("Progress event dropped", "job_id", c.JobID, "step", step, "error", err)
	}
}

// Prefill seeds another card's output before that card runs.
func (c *Context) Prefill(cardType string, data map[string]any) error {
	if c.OnPrefill == nil {
		return nil
	}
	return c.OnPrefill(cardType, data, nil)
}

// PrefillDegraded seeds another card's output with placeholder content
// that a later, fuller completion replaces.
func (c *Context) PrefillDegraded(cardType string, data map[string]any) error {
	if c.OnPrefill == nil {
		return nil
	}
	return c.OnPrefill(cardType, data, map[string]any{"degraded": true})
}

// SoftExpired reports whether the card's soft budget has elapsed.
// Fetchers check it between calls and return partial results instead of
// pushing on.
func (c *Context) SoftExpired() bool {
	return !c.SoftDeadline.IsZero() && time.Now().After(c.SoftDeadline)
}

// AmbiguousError carries the candidate list behind a resolver_ambiguous
// failure so the job layer can surface a confirmation prompt.
type AmbiguousError struct {
	Candidates []models.Candidate
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("input matches %d profiles", len(e.Candidates))
}

// Registry maps source names to their fetcher adapters.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRegistry creates an empty fetcher registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[string]Fetcher)}
}

// Register adds or replaces the fetcher for a source.
func (r *Registry) Register(source string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[source] = f
}

// For returns the fetcher registered for a source.
func (r *Registry) For(source string) (Fetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[source]
	if !ok {
		return nil, models.Kindf(models.ErrKindInternal, "no fetcher registered for source %q", source)
	}
	return f, nil
}

// NewDefaultRegistry wires the production adapters from config.
func NewDefaultRegistry(cfg *config.SourcesConfig) *Registry {
	r := NewRegistry()
	if cfg.GitHub != nil {
		r.Register("github", NewGitHubFetcher(cfg.GitHub))
	}
	if cfg.Scholar != nil {
		r.Register("scholar", NewScholarFetcher(cfg.Scholar))
	}
	if cfg.LinkedIn != nil {
		r.Register("linkedin", NewLinkedInFetcher(cfg.LinkedIn))
	}
	return r
}

// newRestyClient builds the shared HTTP client shape for an upstream:
// base URL, per-request timeout, transport retries, optional token.
func newRestyClient(cfg *config.UpstreamConfig) *resty.Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("User-Agent", version.Full()).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		})
	if cfg.TokenEnv != "" {
		if token := os.Getenv(cfg.TokenEnv); token != "" {
			client.SetAuthToken(token)
		}
	}
	return client
}

func newLimiter(r config.RateLimit) *rate.Limiter {
	if r.RPS <= 0 {
		return nil
	}
	burst := r.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(r.RPS), burst)
}

func waitLimiter(ctx context.Context, limiter *rate.Limiter, source string) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limiter: %w", source, err)
	}
	return nil
}

// wrapTransport classifies a transport-level request failure. Context
// errors keep their kind; everything else is a retryable upstream
// failure.
func wrapTransport(source string, err error) error {
	wrapped := fmt.Errorf("%s request: %w", source, err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}
	return models.WrapKind(models.ErrKindUpstreamUnavailable, wrapped)
}

// classifyStatus maps a non-success HTTP status to the error taxonomy.
// 404 blames the input; 403 doubles as GitHub's rate-limit signal.
func classifyStatus(source, path string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return models.Kindf(models.ErrKindInvalidInput, "%s: %s not found", source, path)
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return models.Kindf(models.ErrKindUpstreamRateLimited, "%s: rate limited fetching %s (HTTP %d)", source, path, status)
	case status >= 500:
		return models.Kindf(models.ErrKindUpstreamUnavailable, "%s: upstream failure fetching %s (HTTP %d)", source, path, status)
	default:
		return models.Kindf(models.ErrKindUpstreamUnavailable, "%s: unexpected HTTP %d fetching %s", source, status, path)
	}
}

// SubjectKey derives the canonical cache identity for a job input.
// Jobs about the same public subject yield the same key regardless of
// input spelling, which is what subject-cache lookups match on.
func SubjectKey(source models.Source, input map[string]string) string {
	first := func(keys ...string) string {
		for _, k := range keys {
			if input[k] != "" {
				return input[k]
			}
		}
		return ""
	}
	switch source {
	case models.SourceGitHub:
		return "github:" + strings.ToLower(first("handle", "content"))
	case models.SourceScholar:
		return "scholar:" + first("scholar_id", "content")
	case models.SourceLinkedIn:
		raw := first("url", "content")
		if slug, err := linkedinSlug(raw); err == nil {
			return "linkedin:" + strings.ToLower(slug)
		}
		return "linkedin:" + strings.ToLower(raw)
	}
	return string(source) + ":" + first("content")
}

func stringInput(input map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := input[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// intInput tolerates float64 because inputs round-trip through JSON.
func intInput(input map[string]any, key string) int {
	switch v := input[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func boolInput(input map[string]any, key string) bool {
	v, ok := input[key].(bool)
	return ok && v
}
