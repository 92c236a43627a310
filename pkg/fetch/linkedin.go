package fetch

import (
	"context"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/models"
)

const (
	cardLinkedInPreview = "resource.linkedin.preview"
	cardLinkedInRaw     = "resource.linkedin.raw_profile"
)

// LinkedInFetcher loads public profile data through a scrape proxy.
// The preview endpoint answers in under a second; the raw profile is a
// full scrape that can take most of a minute.
type LinkedInFetcher struct {
	cfg     *config.UpstreamConfig
	client  *resty.Client
	limiter *rate.Limiter
}

// NewLinkedInFetcher creates the LinkedIn adapter from upstream config.
func NewLinkedInFetcher(cfg *config.UpstreamConfig) *LinkedInFetcher {
	return &LinkedInFetcher{cfg: cfg, client: newRestyClient(cfg), limiter: newLimiter(cfg.Rate)}
}

// Fetch dispatches on the resource card type.
func (f *LinkedInFetcher) Fetch(ctx context.Context, fctx *Context) (map[string]any, error) {
	switch fctx.Card.CardType {
	case cardLinkedInPreview:
		return f.fetchPreview(ctx, fctx)
	case cardLinkedInRaw:
		return f.fetchRawProfile(ctx, fctx)
	}
	return nil, models.Kindf(models.ErrKindInternal, "linkedin fetcher: no handler for card %s", fctx.Card.CardType)
}

type linkedinPreview struct {
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	Headline string `json:"headline"`
	Avatar   string `json:"avatar"`
}

type linkedinPosition struct {
	Title    string `json:"title"`
	Company  string `json:"company"`
	Location string `json:"location"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Summary  string `json:"summary"`
}

// linkedinProfile is the full scrape result backing every user card.
type linkedinProfile struct {
	Slug      string             `json:"slug"`
	Name      string             `json:"name"`
	Headline  string             `json:"headline"`
	About     string             `json:"about"`
	Avatar    string             `json:"avatar"`
	Location  string             `json:"location"`
	Positions []linkedinPosition `json:"positions"`
	Skills    []string           `json:"skills"`
}

// fetchPreview grabs the lightweight profile header and seeds the
// profile card with degraded placeholder content. The raw profile
// completion later replaces it.
func (f *LinkedInFetcher) fetchPreview(ctx context.Context, fctx *Context) (map[string]any, error) {
	slug, err := linkedinSlug(stringInput(fctx.Input, "url", "content"))
	if err != nil {
		return nil, err
	}

	fctx.Progress("fetching", "loading linkedin preview", nil)
	if err := waitLimiter(ctx, f.limiter, "linkedin"); err != nil {
		return nil, err
	}

	var pv linkedinPreview
	path := "/api/preview/" + url.PathEscape(slug)
	resp, err := f.client.R().SetContext(ctx).SetResult(&pv).Get(path)
	if err != nil {
		return nil, wrapTransport("linkedin", err)
	}
	if err := classifyStatus("linkedin", path, resp.StatusCode()); err != nil {
		return nil, err
	}

	if err := fctx.PrefillDegraded("profile", map[string]any{
		"name":     pv.Name,
		"headline": pv.Headline,
		"avatar":   pv.Avatar,
		"about":    "",
	}); err != nil {
		return nil, err
	}

	return map[string]any{"preview": pv, "slug": slug}, nil
}

func (f *LinkedInFetcher) fetchRawProfile(ctx context.Context, fctx *Context) (map[string]any, error) {
	slug, err := linkedinSlug(stringInput(fctx.Input, "url", "content"))
	if err != nil {
		return nil, err
	}

	fctx.Progress("fetching", "scraping linkedin profile", nil)
	if err := waitLimiter(ctx, f.limiter, "linkedin"); err != nil {
		return nil, err
	}

	var profile linkedinProfile
	path := "/api/profile/" + url.PathEscape(slug)
	resp, err := f.client.R().SetContext(ctx).SetResult(&profile).Get(path)
	if err != nil {
		return nil, wrapTransport("linkedin", err)
	}
	if err := classifyStatus("linkedin", path, resp.StatusCode()); err != nil {
		return nil, err
	}

	return map[string]any{"profile": profile, "slug": slug}, nil
}

// linkedinSlug extracts the public profile slug from a profile URL.
// Bare input without slashes passes through as an already-extracted
// slug.
func linkedinSlug(raw string) (string, error) {
	if raw == "" {
		return "", models.Kindf(models.ErrKindInvalidInput, "linkedin: fetch needs a profile url")
	}
	if !strings.Contains(raw, "/") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", models.Kindf(models.ErrKindInvalidInput, "linkedin: cannot parse profile url %q", raw)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range parts {
		if part == "in" && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}
	return "", models.Kindf(models.ErrKindInvalidInput, "linkedin: no profile slug in %q", raw)
}
