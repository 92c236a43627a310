package fetch

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/models"
)

const (
	cardScholarResolve = "resource.scholar.resolve"
	cardScholarPage0   = "resource.scholar.page0"
	cardScholarPages   = "resource.scholar.pages"
)

// scholarPageCap bounds publication paging for very long careers.
const scholarPageCap = 10

const maxCandidates = 8

var scholarIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,16}$`)

// ScholarFetcher resolves author names and pages through publication
// listings on a Google Scholar scrape proxy.
type ScholarFetcher struct {
	cfg     *config.UpstreamConfig
	client  *resty.Client
	limiter *rate.Limiter
}

// NewScholarFetcher creates the Scholar adapter from upstream config.
func NewScholarFetcher(cfg *config.UpstreamConfig) *ScholarFetcher {
	return &ScholarFetcher{cfg: cfg, client: newRestyClient(cfg), limiter: newLimiter(cfg.Rate)}
}

// Fetch dispatches on the resource card type.
func (f *ScholarFetcher) Fetch(ctx context.Context, fctx *Context) (map[string]any, error) {
	switch fctx.Card.CardType {
	case cardScholarResolve:
		return f.resolve(ctx, fctx)
	case cardScholarPage0:
		return f.fetchPage0(ctx, fctx)
	case cardScholarPages:
		return f.fetchPages(ctx, fctx)
	}
	return nil, models.Kindf(models.ErrKindInternal, "scholar fetcher: no handler for card %s", fctx.Card.CardType)
}

// scholarAuthor is one author entry from the resolver search.
type scholarAuthor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Affiliation string `json:"affiliation"`
	CitedBy     int    `json:"cited_by"`
}

type scholarPublication struct {
	Title   string   `json:"title"`
	Authors []string `json:"authors"`
	Venue   string   `json:"venue"`
	Year    int      `json:"year"`
	CitedBy int      `json:"cited_by"`
	Link    string   `json:"link"`
}

// scholarPage is one cursor-addressed page of an author listing.
type scholarPage struct {
	Author       *scholarAuthor       `json:"author,omitempty"`
	Publications []scholarPublication `json:"publications"`
	Total        int                  `json:"total"`
	HasMore      bool                 `json:"has_more"`
	NextCursor   string               `json:"next_cursor,omitempty"`
}

type scholarSearchResult struct {
	Authors []scholarAuthor `json:"authors"`
}

// resolve turns a name or id into a stable scholar id. An input that
// already looks like an id resolves without touching the upstream.
func (f *ScholarFetcher) resolve(ctx context.Context, fctx *Context) (map[string]any, error) {
	subject := stringInput(fctx.Input, "scholar_id", "content")
	if subject == "" {
		return nil, models.Kindf(models.ErrKindInvalidInput, "scholar: resolve needs a scholar id or author name")
	}
	if scholarIDPattern.MatchString(subject) {
		return map[string]any{"scholar_id": subject, "resolution": "direct"}, nil
	}

	fctx.Progress("resolving", fmt.Sprintf("searching scholar profiles for %q", subject), nil)
	if err := waitLimiter(ctx, f.limiter, "scholar"); err != nil {
		return nil, err
	}

	var result scholarSearchResult
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParam("q", subject).
		SetResult(&result).
		Get("/citations/search")
	if err != nil {
		return nil, wrapTransport("scholar", err)
	}
	if err := classifyStatus("scholar", "/citations/search", resp.StatusCode()); err != nil {
		return nil, err
	}

	switch len(result.Authors) {
	case 0:
		return nil, models.Kindf(models.ErrKindInvalidInput, "scholar: no profile matches %q", subject)
	case 1:
		a := result.Authors[0]
		return map[string]any{
			"scholar_id":  a.ID,
			"name":        a.Name,
			"affiliation": a.Affiliation,
			"resolution":  "search",
		}, nil
	}

	candidates := make([]models.Candidate, 0, maxCandidates)
	for _, a := range result.Authors {
		candidates = append(candidates, models.Candidate{ID: a.ID, Label: a.Name, Detail: a.Affiliation})
		if len(candidates) == maxCandidates {
			break
		}
	}
	return nil, models.WrapKind(models.ErrKindResolverAmbiguous, &AmbiguousError{Candidates: candidates})
}

func (f *ScholarFetcher) fetchPage0(ctx context.Context, fctx *Context) (map[string]any, error) {
	id := stringInput(fctx.Input, "scholar_id")
	if id == "" {
		return nil, models.Kindf(models.ErrKindInvalidInput, "scholar: page0 needs a resolved scholar_id")
	}

	fctx.Progress("fetching", "loading scholar profile", nil)
	if err := waitLimiter(ctx, f.limiter, "scholar"); err != nil {
		return nil, err
	}
	page, err := f.authorPage(ctx, id, "")
	if err != nil {
		return nil, err
	}

	if page.Author != nil {
		if err := fctx.Prefill("profile", map[string]any{
			"name":        page.Author.Name,
			"affiliation": page.Author.Affiliation,
			"cited_by":    page.Author.CitedBy,
		}); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"scholar_id":   id,
		"author":       page.Author,
		"publications": page.Publications,
		"total":        page.Total,
		"has_more":     page.HasMore,
		"cursor":       page.NextCursor,
	}, nil
}

// fetchPages follows the cursor from page0 until the listing ends, the
// page cap is hit, or the soft budget runs out.
func (f *ScholarFetcher) fetchPages(ctx context.Context, fctx *Context) (map[string]any, error) {
	id := stringInput(fctx.Input, "scholar_id")
	if id == "" {
		return nil, models.Kindf(models.ErrKindInvalidInput, "scholar: pages needs a resolved scholar_id")
	}

	cursor := stringInput(fctx.Input, "cursor")
	hasMore := boolInput(fctx.Input, "has_more") && cursor != ""
	if !hasMore {
		return map[string]any{
			"publications":  []scholarPublication{},
			"pages_fetched": 0,
			"complete":      true,
		}, nil
	}

	var pubs []scholarPublication
	fetched := 0
	truncated := false
	for hasMore && fetched < scholarPageCap {
		if fctx.SoftExpired() {
			truncated = true
			break
		}
		if err := waitLimiter(ctx, f.limiter, "scholar"); err != nil {
			return nil, err
		}
		page, err := f.authorPage(ctx, id, cursor)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, page.Publications...)
		fetched++
		cursor = page.NextCursor
		hasMore = page.HasMore && cursor != ""
		fctx.Progress("fetching", fmt.Sprintf("fetched %d publications", len(pubs)), map[string]any{"pages": fetched})
	}
	if hasMore && !truncated {
		truncated = true
	}

	payload := map[string]any{
		"publications":  pubs,
		"pages_fetched": fetched,
		"complete":      !truncated,
	}
	if truncated {
		payload["truncated"] = true
		fctx.Progress("degraded", "publication listing truncated", map[string]any{"publications": len(pubs)})
	}
	return payload, nil
}

func (f *ScholarFetcher) authorPage(ctx context.Context, id, cursor string) (*scholarPage, error) {
	pageSize := f.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	var page scholarPage
	path := "/citations/" + url.PathEscape(id)
	req := f.client.R().
		SetContext(ctx).
		SetQueryParam("page_size", strconv.Itoa(pageSize)).
		SetResult(&page)
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}
	resp, err := req.Get(path)
	if err != nil {
		return nil, wrapTransport("scholar", err)
	}
	if err := classifyStatus("scholar", path, resp.StatusCode()); err != nil {
		return nil, err
	}
	return &page, nil
}
