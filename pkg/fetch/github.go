package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/models"
)

const (
	cardGitHubProfile = "resource.github.profile"
	cardGitHubData    = "resource.github.data"
)

// repoPageCap bounds the repo listing for very large accounts.
const repoPageCap = 3

// GitHubFetcher loads profile, repository, and event data from the
// GitHub REST API.
type GitHubFetcher struct {
	cfg     *config.UpstreamConfig
	client  *resty.Client
	limiter *rate.Limiter
}

// NewGitHubFetcher creates the GitHub adapter from upstream config.
func NewGitHubFetcher(cfg *config.UpstreamConfig) *GitHubFetcher {
	client := newRestyClient(cfg).SetHeader("Accept", "application/vnd.github+json")
	return &GitHubFetcher{cfg: cfg, client: client, limiter: newLimiter(cfg.Rate)}
}

// Fetch dispatches on the resource card type.
func (f *GitHubFetcher) Fetch(ctx context.Context, fctx *Context) (map[string]any, error) {
	switch fctx.Card.CardType {
	case cardGitHubProfile:
		return f.fetchProfile(ctx, fctx)
	case cardGitHubData:
		return f.fetchData(ctx, fctx)
	}
	return nil, models.Kindf(models.ErrKindInternal, "github fetcher: no handler for card %s", fctx.Card.CardType)
}

// githubUser is the subset of the user endpoint the report consumes.
type githubUser struct {
	Login       string `json:"login"`
	Name        string `json:"name"`
	AvatarURL   string `json:"avatar_url"`
	Bio         string `json:"bio"`
	Company     string `json:"company"`
	Location    string `json:"location"`
	Blog        string `json:"blog"`
	Followers   int    `json:"followers"`
	Following   int    `json:"following"`
	PublicRepos int    `json:"public_repos"`
	CreatedAt   string `json:"created_at"`
}

type githubRepo struct {
	Name        string   `json:"name"`
	FullName    string   `json:"full_name"`
	Description string   `json:"description"`
	Language    string   `json:"language"`
	Stars       int      `json:"stargazers_count"`
	Forks       int      `json:"forks_count"`
	Fork        bool     `json:"fork"`
	Archived    bool     `json:"archived"`
	Topics      []string `json:"topics"`
	PushedAt    string   `json:"pushed_at"`
}

type githubEvent struct {
	Type string `json:"type"`
	Repo struct {
		Name string `json:"name"`
	} `json:"repo"`
	CreatedAt string `json:"created_at"`
}

func (f *GitHubFetcher) fetchProfile(ctx context.Context, fctx *Context) (map[string]any, error) {
	handle := stringInput(fctx.Input, "handle", "content")
	if handle == "" {
		return nil, models.Kindf(models.ErrKindInvalidInput, "github: profile fetch needs a handle")
	}

	fctx.Progress("fetching", fmt.Sprintf("loading github profile %s", handle), nil)
	if err := waitLimiter(ctx, f.limiter, "github"); err != nil {
		return nil, err
	}

	var user githubUser
	path := "/users/" + url.PathEscape(handle)
	resp, err := f.client.R().SetContext(ctx).SetResult(&user).Get(path)
	if err != nil {
		return nil, wrapTransport("github", err)
	}
	if err := classifyStatus("github", path, resp.StatusCode()); err != nil {
		return nil, err
	}

	// Seed the user-facing profile card before the heavy data fetch.
	if err := fctx.Prefill("profile", map[string]any{
		"handle": user.Login,
		"name":   user.Name,
		"avatar": user.AvatarURL,
		"bio":    user.Bio,
	}); err != nil {
		return nil, err
	}

	return map[string]any{
		"profile":      user,
		"public_repos": user.PublicRepos,
	}, nil
}

func (f *GitHubFetcher) fetchData(ctx context.Context, fctx *Context) (map[string]any, error) {
	handle := stringInput(fctx.Input, "handle", "content")
	if handle == "" {
		return nil, models.Kindf(models.ErrKindInvalidInput, "github: data fetch needs a handle")
	}

	pageSize := f.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	pages := 1
	if total := intInput(fctx.Input, "public_repos"); total > pageSize {
		pages = (total + pageSize - 1) / pageSize
		if pages > repoPageCap {
			pages = repoPageCap
		}
	}

	fctx.Progress("fetching", fmt.Sprintf("listing repositories for %s", handle), map[string]any{"pages": pages})

	byPage := make([][]githubRepo, pages)
	var skipped atomic.Bool
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(4)
	for page := 1; page <= pages; page++ {
		grp.Go(func() error {
			if fctx.SoftExpired() {
				skipped.Store(true)
				return nil
			}
			repos, err := f.repoPage(gctx, handle, page, pageSize)
			if err != nil {
				return err
			}
			byPage[page-1] = repos
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	var repos []githubRepo
	for _, page := range byPage {
		repos = append(repos, page...)
	}

	payload := map[string]any{
		"repos":      repos,
		"repo_count": len(repos),
	}

	degraded := skipped.Load()
	if fctx.SoftExpired() {
		degraded = true
	} else if events, err := f.eventsSample(ctx, handle); err != nil {
		// Events are garnish on the activity card; a listing failure
		// never fails the whole data fetch.
		slog.Warn("GitHub events sample failed", "job_id", fctx.JobID, "handle", handle, "error", err)
	} else if len(events) > 0 {
		counts := make(map[string]int, 8)
		for _, ev := range events {
			counts[ev.Type]++
		}
		payload["event_counts"] = counts
		if len(events) > 10 {
			events = events[:10]
		}
		payload["recent_events"] = events
	}

	if degraded {
		payload["truncated"] = true
		fctx.Progress("degraded", "repository listing truncated by budget", map[string]any{"repos": len(repos)})
	}
	return payload, nil
}

func (f *GitHubFetcher) repoPage(ctx context.Context, handle string, page, pageSize int) ([]githubRepo, error) {
	if err := waitLimiter(ctx, f.limiter, "github"); err != nil {
		return nil, err
	}
	var repos []githubRepo
	path := "/users/" + url.PathEscape(handle) + "/repos"
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"per_page": strconv.Itoa(pageSize),
			"page":     strconv.Itoa(page),
			"sort":     "pushed",
		}).
		SetResult(&repos).
		Get(path)
	if err != nil {
		return nil, wrapTransport("github", err)
	}
	if err := classifyStatus("github", path, resp.StatusCode()); err != nil {
		return nil, err
	}
	return repos, nil
}

func (f *GitHubFetcher) eventsSample(ctx context.Context, handle string) ([]githubEvent, error) {
	if err := waitLimiter(ctx, f.limiter, "github"); err != nil {
		return nil, err
	}
	var events []githubEvent
	path := "/users/" + url.PathEscape(handle) + "/events/public"
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParam("per_page", "30").
		SetResult(&events).
		Get(path)
	if err != nil {
		return nil, wrapTransport("github", err)
	}
	if err := classifyStatus("github", path, resp.StatusCode()); err != nil {
		return nil, err
	}
	return events, nil
}
