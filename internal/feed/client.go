package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/csams/podcore/internal/config"
	"github.com/csams/podcore/internal/logging"
	"github.com/csams/podcore/internal/models"
)

const (
	defaultMaxPages  = 50
	defaultMaxFeedMB = 32
)

// Client fetches feeds over HTTP, throttled by a shared rate limiter.
type Client struct {
	http      *http.Client
	userAgent string
	limiter   *rate.Limiter
	maxPages  int
	maxBytes  int64
}

// NewClient builds a client from the feed configuration.
func NewClient(cfg config.FeedConfig) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	maxMB := cfg.MaxFeedMB
	if maxMB <= 0 {
		maxMB = defaultMaxFeedMB
	}
	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		limiter:   rate.NewLimiter(limit, 1),
		maxPages:  maxPages,
		maxBytes:  int64(maxMB) << 20,
	}
}

// get performs a rate-limited GET. Transport failures and non-2xx responses
// are reported as ErrCouldNotLoad.
func (c *Client) get(ctx context.Context, rawURL, accept string) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, loadError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, loadError(err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, loadError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, loadError(fmt.Errorf("%s: HTTP %d", rawURL, resp.StatusCode))
	}
	return resp.Body, nil
}

func (c *Client) fetchPage(ctx context.Context, pageURL string) (*Result, error) {
	body, err := c.get(ctx, pageURL, "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	lb := &limitedBody{r: body, remaining: c.maxBytes}
	res, err := Parse(lb)
	if lb.exceeded {
		return nil, loadError(fmt.Errorf("%s: %w (%d bytes)", pageURL, errFeedTooLarge, c.maxBytes))
	}
	return res, err
}

// Fetch downloads and parses a single feed page.
func (c *Client) Fetch(ctx context.Context, feedURL string) (*Result, error) {
	res, err := c.fetchPage(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	res.assignIDs(feedURL)
	return res, nil
}

// FetchAll fetches a feed and follows its RFC 5005 next links, merging all
// pages into one result. Header values come from the first page. Paging
// stops when a page has no next link, a URL repeats, or the page limit is
// reached. Any page failing aborts the whole fetch.
func (c *Client) FetchAll(ctx context.Context, feedURL string) (*Result, error) {
	merged, err := c.Fetch(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(merged.Episodes))
	episodes := merged.Episodes[:0]
	for _, ep := range merged.Episodes {
		if !seen[ep.ID] {
			seen[ep.ID] = true
			episodes = append(episodes, ep)
		}
	}
	merged.Episodes = episodes

	visited := map[string]bool{feedURL: true}
	next := resolveLink(feedURL, merged.Links.Next)
	for pages := 1; next != "" && !visited[next] && pages < c.maxPages; pages++ {
		visited[next] = true
		logging.Debug("Following feed page", "feed", feedURL, "page", next)

		page, err := c.fetchPage(ctx, next)
		if err != nil {
			return nil, err
		}
		page.assignIDs(feedURL)
		for _, ep := range page.Episodes {
			if !seen[ep.ID] {
				seen[ep.ID] = true
				merged.Episodes = append(merged.Episodes, ep)
			}
		}
		next = resolveLink(next, page.Links.Next)
	}
	if next != "" && !visited[next] {
		logging.Warn("Feed page limit reached", "feed", feedURL, "pages", c.maxPages)
	}

	merged.Links.Next = ""
	sortEpisodes(merged.Episodes)
	return merged, nil
}

// assignIDs stamps the podcast and its episodes with IDs derived from the
// subscribed feed URL.
func (r *Result) assignIDs(feedURL string) {
	r.Podcast.FeedURL = feedURL
	r.Podcast.ID = models.GeneratePodcastID(feedURL)
	for _, ep := range r.Episodes {
		ep.PodcastID = r.Podcast.ID
		ep.GenerateID(feedURL)
	}
}

func resolveLink(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}
