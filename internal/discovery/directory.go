// Package discovery searches public podcast directories for feeds to
// subscribe to.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/csams/podcore/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultLimit   = 25
	maxLimit       = 200
	maxBody        = 10 << 20
	defaultTimeout = 15 * time.Second
)

// Podcast is a directory search hit.
type Podcast struct {
	Title       string
	Author      string
	FeedURL     string
	WebsiteURL  string
	ImageURL    string
	Description string
	Genres      []string
	Episodes    int
	LastRelease *time.Time
	Source      string
}

// Directory is a searchable podcast index.
type Directory interface {
	Name() string
	Search(ctx context.Context, term string, limit int) ([]Podcast, error)
}

// client is the HTTP plumbing shared by the directory implementations.
type client struct {
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
}

func newClient(userAgent string, every time.Duration) client {
	return client{
		http:      &http.Client{Timeout: defaultTimeout},
		limiter:   rate.NewLimiter(rate.Every(every), 1),
		userAgent: userAgent,
	}
}

// getJSON waits for the limiter, GETs rawURL and decodes the body into v.
func (c *client) getJSON(ctx context.Context, rawURL string, v interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("discovery: rate limiter wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("discovery: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("discovery: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discovery: %s returned status %d: %s", req.URL.Host, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(v); err != nil {
		return fmt.Errorf("discovery: failed to decode response: %w", err)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// SearchAll queries every directory concurrently and merges the hits by feed
// URL, keeping the first directory's entry. It fails only when every
// directory fails.
func SearchAll(ctx context.Context, dirs []Directory, term string, limit int) ([]Podcast, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}

	hits := make([][]Podcast, len(dirs))
	var (
		mu       sync.Mutex
		failures []error
	)

	g, ctx := errgroup.WithContext(ctx)
	for i, d := range dirs {
		i, d := i, d
		g.Go(func() error {
			res, err := d.Search(ctx, term, limit)
			if err != nil {
				logging.Warn("Directory search failed", "directory", d.Name(), "error", err)
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return nil
			}
			hits[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if len(dirs) > 0 && len(failures) == len(dirs) {
		return nil, failures[0]
	}

	seen := make(map[string]bool)
	var merged []Podcast
	for _, list := range hits {
		for _, p := range list {
			key := normalizeFeedURL(p.FeedURL)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, p)
		}
	}
	return merged, nil
}

func normalizeFeedURL(u string) string {
	u = strings.TrimSpace(strings.ToLower(u))
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	return strings.TrimSuffix(u, "/")
}
