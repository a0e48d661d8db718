package discovery

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const itunesEndpoint = "https://itunes.apple.com"

// ITunes searches the Apple Podcasts directory.
type ITunes struct {
	client
	endpoint string
	country  string
}

type itunesResponse struct {
	ResultCount int            `json:"resultCount"`
	Results     []itunesResult `json:"results"`
}

type itunesResult struct {
	CollectionID      int64    `json:"collectionId"`
	CollectionName    string   `json:"collectionName"`
	ArtistName        string   `json:"artistName"`
	FeedURL           string   `json:"feedUrl"`
	CollectionViewURL string   `json:"collectionViewUrl"`
	ArtworkURL100     string   `json:"artworkUrl100"`
	ArtworkURL600     string   `json:"artworkUrl600"`
	Genres            []string `json:"genres"`
	TrackCount        int      `json:"trackCount"`
	ReleaseDate       string   `json:"releaseDate"`
}

// NewITunes creates a client limited to one request every 3 seconds, about
// the 20 per minute Apple allows.
func NewITunes(userAgent, country string) *ITunes {
	return &ITunes{
		client:   newClient(userAgent, 3*time.Second),
		endpoint: itunesEndpoint,
		country:  country,
	}
}

func (d *ITunes) Name() string { return "itunes" }

// Search looks podcasts up by term. Hits without a feed URL are dropped.
func (d *ITunes) Search(ctx context.Context, term string, limit int) ([]Podcast, error) {
	q := url.Values{}
	q.Set("media", "podcast")
	q.Set("entity", "podcast")
	q.Set("term", strings.TrimSpace(term))
	q.Set("limit", strconv.Itoa(clampLimit(limit)))
	if d.country != "" {
		q.Set("country", d.country)
	}

	var resp itunesResponse
	if err := d.getJSON(ctx, d.endpoint+"/search?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return d.convert(resp.Results), nil
}

// Lookup fetches a podcast by its Apple collection ID.
func (d *ITunes) Lookup(ctx context.Context, id int64) (*Podcast, error) {
	q := url.Values{}
	q.Set("id", strconv.FormatInt(id, 10))
	q.Set("entity", "podcast")

	var resp itunesResponse
	if err := d.getJSON(ctx, d.endpoint+"/lookup?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	found := d.convert(resp.Results)
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

func (d *ITunes) convert(results []itunesResult) []Podcast {
	podcasts := make([]Podcast, 0, len(results))
	for _, r := range results {
		if r.FeedURL == "" {
			continue
		}
		p := Podcast{
			Title:      r.CollectionName,
			Author:     r.ArtistName,
			FeedURL:    r.FeedURL,
			WebsiteURL: r.CollectionViewURL,
			ImageURL:   r.ArtworkURL600,
			Genres:     r.Genres,
			Episodes:   r.TrackCount,
			Source:     d.Name(),
		}
		if p.ImageURL == "" {
			p.ImageURL = r.ArtworkURL100
		}
		if t, err := time.Parse(time.RFC3339, r.ReleaseDate); err == nil {
			p.LastRelease = &t
		}
		podcasts = append(podcasts, p)
	}
	return podcasts
}
