package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const fyydEndpoint = "https://api.fyyd.de/0.2"

// Fyyd searches the fyyd.de directory.
type Fyyd struct {
	client
	endpoint string
}

type fyydResponse struct {
	Status int           `json:"status"`
	Msg    string        `json:"msg"`
	Data   []fyydPodcast `json:"data"`
}

type fyydPodcast struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	Description  string `json:"description"`
	XMLURL       string `json:"xmlURL"`
	HTMLURL      string `json:"htmlURL"`
	ImgURL       string `json:"imgURL"`
	Language     string `json:"language"`
	EpisodeCount int    `json:"episode_count"`
	LastPub      string `json:"lastpub"`
}

func NewFyyd(userAgent string) *Fyyd {
	return &Fyyd{
		client:   newClient(userAgent, time.Second),
		endpoint: fyydEndpoint,
	}
}

func (d *Fyyd) Name() string { return "fyyd" }

// Search matches podcast titles.
func (d *Fyyd) Search(ctx context.Context, term string, limit int) ([]Podcast, error) {
	q := url.Values{}
	q.Set("title", strings.TrimSpace(term))
	q.Set("count", strconv.Itoa(clampLimit(limit)))

	var resp fyydResponse
	if err := d.getJSON(ctx, d.endpoint+"/search/podcast?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Status != 1 {
		return nil, fmt.Errorf("discovery: fyyd error: %s", resp.Msg)
	}

	podcasts := make([]Podcast, 0, len(resp.Data))
	for _, r := range resp.Data {
		if r.XMLURL == "" {
			continue
		}
		p := Podcast{
			Title:       r.Title,
			Author:      r.Author,
			FeedURL:     r.XMLURL,
			WebsiteURL:  r.HTMLURL,
			ImageURL:    r.ImgURL,
			Description: r.Description,
			Episodes:    r.EpisodeCount,
			Source:      d.Name(),
		}
		if t, err := time.Parse(time.RFC3339, r.LastPub); err == nil {
			p.LastRelease = &t
		}
		podcasts = append(podcasts, p)
	}
	return podcasts, nil
}
