package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eduncan911/podcast"

	"github.com/csams/podcore/internal/config"
)

func testClient() *Client {
	cfg := config.DefaultConfig().Feed
	cfg.RequestsPerSecond = 0
	cfg.Timeout = 5 * time.Second
	return NewClient(cfg)
}

func pageXML(next string, items ...string) string {
	var link string
	if next != "" {
		link = fmt.Sprintf(`<atom:link rel="next" href="%s"/>`, next)
	}
	var body string
	for i, guid := range items {
		body += fmt.Sprintf(`
    <item>
      <title>Episode %s</title>
      <guid>%s</guid>
      <pubDate>Mon, %02d Jan 2024 10:00:00 +0000</pubDate>
      <enclosure url="https://cdn.example.com/%s.mp3" type="audio/mpeg" length="1"/>
    </item>`, guid, guid, 10+len(guid)+i, guid)
	}
	return `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">
  <channel>
    <title>Paged Show</title>
    ` + link + body + `
  </channel>
</rss>`
}

func TestFetchAll_FollowsNextLinks(t *testing.T) {
	var requests int32
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Header().Set("Content-Type", "application/rss+xml")
		switch r.URL.Query().Get("page") {
		case "":
			w.Write([]byte(pageXML("/feed?page=2", "a", "b")))
		case "2":
			w.Write([]byte(pageXML("/feed?page=3", "b", "c")))
		case "3":
			// links back to the first page
			w.Write([]byte(pageXML("/feed", "d")))
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	feedURL := server.URL + "/feed"
	res, err := testClient().FetchAll(context.Background(), feedURL)
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}

	if got := atomic.LoadInt32(&requests); got != 3 {
		t.Errorf("Expected 3 page requests, got %d", got)
	}
	if len(res.Episodes) != 4 {
		t.Fatalf("Expected 4 distinct episodes, got %d", len(res.Episodes))
	}

	guids := map[string]bool{}
	for _, ep := range res.Episodes {
		if guids[ep.GUID] {
			t.Errorf("Duplicate guid %s", ep.GUID)
		}
		guids[ep.GUID] = true
		if len(ep.ID) != 16 {
			t.Errorf("Episode %s should have a 16 char ID, got %q", ep.GUID, ep.ID)
		}
		if ep.PodcastID != res.Podcast.ID {
			t.Errorf("Episode %s has podcast ID %s, expected %s", ep.GUID, ep.PodcastID, res.Podcast.ID)
		}
	}
	for _, g := range []string{"a", "b", "c", "d"} {
		if !guids[g] {
			t.Errorf("Missing guid %s", g)
		}
	}

	if res.Podcast.FeedURL != feedURL {
		t.Errorf("Expected feed URL %s, got %s", feedURL, res.Podcast.FeedURL)
	}
	if res.Links.Next != "" {
		t.Errorf("Merged result should not carry a next link, got %s", res.Links.Next)
	}
	for i := 1; i < len(res.Episodes); i++ {
		if res.Episodes[i].PublishDate.After(*res.Episodes[i-1].PublishDate) {
			t.Errorf("Episodes not sorted newest first at %d", i)
		}
	}
}

func TestFetchAll_PageLimit(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		w.Write([]byte(pageXML(fmt.Sprintf("/feed?page=%d", n+1), fmt.Sprintf("p%d", n))))
	}))
	defer server.Close()

	cfg := config.DefaultConfig().Feed
	cfg.RequestsPerSecond = 0
	cfg.MaxPages = 3
	res, err := NewClient(cfg).FetchAll(context.Background(), server.URL+"/feed")
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if got := atomic.LoadInt32(&requests); got != 3 {
		t.Errorf("Expected 3 requests, got %d", got)
	}
	if len(res.Episodes) != 3 {
		t.Errorf("Expected 3 episodes, got %d", len(res.Episodes))
	}
}

func TestFetchAll_PageFailureAborts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(pageXML("/feed?page=2", "a")))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, err := testClient().FetchAll(context.Background(), server.URL+"/feed")
	if !errors.Is(err, ErrCouldNotLoad) {
		t.Errorf("Expected ErrCouldNotLoad, got %v", err)
	}
}

func TestFetch_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := testClient().Fetch(context.Background(), server.URL)
	if !errors.Is(err, ErrCouldNotLoad) {
		t.Errorf("Expected ErrCouldNotLoad, got %v", err)
	}
}

func TestFetch_TooLarge(t *testing.T) {
	doc := pageXML("", "a", "b", "c")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(doc))
	}))
	defer server.Close()

	c := testClient()
	c.maxBytes = int64(len(doc) - 1)
	_, err := c.Fetch(context.Background(), server.URL)
	if !errors.Is(err, ErrCouldNotLoad) {
		t.Errorf("Expected ErrCouldNotLoad, got %v", err)
	}

	c.maxBytes = int64(len(doc))
	res, err := c.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Feed at the size limit should parse: %v", err)
	}
	if len(res.Episodes) != 3 {
		t.Errorf("Expected 3 episodes, got %d", len(res.Episodes))
	}
}

func TestParse_StreamsPastSniffWindow(t *testing.T) {
	guids := make([]string, 0, 600)
	for i := 0; i < 600; i++ {
		guids = append(guids, fmt.Sprintf("g%03d", i))
	}
	doc := pageXML("", guids...)
	if len(doc) <= sniffSize {
		t.Fatalf("Fixture too small: %d bytes", len(doc))
	}

	res, err := Parse(bytes.NewReader([]byte(doc)))
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if len(res.Episodes) != len(guids) {
		t.Errorf("Expected %d episodes, got %d", len(guids), len(res.Episodes))
	}
}

func TestFetch_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := testClient().Fetch(context.Background(), url)
	if !errors.Is(err, ErrCouldNotLoad) {
		t.Errorf("Expected ErrCouldNotLoad, got %v", err)
	}
}

func TestFetch_NotAFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>Not a feed</body></html>`))
	}))
	defer server.Close()

	_, err := testClient().Fetch(context.Background(), server.URL)
	if !errors.Is(err, ErrCouldNotParse) {
		t.Errorf("Expected ErrCouldNotParse, got %v", err)
	}
}

func TestFetch_SendsUserAgent(t *testing.T) {
	var ua string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		w.Write([]byte(pageXML("", "a")))
	}))
	defer server.Close()

	if _, err := testClient().Fetch(context.Background(), server.URL); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if ua != "podcore/1.0" {
		t.Errorf("Expected user agent podcore/1.0, got %q", ua)
	}
}

func TestFetch_IDConsistency(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pageXML("", "a", "b")))
	}))
	defer server.Close()

	c := testClient()
	first, err := c.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("First fetch failed: %v", err)
	}
	second, err := c.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Second fetch failed: %v", err)
	}

	for i := range first.Episodes {
		if first.Episodes[i].ID != second.Episodes[i].ID {
			t.Errorf("Episode %d ID changed between fetches: %s vs %s", i, first.Episodes[i].ID, second.Episodes[i].ID)
		}
	}
	if first.Podcast.ID != second.Podcast.ID {
		t.Errorf("Podcast ID changed between fetches")
	}
}

func TestFetch_IDUniquenessAcrossFeeds(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pageXML("", "same")))
	})
	server1 := httptest.NewServer(handler)
	defer server1.Close()
	server2 := httptest.NewServer(handler)
	defer server2.Close()

	c := testClient()
	res1, err := c.Fetch(context.Background(), server1.URL)
	if err != nil {
		t.Fatalf("Failed to fetch feed 1: %v", err)
	}
	res2, err := c.Fetch(context.Background(), server2.URL)
	if err != nil {
		t.Fatalf("Failed to fetch feed 2: %v", err)
	}

	if res1.Episodes[0].ID == res2.Episodes[0].ID {
		t.Error("Same guid in different feeds should have different IDs")
	}
}

func TestFetch_GeneratedFeed(t *testing.T) {
	pub := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	p := podcast.New("Generated Show", "https://generated.example.com", "Built by a feed generator", &pub, &pub)
	p.AddAuthor("Gen Host", "host@generated.example.com")
	p.AddImage("https://generated.example.com/cover.jpg")

	for i := 1; i <= 3; i++ {
		d := pub.AddDate(0, 0, i)
		item := podcast.Item{
			Title:       fmt.Sprintf("Generated %d", i),
			Description: fmt.Sprintf("Generated episode %d", i),
			Link:        fmt.Sprintf("https://generated.example.com/%d", i),
			GUID:        fmt.Sprintf("gen-%d", i),
		}
		item.AddPubDate(&d)
		item.AddEnclosure(fmt.Sprintf("https://cdn.generated.example.com/%d.mp3", i), podcast.MP3, 1024)
		item.AddDuration(3723)
		if _, err := p.AddItem(item); err != nil {
			t.Fatalf("Failed to add item: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		t.Fatalf("Failed to encode feed: %v", err)
	}
	body := buf.Bytes()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write(body)
	}))
	defer server.Close()

	res, err := testClient().FetchAll(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Failed to fetch generated feed: %v", err)
	}

	if res.Podcast.Title != "Generated Show" {
		t.Errorf("Expected title 'Generated Show', got '%s'", res.Podcast.Title)
	}
	if len(res.Episodes) != 3 {
		t.Fatalf("Expected 3 episodes, got %d", len(res.Episodes))
	}
	newest := res.Episodes[0]
	if newest.GUID != "gen-3" {
		t.Errorf("Expected newest episode gen-3 first, got %s", newest.GUID)
	}
	if newest.DurationSeconds != 3723 {
		t.Errorf("Expected duration 3723s, got %d", newest.DurationSeconds)
	}
	if newest.AudioURL() != "https://cdn.generated.example.com/3.mp3" {
		t.Errorf("Unexpected audio URL %s", newest.AudioURL())
	}
}

func TestFetchChapters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json+chapters")
		w.Write([]byte(`{
  "version": "1.2.0",
  "chapters": [
    {"startTime": 95.5, "title": "Topic", "url": "https://example.com/topic"},
    {"startTime": 0, "title": "Intro", "img": "https://example.com/intro.jpg"},
    {"startTime": 30, "title": "Hidden ad", "toc": false},
    {"startTime": 300, "endTime": 360, "title": "Outro"}
  ]
}`))
	}))
	defer server.Close()

	chapters, err := testClient().FetchChapters(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("FetchChapters failed: %v", err)
	}
	if len(chapters) != 3 {
		t.Fatalf("Expected 3 visible chapters, got %d", len(chapters))
	}

	if chapters[0].Title != "Intro" || chapters[0].ImageURL != "https://example.com/intro.jpg" {
		t.Errorf("Unexpected first chapter %+v", chapters[0])
	}
	if chapters[1].StartMs != 95500 {
		t.Errorf("Expected fractional start 95500ms, got %d", chapters[1].StartMs)
	}
	if d := chapters[1].DurationMs; d == nil || *d != 204500 {
		t.Errorf("Expected derived duration 204500ms, got %v", d)
	}
	if d := chapters[2].DurationMs; d == nil || *d != 60000 {
		t.Errorf("Expected explicit duration 60000ms, got %v", d)
	}
	for _, c := range chapters {
		if c.Provenance != "feed" {
			t.Errorf("Expected feed provenance, got %s", c.Provenance)
		}
	}
}

func TestFetchChapters_BadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chapters": [`))
	}))
	defer server.Close()

	_, err := testClient().FetchChapters(context.Background(), server.URL)
	if !errors.Is(err, ErrCouldNotParse) {
		t.Errorf("Expected ErrCouldNotParse, got %v", err)
	}
}
