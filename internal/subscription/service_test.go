package subscription

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csams/podcore/internal/config"
	"github.com/csams/podcore/internal/feed"
	"github.com/csams/podcore/internal/models"
	"github.com/csams/podcore/internal/playlist"
	"github.com/csams/podcore/internal/store"
)

type item struct {
	guid     string
	title    string
	day      int
	chapters string
	desc     string
}

func rssXML(title string, items ...item) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd" xmlns:podcast="https://podcastindex.org/namespace/1.0">
  <channel>
    <title>` + title + `</title>
    <link>https://example.com/show</link>`)
	for _, it := range items {
		fmt.Fprintf(&b, `
    <item>
      <title>%s</title>
      <guid>%s</guid>
      <pubDate>Mon, %02d Jan 2024 10:00:00 +0000</pubDate>
      <description>%s</description>
      <itunes:duration>3600</itunes:duration>
      <enclosure url="https://cdn.example.com/%s.mp3" type="audio/mpeg" length="1"/>`,
			it.title, it.guid, it.day, it.desc, it.guid)
		if it.chapters != "" {
			fmt.Fprintf(&b, `
      <podcast:chapters url="%s" type="application/json+chapters"/>`, it.chapters)
		}
		b.WriteString(`
    </item>`)
	}
	b.WriteString(`
  </channel>
</rss>`)
	return b.String()
}

// feedServer serves documents that tests can swap between refreshes.
type feedServer struct {
	*httptest.Server

	mu    sync.Mutex
	docs  map[string]string
	codes map[string]int
}

func newFeedServer(t *testing.T) *feedServer {
	fs := &feedServer{docs: make(map[string]string), codes: make(map[string]int)}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		doc, ok := fs.docs[r.URL.Path]
		code := fs.codes[r.URL.Path]
		fs.mu.Unlock()
		if code != 0 {
			w.WriteHeader(code)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(doc))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) set(path, doc string) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.docs[path] = doc
	delete(fs.codes, path)
	return fs.URL + path
}

func (fs *feedServer) fail(path string, code int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.codes[path] = code
}

func newTestService(t *testing.T) (*Service, *store.Store, *playlist.Manager) {
	t.Helper()
	s, err := store.Open(&store.DbParams{Type: store.DbTypeSqlite, File: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig().Feed
	cfg.RequestsPerSecond = 0
	cfg.Timeout = 5 * time.Second

	pl := playlist.NewManager(s)
	return NewService(s, feed.NewClient(cfg), pl, 2), s, pl
}

func upNext(t *testing.T, pl *playlist.Manager) []string {
	t.Helper()
	entries, err := pl.Entries(context.Background(), models.UpNext)
	require.NoError(t, err)
	var titles []string
	for _, e := range entries {
		require.NotNil(t, e.Episode)
		titles = append(titles, e.Episode.Title)
	}
	return titles
}

func TestSubscribe(t *testing.T) {
	svc, s, pl := newTestService(t)
	fs := newFeedServer(t)
	ctx := context.Background()

	url := fs.set("/feed", rssXML("Show",
		item{guid: "a", title: "First", day: 1, desc: "00:00 Intro\n10:00 Main topic"},
		item{guid: "b", title: "Second", day: 2},
	))

	p, err := svc.Subscribe(ctx, "  "+url+" ")
	require.NoError(t, err)
	assert.Equal(t, models.GeneratePodcastID(url), p.ID)
	assert.Equal(t, "Show", p.Title)

	episodes, err := s.Episodes(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, episodes, 2)

	// first subscribe queues nothing
	assert.Empty(t, upNext(t, pl))

	_, err = svc.Subscribe(ctx, url)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestSubscribe_TextChapters(t *testing.T) {
	svc, s, _ := newTestService(t)
	fs := newFeedServer(t)
	ctx := context.Background()

	url := fs.set("/feed", rssXML("Show",
		item{guid: "a", title: "First", day: 1, desc: "00:00 Intro\n10:00 Main topic\n50:00 Outro"},
	))
	p, err := svc.Subscribe(ctx, url)
	require.NoError(t, err)

	episodes, err := s.Episodes(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, episodes, 1)

	chapters, err := svc.Chapters(ctx, episodes[0].ID)
	require.NoError(t, err)
	require.Len(t, chapters, 3)
	assert.Equal(t, "Main topic", chapters[1].Title)
	assert.Equal(t, models.ChapterSourceText, chapters[1].Provenance)
}

func TestSubscribe_Errors(t *testing.T) {
	svc, s, _ := newTestService(t)
	fs := newFeedServer(t)
	ctx := context.Background()

	fs.fail("/missing", http.StatusNotFound)
	_, err := svc.Subscribe(ctx, fs.URL+"/missing")
	assert.ErrorIs(t, err, feed.ErrCouldNotLoad)

	url := fs.set("/garbage", "this is not a feed")
	_, err = svc.Subscribe(ctx, url)
	assert.ErrorIs(t, err, feed.ErrCouldNotParse)

	podcasts, err := s.Podcasts(ctx)
	require.NoError(t, err)
	assert.Empty(t, podcasts)
}

func TestRefresh_QueuesNewEpisodes(t *testing.T) {
	svc, s, pl := newTestService(t)
	fs := newFeedServer(t)
	ctx := context.Background()

	url := fs.set("/feed", rssXML("Show", item{guid: "a", title: "First", day: 1}))
	p, err := svc.Subscribe(ctx, url)
	require.NoError(t, err)

	fs.set("/feed", rssXML("Show Renamed",
		item{guid: "a", title: "First", day: 1},
		item{guid: "b", title: "Second", day: 2},
		item{guid: "c", title: "Third", day: 3},
	))

	res, err := svc.Refresh(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, res.Added, 2)
	assert.Equal(t, 2, res.Queued)

	// default position is the end, oldest first
	assert.Equal(t, []string{"Second", "Third"}, upNext(t, pl))

	loaded, err := s.Podcast(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Show Renamed", loaded.Title)
	assert.NotNil(t, loaded.LastRefresh)

	// nothing new the second time
	res, err = svc.Refresh(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Len(t, upNext(t, pl), 2)
}

func TestRefresh_QueueFront(t *testing.T) {
	svc, s, pl := newTestService(t)
	fs := newFeedServer(t)
	ctx := context.Background()

	url := fs.set("/feed", rssXML("Show", item{guid: "a", title: "First", day: 1}))
	p, err := svc.Subscribe(ctx, url)
	require.NoError(t, err)

	episodes, err := s.Episodes(ctx, p.ID)
	require.NoError(t, err)
	_, err = pl.Insert(ctx, models.UpNext, episodes[0].ID, models.QueueEnd)
	require.NoError(t, err)

	pid := p.ID
	require.NoError(t, s.SaveSettings(ctx, &models.PodcastSettings{
		PodcastID:     &pid,
		Enabled:       true,
		QueuePosition: models.QueueFront,
	}))

	fs.set("/feed", rssXML("Show",
		item{guid: "a", title: "First", day: 1},
		item{guid: "b", title: "Second", day: 2},
		item{guid: "c", title: "Third", day: 3},
	))
	_, err = svc.Refresh(ctx, p.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"Third", "Second", "First"}, upNext(t, pl))
}

func TestRefresh_SkipKeywordsAndInbox(t *testing.T) {
	svc, s, pl := newTestService(t)
	fs := newFeedServer(t)
	ctx := context.Background()

	url := fs.set("/feed", rssXML("Show", item{guid: "a", title: "First", day: 1}))
	p, err := svc.Subscribe(ctx, url)
	require.NoError(t, err)

	settings := models.PodcastSettings{Enabled: true, QueuePosition: models.QueueNone}
	pid := p.ID
	settings.PodcastID = &pid
	settings.SetKeywords([]string{"trailer"})
	require.NoError(t, s.SaveSettings(ctx, &settings))

	fs.set("/feed", rssXML("Show",
		item{guid: "a", title: "First", day: 1},
		item{guid: "b", title: "Season 2 TRAILER", day: 2},
		item{guid: "c", title: "Regular", day: 3},
	))
	res, err := svc.Refresh(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Archived)
	assert.Equal(t, 1, res.Inbox)
	assert.Zero(t, res.Queued)
	assert.Empty(t, upNext(t, pl))

	inbox, err := s.InboxEpisodes(ctx)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "Regular", inbox[0].Title)

	for _, ep := range res.Added {
		if ep.Title != "Season 2 TRAILER" {
			continue
		}
		loaded, err := s.Episode(ctx, ep.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded.Metadata)
		assert.True(t, loaded.Metadata.Archived)
	}
}

func TestRefresh_FailureLeavesPodcastUntouched(t *testing.T) {
	svc, s, _ := newTestService(t)
	fs := newFeedServer(t)
	ctx := context.Background()

	url := fs.set("/feed", rssXML("Show", item{guid: "a", title: "First", day: 1}))
	p, err := svc.Subscribe(ctx, url)
	require.NoError(t, err)

	fs.set("/feed", "<rss><channel><title>broken")
	_, err = svc.Refresh(ctx, p.ID)
	assert.ErrorIs(t, err, feed.ErrCouldNotParse)

	fs.fail("/feed", http.StatusInternalServerError)
	_, err = svc.Refresh(ctx, p.ID)
	assert.ErrorIs(t, err, feed.ErrCouldNotLoad)

	loaded, err := s.Podcast(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Show", loaded.Title)
	assert.Nil(t, loaded.LastRefresh)

	_, err = svc.Refresh(ctx, "unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRefresh_LoadsJSONChapters(t *testing.T) {
	svc, _, _ := newTestService(t)
	fs := newFeedServer(t)
	ctx := context.Background()

	chaptersURL := fs.set("/chapters.json", `{"version":"1.2.0","chapters":[
		{"startTime":0,"title":"Opening"},
		{"startTime":120.5,"title":"Interview"}]}`)

	url := fs.set("/feed", rssXML("Show", item{guid: "a", title: "First", day: 1}))
	p, err := svc.Subscribe(ctx, url)
	require.NoError(t, err)

	fs.set("/feed", rssXML("Show",
		item{guid: "a", title: "First", day: 1},
		item{guid: "b", title: "Second", day: 2, chapters: chaptersURL, desc: "00:00 Text chapter\n05:00 Another"},
	))
	res, err := svc.Refresh(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, res.Added, 1)

	chapters, err := svc.Chapters(ctx, res.Added[0].ID)
	require.NoError(t, err)
	require.Len(t, chapters, 2)
	assert.Equal(t, models.ChapterSourceFeed, chapters[0].Provenance)
	assert.Equal(t, int64(120500), chapters[1].StartMs)
}

func TestChapters_LazyLoad(t *testing.T) {
	svc, s, _ := newTestService(t)
	fs := newFeedServer(t)
	ctx := context.Background()

	chaptersURL := fs.URL + "/chapters.json"
	fs.fail("/chapters.json", http.StatusServiceUnavailable)

	url := fs.set("/feed", rssXML("Show", item{guid: "a", title: "First", day: 1, chapters: chaptersURL}))
	p, err := svc.Subscribe(ctx, url)
	require.NoError(t, err)
	episodes, err := s.Episodes(ctx, p.ID)
	require.NoError(t, err)

	// a failing chapters file is not an error
	chapters, err := svc.Chapters(ctx, episodes[0].ID)
	require.NoError(t, err)
	assert.Empty(t, chapters)

	fs.set("/chapters.json", `{"version":"1.2.0","chapters":[{"startTime":0,"title":"Now available"}]}`)
	chapters, err = svc.Chapters(ctx, episodes[0].ID)
	require.NoError(t, err)
	require.Len(t, chapters, 1)
	assert.Equal(t, "Now available", chapters[0].Title)

	loaded, err := s.Episode(ctx, episodes[0].ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Chapters, 1)
}

func TestRefreshAll(t *testing.T) {
	svc, s, _ := newTestService(t)
	fs := newFeedServer(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("/feed%d", i)
		url := fs.set(path, rssXML(fmt.Sprintf("Show %d", i), item{guid: "a", title: "First", day: 1}))
		p, err := svc.Subscribe(ctx, url)
		require.NoError(t, err)
		ids = append(ids, p.ID)
		fs.set(path, rssXML(fmt.Sprintf("Show %d", i),
			item{guid: "a", title: "First", day: 1},
			item{guid: "b", title: "Second", day: 2},
		))
	}
	fs.fail("/feed1", http.StatusBadGateway)

	results, err := svc.RefreshAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, feed.ErrCouldNotLoad)
	assert.Contains(t, err.Error(), "/feed1")
	assert.Len(t, results, 2)

	for i, id := range ids {
		episodes, err := s.Episodes(ctx, id)
		require.NoError(t, err)
		if i == 1 {
			assert.Len(t, episodes, 1)
		} else {
			assert.Len(t, episodes, 2)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	svc, s, pl := newTestService(t)
	fs := newFeedServer(t)
	ctx := context.Background()

	url := fs.set("/feed", rssXML("Show", item{guid: "a", title: "First", day: 1}))
	p, err := svc.Subscribe(ctx, url)
	require.NoError(t, err)
	episodes, err := s.Episodes(ctx, p.ID)
	require.NoError(t, err)
	ep := episodes[0]

	dir := filepath.Join(t.TempDir(), "Show")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, "First.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0644))
	require.NoError(t, s.MarkDownloaded(ctx, ep.ID, path, 5))
	_, err = pl.Insert(ctx, models.UpNext, ep.ID, models.QueueEnd)
	require.NoError(t, err)

	require.NoError(t, svc.Unsubscribe(ctx, p.ID))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "empty podcast directory should be removed")

	_, err = s.Podcast(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, upNext(t, pl))

	assert.ErrorIs(t, svc.Unsubscribe(ctx, p.ID), store.ErrNotFound)
}
