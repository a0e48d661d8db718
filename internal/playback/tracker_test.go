package playback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/csams/podcore/internal/models"
	"github.com/csams/podcore/internal/playlist"
	"github.com/csams/podcore/internal/store"
)

const feedURL = "https://example.com/feed.xml"

type fixture struct {
	tracker  *Tracker
	store    *store.Store
	playlist *playlist.Manager
	podcast  *models.Podcast
	episodes []*models.Episode
	clock    time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(&store.DbParams{Type: store.DbTypeSqlite, File: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var episodes []*models.Episode
	for _, guid := range []string{"one", "two", "three"} {
		ep := &models.Episode{
			GUID:            guid,
			Title:           "Episode " + guid,
			DurationSeconds: 3600,
			Enclosures:      []models.Enclosure{{URL: "https://cdn.example.com/" + guid + ".mp3"}},
		}
		ep.GenerateID(feedURL)
		episodes = append(episodes, ep)
	}
	p := &models.Podcast{FeedURL: feedURL, Title: "Show"}
	require.NoError(t, s.CreatePodcast(context.Background(), p, episodes))

	pl := playlist.NewManager(s)
	f := &fixture{
		tracker:  NewTracker(s, pl),
		store:    s,
		playlist: pl,
		podcast:  p,
		episodes: episodes,
		clock:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.tracker.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) metadata(t *testing.T, id string) *models.EpisodeMetadata {
	t.Helper()
	ep, err := f.store.Episode(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, ep.Metadata)
	return ep.Metadata
}

func (f *fixture) saveSettings(t *testing.T, settings models.PodcastSettings) {
	t.Helper()
	id := f.podcast.ID
	settings.PodcastID = &id
	settings.Enabled = true
	require.NoError(t, f.store.SaveSettings(context.Background(), &settings))
}

func TestStart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.episodes[0].ID

	require.NoError(t, f.store.UpdateMetadata(ctx, id, func(m *models.EpisodeMetadata) error {
		m.Inbox = true
		return nil
	}))

	pos, err := f.tracker.Start(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, pos)

	m := f.metadata(t, id)
	assert.Equal(t, 1, m.PlayCount)
	assert.False(t, m.Inbox)
	require.NotNil(t, m.LastPlayed)
	assert.True(t, m.LastPlayed.Equal(f.clock))

	require.NoError(t, f.tracker.UpdatePosition(ctx, id, 5*time.Minute))
	pos, err = f.tracker.Start(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, pos)
	assert.Equal(t, 2, f.metadata(t, id).PlayCount)

	_, err = f.tracker.Start(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStart_SkipIntro(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.saveSettings(t, models.PodcastSettings{SkipIntroSeconds: 45})

	pos, err := f.tracker.Start(ctx, f.episodes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, pos)

	// a saved position wins over the intro skip
	require.NoError(t, f.tracker.UpdatePosition(ctx, f.episodes[0].ID, 20*time.Minute))
	pos, err = f.tracker.Start(ctx, f.episodes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, pos)
}

func TestStart_FinishedStartsOver(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.episodes[0].ID

	require.NoError(t, f.tracker.Finish(ctx, id))
	pos, err := f.tracker.Start(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, pos)
	assert.False(t, f.metadata(t, id).Finished)
}

func TestUpdatePosition(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.episodes[0].ID

	require.NoError(t, f.tracker.UpdatePosition(ctx, id, 90*time.Second+250*time.Millisecond))
	m := f.metadata(t, id)
	assert.Equal(t, int64(90250), m.PositionMs)
	assert.False(t, m.Finished)

	assert.ErrorIs(t, f.tracker.UpdatePosition(ctx, id, -time.Second), ErrNegativePosition)
	assert.ErrorIs(t, f.tracker.UpdatePosition(ctx, "missing", time.Second), store.ErrNotFound)
}

func TestUpdatePosition_NearEndFinishes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.episodes[0].ID

	_, err := f.playlist.Insert(ctx, models.UpNext, id, models.QueueEnd)
	require.NoError(t, err)

	require.NoError(t, f.tracker.UpdatePosition(ctx, id, 59*time.Minute+40*time.Second))
	m := f.metadata(t, id)
	assert.True(t, m.Finished)
	assert.Zero(t, m.PositionMs)

	pos, err := f.playlist.Position(ctx, models.UpNext, id)
	require.NoError(t, err)
	assert.Equal(t, -1, pos)
}

func TestUpdatePosition_SkipOutro(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.saveSettings(t, models.PodcastSettings{SkipOutroSeconds: 120})

	require.NoError(t, f.tracker.UpdatePosition(ctx, f.episodes[0].ID, 57*time.Minute))
	assert.False(t, f.metadata(t, f.episodes[0].ID).Finished)

	require.NoError(t, f.tracker.UpdatePosition(ctx, f.episodes[0].ID, 58*time.Minute))
	assert.True(t, f.metadata(t, f.episodes[0].ID).Finished)
}

func (f *fixture) setDuration(t *testing.T, id string, d time.Duration) {
	t.Helper()
	require.NoError(t, f.store.Write(context.Background(), func(tx *gorm.DB) error {
		return tx.Model(&models.Episode{}).Where("id = ?", id).
			Update("duration_seconds", int64(d/time.Second)).Error
	}))
}

func TestUpdatePosition_ShortEpisode(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.episodes[0].ID
	f.setDuration(t, id, 20*time.Second)

	_, err := f.playlist.Insert(ctx, models.UpNext, id, models.QueueEnd)
	require.NoError(t, err)

	require.NoError(t, f.tracker.UpdatePosition(ctx, id, 0))
	require.NoError(t, f.tracker.UpdatePosition(ctx, id, 2*time.Second))
	m := f.metadata(t, id)
	assert.False(t, m.Finished)
	assert.Equal(t, int64(2000), m.PositionMs)

	pos, err := f.playlist.Position(ctx, models.UpNext, id)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	require.NoError(t, f.tracker.UpdatePosition(ctx, id, 20*time.Second))
	assert.True(t, f.metadata(t, id).Finished)
}

func TestUpdatePosition_OutroLongerThanEpisode(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.episodes[0].ID
	f.setDuration(t, id, 90*time.Second)
	f.saveSettings(t, models.PodcastSettings{SkipOutroSeconds: 120})

	require.NoError(t, f.tracker.UpdatePosition(ctx, id, 10*time.Second))
	assert.False(t, f.metadata(t, id).Finished)

	require.NoError(t, f.tracker.UpdatePosition(ctx, id, time.Minute+time.Second))
	assert.True(t, f.metadata(t, id).Finished)
}

func TestFinish_RemovesFromPlaylists(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.episodes[1].ID

	for _, name := range []string{models.UpNext, "Later"} {
		for _, ep := range f.episodes {
			_, err := f.playlist.Insert(ctx, name, ep.ID, models.QueueEnd)
			require.NoError(t, err)
		}
	}
	require.NoError(t, f.tracker.UpdatePosition(ctx, id, 10*time.Minute))

	require.NoError(t, f.tracker.Finish(ctx, id))

	m := f.metadata(t, id)
	assert.True(t, m.Finished)
	assert.Zero(t, m.PositionMs)

	for _, name := range []string{models.UpNext, "Later"} {
		entries, err := f.playlist.Entries(ctx, name)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		for _, e := range entries {
			assert.NotEqual(t, id, e.EpisodeID)
		}
	}

	require.NoError(t, f.tracker.MarkUnplayed(ctx, id))
	assert.False(t, f.metadata(t, id).Finished)
}

func TestHistory(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for i, ep := range f.episodes {
		f.clock = f.clock.Add(time.Duration(i+1) * time.Hour)
		_, err := f.tracker.Start(ctx, ep.ID)
		require.NoError(t, err)
	}

	history, err := f.tracker.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, f.episodes[2].ID, history[0].ID)
	assert.Equal(t, f.episodes[1].ID, history[1].ID)

	all, err := f.tracker.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSettings(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	settings, err := f.tracker.Settings(ctx, f.episodes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, settings.PlaybackSpeed)
	assert.Equal(t, models.QueueEnd, settings.QueuePosition)

	f.saveSettings(t, models.PodcastSettings{PlaybackSpeed: 1.5})
	settings, err = f.tracker.Settings(ctx, f.episodes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1.5, settings.PlaybackSpeed)
	assert.Equal(t, models.QueueEnd, settings.QueuePosition)
}

func TestFollow(t *testing.T) {
	f := setup(t)
	id := f.episodes[0].ID
	f.tracker.saveInterval = time.Hour

	updates := make(chan Progress, 4)
	updates <- Progress{Position: time.Minute, Duration: time.Hour}
	updates <- Progress{Position: 2 * time.Minute, Duration: time.Hour}
	updates <- Progress{Position: 3 * time.Minute, Duration: time.Hour}
	close(updates)

	require.NoError(t, f.tracker.Follow(context.Background(), id, updates))
	assert.Equal(t, int64(3*60*1000), f.metadata(t, id).PositionMs)
}

func TestFollow_SavesOnCancel(t *testing.T) {
	f := setup(t)
	id := f.episodes[0].ID
	f.tracker.saveInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan Progress)
	done := make(chan error, 1)
	go func() { done <- f.tracker.Follow(ctx, id, updates) }()

	updates <- Progress{Position: 7 * time.Minute}
	updates <- Progress{Position: 8 * time.Minute}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}
	assert.Equal(t, int64(8*60*1000), f.metadata(t, id).PositionMs)
}
