// Package subscription manages the podcasts a user follows: subscribing,
// refreshing feeds into the store, and OPML import and export.
package subscription

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/csams/podcore/internal/feed"
	"github.com/csams/podcore/internal/logging"
	"github.com/csams/podcore/internal/models"
	"github.com/csams/podcore/internal/playlist"
	"github.com/csams/podcore/internal/store"
)

const defaultWorkers = 4

var ErrAlreadySubscribed = errors.New("already subscribed")

// Service ties the feed client to the store and the Up Next playlist.
type Service struct {
	store    *store.Store
	feeds    *feed.Client
	playlist *playlist.Manager
	workers  int
}

// NewService builds a service; workers bounds concurrent refreshes.
func NewService(s *store.Store, feeds *feed.Client, pl *playlist.Manager, workers int) *Service {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Service{store: s, feeds: feeds, playlist: pl, workers: workers}
}

// RefreshResult describes what a refresh changed.
type RefreshResult struct {
	Podcast  *models.Podcast
	Added    []*models.Episode
	Queued   int
	Inbox    int
	Archived int
}

// Subscribe fetches every page of the feed and stores the podcast with its
// episodes. Nothing is queued on the first subscribe.
func (s *Service) Subscribe(ctx context.Context, feedURL string) (*models.Podcast, error) {
	feedURL = strings.TrimSpace(feedURL)

	_, err := s.store.PodcastByFeedURL(ctx, feedURL)
	if err == nil {
		return nil, errors.Wrap(ErrAlreadySubscribed, feedURL)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	res, err := s.feeds.FetchAll(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	attachTextChapters(res.Episodes)

	if err := s.store.CreatePodcast(ctx, res.Podcast, res.Episodes); err != nil {
		return nil, err
	}

	logging.Info("Subscribed", "feed", feedURL, "title", res.Podcast.Title, "episodes", len(res.Episodes))
	return res.Podcast, nil
}

// Refresh re-fetches a podcast's feed. A fetch or parse failure is returned
// as is and leaves the stored podcast untouched. New episodes are archived
// when they match a skip keyword, otherwise queued at the configured position
// or, for QueueNone, flagged for the inbox.
func (s *Service) Refresh(ctx context.Context, podcastID string) (*RefreshResult, error) {
	current, err := s.store.Podcast(ctx, podcastID)
	if err != nil {
		return nil, err
	}

	res, err := s.feeds.FetchAll(ctx, current.FeedURL)
	if err != nil {
		return nil, err
	}

	fresh := res.Podcast
	fresh.ID = current.ID
	fresh.FeedURL = current.FeedURL
	if fresh.NewFeedURL != "" && fresh.NewFeedURL != current.FeedURL {
		logging.Warn("Feed announces a new URL", "feed", current.FeedURL, "newFeedURL", fresh.NewFeedURL)
	}
	attachTextChapters(res.Episodes)

	added, err := s.store.RefreshPodcast(ctx, fresh, res.Episodes)
	if err != nil {
		return nil, err
	}

	result := &RefreshResult{Podcast: fresh, Added: added}
	if len(added) == 0 {
		logging.Debug("Refreshed", "podcast", fresh.Title, "added", 0)
		return result, nil
	}

	settings, err := s.store.EffectiveSettings(ctx, current.ID)
	if err != nil {
		return result, err
	}

	// oldest first, so front inserts leave the newest episode on top
	ordered := append([]*models.Episode(nil), added...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].PublishDate, ordered[j].PublishDate
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})

	for _, ep := range ordered {
		if err := s.applySettings(ctx, settings, ep, result); err != nil {
			return result, err
		}
		if ep.ChaptersURL != "" {
			s.loadFeedChapters(ctx, ep)
		}
	}

	logging.Info("Refreshed", "podcast", fresh.Title, "added", len(added),
		"queued", result.Queued, "inbox", result.Inbox, "archived", result.Archived)
	return result, nil
}

func (s *Service) applySettings(ctx context.Context, settings models.PodcastSettings, ep *models.Episode, result *RefreshResult) error {
	switch {
	case settings.ShouldSkip(ep.Title):
		result.Archived++
		return s.store.UpdateMetadata(ctx, ep.ID, func(m *models.EpisodeMetadata) error {
			m.Archived = true
			return nil
		})
	case settings.QueuePosition == models.QueueNone || settings.QueuePosition == "":
		result.Inbox++
		return s.store.UpdateMetadata(ctx, ep.ID, func(m *models.EpisodeMetadata) error {
			m.Inbox = true
			return nil
		})
	default:
		if _, err := s.playlist.Insert(ctx, models.UpNext, ep.ID, settings.QueuePosition); err != nil {
			return err
		}
		result.Queued++
		return nil
	}
}

// loadFeedChapters stores the episode's JSON chapters. Failures are logged;
// the episode keeps whatever chapters it has.
func (s *Service) loadFeedChapters(ctx context.Context, ep *models.Episode) []models.Chapter {
	chapters, err := s.feeds.FetchChapters(ctx, ep.ChaptersURL)
	if err != nil {
		logging.Warn("Failed to load chapters", "episode", ep.Title, "url", ep.ChaptersURL, "error", err)
		return nil
	}
	if len(chapters) == 0 {
		return nil
	}
	if err := s.store.ReplaceChapters(ctx, ep.ID, models.ChapterSourceFeed, chapters); err != nil {
		logging.Warn("Failed to store chapters", "episode", ep.Title, "error", err)
		return nil
	}
	return chapters
}

// Chapters returns the best chapter set for an episode, fetching the JSON
// chapters file first when the feed links one that was never loaded.
func (s *Service) Chapters(ctx context.Context, episodeID string) ([]models.Chapter, error) {
	ep, err := s.store.Episode(ctx, episodeID)
	if err != nil {
		return nil, err
	}

	chapters := ep.Chapters
	if ep.ChaptersURL != "" && !hasSource(chapters, models.ChapterSourceFeed) {
		if fetched := s.loadFeedChapters(ctx, ep); len(fetched) > 0 {
			chapters = append(chapters, fetched...)
		}
	}
	return models.PreferredChapters(chapters), nil
}

// RefreshAll refreshes every podcast with bounded concurrency. One podcast
// failing does not stop the others; their errors are joined.
func (s *Service) RefreshAll(ctx context.Context) ([]*RefreshResult, error) {
	podcasts, err := s.store.Podcasts(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results []*RefreshResult
		errs    []error
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, p := range podcasts {
		p := p
		g.Go(func() error {
			res, err := s.Refresh(ctx, p.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logging.Error("Refresh failed", "podcast", p.Title, "feed", p.FeedURL, "error", err)
				errs = append(errs, errors.Wrapf(err, "refresh %s", p.FeedURL))
				return nil
			}
			results = append(results, res)
			return nil
		})
	}
	_ = g.Wait()

	return results, stderrors.Join(errs...)
}

// Unsubscribe deletes the podcast with everything it owns and removes its
// downloaded files.
func (s *Service) Unsubscribe(ctx context.Context, podcastID string) error {
	paths, err := s.store.DeletePodcast(ctx, podcastID)
	if err != nil {
		return err
	}

	dirs := make(map[string]bool)
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Warn("Failed to remove download", "path", path, "error", err)
		}
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		// only succeeds once the directory is empty
		_ = os.Remove(dir)
	}

	logging.Info("Unsubscribed", "podcast", podcastID, "files", len(paths))
	return nil
}

// attachTextChapters adds chapters parsed from timestamped descriptions.
func attachTextChapters(episodes []*models.Episode) {
	for _, ep := range episodes {
		if hasSource(ep.Chapters, models.ChapterSourceText) {
			continue
		}
		ep.Chapters = append(ep.Chapters, feed.ExtractTextChapters(ep.Description, ep.Duration())...)
	}
}

func hasSource(chapters []models.Chapter, src models.ChapterSource) bool {
	for _, c := range chapters {
		if c.Provenance == src {
			return true
		}
	}
	return false
}
