// Package playback records listening state: positions, finished episodes and
// play history. Audio output itself belongs to whatever player drives it.
package playback

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/csams/podcore/internal/logging"
	"github.com/csams/podcore/internal/models"
	"github.com/csams/podcore/internal/playlist"
	"github.com/csams/podcore/internal/store"
)

// finishedMargin treats positions this close to the end as finished.
const finishedMargin = 30 * time.Second

const defaultSaveInterval = 10 * time.Second

var ErrNegativePosition = errors.New("negative position")

// Progress is a player position report.
type Progress struct {
	Position time.Duration
	Duration time.Duration
}

// Tracker writes playback state to the store.
type Tracker struct {
	store        *store.Store
	playlist     *playlist.Manager
	saveInterval time.Duration
	now          func() time.Time
}

func NewTracker(s *store.Store, pl *playlist.Manager) *Tracker {
	return &Tracker{
		store:        s,
		playlist:     pl,
		saveInterval: defaultSaveInterval,
		now:          time.Now,
	}
}

// Start records that playback of an episode began and returns the position
// to resume from, after applying the intro skip for unplayed episodes.
func (t *Tracker) Start(ctx context.Context, episodeID string) (time.Duration, error) {
	ep, err := t.store.Episode(ctx, episodeID)
	if err != nil {
		return 0, err
	}
	settings, err := t.store.EffectiveSettings(ctx, ep.PodcastID)
	if err != nil {
		return 0, err
	}

	var resume time.Duration
	err = t.store.UpdateMetadata(ctx, episodeID, func(m *models.EpisodeMetadata) error {
		now := t.now()
		if m.Finished {
			// replaying a finished episode starts over
			m.Finished = false
			m.PositionMs = 0
		}
		if m.PositionMs == 0 && settings.SkipIntroSeconds > 0 {
			intro := time.Duration(settings.SkipIntroSeconds) * time.Second
			if ep.Duration() == 0 || intro < ep.Duration() {
				m.PositionMs = intro.Milliseconds()
			}
		}
		m.LastPlayed = &now
		m.PlayCount++
		m.Inbox = false
		resume = m.Position()
		return nil
	})
	return resume, err
}

// UpdatePosition stores the current position. Reaching the outro skip point,
// or the last seconds of the episode, finishes it.
func (t *Tracker) UpdatePosition(ctx context.Context, episodeID string, pos time.Duration) error {
	if pos < 0 {
		return ErrNegativePosition
	}
	ep, err := t.store.Episode(ctx, episodeID)
	if err != nil {
		return err
	}
	settings, err := t.store.EffectiveSettings(ctx, ep.PodcastID)
	if err != nil {
		return err
	}

	if total := ep.Duration(); total > 0 {
		end := total
		if total > finishedMargin {
			end = total - finishedMargin
		}
		if outro := time.Duration(settings.SkipOutroSeconds) * time.Second; outro > finishedMargin && outro < total {
			end = total - outro
		}
		if pos >= end {
			return t.Finish(ctx, episodeID)
		}
	}

	return t.store.UpdateMetadata(ctx, episodeID, func(m *models.EpisodeMetadata) error {
		now := t.now()
		m.PositionMs = pos.Milliseconds()
		m.LastPlayed = &now
		return nil
	})
}

// Finish marks the episode finished, rewinds it and takes it out of every
// playlist.
func (t *Tracker) Finish(ctx context.Context, episodeID string) error {
	err := t.store.UpdateMetadata(ctx, episodeID, func(m *models.EpisodeMetadata) error {
		now := t.now()
		m.Finished = true
		m.PositionMs = 0
		m.Inbox = false
		m.LastPlayed = &now
		return nil
	})
	if err != nil {
		return err
	}
	if err := t.playlist.RemoveEverywhere(ctx, episodeID); err != nil {
		return err
	}
	logging.Debug("Episode finished", "episode", episodeID)
	return nil
}

// MarkUnplayed clears the finished flag and the saved position.
func (t *Tracker) MarkUnplayed(ctx context.Context, episodeID string) error {
	return t.store.UpdateMetadata(ctx, episodeID, func(m *models.EpisodeMetadata) error {
		m.Finished = false
		m.PositionMs = 0
		return nil
	})
}

// Follow consumes position reports until the channel closes or ctx ends,
// saving at most once per save interval. The last report is always saved.
func (t *Tracker) Follow(ctx context.Context, episodeID string, updates <-chan Progress) error {
	var (
		last    Progress
		pending bool
		saved   time.Time
	)
	flush := func() error {
		if !pending {
			return nil
		}
		pending = false
		saved = t.now()
		return t.UpdatePosition(context.WithoutCancel(ctx), episodeID, last.Position)
	}

	for {
		select {
		case <-ctx.Done():
			return flush()
		case p, ok := <-updates:
			if !ok {
				return flush()
			}
			last, pending = p, true
			if t.now().Sub(saved) < t.saveInterval {
				continue
			}
			if err := flush(); err != nil {
				logging.Warn("Failed to save position", "episode", episodeID, "error", err)
			}
		}
	}
}

// History lists recently played episodes, most recent first.
func (t *Tracker) History(ctx context.Context, limit int) ([]*models.Episode, error) {
	return t.store.History(ctx, limit)
}

// Settings returns the settings in effect for an episode's podcast.
func (t *Tracker) Settings(ctx context.Context, episodeID string) (models.PodcastSettings, error) {
	ep, err := t.store.Episode(ctx, episodeID)
	if err != nil {
		return models.PodcastSettings{}, err
	}
	return t.store.EffectiveSettings(ctx, ep.PodcastID)
}
