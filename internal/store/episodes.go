package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/csams/podcore/internal/models"
)

// MergeEpisodes adds the incoming episodes that the podcast does not already
// have and refreshes the feed fields of those it does. Identity follows
// Episode.SameAs, so a guid never produces a second row. It returns the new
// episodes.
func (s *Store) MergeEpisodes(ctx context.Context, podcastID string, incoming []*models.Episode) ([]*models.Episode, error) {
	var added []*models.Episode
	err := s.Write(ctx, func(tx *gorm.DB) error {
		var err error
		added, err = mergeEpisodes(tx, podcastID, incoming)
		return err
	})
	return added, err
}

func mergeEpisodes(tx *gorm.DB, podcastID string, incoming []*models.Episode) ([]*models.Episode, error) {
	var existing []*models.Episode
	if err := tx.Where("podcast_id = ?", podcastID).Find(&existing).Error; err != nil {
		return nil, errors.Wrap(err, "could not load existing episodes")
	}

	var added []*models.Episode
	for _, ep := range incoming {
		ep.PodcastID = podcastID

		if match := findEpisode(existing, ep); match != nil {
			if err := refreshEpisode(tx, match, ep); err != nil {
				return nil, err
			}
			continue
		}

		if ep.Metadata == nil {
			ep.Metadata = &models.EpisodeMetadata{}
		}
		if err := tx.Create(ep).Error; err != nil {
			return nil, errors.Wrapf(err, "could not create episode %q", ep.Title)
		}
		existing = append(existing, ep)
		added = append(added, ep)
	}
	return added, nil
}

func findEpisode(existing []*models.Episode, ep *models.Episode) *models.Episode {
	for _, e := range existing {
		if e.ID == ep.ID || e.SameAs(ep) {
			return e
		}
	}
	return nil
}

// refreshEpisode copies feed-owned fields from fresh onto the stored episode.
// Metadata and chapters of other provenance are left alone.
func refreshEpisode(tx *gorm.DB, stored, fresh *models.Episode) error {
	fresh.ID = stored.ID
	err := tx.Model(&models.Episode{ID: stored.ID}).
		Select("Title", "Description", "Link", "EpisodeNumber", "Season", "EpisodeType",
			"PublishDate", "DurationSeconds", "ImageURL", "ChaptersURL").
		Updates(fresh).Error
	if err != nil {
		return errors.Wrapf(err, "could not update episode %s", stored.ID)
	}

	if len(fresh.Enclosures) > 0 {
		if err := tx.Where("episode_id = ?", stored.ID).Delete(&models.Enclosure{}).Error; err != nil {
			return err
		}
		for i := range fresh.Enclosures {
			fresh.Enclosures[i].ID = 0
			fresh.Enclosures[i].EpisodeID = stored.ID
		}
		if err := tx.Create(&fresh.Enclosures).Error; err != nil {
			return err
		}
	}

	if len(fresh.Transcripts) > 0 {
		if err := tx.Where("episode_id = ?", stored.ID).Delete(&models.Transcript{}).Error; err != nil {
			return err
		}
		for i := range fresh.Transcripts {
			fresh.Transcripts[i].ID = 0
			fresh.Transcripts[i].EpisodeID = stored.ID
		}
		if err := tx.Create(&fresh.Transcripts).Error; err != nil {
			return err
		}
	}

	if feed := chaptersFrom(fresh.Chapters, models.ChapterSourceFeed); len(feed) > 0 {
		return replaceChapters(tx, stored.ID, models.ChapterSourceFeed, feed)
	}
	return nil
}

func chaptersFrom(chapters []models.Chapter, src models.ChapterSource) []models.Chapter {
	var out []models.Chapter
	for _, c := range chapters {
		if c.Provenance == src {
			out = append(out, c)
		}
	}
	return out
}

// ReplaceChapters swaps the episode's chapters of one provenance.
func (s *Store) ReplaceChapters(ctx context.Context, episodeID string, src models.ChapterSource, chapters []models.Chapter) error {
	return s.Write(ctx, func(tx *gorm.DB) error {
		return replaceChapters(tx, episodeID, src, chapters)
	})
}

func replaceChapters(tx *gorm.DB, episodeID string, src models.ChapterSource, chapters []models.Chapter) error {
	if err := tx.Where("episode_id = ? AND provenance = ?", episodeID, src).Delete(&models.Chapter{}).Error; err != nil {
		return errors.Wrap(err, "could not delete chapters")
	}
	if len(chapters) == 0 {
		return nil
	}
	rows := make([]models.Chapter, len(chapters))
	for i, c := range chapters {
		c.ID = 0
		c.EpisodeID = episodeID
		c.Provenance = src
		rows[i] = c
	}
	return errors.Wrap(tx.Create(&rows).Error, "could not create chapters")
}

// Episode loads an episode with everything it owns.
func (s *Store) Episode(ctx context.Context, id string) (*models.Episode, error) {
	var ep models.Episode
	err := s.Read(ctx).
		Preload("Enclosures").
		Preload("Chapters").
		Preload("Transcripts").
		Preload("Funding").
		Preload("People").
		Preload("SocialInteracts").
		Preload("Metadata").
		First(&ep, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &ep, nil
}

// Episodes lists a podcast's episodes, newest first.
func (s *Store) Episodes(ctx context.Context, podcastID string) ([]*models.Episode, error) {
	var episodes []*models.Episode
	err := s.Read(ctx).
		Preload("Enclosures").
		Preload("Metadata").
		Where("podcast_id = ?", podcastID).
		Order("publish_date DESC").
		Find(&episodes).Error
	return episodes, err
}

// AllEpisodes lists every episode with enclosures and metadata.
func (s *Store) AllEpisodes(ctx context.Context) ([]*models.Episode, error) {
	var episodes []*models.Episode
	err := s.Read(ctx).
		Preload("Enclosures").
		Preload("Metadata").
		Order("publish_date DESC").
		Find(&episodes).Error
	return episodes, err
}

// EpisodeByAudioURL finds the episode owning an enclosure URL.
func (s *Store) EpisodeByAudioURL(ctx context.Context, url string) (*models.Episode, error) {
	var ep models.Episode
	err := s.Read(ctx).
		Joins("JOIN enclosures ON enclosures.episode_id = episodes.id").
		Where("enclosures.url = ?", url).
		Preload("Enclosures").
		Preload("Metadata").
		First(&ep).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &ep, nil
}

// DownloadedEpisodes lists episodes available locally.
func (s *Store) DownloadedEpisodes(ctx context.Context) ([]*models.Episode, error) {
	var episodes []*models.Episode
	err := s.Read(ctx).
		Joins("JOIN episode_metadata ON episode_metadata.episode_id = episodes.id").
		Where("episode_metadata.downloaded = ?", true).
		Preload("Metadata").
		Find(&episodes).Error
	return episodes, err
}

// InboxEpisodes lists episodes flagged for the inbox, newest first.
func (s *Store) InboxEpisodes(ctx context.Context) ([]*models.Episode, error) {
	var episodes []*models.Episode
	err := s.Read(ctx).
		Joins("JOIN episode_metadata ON episode_metadata.episode_id = episodes.id").
		Where("episode_metadata.inbox = ? AND episode_metadata.archived = ?", true, false).
		Preload("Enclosures").
		Preload("Metadata").
		Order("episodes.publish_date DESC").
		Find(&episodes).Error
	return episodes, err
}

// History lists played episodes, most recent first.
func (s *Store) History(ctx context.Context, limit int) ([]*models.Episode, error) {
	var episodes []*models.Episode
	q := s.Read(ctx).
		Joins("JOIN episode_metadata ON episode_metadata.episode_id = episodes.id").
		Where("episode_metadata.last_played IS NOT NULL").
		Preload("Metadata").
		Order("episode_metadata.last_played DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&episodes).Error
	return episodes, err
}

// UpdateMetadata loads (or starts) an episode's metadata, lets cb change it
// and saves the result.
func (s *Store) UpdateMetadata(ctx context.Context, episodeID string, cb func(m *models.EpisodeMetadata) error) error {
	return s.Write(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Episode{}).Where("id = ?", episodeID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}

		var m models.EpisodeMetadata
		err := tx.First(&m, "episode_id = ?", episodeID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			m = models.EpisodeMetadata{EpisodeID: episodeID}
		} else if err != nil {
			return err
		}

		if err := cb(&m); err != nil {
			return err
		}
		return tx.Save(&m).Error
	})
}

// MarkDownloaded records that an episode's audio is available locally.
func (s *Store) MarkDownloaded(ctx context.Context, episodeID, path string, size int64) error {
	return s.UpdateMetadata(ctx, episodeID, func(m *models.EpisodeMetadata) error {
		now := time.Now()
		m.Downloaded = true
		m.DownloadPath = path
		m.DownloadSize = size
		m.DownloadDate = &now
		return nil
	})
}

// MarkNotDownloaded clears an episode's download state.
func (s *Store) MarkNotDownloaded(ctx context.Context, episodeID string) error {
	return s.UpdateMetadata(ctx, episodeID, func(m *models.EpisodeMetadata) error {
		m.Downloaded = false
		m.DownloadPath = ""
		m.DownloadSize = 0
		m.DownloadDate = nil
		return nil
	})
}
