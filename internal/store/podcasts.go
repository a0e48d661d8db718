package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/csams/podcore/internal/models"
)

// CreatePodcast inserts a podcast with its header-level records and episodes.
func (s *Store) CreatePodcast(ctx context.Context, p *models.Podcast, episodes []*models.Episode) error {
	if p.ID == "" {
		p.ID = models.GeneratePodcastID(p.FeedURL)
	}
	return s.Write(ctx, func(tx *gorm.DB) error {
		if err := tx.Omit("Episodes", "Settings").Create(p).Error; err != nil {
			return errors.Wrapf(err, "could not create podcast %s", p.FeedURL)
		}
		_, err := mergeEpisodes(tx, p.ID, episodes)
		return err
	})
}

// PodcastByFeedURL looks a podcast up by its feed URL.
func (s *Store) PodcastByFeedURL(ctx context.Context, feedURL string) (*models.Podcast, error) {
	var p models.Podcast
	if err := s.Read(ctx).Where(&models.Podcast{FeedURL: feedURL}).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// Podcast loads a podcast with its header-level records and settings.
func (s *Store) Podcast(ctx context.Context, id string) (*models.Podcast, error) {
	var p models.Podcast
	err := s.Read(ctx).
		Preload("Funding").
		Preload("People").
		Preload("SocialInteracts").
		Preload("Settings").
		First(&p, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// Podcasts lists all subscriptions ordered by title.
func (s *Store) Podcasts(ctx context.Context) ([]*models.Podcast, error) {
	var podcasts []*models.Podcast
	if err := s.Read(ctx).Order("title").Find(&podcasts).Error; err != nil {
		return nil, err
	}
	return podcasts, nil
}

// UpdatePodcast rewrites the header fields of a refreshed podcast and
// replaces its podcast-level funding, people and social records.
func (s *Store) UpdatePodcast(ctx context.Context, p *models.Podcast) error {
	return s.Write(ctx, func(tx *gorm.DB) error {
		return updatePodcast(tx, p)
	})
}

func updatePodcast(tx *gorm.DB, p *models.Podcast) error {
	err := tx.Model(&models.Podcast{ID: p.ID}).
		Select("Title", "Author", "Description", "Link", "ImageURL", "Language", "NewFeedURL", "LastBuildDate", "LastRefresh").
		Updates(p).Error
	if err != nil {
		return errors.Wrapf(err, "could not update podcast %s", p.ID)
	}

	for _, model := range []interface{}{&models.Funding{}, &models.Person{}, &models.SocialInteract{}} {
		if err := tx.Where("podcast_id = ?", p.ID).Delete(model).Error; err != nil {
			return err
		}
	}

	id := p.ID
	for i := range p.Funding {
		p.Funding[i].ID = 0
		p.Funding[i].PodcastID = &id
	}
	for i := range p.People {
		p.People[i].ID = 0
		p.People[i].PodcastID = &id
	}
	for i := range p.SocialInteracts {
		p.SocialInteracts[i].ID = 0
		p.SocialInteracts[i].PodcastID = &id
	}
	if len(p.Funding) > 0 {
		if err := tx.Create(&p.Funding).Error; err != nil {
			return err
		}
	}
	if len(p.People) > 0 {
		if err := tx.Create(&p.People).Error; err != nil {
			return err
		}
	}
	if len(p.SocialInteracts) > 0 {
		if err := tx.Create(&p.SocialInteracts).Error; err != nil {
			return err
		}
	}
	return nil
}

// RefreshPodcast applies a successful refresh in one transaction: header
// update plus episode merge. It returns the episodes that were new.
func (s *Store) RefreshPodcast(ctx context.Context, p *models.Podcast, episodes []*models.Episode) ([]*models.Episode, error) {
	var added []*models.Episode
	err := s.Write(ctx, func(tx *gorm.DB) error {
		now := time.Now()
		p.LastRefresh = &now
		if err := updatePodcast(tx, p); err != nil {
			return err
		}
		var err error
		added, err = mergeEpisodes(tx, p.ID, episodes)
		return err
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// DeletePodcast removes a podcast and everything hanging off it. It returns
// the paths of downloaded files so the caller can remove them.
func (s *Store) DeletePodcast(ctx context.Context, id string) ([]string, error) {
	var paths []string
	err := s.Write(ctx, func(tx *gorm.DB) error {
		var p models.Podcast
		if err := tx.First(&p, "id = ?", id).Error; err != nil {
			return notFound(err)
		}

		episodeIDs := tx.Model(&models.Episode{}).Select("id").Where("podcast_id = ?", id)

		if err := tx.Model(&models.EpisodeMetadata{}).
			Where("episode_id IN (?) AND downloaded = ?", episodeIDs, true).
			Pluck("download_path", &paths).Error; err != nil {
			return err
		}

		episodeOwned := []interface{}{
			&models.PlaylistEntry{},
			&models.Chapter{},
			&models.Enclosure{},
			&models.Transcript{},
			&models.EpisodeMetadata{},
			&models.Funding{},
			&models.Person{},
			&models.SocialInteract{},
		}
		for _, model := range episodeOwned {
			if err := tx.Where("episode_id IN (?)", episodeIDs).Delete(model).Error; err != nil {
				return errors.Wrap(err, "could not delete episode records")
			}
		}

		if err := tx.Where("podcast_id = ?", id).Delete(&models.Episode{}).Error; err != nil {
			return errors.Wrap(err, "could not delete episodes")
		}

		podcastOwned := []interface{}{
			&models.Funding{},
			&models.Person{},
			&models.SocialInteract{},
			&models.PodcastSettings{},
		}
		for _, model := range podcastOwned {
			if err := tx.Where("podcast_id = ?", id).Delete(model).Error; err != nil {
				return errors.Wrap(err, "could not delete podcast records")
			}
		}

		return tx.Delete(&p).Error
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
