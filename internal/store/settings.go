package store

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/csams/podcore/internal/models"
)

// GlobalSettings returns the global default record, creating it on first use.
func (s *Store) GlobalSettings(ctx context.Context) (models.PodcastSettings, error) {
	var global models.PodcastSettings
	err := s.Write(ctx, func(tx *gorm.DB) error {
		err := tx.Where("podcast_id IS NULL").First(&global).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			global = models.DefaultSettings()
			return tx.Create(&global).Error
		}
		return err
	})
	return global, err
}

// PodcastSettings returns a podcast's own record, or nil when it has none.
func (s *Store) PodcastSettings(ctx context.Context, podcastID string) (*models.PodcastSettings, error) {
	var ps models.PodcastSettings
	err := s.Read(ctx).Where("podcast_id = ?", podcastID).First(&ps).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ps, nil
}

// EffectiveSettings resolves the settings that apply to a podcast.
func (s *Store) EffectiveSettings(ctx context.Context, podcastID string) (models.PodcastSettings, error) {
	global, err := s.GlobalSettings(ctx)
	if err != nil {
		return models.PodcastSettings{}, err
	}
	ps, err := s.PodcastSettings(ctx, podcastID)
	if err != nil {
		return models.PodcastSettings{}, err
	}
	return models.Effective(global, ps), nil
}

// SaveSettings stores a settings record, global or per podcast. Saving a
// second global record overwrites the first.
func (s *Store) SaveSettings(ctx context.Context, settings *models.PodcastSettings) error {
	return s.Write(ctx, func(tx *gorm.DB) error {
		if settings.ID == 0 {
			var current models.PodcastSettings
			q := tx.Where("podcast_id IS NULL")
			if settings.PodcastID != nil {
				q = tx.Where("podcast_id = ?", *settings.PodcastID)
			}
			err := q.First(&current).Error
			if err == nil {
				settings.ID = current.ID
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return tx.Save(settings).Error
	})
}
