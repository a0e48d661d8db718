// Package playlist keeps named, user-ordered episode lists such as Up Next.
//
// Entries carry an explicit integer order. Inserting at the front takes the
// current minimum minus one and inserting at the end the maximum plus one, so
// a single insert touches one row. Move and NormalizeOrder rewrite every row.
package playlist

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/csams/podcore/internal/logging"
	"github.com/csams/podcore/internal/models"
	"github.com/csams/podcore/internal/store"
)

// orders beyond this magnitude trigger a NormalizeOrder on the next insert
const normalizeThreshold = 1 << 20

var ErrUnknownPosition = errors.New("unknown queue position")

// Manager edits playlists through the store's serialised write path.
type Manager struct {
	store *store.Store
}

func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Insert places an episode in the named playlist, creating the playlist on
// first use. An episode already present is moved, never duplicated. QueueNone
// leaves the playlist alone. It returns the entry's new order.
func (m *Manager) Insert(ctx context.Context, name, episodeID string, pos models.QueuePosition) (int, error) {
	switch pos {
	case models.QueueNone:
		return 0, nil
	case models.QueueFront, models.QueueEnd:
	default:
		return 0, errors.Wrapf(ErrUnknownPosition, "%q", pos)
	}

	var order int
	err := m.store.Write(ctx, func(tx *gorm.DB) error {
		pl, err := ensure(tx, name)
		if err != nil {
			return err
		}
		order, err = insert(tx, pl.ID, episodeID, pos)
		return err
	})
	if err != nil {
		return 0, err
	}
	logging.Debug("Playlist insert", "playlist", name, "episode", episodeID, "position", pos, "order", order)
	return order, nil
}

func insert(tx *gorm.DB, playlistID, episodeID string, pos models.QueuePosition) (int, error) {
	var count int64
	if err := tx.Model(&models.Episode{}).Where("id = ?", episodeID).Count(&count).Error; err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, errors.Wrapf(store.ErrNotFound, "episode %s", episodeID)
	}

	lo, hi, n, err := bounds(tx, playlistID)
	if err != nil {
		return 0, err
	}

	order := 0
	if n > 0 {
		if pos == models.QueueFront {
			order = lo - 1
		} else {
			order = hi + 1
		}
	}

	var entry models.PlaylistEntry
	err = tx.Where("playlist_id = ? AND episode_id = ?", playlistID, episodeID).First(&entry).Error
	switch {
	case err == nil:
		if err := tx.Model(&entry).Update("sort_order", order).Error; err != nil {
			return 0, errors.Wrap(err, "could not move playlist entry")
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		entry = models.PlaylistEntry{PlaylistID: playlistID, EpisodeID: episodeID, Order: order}
		if err := tx.Create(&entry).Error; err != nil {
			return 0, errors.Wrap(err, "could not create playlist entry")
		}
	default:
		return 0, err
	}

	if abs(order) > normalizeThreshold {
		entries, err := sorted(tx, playlistID)
		if err != nil {
			return 0, err
		}
		if err := renumber(tx, entries); err != nil {
			return 0, err
		}
		for i, e := range entries {
			if e.EpisodeID == episodeID {
				order = i
			}
		}
	}
	return order, nil
}

func bounds(tx *gorm.DB, playlistID string) (lo, hi int, n int64, err error) {
	var row struct {
		Lo int64
		Hi int64
		N  int64
	}
	err = tx.Model(&models.PlaylistEntry{}).
		Select("COALESCE(MIN(sort_order), 0) AS lo, COALESCE(MAX(sort_order), 0) AS hi, COUNT(*) AS n").
		Where("playlist_id = ?", playlistID).
		Scan(&row).Error
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "could not read playlist bounds")
	}
	return int(row.Lo), int(row.Hi), row.N, nil
}

// Move puts an episode at index (clamped to the list) and rewrites the order
// of every entry to 0..n-1.
func (m *Manager) Move(ctx context.Context, name, episodeID string, index int) error {
	return m.store.Write(ctx, func(tx *gorm.DB) error {
		pl, err := find(tx, name)
		if err != nil {
			return err
		}
		entries, err := sorted(tx, pl.ID)
		if err != nil {
			return err
		}

		from := -1
		for i, e := range entries {
			if e.EpisodeID == episodeID {
				from = i
				break
			}
		}
		if from < 0 {
			return errors.Wrapf(store.ErrNotFound, "episode %s not in %s", episodeID, name)
		}

		moved := entries[from]
		entries = append(entries[:from], entries[from+1:]...)
		if index < 0 {
			index = 0
		}
		if index > len(entries) {
			index = len(entries)
		}
		entries = append(entries, models.PlaylistEntry{})
		copy(entries[index+1:], entries[index:])
		entries[index] = moved

		return renumber(tx, entries)
	})
}

// NormalizeOrder rewrites orders to consecutive integers from zero, keeping
// the relative order.
func (m *Manager) NormalizeOrder(ctx context.Context, name string) error {
	return m.store.Write(ctx, func(tx *gorm.DB) error {
		pl, err := find(tx, name)
		if err != nil {
			return err
		}
		entries, err := sorted(tx, pl.ID)
		if err != nil {
			return err
		}
		return renumber(tx, entries)
	})
}

// Remove drops an episode from the playlist. Removing an absent episode is
// not an error.
func (m *Manager) Remove(ctx context.Context, name, episodeID string) error {
	return m.store.Write(ctx, func(tx *gorm.DB) error {
		pl, err := find(tx, name)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return tx.Where("playlist_id = ? AND episode_id = ?", pl.ID, episodeID).
			Delete(&models.PlaylistEntry{}).Error
	})
}

// RemoveEverywhere drops an episode from every playlist.
func (m *Manager) RemoveEverywhere(ctx context.Context, episodeID string) error {
	return m.store.Write(ctx, func(tx *gorm.DB) error {
		return tx.Where("episode_id = ?", episodeID).Delete(&models.PlaylistEntry{}).Error
	})
}

// Clear empties the playlist but keeps it.
func (m *Manager) Clear(ctx context.Context, name string) error {
	return m.store.Write(ctx, func(tx *gorm.DB) error {
		pl, err := find(tx, name)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return tx.Where("playlist_id = ?", pl.ID).Delete(&models.PlaylistEntry{}).Error
	})
}

// Entries returns the playlist in order with episodes loaded. A playlist that
// does not exist yet is empty.
func (m *Manager) Entries(ctx context.Context, name string) ([]models.PlaylistEntry, error) {
	db := m.store.Read(ctx)
	pl, err := find(db, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []models.PlaylistEntry
	err = db.Preload("Episode").
		Preload("Episode.Enclosures").
		Preload("Episode.Metadata").
		Where("playlist_id = ?", pl.ID).
		Order("sort_order, id").
		Find(&entries).Error
	return entries, err
}

// Next returns the first episode in the playlist, or nil when it is empty.
func (m *Manager) Next(ctx context.Context, name string) (*models.Episode, error) {
	entries, err := m.Entries(ctx, name)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0].Episode, nil
}

// Position returns the episode's zero-based index in the playlist, or -1.
func (m *Manager) Position(ctx context.Context, name, episodeID string) (int, error) {
	entries, err := m.Entries(ctx, name)
	if err != nil {
		return -1, err
	}
	for i, e := range entries {
		if e.EpisodeID == episodeID {
			return i, nil
		}
	}
	return -1, nil
}

// Playlists lists every playlist by name.
func (m *Manager) Playlists(ctx context.Context) ([]models.Playlist, error) {
	var pls []models.Playlist
	err := m.store.Read(ctx).Order("name").Find(&pls).Error
	return pls, err
}

// Delete removes a playlist and its entries.
func (m *Manager) Delete(ctx context.Context, name string) error {
	return m.store.Write(ctx, func(tx *gorm.DB) error {
		pl, err := find(tx, name)
		if err != nil {
			return err
		}
		if err := tx.Where("playlist_id = ?", pl.ID).Delete(&models.PlaylistEntry{}).Error; err != nil {
			return err
		}
		return tx.Delete(pl).Error
	})
}

func find(db *gorm.DB, name string) (*models.Playlist, error) {
	var pl models.Playlist
	if err := db.Where("name = ?", name).First(&pl).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(store.ErrNotFound, "playlist %q", name)
		}
		return nil, err
	}
	return &pl, nil
}

func ensure(tx *gorm.DB, name string) (*models.Playlist, error) {
	pl, err := find(tx, name)
	if err == nil {
		return pl, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	pl = &models.Playlist{ID: uuid.NewString(), Name: name}
	if err := tx.Create(pl).Error; err != nil {
		return nil, errors.Wrapf(err, "could not create playlist %q", name)
	}
	return pl, nil
}

func sorted(tx *gorm.DB, playlistID string) ([]models.PlaylistEntry, error) {
	var entries []models.PlaylistEntry
	err := tx.Where("playlist_id = ?", playlistID).Order("sort_order, id").Find(&entries).Error
	return entries, err
}

// renumber writes order i to the i-th entry, skipping rows already there.
func renumber(tx *gorm.DB, entries []models.PlaylistEntry) error {
	for i, e := range entries {
		if e.Order == i {
			continue
		}
		if err := tx.Model(&models.PlaylistEntry{}).Where("id = ?", e.ID).Update("sort_order", i).Error; err != nil {
			return errors.Wrap(err, "could not renumber playlist")
		}
		entries[i].Order = i
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
