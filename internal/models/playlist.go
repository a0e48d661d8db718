package models

import (
	"time"
)

// UpNext is the name of the default playback queue.
const UpNext = "Up Next"

// Playlist is a named, user-ordered list of episodes
type Playlist struct {
	ID        string          `gorm:"primaryKey;size:36"`
	Name      string          `gorm:"uniqueIndex;not null"`
	Entries   []PlaylistEntry `gorm:"foreignKey:PlaylistID"`
	CreatedAt time.Time
}

// PlaylistEntry represents a single episode in a playlist. Order is explicit
// because rows come back from the store in no guaranteed sequence.
type PlaylistEntry struct {
	ID         uint     `gorm:"primaryKey"`
	PlaylistID string   `gorm:"uniqueIndex:idx_playlist_episode;size:36;not null"`
	EpisodeID  string   `gorm:"uniqueIndex:idx_playlist_episode;size:16;not null"`
	Episode    *Episode `gorm:"foreignKey:EpisodeID"`
	Order      int      `gorm:"column:sort_order;index"`
	AddedAt    time.Time
}
