package models

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

type Podcast struct {
	ID            string `gorm:"primaryKey;size:16"`
	FeedURL       string `gorm:"uniqueIndex;not null"`
	Title         string
	Author        string
	Description   string
	Link          string
	ImageURL      string
	Language      string
	NewFeedURL    string
	LastBuildDate *time.Time
	LastRefresh   *time.Time

	Episodes        []*Episode       `gorm:"foreignKey:PodcastID"`
	Funding         []Funding        `gorm:"foreignKey:PodcastID"`
	People          []Person         `gorm:"foreignKey:PodcastID"`
	SocialInteracts []SocialInteract `gorm:"foreignKey:PodcastID"`
	Settings        *PodcastSettings `gorm:"foreignKey:PodcastID"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Episode struct {
	ID              string `gorm:"primaryKey;size:16"`
	PodcastID       string `gorm:"index;not null;size:16"`
	GUID            string `gorm:"index"`
	Title           string
	Description     string
	Link            string
	EpisodeNumber   *int
	Season          *int
	EpisodeType     string
	PublishDate     *time.Time `gorm:"index"`
	DurationSeconds int64
	ImageURL        string
	ChaptersURL     string

	Enclosures      []Enclosure      `gorm:"foreignKey:EpisodeID"`
	Chapters        []Chapter        `gorm:"foreignKey:EpisodeID"`
	Transcripts     []Transcript     `gorm:"foreignKey:EpisodeID"`
	Funding         []Funding        `gorm:"foreignKey:EpisodeID"`
	People          []Person         `gorm:"foreignKey:EpisodeID"`
	SocialInteracts []SocialInteract `gorm:"foreignKey:EpisodeID"`
	Metadata        *EpisodeMetadata `gorm:"foreignKey:EpisodeID"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EpisodeMetadata is the mutable per-episode state kept apart from feed data,
// so a refresh never touches it.
type EpisodeMetadata struct {
	EpisodeID  string `gorm:"primaryKey;size:16"`
	PositionMs int64
	Finished   bool `gorm:"index"`
	Archived   bool
	Inbox      bool       `gorm:"index"`
	LastPlayed *time.Time `gorm:"index"`
	PlayCount  int

	Downloaded   bool `gorm:"index"` // available locally
	DownloadPath string
	DownloadSize int64
	DownloadDate *time.Time

	UpdatedAt time.Time
}

// Position returns the playback position.
func (m *EpisodeMetadata) Position() time.Duration {
	return time.Duration(m.PositionMs) * time.Millisecond
}

// Duration returns the episode length declared by the feed.
func (e *Episode) Duration() time.Duration {
	return time.Duration(e.DurationSeconds) * time.Second
}

// PrimaryEnclosure returns the first enclosure, or nil.
func (e *Episode) PrimaryEnclosure() *Enclosure {
	if len(e.Enclosures) == 0 {
		return nil
	}
	return &e.Enclosures[0]
}

// AudioURL returns the URL of the primary enclosure.
func (e *Episode) AudioURL() string {
	if enc := e.PrimaryEnclosure(); enc != nil {
		return enc.URL
	}
	return ""
}

// IdentityKey is the value episode IDs are derived from: the guid when the feed
// declares one, otherwise the link, otherwise enclosure URL plus publish date.
func (e *Episode) IdentityKey() string {
	if guid := strings.TrimSpace(e.GUID); guid != "" {
		return "guid:" + guid
	}
	if link := strings.TrimSpace(e.Link); link != "" {
		return "link:" + link
	}
	key := "enc:" + e.AudioURL()
	if e.PublishDate != nil {
		key += e.PublishDate.UTC().Format(time.RFC3339)
	}
	return key
}

// SameAs reports whether two episodes are the same logical episode: equal
// guids, or when either lacks one, equal links, then equal episode numbers.
func (e *Episode) SameAs(o *Episode) bool {
	if e.GUID != "" && o.GUID != "" {
		return e.GUID == o.GUID
	}
	if e.Link != "" && o.Link != "" {
		return e.Link == o.Link
	}
	if e.EpisodeNumber != nil && o.EpisodeNumber != nil {
		if e.Season != nil && o.Season != nil && *e.Season != *o.Season {
			return false
		}
		return *e.EpisodeNumber == *o.EpisodeNumber
	}
	return false
}

// GenerateEpisodeID creates a unique ID for an episode from the feed URL and
// the episode's identity key
func GenerateEpisodeID(feedURL, identityKey string) string {
	h := sha256.New()
	h.Write([]byte(feedURL + identityKey))
	return fmt.Sprintf("%x", h.Sum(nil))[:16] // First 16 chars for filename safety
}

// GeneratePodcastID derives the podcast ID from its feed URL.
func GeneratePodcastID(feedURL string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(feedURL)))
	return fmt.Sprintf("%x", h)[:16]
}

// GenerateID generates an ID for this episode using the parent feed URL
func (e *Episode) GenerateID(feedURL string) {
	e.ID = GenerateEpisodeID(feedURL, e.IdentityKey())
}

func (EpisodeMetadata) TableName() string { return "episode_metadata" }
