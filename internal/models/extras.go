package models

import (
	"sort"
	"time"
)

type Enclosure struct {
	ID        uint   `gorm:"primaryKey"`
	EpisodeID string `gorm:"index;size:16"`
	URL       string `gorm:"index"`
	MimeType  string
	Length    int64
}

// ChapterSource records where a chapter came from.
type ChapterSource string

const (
	ChapterSourceFeed     ChapterSource = "feed"
	ChapterSourceEmbedded ChapterSource = "embedded"
	ChapterSourceAI       ChapterSource = "ai"
	ChapterSourceText     ChapterSource = "text"
)

// chapterPreference lists sources best first.
var chapterPreference = []ChapterSource{
	ChapterSourceFeed,
	ChapterSourceEmbedded,
	ChapterSourceAI,
	ChapterSourceText,
}

type Chapter struct {
	ID         uint   `gorm:"primaryKey"`
	EpisodeID  string `gorm:"index;size:16"`
	Title      string
	StartMs    int64
	DurationMs *int64
	ImageURL   string
	Link       string
	Provenance ChapterSource `gorm:"index;size:16"`
}

// Start returns the chapter's offset into the episode.
func (c *Chapter) Start() time.Duration {
	return time.Duration(c.StartMs) * time.Millisecond
}

// PreferredChapters picks the chapter set of the best available provenance,
// in start order.
func PreferredChapters(chapters []Chapter) []Chapter {
	for _, src := range chapterPreference {
		var picked []Chapter
		for _, c := range chapters {
			if c.Provenance == src {
				picked = append(picked, c)
			}
		}
		if len(picked) > 0 {
			SortChapters(picked)
			return picked
		}
	}
	return nil
}

// SortChapters orders chapters by start offset, stable on ties.
func SortChapters(chapters []Chapter) {
	sort.SliceStable(chapters, func(i, j int) bool {
		return chapters[i].StartMs < chapters[j].StartMs
	})
}

type Transcript struct {
	ID        uint   `gorm:"primaryKey"`
	EpisodeID string `gorm:"index;size:16"`
	URL       string
	MimeType  string
	Language  string
	Rel       string
}

// Funding, Person and SocialInteract hang off either a podcast or an episode;
// exactly one of PodcastID and EpisodeID is set.

type Funding struct {
	ID        uint    `gorm:"primaryKey"`
	PodcastID *string `gorm:"index;size:16"`
	EpisodeID *string `gorm:"index;size:16"`
	URL       string
	Text      string
}

type Person struct {
	ID        uint    `gorm:"primaryKey"`
	PodcastID *string `gorm:"index;size:16"`
	EpisodeID *string `gorm:"index;size:16"`
	Name      string
	Role      string
	Group     string `gorm:"column:person_group"`
	ImageURL  string
	Href      string
}

type SocialInteract struct {
	ID         uint    `gorm:"primaryKey"`
	PodcastID  *string `gorm:"index;size:16"`
	EpisodeID  *string `gorm:"index;size:16"`
	URI        string
	Protocol   string
	AccountID  string
	AccountURL string
	Priority   int
}
