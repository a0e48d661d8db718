package models

import (
	"strings"
)

// QueuePosition says where refreshed episodes land in Up Next.
type QueuePosition string

const (
	QueueFront QueuePosition = "front"
	QueueEnd   QueuePosition = "end"
	QueueNone  QueuePosition = "none" // leave in the inbox
)

// PodcastSettings overrides the global playback preferences for one podcast.
// The record with a nil PodcastID is the global default.
type PodcastSettings struct {
	ID               uint    `gorm:"primaryKey"`
	PodcastID        *string `gorm:"uniqueIndex;size:16"`
	Enabled          bool
	PlaybackSpeed    float64
	SkipIntroSeconds int
	SkipOutroSeconds int
	SkipKeywords     string        // one rule per line
	QueuePosition    QueuePosition `gorm:"size:8"`
}

// DefaultSettings returns the global defaults used when none are stored.
func DefaultSettings() PodcastSettings {
	return PodcastSettings{
		Enabled:       true,
		PlaybackSpeed: 1.0,
		QueuePosition: QueueEnd,
	}
}

// IsGlobal reports whether this is the global default record.
func (s *PodcastSettings) IsGlobal() bool {
	return s.PodcastID == nil
}

// Keywords returns the non-empty skip rules, lowercased.
func (s *PodcastSettings) Keywords() []string {
	var rules []string
	for _, line := range strings.Split(s.SkipKeywords, "\n") {
		if rule := strings.ToLower(strings.TrimSpace(line)); rule != "" {
			rules = append(rules, rule)
		}
	}
	return rules
}

// SetKeywords stores rules one per line.
func (s *PodcastSettings) SetKeywords(rules []string) {
	var kept []string
	for _, r := range rules {
		if r = strings.TrimSpace(r); r != "" {
			kept = append(kept, r)
		}
	}
	s.SkipKeywords = strings.Join(kept, "\n")
}

// ShouldSkip reports whether an episode title matches any skip rule.
func (s *PodcastSettings) ShouldSkip(title string) bool {
	title = strings.ToLower(title)
	for _, rule := range s.Keywords() {
		if strings.Contains(title, rule) {
			return true
		}
	}
	return false
}

// Effective picks the per-podcast settings when present and enabled,
// otherwise the global ones.
func Effective(global PodcastSettings, podcast *PodcastSettings) PodcastSettings {
	if podcast == nil || !podcast.Enabled {
		return global
	}
	eff := *podcast
	if eff.PlaybackSpeed <= 0 {
		eff.PlaybackSpeed = global.PlaybackSpeed
	}
	if eff.QueuePosition == "" {
		eff.QueuePosition = global.QueuePosition
	}
	return eff
}

func (PodcastSettings) TableName() string { return "podcast_settings" }
