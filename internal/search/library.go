package search

import (
	"context"
	"sort"

	"github.com/csams/podcore/internal/feed"
	"github.com/csams/podcore/internal/models"
)

// Field names which part of a record matched.
type Field string

const (
	FieldTitle       Field = "title"
	FieldURL         Field = "url"
	FieldAuthor      Field = "author"
	FieldDescription Field = "description"
)

// Library is the read side of the store that search needs.
type Library interface {
	Podcasts(ctx context.Context) ([]*models.Podcast, error)
	AllEpisodes(ctx context.Context) ([]*models.Episode, error)
}

type PodcastHit struct {
	Podcast *models.Podcast
	Field   Field
	Match   MatchResult
}

type EpisodeHit struct {
	Episode *models.Episode
	Field   Field
	Match   MatchResult
}

// Results are ranked best first.
type Results struct {
	Podcasts []PodcastHit
	Episodes []EpisodeHit
}

// MatchPodcasts ranks podcasts by title, then feed URL, then author.
func MatchPodcasts(m *Matcher, podcasts []*models.Podcast) []PodcastHit {
	fields := []Field{FieldTitle, FieldURL, FieldAuthor}

	var hits []PodcastHit
	for _, p := range podcasts {
		i, r := m.Best(p.Title, p.FeedURL, p.Author)
		if i < 0 {
			continue
		}
		hits = append(hits, PodcastHit{Podcast: p, Field: fields[i], Match: r})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Match.Score > hits[j].Match.Score
	})
	return hits
}

// MatchEpisodes ranks episodes by title, then plain-text description. Ties
// go to the newer episode.
func MatchEpisodes(m *Matcher, episodes []*models.Episode) []EpisodeHit {
	fields := []Field{FieldTitle, FieldDescription}

	var hits []EpisodeHit
	for _, ep := range episodes {
		i, r := m.Best(ep.Title, feed.PlainText(ep.Description))
		if i < 0 {
			continue
		}
		hits = append(hits, EpisodeHit{Episode: ep, Field: fields[i], Match: r})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Match.Score != b.Match.Score {
			return a.Match.Score > b.Match.Score
		}
		if a.Episode.PublishDate == nil || b.Episode.PublishDate == nil {
			return a.Episode.PublishDate != nil
		}
		return a.Episode.PublishDate.After(*b.Episode.PublishDate)
	})
	return hits
}

// Search matches the whole library. limit caps each list; zero means no cap.
func Search(ctx context.Context, lib Library, query string, minScore, limit int) (*Results, error) {
	m := NewMatcher(query, minScore)

	podcasts, err := lib.Podcasts(ctx)
	if err != nil {
		return nil, err
	}
	episodes, err := lib.AllEpisodes(ctx)
	if err != nil {
		return nil, err
	}

	res := &Results{
		Podcasts: MatchPodcasts(m, podcasts),
		Episodes: MatchEpisodes(m, episodes),
	}
	if limit > 0 {
		if len(res.Podcasts) > limit {
			res.Podcasts = res.Podcasts[:limit]
		}
		if len(res.Episodes) > limit {
			res.Episodes = res.Episodes[:limit]
		}
	}
	return res, nil
}
