package feed

import (
	"io"
	"strings"

	"github.com/mmcdole/gofeed/atom"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/csams/podcore/internal/models"
)

// ParseAtom reads an Atom feed into the same Result shape as ParseRSS.
// Entries become episodes when they carry an enclosure link.
func ParseAtom(r io.Reader) (*Result, error) {
	fp := &atom.Parser{}
	f, err := fp.Parse(r)
	if err != nil {
		return nil, parseError(err)
	}

	p := &models.Podcast{
		Title:       f.Title,
		Description: f.Subtitle,
		Language:    f.Language,
		ImageURL:    firstNonEmpty(itunesValue(f.Extensions, "image", "href"), f.Logo, f.Icon),
		Author:      firstNonEmpty(itunesValue(f.Extensions, "author", "")),
	}
	if p.Author == "" && len(f.Authors) > 0 {
		p.Author = f.Authors[0].Name
	}
	if f.UpdatedParsed != nil {
		t := *f.UpdatedParsed
		p.LastBuildDate = &t
	}

	result := &Result{Podcast: p}
	for _, l := range f.Links {
		switch strings.ToLower(l.Rel) {
		case "alternate", "":
			if p.Link == "" {
				p.Link = l.Href
			}
		case "next":
			result.Links.Next = l.Href
		case "prev", "previous":
			result.Links.Prev = l.Href
		case "first":
			result.Links.First = l.Href
		case "last":
			result.Links.Last = l.Href
		}
	}

	for _, e := range f.Entries {
		if ep := atomEpisode(e); ep != nil {
			result.Episodes = append(result.Episodes, ep)
		}
	}
	return result, nil
}

func atomEpisode(e *atom.Entry) *models.Episode {
	ep := &models.Episode{
		GUID:        e.ID,
		Title:       e.Title,
		Description: e.Summary,
		EpisodeType: strings.ToLower(itunesValue(e.Extensions, "episodeType", "")),
		ImageURL:    itunesValue(e.Extensions, "image", "href"),

		EpisodeNumber: parseInt(itunesValue(e.Extensions, "episode", "")),
		Season:        parseInt(itunesValue(e.Extensions, "season", "")),
	}
	if e.Content != nil && e.Content.Value != "" {
		ep.Description = e.Content.Value
	}

	for _, l := range e.Links {
		switch strings.ToLower(l.Rel) {
		case "enclosure":
			if l.Href != "" {
				ep.Enclosures = append(ep.Enclosures, models.Enclosure{
					URL:      l.Href,
					MimeType: l.Type,
					Length:   parseInt64(l.Length),
				})
			}
		case "alternate", "":
			if ep.Link == "" {
				ep.Link = l.Href
			}
		}
	}
	if len(ep.Enclosures) == 0 {
		return nil
	}

	switch {
	case e.PublishedParsed != nil:
		t := *e.PublishedParsed
		ep.PublishDate = &t
	case e.UpdatedParsed != nil:
		t := *e.UpdatedParsed
		ep.PublishDate = &t
	}
	ep.DurationSeconds = int64(parseDuration(itunesValue(e.Extensions, "duration", "")).Seconds())
	return ep
}

// itunesValue returns the text (or the named attribute) of the first itunes
// extension element called name.
func itunesValue(exts ext.Extensions, name, attr string) string {
	if exts == nil {
		return ""
	}
	elems := exts["itunes"][name]
	if len(elems) == 0 {
		return ""
	}
	if attr != "" {
		return strings.TrimSpace(elems[0].Attrs[attr])
	}
	return strings.TrimSpace(elems[0].Value)
}
