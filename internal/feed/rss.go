package feed

import (
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/csams/podcore/internal/models"
)

// PageLinks are the RFC 5005 paging relations a feed page declares.
type PageLinks struct {
	Next  string
	Prev  string
	First string
	Last  string
}

// Result is one parsed feed document, or several pages merged into one.
// Episode IDs are not assigned until the feed URL is known.
type Result struct {
	Podcast  *models.Podcast
	Episodes []*models.Episode
	Links    PageLinks
}

// sideArrays hold the multi-valued children of the element being built.
type sideArrays struct {
	enclosures  []models.Enclosure
	chapters    []models.Chapter
	transcripts []models.Transcript
	funding     []models.Funding
	people      []models.Person
	socials     []models.SocialInteract
}

func (s *sideArrays) reset() { *s = sideArrays{} }

type rssHandler struct {
	stack      []string
	texts      []*strings.Builder
	sawChannel bool
	inItem     bool

	header     map[string]string
	item       map[string]string
	headerSide sideArrays
	itemSide   sideArrays

	// the open podcast:funding / podcast:person element, filled by its text
	funding *models.Funding
	person  *models.Person

	result Result
}

// ParseRSS reads an RSS 2.0 podcast feed. Optional values that fail to parse
// are left empty; items without an enclosure are skipped. A document that
// cannot be tokenised or has no channel yields ErrCouldNotParse.
func ParseRSS(r io.Reader) (*Result, error) {
	h := &rssHandler{
		header: map[string]string{},
		result: Result{Podcast: &models.Podcast{}},
	}
	if err := Walk(r, h); err != nil {
		return nil, parseError(err)
	}
	if !h.sawChannel {
		return nil, parseError(errNoChannel)
	}
	return &h.result, nil
}

func (h *rssHandler) isHeader() bool { return !h.inItem }

func (h *rssHandler) values() map[string]string {
	if h.isHeader() {
		return h.header
	}
	return h.item
}

func (h *rssHandler) side() *sideArrays {
	if h.isHeader() {
		return &h.headerSide
	}
	return &h.itemSide
}

func (h *rssHandler) parent() string {
	if len(h.stack) < 2 {
		return ""
	}
	return h.stack[len(h.stack)-2]
}

func (h *rssHandler) StartElement(name string, attrs map[string]string) {
	h.stack = append(h.stack, name)
	h.texts = append(h.texts, &strings.Builder{})

	switch name {
	case "channel":
		h.sawChannel = true
	case "item":
		h.inItem = true
		h.item = map[string]string{}
		h.itemSide.reset()
	case "enclosure":
		if h.inItem && attrs["url"] != "" {
			h.itemSide.enclosures = append(h.itemSide.enclosures, models.Enclosure{
				URL:      strings.TrimSpace(attrs["url"]),
				MimeType: attrs["type"],
				Length:   parseInt64(attrs["length"]),
			})
		}
	case "itunes:image":
		if href := strings.TrimSpace(attrs["href"]); href != "" {
			h.values()["itunes:image"] = href
		}
	case "podcast:chapters":
		if h.inItem {
			h.item["podcast:chapters"] = strings.TrimSpace(attrs["url"])
		}
	case "podcast:transcript":
		if h.inItem && attrs["url"] != "" {
			s := &h.itemSide
			s.transcripts = append(s.transcripts, models.Transcript{
				URL:      strings.TrimSpace(attrs["url"]),
				MimeType: attrs["type"],
				Language: attrs["language"],
				Rel:      attrs["rel"],
			})
		}
	case "podcast:funding":
		h.funding = &models.Funding{URL: strings.TrimSpace(attrs["url"])}
	case "podcast:person":
		h.person = &models.Person{
			Role:     strings.ToLower(attrs["role"]),
			Group:    strings.ToLower(attrs["group"]),
			ImageURL: attrs["img"],
			Href:     attrs["href"],
		}
	case "podcast:socialinteract":
		uri := strings.TrimSpace(attrs["uri"])
		if uri == "" || attrs["protocol"] == "disabled" {
			break
		}
		s := h.side()
		prio, _ := strconv.Atoi(attrs["priority"])
		s.socials = append(s.socials, models.SocialInteract{
			URI:        uri,
			Protocol:   attrs["protocol"],
			AccountID:  attrs["accountid"],
			AccountURL: attrs["accounturl"],
			Priority:   prio,
		})
	case "psc:chapter":
		if !h.inItem {
			break
		}
		start, ok := parseNPT(attrs["start"])
		if !ok {
			break
		}
		h.itemSide.chapters = append(h.itemSide.chapters, models.Chapter{
			Title:      strings.TrimSpace(attrs["title"]),
			StartMs:    start.Milliseconds(),
			Link:       attrs["href"],
			ImageURL:   attrs["image"],
			Provenance: models.ChapterSourceFeed,
		})
	case "atom:link":
		if h.inItem {
			break
		}
		href := strings.TrimSpace(attrs["href"])
		switch strings.ToLower(attrs["rel"]) {
		case "next":
			h.result.Links.Next = href
		case "prev", "previous":
			h.result.Links.Prev = href
		case "first":
			h.result.Links.First = href
		case "last":
			h.result.Links.Last = href
		}
	}
}

func (h *rssHandler) Characters(text string) {
	if n := len(h.texts); n > 0 {
		h.texts[n-1].WriteString(text)
	}
}

func (h *rssHandler) EndElement(name string) {
	var raw string
	if n := len(h.texts); n > 0 {
		raw = h.texts[n-1].String()
		h.texts = h.texts[:n-1]
	}
	text := strings.TrimSpace(raw)

	switch name {
	case "item":
		if ep := h.buildEpisode(); ep != nil {
			h.result.Episodes = append(h.result.Episodes, ep)
		}
		h.inItem = false
		h.item = nil
	case "channel":
		h.buildPodcast()
	case "url":
		if h.parent() == "image" && text != "" {
			h.values()["image"] = text
		}
	case "podcast:funding":
		if h.funding != nil && h.funding.URL != "" {
			h.funding.Text = text
			s := h.side()
			s.funding = append(s.funding, *h.funding)
		}
		h.funding = nil
	case "podcast:person":
		if h.person != nil && text != "" {
			h.person.Name = text
			s := h.side()
			s.people = append(s.people, *h.person)
		}
		h.person = nil
	default:
		// nested title/link etc. belong to image, not to the channel or item
		if text != "" && h.capturesText(name) {
			vals := h.values()
			if _, seen := vals[name]; !seen {
				vals[name] = text
			}
		}
	}

	// unescaped inline markup: the child's text is part of the enclosing field
	if n := len(h.texts); n > 0 && !isContainer(h.parent()) {
		h.texts[n-1].WriteString(raw)
	}

	if n := len(h.stack); n > 0 {
		h.stack = h.stack[:n-1]
	}
}

func isContainer(name string) bool {
	switch name {
	case "", "rss", "channel", "item":
		return true
	}
	return false
}

// capturesText reports whether a closing element's text belongs to the open
// channel or item, i.e. it is a direct child of one.
func (h *rssHandler) capturesText(name string) bool {
	switch h.parent() {
	case "channel", "item":
	default:
		return false
	}
	switch name {
	case "title", "description", "link", "guid", "pubdate", "lastbuilddate", "language",
		"author", "itunes:author", "itunes:summary", "itunes:subtitle", "itunes:duration",
		"itunes:episode", "itunes:season", "itunes:episodetype", "itunes:new-feed-url",
		"content:encoded":
		return true
	}
	return false
}

func (h *rssHandler) buildEpisode() *models.Episode {
	vals, side := h.item, h.itemSide
	if len(side.enclosures) == 0 {
		return nil
	}

	ep := &models.Episode{
		GUID:        vals["guid"],
		Title:       vals["title"],
		Description: firstNonEmpty(vals["content:encoded"], vals["description"], vals["itunes:summary"]),
		Link:        vals["link"],
		EpisodeType: strings.ToLower(vals["itunes:episodetype"]),
		ImageURL:    vals["itunes:image"],
		ChaptersURL: vals["podcast:chapters"],

		EpisodeNumber: parseInt(vals["itunes:episode"]),
		Season:        parseInt(vals["itunes:season"]),

		Enclosures:      side.enclosures,
		Transcripts:     side.transcripts,
		Funding:         side.funding,
		People:          side.people,
		SocialInteracts: side.socials,
	}
	if ep.Title == "" {
		ep.Title = vals["itunes:subtitle"]
	}

	if pub, err := parseRFC2822Date(vals["pubdate"]); err == nil {
		ep.PublishDate = &pub
	}
	ep.DurationSeconds = int64(parseDuration(vals["itunes:duration"]) / time.Second)

	if len(side.chapters) > 0 {
		models.SortChapters(side.chapters)
		fillChapterDurations(side.chapters, ep.Duration())
		ep.Chapters = side.chapters
	}

	h.itemSide.reset()
	return ep
}

func (h *rssHandler) buildPodcast() {
	vals, side := h.header, h.headerSide
	p := h.result.Podcast

	p.Title = vals["title"]
	p.Author = firstNonEmpty(vals["itunes:author"], vals["author"])
	p.Description = firstNonEmpty(vals["description"], vals["itunes:summary"])
	p.Link = vals["link"]
	p.ImageURL = firstNonEmpty(vals["itunes:image"], vals["image"])
	p.Language = vals["language"]
	p.NewFeedURL = vals["itunes:new-feed-url"]
	if t, err := parseRFC2822Date(vals["lastbuilddate"]); err == nil {
		p.LastBuildDate = &t
	}

	p.Funding = side.funding
	p.People = side.people
	p.SocialInteracts = side.socials

	h.headerSide.reset()
}

// fillChapterDurations derives each chapter's duration from the start of the
// next one; the last runs to the end of the episode when that is known.
func fillChapterDurations(chapters []models.Chapter, total time.Duration) {
	for i := range chapters {
		if chapters[i].DurationMs != nil {
			continue
		}
		var end int64
		if i+1 < len(chapters) {
			end = chapters[i+1].StartMs
		} else if total > 0 {
			end = total.Milliseconds()
		}
		if d := end - chapters[i].StartMs; d > 0 {
			chapters[i].DurationMs = &d
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// sortEpisodes orders episodes newest first; undated ones sink to the end.
func sortEpisodes(episodes []*models.Episode) {
	sort.SliceStable(episodes, func(i, j int) bool {
		a, b := episodes[i].PublishDate, episodes[j].PublishDate
		if a == nil || b == nil {
			return a != nil
		}
		return a.After(*b)
	})
}
