package feed

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	jsoniter "github.com/json-iterator/go"

	"github.com/csams/podcore/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type jsonChapters struct {
	Version  string        `json:"version"`
	Chapters []jsonChapter `json:"chapters"`
}

type jsonChapter struct {
	StartTime float64  `json:"startTime"`
	EndTime   *float64 `json:"endTime"`
	Title     string   `json:"title"`
	Img       string   `json:"img"`
	URL       string   `json:"url"`
	TOC       *bool    `json:"toc"`
}

// FetchChapters downloads a Podcasting 2.0 JSON chapters file. Chapters marked
// toc=false are dropped.
func (c *Client) FetchChapters(ctx context.Context, chaptersURL string) ([]models.Chapter, error) {
	body, err := c.get(ctx, chaptersURL, "application/json+chapters, application/json")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var doc jsonChapters
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return nil, parseError(fmt.Errorf("chapters %s: %w", chaptersURL, err))
	}

	var chapters []models.Chapter
	for _, jc := range doc.Chapters {
		if jc.TOC != nil && !*jc.TOC {
			continue
		}
		if jc.StartTime < 0 {
			continue
		}
		ch := models.Chapter{
			Title:      strings.TrimSpace(jc.Title),
			StartMs:    int64(jc.StartTime * 1000),
			ImageURL:   jc.Img,
			Link:       jc.URL,
			Provenance: models.ChapterSourceFeed,
		}
		if jc.EndTime != nil && *jc.EndTime > jc.StartTime {
			d := int64((*jc.EndTime - jc.StartTime) * 1000)
			ch.DurationMs = &d
		}
		chapters = append(chapters, ch)
	}
	models.SortChapters(chapters)
	fillChapterDurations(chapters, 0)
	return chapters, nil
}

// "12:34 Title", "(1:02:03) - Title", "[00:05] Title"
var timestampLine = regexp.MustCompile(`^[\[(]?((?:\d{1,2}:)?\d{1,2}:\d{2})[\])]?\s*[-–:.]?\s*(.+)$`)

// ExtractTextChapters finds timestamped lines in an episode description, HTML
// or plain. Two or more strictly increasing timestamps make a chapter list;
// anything less returns nil.
func ExtractTextChapters(description string, total time.Duration) []models.Chapter {
	text := PlainText(description)

	var chapters []models.Chapter
	last := int64(-1)
	for _, line := range strings.Split(text, "\n") {
		m := timestampLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		start := parseTimeFormatDuration(m[1]).Milliseconds()
		if start <= last {
			continue
		}
		if total > 0 && start >= total.Milliseconds() {
			continue
		}
		last = start
		chapters = append(chapters, models.Chapter{
			Title:      strings.TrimSpace(m[2]),
			StartMs:    start,
			Provenance: models.ChapterSourceText,
		})
	}

	if len(chapters) < 2 {
		return nil
	}
	fillChapterDurations(chapters, total)
	return chapters
}

// PlainText renders HTML as text with one line per block element and <br>.
// Input that is not HTML comes back unchanged apart from trimming.
func PlainText(s string) string {
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6, tr").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
