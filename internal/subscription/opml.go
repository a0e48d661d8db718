package subscription

import (
	"context"
	"encoding/xml"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/csams/podcore/internal/feed"
	"github.com/csams/podcore/internal/logging"
)

var errNotOPML = errors.New("not an OPML document")

// Outline is one feed entry of an OPML subscription list.
type Outline struct {
	Text    string
	Title   string
	XMLURL  string
	HTMLURL string
	Type    string
}

// opmlHandler collects every outline carrying an xmlUrl, at any depth, so
// category folders are flattened.
type opmlHandler struct {
	sawRoot  bool
	outlines []Outline
}

func (h *opmlHandler) StartElement(name string, attrs map[string]string) {
	switch name {
	case "opml":
		h.sawRoot = true
	case "outline":
		url := strings.TrimSpace(attrs["xmlurl"])
		if url == "" {
			return
		}
		h.outlines = append(h.outlines, Outline{
			Text:    attrs["text"],
			Title:   attrs["title"],
			XMLURL:  url,
			HTMLURL: attrs["htmlurl"],
			Type:    attrs["type"],
		})
	}
}

func (h *opmlHandler) EndElement(string) {}
func (h *opmlHandler) Characters(string) {}

// ParseOPML reads the feed outlines of an OPML document.
func ParseOPML(r io.Reader) ([]Outline, error) {
	h := &opmlHandler{}
	if err := feed.Walk(r, h); err != nil {
		return nil, errors.Wrap(err, "failed to parse OPML")
	}
	if !h.sawRoot {
		return nil, errNotOPML
	}
	return h.outlines, nil
}

// ImportResult reports the outcome of an OPML import.
type ImportResult struct {
	Subscribed []string
	Skipped    []string
	Failed     map[string]error
}

// Import subscribes to every feed in the OPML document. Feeds already
// subscribed are skipped; a failing feed does not stop the rest.
func (s *Service) Import(ctx context.Context, r io.Reader) (*ImportResult, error) {
	outlines, err := ParseOPML(r)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Failed: make(map[string]error)}
	seen := make(map[string]bool)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, o := range outlines {
		url := o.XMLURL
		if seen[url] {
			continue
		}
		seen[url] = true

		g.Go(func() error {
			_, err := s.Subscribe(ctx, url)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Subscribed = append(result.Subscribed, url)
			case errors.Is(err, ErrAlreadySubscribed):
				result.Skipped = append(result.Skipped, url)
			default:
				logging.Warn("Import failed", "feed", url, "error", err)
				result.Failed[url] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	logging.Info("Imported OPML", "subscribed", len(result.Subscribed),
		"skipped", len(result.Skipped), "failed", len(result.Failed))
	return result, nil
}

type opmlDocument struct {
	XMLName xml.Name    `xml:"opml"`
	Version string      `xml:"version,attr"`
	Head    opmlHead    `xml:"head"`
	Body    opmlOutline `xml:"body"`
}

type opmlHead struct {
	Title       string `xml:"title"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

type opmlOutline struct {
	Text     string        `xml:"text,attr,omitempty"`
	Title    string        `xml:"title,attr,omitempty"`
	Type     string        `xml:"type,attr,omitempty"`
	XMLURL   string        `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string        `xml:"htmlUrl,attr,omitempty"`
	Outlines []opmlOutline `xml:"outline"`
}

// Export writes every subscription as an OPML 1.1 document.
func (s *Service) Export(ctx context.Context, w io.Writer) error {
	podcasts, err := s.store.Podcasts(ctx)
	if err != nil {
		return err
	}

	doc := opmlDocument{
		Version: "1.1",
		Head: opmlHead{
			Title:       "Podcast subscriptions",
			DateCreated: time.Now().UTC().Format(time.RFC1123Z),
		},
	}
	for _, p := range podcasts {
		doc.Body.Outlines = append(doc.Body.Outlines, opmlOutline{
			Text:    p.Title,
			Title:   p.Title,
			Type:    "rss",
			XMLURL:  p.FeedURL,
			HTMLURL: p.Link,
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode OPML")
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	if _, err := w.Write(append(out, '\n')); err != nil {
		return err
	}
	return nil
}
