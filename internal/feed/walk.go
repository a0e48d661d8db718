package feed

import (
	"fmt"
	"io"
	"strings"

	xpp "github.com/mmcdole/goxpp"
	"golang.org/x/net/html/charset"
)

// Handler receives SAX-style callbacks from Walk. Element names are lowercased
// and carry a canonical namespace prefix ("itunes:duration", "atom:link");
// attribute keys are lowercased local names.
type Handler interface {
	StartElement(name string, attrs map[string]string)
	EndElement(name string)
	Characters(text string)
}

// canonical prefixes for the namespaces podcast feeds use
var namespaces = map[string]string{
	"http://www.itunes.com/dtds/podcast-1.0.dtd": "itunes",
	"https://podcastindex.org/namespace/1.0":     "podcast",
	"http://www.w3.org/2005/atom":                "atom",
	"http://purl.org/rss/1.0/modules/content/":   "content",
	"http://podlove.org/simple-chapters":         "psc",
	"http://podlove.org/simple-chapters/":        "psc",
	"http://search.yahoo.com/mrss/":              "media",

	"https://github.com/podcastindex-org/podcast-namespace/blob/main/docs/1.0.md": "podcast",
}

// Walk streams the XML document in r through h. Documents declaring a non
// UTF-8 encoding are decoded first.
func Walk(r io.Reader, h Handler) error {
	p := xpp.NewXMLPullParser(r, false, charset.NewReaderLabel)

	for {
		event, err := p.Next()
		if err != nil {
			return fmt.Errorf("xml: %w", err)
		}

		switch event {
		case xpp.StartTag:
			attrs := make(map[string]string, len(p.Attrs))
			for _, a := range p.Attrs {
				attrs[strings.ToLower(a.Name.Local)] = a.Value
			}
			h.StartElement(elementName(p), attrs)
		case xpp.EndTag:
			h.EndElement(elementName(p))
		case xpp.Text:
			h.Characters(p.Text)
		case xpp.EndDocument:
			return nil
		}
	}
}

func elementName(p *xpp.XMLPullParser) string {
	local := strings.ToLower(p.Name)
	space := strings.TrimSpace(p.Space)
	if space == "" {
		return local
	}

	declared, isDeclared := p.Spaces[space]
	if isDeclared && declared == "" {
		// default namespace
		return local
	}
	if prefix, ok := namespaces[strings.ToLower(space)]; ok {
		return prefix + ":" + local
	}
	if isDeclared {
		return strings.ToLower(declared) + ":" + local
	}
	if !strings.Contains(space, "/") {
		// undeclared prefix kept as written
		return strings.ToLower(space) + ":" + local
	}
	return local
}
