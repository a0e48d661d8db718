package subscription

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOPML = `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <head><title>My feeds</title></head>
  <body>
    <outline text="News">
      <outline text="Daily" title="The Daily" type="rss" xmlUrl="https://example.com/daily.xml" htmlUrl="https://example.com/daily"/>
    </outline>
    <outline text="Tech Show" type="rss" xmlURL=" https://example.com/tech.xml "/>
    <outline text="Folder without feed"/>
  </body>
</opml>`

func TestParseOPML(t *testing.T) {
	outlines, err := ParseOPML(strings.NewReader(sampleOPML))
	require.NoError(t, err)
	require.Len(t, outlines, 2)

	assert.Equal(t, "https://example.com/daily.xml", outlines[0].XMLURL)
	assert.Equal(t, "The Daily", outlines[0].Title)
	assert.Equal(t, "https://example.com/daily", outlines[0].HTMLURL)
	assert.Equal(t, "rss", outlines[0].Type)
	assert.Equal(t, "https://example.com/tech.xml", outlines[1].XMLURL)
}

func TestParseOPML_Invalid(t *testing.T) {
	_, err := ParseOPML(strings.NewReader(`<rss><channel></channel></rss>`))
	assert.ErrorIs(t, err, errNotOPML)

	_, err = ParseOPML(strings.NewReader(`<opml><body><outline`))
	assert.Error(t, err)
}

func TestImportExport(t *testing.T) {
	svc, s, _ := newTestService(t)
	fs := newFeedServer(t)
	ctx := context.Background()

	one := fs.set("/one", rssXML("One", item{guid: "a", title: "A", day: 1}))
	two := fs.set("/two", rssXML("Two", item{guid: "b", title: "B", day: 2}))
	fs.fail("/broken", http.StatusNotFound)

	_, err := svc.Subscribe(ctx, two)
	require.NoError(t, err)

	doc := fmt.Sprintf(`<opml version="1.1"><body>
  <outline text="One" xmlUrl="%s"/>
  <outline text="One again" xmlUrl="%s"/>
  <outline text="Two" xmlUrl="%s"/>
  <outline text="Broken" xmlUrl="%s/broken"/>
</body></opml>`, one, one, two, fs.URL)

	res, err := svc.Import(ctx, strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{one}, res.Subscribed)
	assert.Equal(t, []string{two}, res.Skipped)
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed, fs.URL+"/broken")

	podcasts, err := s.Podcasts(ctx)
	require.NoError(t, err)
	assert.Len(t, podcasts, 2)

	var buf bytes.Buffer
	require.NoError(t, svc.Export(ctx, &buf))
	assert.True(t, strings.HasPrefix(buf.String(), "<?xml"))
	assert.Contains(t, buf.String(), `version="1.1"`)

	outlines, err := ParseOPML(&buf)
	require.NoError(t, err)
	var urls []string
	for _, o := range outlines {
		urls = append(urls, o.XMLURL)
		assert.Equal(t, "rss", o.Type)
	}
	assert.ElementsMatch(t, []string{one, two}, urls)
}

func TestImport_NotOPML(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Import(context.Background(), strings.NewReader("<html></html>"))
	assert.Error(t, err)
}
