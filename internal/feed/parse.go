package feed

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/mmcdole/gofeed"
)

// sniffSize is how much of a document is buffered to find its root element.
const sniffSize = 64 << 10

var errFeedTooLarge = errors.New("feed exceeds size limit")

// Parse reads a feed document of either flavour, detecting RSS or Atom from
// its root element. Only the head of the document is buffered; the rest is
// streamed into the parser.
func Parse(r io.Reader) (*Result, error) {
	br := bufio.NewReaderSize(r, sniffSize)
	head, err := br.Peek(sniffSize)
	if err != nil && err != io.EOF {
		return nil, loadError(err)
	}

	switch gofeed.DetectFeedType(bytes.NewReader(head)) {
	case gofeed.FeedTypeAtom:
		return ParseAtom(br)
	case gofeed.FeedTypeRSS:
		return ParseRSS(br)
	default:
		return nil, parseError(errNoChannel)
	}
}

// limitedBody fails once more than remaining bytes are read, unlike
// io.LimitReader which truncates silently.
type limitedBody struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, errFeedTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	if int64(n) <= l.remaining {
		l.remaining -= int64(n)
		return n, err
	}
	l.exceeded = true
	n = int(l.remaining)
	l.remaining = 0
	return n, errFeedTooLarge
}
