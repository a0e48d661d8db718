package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrCouldNotLoad means the feed could not be fetched: a network failure
	// or a non-2xx response.
	ErrCouldNotLoad = errors.New("could not load feed")

	// ErrCouldNotParse means the document was fetched but is not a feed this
	// package understands.
	ErrCouldNotParse = errors.New("could not parse feed")

	errNoChannel = errors.New("no rss channel")
)

func parseError(err error) error {
	return fmt.Errorf("%w: %v", ErrCouldNotParse, err)
}

func loadError(err error) error {
	return fmt.Errorf("%w: %v", ErrCouldNotLoad, err)
}
