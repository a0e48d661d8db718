package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"github.com/csams/podcore/internal/discovery"
	"github.com/csams/podcore/internal/logging"
	"github.com/csams/podcore/internal/search"
)

type searchCmd struct {
	strict bool
	loose  bool
	limit  int
}

func (*searchCmd) Name() string     { return "search" }
func (*searchCmd) Synopsis() string { return "Fuzzy search the library." }
func (*searchCmd) Usage() string {
	return `search [-strict | -loose] [-n <limit>] <query>:
  Match podcast and episode titles, feed URLs and descriptions.
`
}

func (c *searchCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.strict, "strict", false, "only close matches")
	f.BoolVar(&c.loose, "loose", false, "include marginal matches")
	f.IntVar(&c.limit, "n", 20, "maximum results per kind")
}

func (c *searchCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	query := strings.Join(f.Args(), " ")
	if strings.TrimSpace(query) == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}

	threshold := search.ScoreThresholdNormal
	switch {
	case c.strict:
		threshold = search.ScoreThresholdStrict
	case c.loose:
		threshold = search.ScoreThresholdPermissive
	}

	res, err := search.Search(ctx, appFrom(args).store, query, threshold, c.limit)
	if err != nil {
		logging.Error("Search failed", "error", err)
		return subcommands.ExitFailure
	}

	tw := newTable(os.Stdout)
	for _, h := range res.Podcasts {
		fmt.Fprintf(tw, "podcast\t%s\t%d\t%s\t%s\n", h.Podcast.ID, h.Match.Score, h.Field, h.Podcast.Title)
	}
	for _, h := range res.Episodes {
		fmt.Fprintf(tw, "episode\t%s\t%d\t%s\t%s\n", h.Episode.ID, h.Match.Score, h.Field, h.Episode.Title)
	}
	tw.Flush()
	return subcommands.ExitSuccess
}

type discoverCmd struct {
	limit   int
	country string
}

func (*discoverCmd) Name() string     { return "discover" }
func (*discoverCmd) Synopsis() string { return "Search podcast directories." }
func (*discoverCmd) Usage() string {
	return `discover [-n <limit>] [-country <code>] <term>:
  Search Apple Podcasts and fyyd for feeds to subscribe to.
`
}

func (c *discoverCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.limit, "n", 10, "maximum results per directory")
	f.StringVar(&c.country, "country", "", "two letter store country for Apple Podcasts")
}

func (c *discoverCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	term := strings.Join(f.Args(), " ")
	if strings.TrimSpace(term) == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}

	ua := appFrom(args).config.Config().Feed.UserAgent
	dirs := []discovery.Directory{
		discovery.NewITunes(ua, c.country),
		discovery.NewFyyd(ua),
	}

	results, err := discovery.SearchAll(ctx, dirs, term, c.limit)
	if err != nil {
		logging.Error("Directory search failed", "error", err)
		return subcommands.ExitFailure
	}

	tw := newTable(os.Stdout)
	fmt.Fprintln(tw, "TITLE\tAUTHOR\tEPISODES\tSOURCE\tFEED")
	for _, p := range results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", p.Title, p.Author, p.Episodes, p.Source, p.FeedURL)
	}
	tw.Flush()
	return subcommands.ExitSuccess
}
