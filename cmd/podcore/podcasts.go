package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"github.com/pkg/errors"

	"github.com/csams/podcore/internal/logging"
	"github.com/csams/podcore/internal/subscription"
)

func appFrom(args []interface{}) *app {
	return args[0].(*app)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02")
}

type subscribeCmd struct{}

func (*subscribeCmd) Name() string     { return "subscribe" }
func (*subscribeCmd) Synopsis() string { return "Subscribe to one or more feeds." }
func (*subscribeCmd) Usage() string {
	return `subscribe <feed-url>...:
  Fetch each feed and add it to the library.
`
}
func (*subscribeCmd) SetFlags(f *flag.FlagSet) {}

func (c *subscribeCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	a := appFrom(args)

	status := subcommands.ExitSuccess
	for _, url := range f.Args() {
		p, err := a.subscriptions.Subscribe(ctx, url)
		if errors.Is(err, subscription.ErrAlreadySubscribed) {
			fmt.Printf("already subscribed: %s\n", url)
			continue
		}
		if err != nil {
			logging.Error("Subscribe failed", "feed", url, "error", err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("subscribed: %s (%s)\n", p.Title, p.ID)
	}
	return status
}

type unsubscribeCmd struct{}

func (*unsubscribeCmd) Name() string     { return "unsubscribe" }
func (*unsubscribeCmd) Synopsis() string { return "Remove a podcast and its downloads." }
func (*unsubscribeCmd) Usage() string {
	return `unsubscribe <podcast-id>:
  Delete the podcast, its episodes and downloaded files.
`
}
func (*unsubscribeCmd) SetFlags(f *flag.FlagSet) {}

func (c *unsubscribeCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := appFrom(args).subscriptions.Unsubscribe(ctx, f.Arg(0)); err != nil {
		logging.Error("Unsubscribe failed", "podcast", f.Arg(0), "error", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type refreshCmd struct {
	podcast string
}

func (*refreshCmd) Name() string     { return "refresh" }
func (*refreshCmd) Synopsis() string { return "Refresh subscribed feeds." }
func (*refreshCmd) Usage() string {
	return `refresh [-podcast <id>]:
  Fetch feeds and queue new episodes according to each podcast's settings.
`
}

func (c *refreshCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.podcast, "podcast", "", "refresh only this podcast")
}

func (c *refreshCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	a := appFrom(args)

	if c.podcast != "" {
		res, err := a.subscriptions.Refresh(ctx, c.podcast)
		if err != nil {
			logging.Error("Refresh failed", "podcast", c.podcast, "error", err)
			return subcommands.ExitFailure
		}
		printRefresh(os.Stdout, []*subscription.RefreshResult{res})
		return subcommands.ExitSuccess
	}

	results, err := a.subscriptions.RefreshAll(ctx)
	printRefresh(os.Stdout, results)
	if err != nil {
		logging.Error("Some feeds failed to refresh", "error", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printRefresh(w io.Writer, results []*subscription.RefreshResult) {
	tw := newTable(w)
	fmt.Fprintln(tw, "PODCAST\tNEW\tQUEUED\tINBOX\tARCHIVED")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", r.Podcast.Title, len(r.Added), r.Queued, r.Inbox, r.Archived)
	}
	tw.Flush()
}

type listCmd struct{}

func (*listCmd) Name() string     { return "list" }
func (*listCmd) Synopsis() string { return "List subscriptions." }
func (*listCmd) Usage() string {
	return `list:
  Print every subscribed podcast.
`
}
func (*listCmd) SetFlags(f *flag.FlagSet) {}

func (c *listCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	podcasts, err := appFrom(args).store.Podcasts(ctx)
	if err != nil {
		logging.Error("Failed to list podcasts", "error", err)
		return subcommands.ExitFailure
	}

	tw := newTable(os.Stdout)
	fmt.Fprintln(tw, "ID\tTITLE\tAUTHOR\tREFRESHED")
	for _, p := range podcasts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Title, p.Author, formatDate(p.LastRefresh))
	}
	tw.Flush()
	return subcommands.ExitSuccess
}

type importCmd struct{}

func (*importCmd) Name() string     { return "import" }
func (*importCmd) Synopsis() string { return "Import subscriptions from OPML." }
func (*importCmd) Usage() string {
	return `import <file.opml>:
  Subscribe to every feed listed in the OPML file.
`
}
func (*importCmd) SetFlags(f *flag.FlagSet) {}

func (c *importCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	file, err := os.Open(f.Arg(0))
	if err != nil {
		logging.Error("Failed to open OPML", "error", err)
		return subcommands.ExitFailure
	}
	defer file.Close()

	res, err := appFrom(args).subscriptions.Import(ctx, file)
	if err != nil {
		logging.Error("Import failed", "error", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("subscribed %d, already subscribed %d, failed %d\n", len(res.Subscribed), len(res.Skipped), len(res.Failed))
	for url, err := range res.Failed {
		fmt.Printf("  %s: %v\n", url, err)
	}
	if len(res.Failed) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type exportCmd struct {
	output string
}

func (*exportCmd) Name() string     { return "export" }
func (*exportCmd) Synopsis() string { return "Export subscriptions as OPML." }
func (*exportCmd) Usage() string {
	return `export [-o <file>]:
  Write subscriptions as OPML to the file, or stdout.
`
}

func (c *exportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.output, "o", "", "output file")
}

func (c *exportCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	var w io.Writer = os.Stdout
	if c.output != "" {
		file, err := os.Create(c.output)
		if err != nil {
			logging.Error("Failed to create output", "error", err)
			return subcommands.ExitFailure
		}
		defer file.Close()
		w = file
	}

	if err := appFrom(args).subscriptions.Export(ctx, w); err != nil {
		logging.Error("Export failed", "error", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
