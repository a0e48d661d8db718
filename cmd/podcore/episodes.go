package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/subcommands"

	"github.com/csams/podcore/internal/logging"
	"github.com/csams/podcore/internal/models"
)

func episodeState(m *models.EpisodeMetadata) string {
	switch {
	case m == nil:
		return "new"
	case m.Finished:
		return "played"
	case m.Archived:
		return "archived"
	case m.PositionMs > 0:
		return m.Position().Truncate(time.Second).String()
	case m.Inbox:
		return "inbox"
	}
	return "new"
}

type episodesCmd struct {
	limit int
	inbox bool
}

func (*episodesCmd) Name() string     { return "episodes" }
func (*episodesCmd) Synopsis() string { return "List a podcast's episodes." }
func (*episodesCmd) Usage() string {
	return `episodes [-n <limit>] <podcast-id> | episodes -inbox:
  Print episodes newest first.
`
}

func (c *episodesCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.limit, "n", 20, "maximum episodes to print; 0 for all")
	f.BoolVar(&c.inbox, "inbox", false, "list inbox episodes of every podcast")
}

func (c *episodesCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	a := appFrom(args)

	var (
		episodes []*models.Episode
		err      error
	)
	switch {
	case c.inbox:
		episodes, err = a.store.InboxEpisodes(ctx)
	case f.NArg() == 1:
		episodes, err = a.store.Episodes(ctx, f.Arg(0))
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err != nil {
		logging.Error("Failed to list episodes", "error", err)
		return subcommands.ExitFailure
	}

	if c.limit > 0 && len(episodes) > c.limit {
		episodes = episodes[:c.limit]
	}

	tw := newTable(os.Stdout)
	fmt.Fprintln(tw, "ID\tDATE\tLENGTH\tSTATE\tTITLE")
	for _, ep := range episodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ep.ID, formatDate(ep.PublishDate), ep.Duration(), episodeState(ep.Metadata), ep.Title)
	}
	tw.Flush()
	return subcommands.ExitSuccess
}

type chaptersCmd struct{}

func (*chaptersCmd) Name() string     { return "chapters" }
func (*chaptersCmd) Synopsis() string { return "Print an episode's chapters." }
func (*chaptersCmd) Usage() string {
	return `chapters <episode-id>:
  Print the best available chapter list, loading it from the feed if needed.
`
}
func (*chaptersCmd) SetFlags(f *flag.FlagSet) {}

func (c *chaptersCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	chapters, err := appFrom(args).subscriptions.Chapters(ctx, f.Arg(0))
	if err != nil {
		logging.Error("Failed to load chapters", "error", err)
		return subcommands.ExitFailure
	}

	tw := newTable(os.Stdout)
	for _, ch := range chapters {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", ch.Start(), ch.Title, ch.Provenance)
	}
	tw.Flush()
	return subcommands.ExitSuccess
}

type playedCmd struct {
	position time.Duration
	unplayed bool
}

func (*playedCmd) Name() string     { return "played" }
func (*playedCmd) Synopsis() string { return "Record playback state." }
func (*playedCmd) Usage() string {
	return `played [-at <position> | -unplayed] <episode-id>:
  Mark an episode finished, save a position, or mark it unplayed.
`
}

func (c *playedCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.position, "at", 0, "save this position instead of finishing")
	f.BoolVar(&c.unplayed, "unplayed", false, "clear the played state")
}

func (c *playedCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	t := appFrom(args).tracker
	id := f.Arg(0)

	var err error
	switch {
	case c.unplayed:
		err = t.MarkUnplayed(ctx, id)
	case c.position > 0:
		err = t.UpdatePosition(ctx, id, c.position)
	default:
		err = t.Finish(ctx, id)
	}
	if err != nil {
		logging.Error("Failed to update episode", "episode", id, "error", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type historyCmd struct {
	limit int
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "List recently played episodes." }
func (*historyCmd) Usage() string {
	return `history [-n <limit>]:
  Print played episodes, most recent first.
`
}

func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.limit, "n", 20, "maximum episodes to print")
}

func (c *historyCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	episodes, err := appFrom(args).tracker.History(ctx, c.limit)
	if err != nil {
		logging.Error("Failed to load history", "error", err)
		return subcommands.ExitFailure
	}

	tw := newTable(os.Stdout)
	fmt.Fprintln(tw, "PLAYED\tSTATE\tTITLE")
	for _, ep := range episodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", formatDate(ep.Metadata.LastPlayed), episodeState(ep.Metadata), ep.Title)
	}
	tw.Flush()
	return subcommands.ExitSuccess
}

type queueCmd struct {
	playlist string
	front    bool
}

func (*queueCmd) Name() string     { return "queue" }
func (*queueCmd) Synopsis() string { return "Show or edit a playlist." }
func (*queueCmd) Usage() string {
	return `queue [-playlist <name>] [list]
queue [-playlist <name>] [-front] add <episode-id>
queue [-playlist <name>] remove <episode-id>
queue [-playlist <name>] move <episode-id> <index>
queue [-playlist <name>] clear | normalize:
  Manage the Up Next queue or another playlist.
`
}

func (c *queueCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.playlist, "playlist", models.UpNext, "playlist name")
	f.BoolVar(&c.front, "front", false, "add to the front instead of the end")
}

func (c *queueCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	pl := appFrom(args).playlist

	action := "list"
	if f.NArg() > 0 {
		action = f.Arg(0)
	}

	var err error
	switch {
	case action == "list":
		return c.list(ctx, pl)
	case action == "add" && f.NArg() == 2:
		pos := models.QueueEnd
		if c.front {
			pos = models.QueueFront
		}
		_, err = pl.Insert(ctx, c.playlist, f.Arg(1), pos)
	case action == "remove" && f.NArg() == 2:
		err = pl.Remove(ctx, c.playlist, f.Arg(1))
	case action == "move" && f.NArg() == 3:
		index, convErr := strconv.Atoi(f.Arg(2))
		if convErr != nil {
			f.Usage()
			return subcommands.ExitUsageError
		}
		err = pl.Move(ctx, c.playlist, f.Arg(1), index)
	case action == "clear":
		err = pl.Clear(ctx, c.playlist)
	case action == "normalize":
		err = pl.NormalizeOrder(ctx, c.playlist)
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err != nil {
		logging.Error("Queue update failed", "playlist", c.playlist, "action", action, "error", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type playlistEntries interface {
	Entries(ctx context.Context, name string) ([]models.PlaylistEntry, error)
}

func (c *queueCmd) list(ctx context.Context, pl playlistEntries) subcommands.ExitStatus {
	entries, err := pl.Entries(ctx, c.playlist)
	if err != nil {
		logging.Error("Failed to load playlist", "playlist", c.playlist, "error", err)
		return subcommands.ExitFailure
	}

	tw := newTable(os.Stdout)
	fmt.Fprintln(tw, "#\tEPISODE\tSTATE\tTITLE")
	for i, e := range entries {
		title, state := "?", "new"
		if e.Episode != nil {
			title, state = e.Episode.Title, episodeState(e.Episode.Metadata)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, e.EpisodeID, state, title)
	}
	tw.Flush()
	return subcommands.ExitSuccess
}
