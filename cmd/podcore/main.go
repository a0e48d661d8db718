package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"

	"github.com/csams/podcore/internal/config"
	"github.com/csams/podcore/internal/download"
	"github.com/csams/podcore/internal/feed"
	"github.com/csams/podcore/internal/logging"
	"github.com/csams/podcore/internal/playback"
	"github.com/csams/podcore/internal/playlist"
	"github.com/csams/podcore/internal/store"
	"github.com/csams/podcore/internal/subscription"
)

// app holds the wired components shared by every command.
type app struct {
	config        *config.Manager
	store         *store.Store
	feeds         *feed.Client
	playlist      *playlist.Manager
	subscriptions *subscription.Service
	downloads     *download.Manager
	tracker       *playback.Tracker
}

func newApp(configDir string) (*app, error) {
	if configDir == "" {
		dir, err := config.DefaultDir()
		if err != nil {
			return nil, err
		}
		configDir = dir
	}

	cm := config.NewManager(configDir)
	if err := cm.Load(); err != nil {
		return nil, err
	}
	cfg := cm.Config()

	if err := logging.Init(cfg.LogDir, cfg.LogLevel); err != nil {
		return nil, err
	}

	s, err := store.Open(&store.DbParams{
		Type: cfg.Database.Type,
		File: cm.DatabaseFile(),
		DSN:  cfg.Database.DSN,
	})
	if err != nil {
		return nil, err
	}

	feeds := feed.NewClient(cfg.Feed)
	pl := playlist.NewManager(s)
	return &app{
		config:        cm,
		store:         s,
		feeds:         feeds,
		playlist:      pl,
		subscriptions: subscription.NewService(s, feeds, pl, cfg.Feed.RefreshWorkers),
		downloads:     download.NewManager(cm, s),
		tracker:       playback.NewTracker(s, pl),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logging.Warn("Failed to close store", "error", err)
	}
	logging.Close()
}

func main() {
	configDir := flag.String("config", "", "configuration directory")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&subscribeCmd{}, "podcasts")
	subcommands.Register(&unsubscribeCmd{}, "podcasts")
	subcommands.Register(&refreshCmd{}, "podcasts")
	subcommands.Register(&listCmd{}, "podcasts")
	subcommands.Register(&importCmd{}, "podcasts")
	subcommands.Register(&exportCmd{}, "podcasts")

	subcommands.Register(&episodesCmd{}, "episodes")
	subcommands.Register(&chaptersCmd{}, "episodes")
	subcommands.Register(&playedCmd{}, "episodes")
	subcommands.Register(&historyCmd{}, "episodes")

	subcommands.Register(&queueCmd{}, "queue")

	subcommands.Register(&downloadCmd{}, "downloads")
	subcommands.Register(&cleanupCmd{}, "downloads")

	subcommands.Register(&searchCmd{}, "search")
	subcommands.Register(&discoverCmd{}, "search")

	flag.Parse()
	os.Exit(int(run(*configDir)))
}

func run(configDir string) subcommands.ExitStatus {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// help and flags need no wiring
	switch flag.Arg(0) {
	case "", "help", "flags", "commands":
		return subcommands.Execute(ctx)
	}

	a, err := newApp(configDir)
	if err != nil {
		logging.Error("Failed to start", "error", err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	return subcommands.Execute(ctx, a)
}
