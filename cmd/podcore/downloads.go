package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/csams/podcore/internal/download"
	"github.com/csams/podcore/internal/logging"
	"github.com/csams/podcore/internal/models"
)

type downloadCmd struct {
	resume bool
	queue  bool
}

func (*downloadCmd) Name() string     { return "download" }
func (*downloadCmd) Synopsis() string { return "Download episodes." }
func (*downloadCmd) Usage() string {
	return `download [-resume] [-queue] [<episode-id>...]:
  Download the given episodes, the Up Next queue, or resume paused downloads,
  and wait for them to finish. Interrupting pauses unfinished downloads.
`
}

func (c *downloadCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.resume, "resume", false, "resume paused downloads")
	f.BoolVar(&c.queue, "queue", false, "download every episode in Up Next")
}

func (c *downloadCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	a := appFrom(args)
	if f.NArg() == 0 && !c.resume && !c.queue {
		f.Usage()
		return subcommands.ExitUsageError
	}

	if err := a.config.EnsureDownloadDir(); err != nil {
		logging.Error("Failed to prepare download directory", "error", err)
		return subcommands.ExitFailure
	}
	m := a.downloads
	if err := m.Start(); err != nil {
		logging.Error("Failed to start downloads", "error", err)
		return subcommands.ExitFailure
	}
	defer m.Stop()

	ids := f.Args()
	if c.queue {
		entries, err := a.playlist.Entries(ctx, models.UpNext)
		if err != nil {
			logging.Error("Failed to load queue", "error", err)
			return subcommands.ExitFailure
		}
		for _, e := range entries {
			if e.Episode != nil && (e.Episode.Metadata == nil || !e.Episode.Metadata.Downloaded) {
				ids = append(ids, e.EpisodeID)
			}
		}
	}

	var handles []*download.Handle
	status := subcommands.ExitSuccess
	for _, id := range ids {
		h, err := c.request(ctx, a, id)
		if err != nil {
			logging.Error("Cannot download episode", "episode", id, "error", err)
			status = subcommands.ExitFailure
			continue
		}
		handles = append(handles, h)
	}

	if c.resume {
		for url, p := range m.Downloads() {
			if p.Status != download.StatusPaused {
				continue
			}
			if err := m.Resume(url); err != nil {
				logging.Warn("Cannot resume download", "url", url, "error", err)
				continue
			}
			if h, ok := m.Handle(url); ok {
				handles = append(handles, h)
			}
		}
	}

	go reportProgress(ctx, m.ProgressUpdates())

	for _, h := range handles {
		st, err := h.Wait(ctx)
		if ctx.Err() != nil {
			fmt.Println("interrupted; unfinished downloads are paused")
			return subcommands.ExitFailure
		}
		switch st {
		case download.StatusCompleted:
			fmt.Printf("done: %s\n", h.Destination)
		default:
			fmt.Printf("%s: %s %v\n", st, h.URL, err)
			status = subcommands.ExitFailure
		}
	}

	if _, err := m.Storage().Cleanup(ctx); err != nil {
		logging.Warn("Cleanup failed", "error", err)
	}
	return status
}

func (c *downloadCmd) request(ctx context.Context, a *app, episodeID string) (*download.Handle, error) {
	ep, err := a.store.Episode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	p, err := a.store.Podcast(ctx, ep.PodcastID)
	if err != nil {
		return nil, err
	}
	return a.downloads.Download(download.RequestFor(p, ep))
}

func reportProgress(ctx context.Context, updates <-chan download.DownloadProgress) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-updates:
			if !ok {
				return
			}
			if p.Status == download.StatusDownloading {
				logging.Info("Downloading", "episode", p.EpisodeID,
					"progress", fmt.Sprintf("%.0f%%", p.Progress*100),
					"speed", fmt.Sprintf("%.1f KB/s", float64(p.Speed)/1024),
					"eta", p.ETA)
			}
		}
	}
}

type cleanupCmd struct {
	stats bool
}

func (*cleanupCmd) Name() string     { return "cleanup" }
func (*cleanupCmd) Synopsis() string { return "Apply download storage limits." }
func (*cleanupCmd) Usage() string {
	return `cleanup [-stats]:
  Remove downloads over the size, age and per-podcast limits.
`
}

func (c *cleanupCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.stats, "stats", false, "only print storage usage")
}

func (c *cleanupCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	sm := appFrom(args).downloads.Storage()

	if !c.stats {
		removed, err := sm.Cleanup(ctx)
		if err != nil {
			logging.Error("Cleanup failed", "error", err)
			return subcommands.ExitFailure
		}
		fmt.Printf("removed %d episodes\n", removed)
	}

	stats, err := sm.GetStorageStats(ctx)
	if err != nil {
		logging.Error("Failed to read storage usage", "error", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stdout, "%d episodes, %.2f GB of %.0f GB (%.0f%%)\n",
		stats.EpisodeCount, stats.TotalGB, stats.LimitGB, stats.UsagePercent)
	return subcommands.ExitSuccess
}
