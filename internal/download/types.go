package download

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/csams/podcore/internal/models"
)

// DownloadStatus represents the current state of a download
type DownloadStatus int

const (
	StatusQueued DownloadStatus = iota
	StatusDownloading
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusPaused
)

func (s DownloadStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusDownloading:
		return "downloading"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// parseStatus converts string status back to DownloadStatus
func parseStatus(status string) DownloadStatus {
	switch status {
	case "queued":
		return StatusQueued
	case "downloading":
		return StatusDownloading
	case "completed":
		return StatusCompleted
	case "failed":
		return StatusFailed
	case "cancelled":
		return StatusCancelled
	case "paused":
		return StatusPaused
	default:
		return StatusFailed
	}
}

// settled reports whether nothing is running for the download right now.
func (s DownloadStatus) settled() bool {
	return s != StatusQueued && s != StatusDownloading
}

// EpisodeStore is where download results are recorded.
type EpisodeStore interface {
	MarkDownloaded(ctx context.Context, episodeID, path string, size int64) error
	MarkNotDownloaded(ctx context.Context, episodeID string) error
	DownloadedEpisodes(ctx context.Context) ([]*models.Episode, error)
}

// Request describes one episode download. Destination is derived from the
// podcast and episode titles when empty.
type Request struct {
	URL          string
	EpisodeID    string
	PodcastTitle string
	EpisodeTitle string
	Destination  string
}

// RequestFor builds a request for an episode's primary enclosure.
func RequestFor(podcast *models.Podcast, episode *models.Episode) Request {
	req := Request{
		URL:          episode.AudioURL(),
		EpisodeID:    episode.ID,
		EpisodeTitle: episode.Title,
	}
	if podcast != nil {
		req.PodcastTitle = podcast.Title
	}
	return req
}

// ResumeData is what a paused transfer needs to continue where it stopped.
type ResumeData struct {
	TempPath     string `json:"tempPath"`
	Offset       int64  `json:"offset"`
	Total        int64  `json:"total"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
}

// validator returns the If-Range value for the resumed request.
func (rd *ResumeData) validator() string {
	if rd.ETag != "" {
		return rd.ETag
	}
	return rd.LastModified
}

// DownloadProgress represents current download progress
type DownloadProgress struct {
	EpisodeID       string
	URL             string
	Status          DownloadStatus
	Progress        float64 // 0.0 to 1.0
	Speed           int64   // bytes per second
	BytesDownloaded int64
	TotalBytes      int64
	ETA             time.Duration
	LastError       string
	StartTime       time.Time
}

type stopReason int32

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
	stopShutdown
)

// Handle tracks one URL's transfer across pauses and resumes. The manager
// hands out a single Handle per URL while it is in flight.
type Handle struct {
	ID          string
	URL         string
	EpisodeID   string
	Destination string

	bytes atomic.Int64
	total atomic.Int64
	speed atomic.Int64

	mu      sync.Mutex
	status  DownloadStatus
	err     error
	changed chan struct{}
	cancel  context.CancelFunc
	done    chan struct{} // closed when the current run exits
	reason  stopReason
	resume  *ResumeData
	started time.Time
}

func newHandle(id string, req Request) *Handle {
	return &Handle{
		ID:          id,
		URL:         req.URL,
		EpisodeID:   req.EpisodeID,
		Destination: req.Destination,
		status:      StatusQueued,
		changed:     make(chan struct{}),
	}
}

// Status returns the current state and the error of a failed download.
func (h *Handle) Status() (DownloadStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.err
}

// Progress snapshots the byte counters.
func (h *Handle) Progress() DownloadProgress {
	h.mu.Lock()
	status, err, started := h.status, h.err, h.started
	h.mu.Unlock()

	p := DownloadProgress{
		EpisodeID:       h.EpisodeID,
		URL:             h.URL,
		Status:          status,
		BytesDownloaded: h.bytes.Load(),
		TotalBytes:      h.total.Load(),
		Speed:           h.speed.Load(),
		StartTime:       started,
	}
	if err != nil {
		p.LastError = err.Error()
	}
	if p.TotalBytes > 0 {
		p.Progress = float64(p.BytesDownloaded) / float64(p.TotalBytes)
	}
	if p.Speed > 0 && p.TotalBytes > p.BytesDownloaded {
		p.ETA = time.Duration((p.TotalBytes-p.BytesDownloaded)/p.Speed) * time.Second
	}
	return p
}

// ResumeData returns a copy of the retained resume data, or nil.
func (h *Handle) ResumeData() *ResumeData {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resume == nil {
		return nil
	}
	rd := *h.resume
	return &rd
}

// Wait blocks until the download is no longer queued or running.
func (h *Handle) Wait(ctx context.Context) (DownloadStatus, error) {
	for {
		h.mu.Lock()
		status, err, changed := h.status, h.err, h.changed
		h.mu.Unlock()

		if status.settled() {
			return status, err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}
}

// setStatus must be called with h.mu held.
func (h *Handle) setStatus(status DownloadStatus, err error) {
	h.status = status
	h.err = err
	close(h.changed)
	h.changed = make(chan struct{})
}
