// Package download transfers episode enclosures to local storage.
//
// A Manager hands out one Handle per URL. Handles move through queued,
// downloading and then completed, failed, paused or cancelled; pause keeps the
// partial file and its validators so a resume can ask for the remaining range.
package download

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/csams/podcore/internal/config"
	"github.com/csams/podcore/internal/logging"
)

const queueSize = 100

var (
	ErrNotRunning     = errors.New("download manager not running")
	ErrQueueFull      = errors.New("download queue is full")
	ErrUnknownURL     = errors.New("no download for url")
	ErrAlreadyRunning = errors.New("download manager already running")
)

// Manager handles download operations and queue management
type Manager struct {
	mu           sync.Mutex
	cfg          config.DownloadConfig
	downloadDir  string
	tempDir      string
	episodes     EpisodeStore
	registry     *Registry
	downloader   *Downloader
	storage      *StorageManager
	inflight     map[string]*Handle
	destinations map[string]string
	queue        chan *Handle
	progressCh   chan DownloadProgress
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
}

// NewManager creates a new download manager. Finished downloads are
// recorded in episodes.
func NewManager(cm *config.Manager, episodes EpisodeStore) *Manager {
	cfg := cm.Config()
	downloadDir := cm.DownloadDir()

	m := &Manager{
		cfg:          cfg.Download,
		downloadDir:  downloadDir,
		tempDir:      filepath.Join(downloadDir, "temp"),
		episodes:     episodes,
		registry:     NewRegistry(cm.Dir()),
		downloader:   NewDownloader(cfg.Feed.UserAgent),
		inflight:     make(map[string]*Handle),
		destinations: make(map[string]string),
		progressCh:   make(chan DownloadProgress, queueSize),
	}
	m.storage = NewStorageManager(m.cfg, downloadDir, episodes)
	return m
}

// Start restores paused downloads from the registry and starts the workers.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	if err := os.MkdirAll(m.tempDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	if err := m.registry.Load(); err != nil {
		logging.Warn("Failed to load download registry", "error", err)
	}
	for u, entry := range m.registry.All() {
		if _, exists := m.inflight[u]; exists {
			continue
		}
		h := newHandle(uuid.NewString(), Request{URL: u, EpisodeID: entry.EpisodeID, Destination: entry.Destination})
		h.status = StatusPaused
		h.resume = entry.resumeData()
		if h.resume != nil {
			h.bytes.Store(h.resume.Offset)
			h.total.Store(h.resume.Total)
		}
		m.inflight[u] = h
		m.destinations[u] = entry.Destination
	}

	workers := m.cfg.MaxConcurrentDownloads
	if workers < 1 {
		workers = 1
	}

	m.queue = make(chan *Handle, queueSize)
	m.stopCh = make(chan struct{})
	m.running = true
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.downloadWorker(m.queue, m.stopCh)
	}

	logging.Info("Download manager started", "workers", workers, "restored", len(m.inflight))
	return nil
}

// Stop pauses every queued or running download, persists their resume data
// and waits for the workers to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)

	var running []chan struct{}
	for _, h := range m.inflight {
		h.mu.Lock()
		switch h.status {
		case StatusDownloading:
			h.reason = stopShutdown
			h.cancel()
			running = append(running, h.done)
		case StatusQueued:
			h.setStatus(StatusPaused, nil)
			m.persist(h)
		}
		h.mu.Unlock()
	}
	m.mu.Unlock()

	for _, done := range running {
		<-done
	}
	m.wg.Wait()

	logging.Info("Download manager stopped")
}

// Download queues a transfer and returns its handle. A URL that is already
// queued, downloading or paused returns the existing handle; a cancelled or
// failed one is queued again.
func (m *Manager) Download(req Request) (*Handle, error) {
	if req.URL == "" {
		return nil, errors.New("download url is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil, ErrNotRunning
	}

	if h, exists := m.inflight[req.URL]; exists {
		status, _ := h.Status()
		if status != StatusCancelled && status != StatusFailed {
			return h, nil
		}
		return h, m.requeueLocked(h)
	}

	dest := req.Destination
	if dest == "" {
		dest = m.destinationFor(req)
	}
	dest = m.uniqueDestinationLocked(req.URL, dest)
	req.Destination = dest

	h := newHandle(uuid.NewString(), req)
	select {
	case m.queue <- h:
	default:
		return nil, ErrQueueFull
	}

	m.inflight[req.URL] = h
	m.destinations[req.URL] = dest
	h.mu.Lock()
	m.persist(h)
	h.mu.Unlock()

	logging.Debug("Queued download", "url", req.URL, "episode", req.EpisodeID, "destination", dest)
	return h, nil
}

// Pause stops a running transfer and keeps what was received so far. A
// queued download is held back without starting.
func (m *Manager) Pause(u string) error {
	h, err := m.lookup(u)
	if err != nil {
		return err
	}

	h.mu.Lock()
	switch h.status {
	case StatusDownloading:
		h.reason = stopPause
		h.cancel()
		done := h.done
		h.mu.Unlock()
		<-done
		return nil
	case StatusQueued:
		h.setStatus(StatusPaused, nil)
		m.persist(h)
	}
	h.mu.Unlock()
	return nil
}

// Resume queues a paused, cancelled or failed download again. Resume data
// is used when present; otherwise the transfer starts over.
func (m *Manager) Resume(u string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return ErrNotRunning
	}
	h, exists := m.inflight[u]
	if !exists {
		return errors.Wrap(ErrUnknownURL, u)
	}
	return m.requeueLocked(h)
}

// Cancel stops the download and discards its partial file and resume data.
// The handle stays known, so a later Resume or Download restarts it.
func (m *Manager) Cancel(u string) error {
	h, err := m.lookup(u)
	if err != nil {
		return err
	}

	h.mu.Lock()
	switch h.status {
	case StatusDownloading:
		h.reason = stopCancel
		h.cancel()
		done := h.done
		h.mu.Unlock()
		<-done
		return nil
	case StatusQueued, StatusPaused, StatusFailed:
		if h.resume != nil {
			if err := CleanupTempFile(h.resume.TempPath); err != nil {
				logging.Warn("Failed to remove partial download", "url", u, "error", err)
			}
		}
		h.resume = nil
		h.bytes.Store(0)
		h.setStatus(StatusCancelled, nil)
	}
	h.mu.Unlock()

	if err := m.registry.Remove(u); err != nil {
		logging.Warn("Failed to update download registry", "error", err)
	}
	logging.Info("Cancelled download", "url", u)
	return nil
}

// Handle returns the in-flight handle for a URL.
func (m *Manager) Handle(u string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, exists := m.inflight[u]
	return h, exists
}

// Downloads returns a progress snapshot of every in-flight handle.
func (m *Manager) Downloads() map[string]DownloadProgress {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]DownloadProgress, len(m.inflight))
	for u, h := range m.inflight {
		result[u] = h.Progress()
	}
	return result
}

// Forget drops a settled handle, e.g. a cancelled one the user dismissed.
func (m *Manager) Forget(u string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, exists := m.inflight[u]
	if !exists {
		return nil
	}
	if status, _ := h.Status(); !status.settled() || status == StatusPaused {
		return errors.Errorf("download for %s is %s", u, status)
	}
	delete(m.inflight, u)
	delete(m.destinations, u)
	return m.registry.Remove(u)
}

// ProgressUpdates returns the channel progress snapshots are published on.
// Updates are dropped when nobody is reading.
func (m *Manager) ProgressUpdates() <-chan DownloadProgress {
	return m.progressCh
}

// Storage returns the cleanup and usage helper for the download directory.
func (m *Manager) Storage() *StorageManager {
	return m.storage
}

// DownloadDir returns the configured download directory
func (m *Manager) DownloadDir() string {
	return m.downloadDir
}

func (m *Manager) lookup(u string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, exists := m.inflight[u]
	if !exists {
		return nil, errors.Wrap(ErrUnknownURL, u)
	}
	return h, nil
}

// requeueLocked must be called with m.mu held.
func (m *Manager) requeueLocked(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.status {
	case StatusQueued, StatusDownloading, StatusCompleted:
		return nil
	case StatusCancelled, StatusFailed:
		h.resume = nil
		h.bytes.Store(0)
	}

	prev := h.status
	h.setStatus(StatusQueued, nil)
	select {
	case m.queue <- h:
	default:
		h.setStatus(prev, nil)
		return ErrQueueFull
	}
	m.persist(h)
	return nil
}

// persist records the handle in the registry. Must be called with h.mu held.
func (m *Manager) persist(h *Handle) {
	entry := Entry{
		URL:         h.URL,
		EpisodeID:   h.EpisodeID,
		Destination: h.Destination,
		Status:      h.status.String(),
	}
	if h.resume != nil {
		entry.TempPath = h.resume.TempPath
		entry.Offset = h.resume.Offset
		entry.Total = h.resume.Total
		entry.ETag = h.resume.ETag
		entry.LastModified = h.resume.LastModified
	}
	if h.err != nil {
		entry.LastError = h.err.Error()
	}
	if err := m.registry.Put(entry); err != nil {
		logging.Warn("Failed to update download registry", "error", err)
	}
}

// downloadWorker processes downloads from the queue
func (m *Manager) downloadWorker(queue <-chan *Handle, stop <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case h := <-queue:
			m.processDownload(h)
		case <-stop:
			return
		}
	}
}

// processDownload runs one transfer for h. Handles that left the queued
// state while waiting in the channel are skipped.
func (m *Manager) processDownload(h *Handle) {
	h.mu.Lock()
	if h.status != StatusQueued {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	defer close(done)

	h.cancel = cancel
	h.done = done
	h.reason = stopNone
	h.started = time.Now()
	rd := h.resume
	h.setStatus(StatusDownloading, nil)
	h.mu.Unlock()

	tempPath := filepath.Join(m.tempDir, h.ID+".part")
	if rd != nil && rd.TempPath != "" {
		tempPath = rd.TempPath
	}
	if rd != nil {
		logging.Debug("Resuming download", "url", h.URL, "offset", rd.Offset)
	}

	m.publish(h)
	next, err := m.downloader.Fetch(ctx, h.URL, tempPath, rd, func(current, total, speed int64) {
		h.bytes.Store(current)
		h.total.Store(total)
		h.speed.Store(speed)
		m.publish(h)
	})

	h.mu.Lock()
	reason := h.reason
	h.mu.Unlock()

	switch {
	case err == nil:
		m.handleDownloadSuccess(h, tempPath)
	case reason == stopPause || reason == stopShutdown:
		m.handleDownloadPaused(h, next)
	case reason == stopCancel:
		m.handleDownloadCancelled(h, tempPath)
	default:
		m.handleDownloadError(h, tempPath, err)
	}
	m.publish(h)
}

// handleDownloadSuccess moves the finished file into place and records it.
func (m *Manager) handleDownloadSuccess(h *Handle, tempPath string) {
	if err := copyAtomic(tempPath, h.Destination); err != nil {
		m.handleDownloadError(h, tempPath, err)
		return
	}
	if err := CleanupTempFile(tempPath); err != nil {
		logging.Warn("Failed to remove temp file", "path", tempPath, "error", err)
	}

	size := fileSize(h.Destination)
	if h.EpisodeID != "" {
		if err := m.episodes.MarkDownloaded(context.Background(), h.EpisodeID, h.Destination, size); err != nil {
			_ = os.Remove(h.Destination)
			m.handleDownloadError(h, "", errors.Wrap(err, "could not record download"))
			return
		}
	}

	h.bytes.Store(size)
	h.total.Store(size)
	h.mu.Lock()
	h.resume = nil
	h.setStatus(StatusCompleted, nil)
	h.mu.Unlock()

	m.clear(h.URL)
	logging.Info("Download completed", "url", h.URL, "episode", h.EpisodeID, "path", h.Destination, "bytes", size)
}

func (m *Manager) handleDownloadPaused(h *Handle, next *ResumeData) {
	h.mu.Lock()
	if next != nil && next.Offset > 0 {
		h.resume = next
	}
	h.setStatus(StatusPaused, nil)
	m.persist(h)
	h.mu.Unlock()

	logging.Info("Paused download", "url", h.URL, "bytes", h.bytes.Load())
}

func (m *Manager) handleDownloadCancelled(h *Handle, tempPath string) {
	if err := CleanupTempFile(tempPath); err != nil {
		logging.Warn("Failed to remove partial download", "url", h.URL, "error", err)
	}

	h.bytes.Store(0)
	h.mu.Lock()
	h.resume = nil
	h.setStatus(StatusCancelled, nil)
	h.mu.Unlock()

	if err := m.registry.Remove(h.URL); err != nil {
		logging.Warn("Failed to update download registry", "error", err)
	}
	logging.Info("Cancelled download", "url", h.URL)
}

// handleDownloadError leaves the episode not downloaded. Nothing is retried;
// the failed handle stays in flight until Resume or Download queues it again.
// It is not persisted, so a restart forgets it.
func (m *Manager) handleDownloadError(h *Handle, tempPath string, err error) {
	if cleanupErr := CleanupTempFile(tempPath); cleanupErr != nil {
		logging.Warn("Failed to remove temp file", "path", tempPath, "error", cleanupErr)
	}
	if h.EpisodeID != "" {
		if markErr := m.episodes.MarkNotDownloaded(context.Background(), h.EpisodeID); markErr != nil {
			logging.Error("Failed to clear download state", "episode", h.EpisodeID, "error", markErr)
		}
	}

	if regErr := m.registry.Remove(h.URL); regErr != nil {
		logging.Warn("Failed to update download registry", "error", regErr)
	}

	h.bytes.Store(0)
	h.mu.Lock()
	h.resume = nil
	h.setStatus(StatusFailed, err)
	h.mu.Unlock()

	logging.Error("Download failed", "url", h.URL, "episode", h.EpisodeID, "error", err)
}

// clear drops a finished URL from the in-flight maps and the registry.
func (m *Manager) clear(u string) {
	m.mu.Lock()
	delete(m.inflight, u)
	delete(m.destinations, u)
	m.mu.Unlock()

	if err := m.registry.Remove(u); err != nil {
		logging.Warn("Failed to update download registry", "error", err)
	}
}

func (m *Manager) publish(h *Handle) {
	select {
	case m.progressCh <- h.Progress():
	default:
	}
}

// copyAtomic copies src next to dst and renames it over dst, so dst is never
// seen half written.
func copyAtomic(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open downloaded file: %w", err)
	}
	defer in.Close()

	partial := dst + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(partial)
		return fmt.Errorf("failed to copy downloaded file: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(partial)
		return fmt.Errorf("failed to sync downloaded file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to close downloaded file: %w", err)
	}

	if err := os.Rename(partial, dst); err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to move file to final location: %w", err)
	}
	return nil
}

func (m *Manager) destinationFor(req Request) string {
	return filepath.Join(
		m.downloadDir,
		m.GeneratePodcastDirectory(req.PodcastTitle),
		m.GenerateFilename(req.EpisodeTitle, req.EpisodeID, req.URL),
	)
}

// uniqueDestinationLocked suffixes dest when another in-flight URL already
// writes there. Must be called with m.mu held.
func (m *Manager) uniqueDestinationLocked(u, dest string) string {
	taken := func(p string) bool {
		for other, d := range m.destinations {
			if other != u && d == p {
				return true
			}
		}
		return false
	}
	if !taken(dest) {
		return dest
	}
	ext := filepath.Ext(dest)
	base := strings.TrimSuffix(dest, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if !taken(candidate) {
			return candidate
		}
	}
}

// GeneratePodcastDirectory creates a sanitized directory name for the podcast
func (m *Manager) GeneratePodcastDirectory(podcastTitle string) string {
	sanitized := sanitize(podcastTitle, 255)

	// Fallback to hash if sanitization results in empty string
	if sanitized == "" {
		h := sha256.New()
		h.Write([]byte(strings.ToLower(strings.TrimSpace(podcastTitle))))
		return fmt.Sprintf("podcast_%x", h.Sum(nil))[:20]
	}

	return sanitized
}

// GenerateFilename creates a filename for an episode. The extension comes
// from the enclosure URL and defaults to .mp3.
func (m *Manager) GenerateFilename(episodeTitle, episodeID, enclosureURL string) string {
	ext := extensionFor(enclosureURL)

	// Reserve room for the extension
	title := sanitize(episodeTitle, 255-len(ext))

	// Fallback to ID if sanitization results in empty string
	if title == "" {
		title = episodeID
	}
	if title == "" {
		title = "episode"
	}

	return title + ext
}

// sanitize keeps ASCII letters and digits, turns everything else into single
// underscores and trims the result to max bytes.
func sanitize(s string, max int) string {
	s = strings.TrimSpace(s)

	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}
	s = result.String()

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	s = strings.Trim(s, "_")

	// Limit length to prevent filesystem issues
	if len(s) > max {
		s = strings.Trim(s[:max], "_")
	}
	return s
}

func extensionFor(enclosureURL string) string {
	u, err := url.Parse(enclosureURL)
	if err != nil {
		return ".mp3"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) < 2 || len(ext) > 5 {
		return ".mp3"
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
			return ".mp3"
		}
	}
	return ext
}
