package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/csams/podcore/internal/config"
	"github.com/csams/podcore/internal/logging"
	"github.com/csams/podcore/internal/models"
)

const bytesPerGB = 1024 * 1024 * 1024

// StorageManager handles storage cleanup and management
type StorageManager struct {
	cfg         config.DownloadConfig
	downloadDir string
	episodes    EpisodeStore
	now         func() time.Time
}

// NewStorageManager creates a new storage manager
func NewStorageManager(cfg config.DownloadConfig, downloadDir string, episodes EpisodeStore) *StorageManager {
	return &StorageManager{
		cfg:         cfg,
		downloadDir: downloadDir,
		episodes:    episodes,
		now:         time.Now,
	}
}

// CalculateStorageUsage returns the total storage used by downloads in bytes.
// Partial files in the temp directory are not counted.
func (sm *StorageManager) CalculateStorageUsage() (int64, error) {
	tempDir := filepath.Join(sm.downloadDir, "temp")

	var totalSize int64
	err := filepath.Walk(sm.downloadDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() && path == tempDir {
			return filepath.SkipDir
		}
		if !info.IsDir() && filepath.Ext(path) != ".partial" {
			totalSize += info.Size()
		}
		return nil
	})

	return totalSize, err
}

// IsStorageNearLimit checks if storage is approaching the configured limit
func (sm *StorageManager) IsStorageNearLimit() (bool, float64, error) {
	if sm.cfg.MaxSizeGB <= 0 {
		return false, 0, nil
	}
	usage, err := sm.CalculateStorageUsage()
	if err != nil {
		return false, 0, err
	}

	percentage := float64(usage) / float64(int64(sm.cfg.MaxSizeGB)*bytesPerGB)
	return percentage >= 0.9, percentage, nil // 90% threshold
}

// Cleanup applies the size, age and per-podcast policies in turn. It does
// nothing when auto cleanup is off.
func (sm *StorageManager) Cleanup(ctx context.Context) (int, error) {
	if !sm.cfg.AutoCleanup {
		return 0, nil
	}

	total := 0
	for _, step := range []func(context.Context) (int, error){
		sm.CleanupBySize,
		sm.CleanupByAge,
		sm.CleanupByPodcastLimit,
	} {
		n, err := step(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// CleanupBySize removes the least recently used downloads until usage is back
// under 80% of the limit. It only starts once usage reaches 90%.
func (sm *StorageManager) CleanupBySize(ctx context.Context) (int, error) {
	nearLimit, percentage, err := sm.IsStorageNearLimit()
	if err != nil {
		return 0, fmt.Errorf("failed to check storage usage: %w", err)
	}
	if !nearLimit {
		return 0, nil
	}

	logging.Info("Storage cleanup triggered", "percentUsed", fmt.Sprintf("%.1f", percentage*100))

	candidates, err := sm.episodes.DownloadedEpisodes(ctx)
	if err != nil {
		return 0, err
	}

	// Sort candidates by priority (LRU + age)
	sort.SliceStable(candidates, func(i, j int) bool {
		return sm.cleanupPriority(candidates[i]) > sm.cleanupPriority(candidates[j])
	})

	target := int64(float64(int64(sm.cfg.MaxSizeGB)*bytesPerGB) * 0.8)
	usage, err := sm.CalculateStorageUsage()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, episode := range candidates {
		if usage <= target {
			break
		}
		size := downloadSize(episode)
		if err := sm.RemoveEpisodeFiles(ctx, episode); err != nil {
			logging.Warn("Failed to remove episode", "episode", episode.Title, "error", err)
			continue
		}
		usage -= size
		removed++
		logging.Info("Cleaned up episode", "episode", episode.Title)
	}

	return removed, nil
}

// CleanupByAge removes downloads not played, or if never played not
// downloaded, within the configured number of days.
func (sm *StorageManager) CleanupByAge(ctx context.Context) (int, error) {
	if sm.cfg.CleanupDays <= 0 {
		return 0, nil
	}

	cutoffTime := sm.now().AddDate(0, 0, -sm.cfg.CleanupDays)
	candidates, err := sm.episodes.DownloadedEpisodes(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, episode := range candidates {
		last := lastUsed(episode)
		if last.IsZero() || !last.Before(cutoffTime) {
			continue
		}
		if err := sm.RemoveEpisodeFiles(ctx, episode); err != nil {
			logging.Warn("Failed to remove old episode", "episode", episode.Title, "error", err)
			continue
		}
		removed++
		logging.Info("Cleaned up old episode", "episode", episode.Title)
	}

	return removed, nil
}

// CleanupByPodcastLimit enforces per-podcast episode limits
func (sm *StorageManager) CleanupByPodcastLimit(ctx context.Context) (int, error) {
	if sm.cfg.MaxEpisodesPerPodcast <= 0 {
		return 0, nil
	}

	candidates, err := sm.episodes.DownloadedEpisodes(ctx)
	if err != nil {
		return 0, err
	}

	byPodcast := make(map[string][]*models.Episode)
	for _, episode := range candidates {
		byPodcast[episode.PodcastID] = append(byPodcast[episode.PodcastID], episode)
	}

	removed := 0
	for podcastID, downloaded := range byPodcast {
		if len(downloaded) <= sm.cfg.MaxEpisodesPerPodcast {
			continue
		}

		// Least recently used first
		sort.SliceStable(downloaded, func(i, j int) bool {
			return lastUsed(downloaded[i]).Before(lastUsed(downloaded[j]))
		})

		excess := len(downloaded) - sm.cfg.MaxEpisodesPerPodcast
		for _, episode := range downloaded[:excess] {
			if err := sm.RemoveEpisodeFiles(ctx, episode); err != nil {
				logging.Warn("Failed to remove excess episode", "episode", episode.Title, "error", err)
				continue
			}
			removed++
			logging.Info("Removed excess episode", "podcast", podcastID, "episode", episode.Title)
		}
	}

	return removed, nil
}

// cleanupPriority calculates cleanup priority (higher = clean first)
func (sm *StorageManager) cleanupPriority(episode *models.Episode) float64 {
	priority := 0.0
	now := sm.now()
	meta := episode.Metadata

	// Age factor
	if meta != nil && meta.DownloadDate != nil {
		daysSinceDownload := now.Sub(*meta.DownloadDate).Hours() / 24
		priority += daysSinceDownload * 0.1
	}

	// Last played factor
	if meta == nil || meta.LastPlayed == nil {
		priority += 1000.0 // Never played gets high cleanup priority
	} else {
		daysSinceLastPlayed := now.Sub(*meta.LastPlayed).Hours() / 24
		priority += daysSinceLastPlayed * 0.5
	}

	// Size factor
	if size := downloadSize(episode); size > 0 {
		sizeMB := float64(size) / (1024 * 1024)
		priority += sizeMB * 0.01
	}

	// Finished episodes go first
	if meta != nil && meta.Finished {
		priority += 2000.0
	}

	return priority
}

// RemoveEpisodeFiles deletes the episode's downloaded file and clears its
// download state.
func (sm *StorageManager) RemoveEpisodeFiles(ctx context.Context, episode *models.Episode) error {
	if episode.Metadata != nil && episode.Metadata.DownloadPath != "" {
		if err := os.Remove(episode.Metadata.DownloadPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove audio file: %w", err)
		}
	}

	return sm.episodes.MarkNotDownloaded(ctx, episode.ID)
}

// GetStorageStats returns comprehensive storage statistics
func (sm *StorageManager) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	totalBytes, err := sm.CalculateStorageUsage()
	if err != nil {
		return nil, err
	}

	downloaded, err := sm.episodes.DownloadedEpisodes(ctx)
	if err != nil {
		return nil, err
	}

	limitBytes := int64(sm.cfg.MaxSizeGB) * bytesPerGB
	stats := &StorageStats{
		TotalBytes:   totalBytes,
		TotalGB:      float64(totalBytes) / bytesPerGB,
		LimitBytes:   limitBytes,
		LimitGB:      float64(sm.cfg.MaxSizeGB),
		EpisodeCount: len(downloaded),
	}
	if limitBytes > 0 {
		stats.UsagePercent = float64(totalBytes) / float64(limitBytes) * 100
	}

	return stats, nil
}

// StorageStats represents storage usage statistics
type StorageStats struct {
	TotalBytes   int64   `json:"totalBytes"`
	TotalGB      float64 `json:"totalGB"`
	LimitBytes   int64   `json:"limitBytes"`
	LimitGB      float64 `json:"limitGB"`
	UsagePercent float64 `json:"usagePercent"`
	EpisodeCount int     `json:"episodeCount"`
}

// lastUsed is when the episode was last played, or downloaded if never played.
func lastUsed(episode *models.Episode) time.Time {
	meta := episode.Metadata
	if meta == nil {
		return time.Time{}
	}
	if meta.LastPlayed != nil {
		return *meta.LastPlayed
	}
	if meta.DownloadDate != nil {
		return *meta.DownloadDate
	}
	return time.Time{}
}

func downloadSize(episode *models.Episode) int64 {
	if episode.Metadata == nil {
		return 0
	}
	return episode.Metadata.DownloadSize
}
