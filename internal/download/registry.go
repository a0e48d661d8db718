package download

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is the persisted state of a download that has not completed.
type Entry struct {
	URL          string    `json:"url"`
	EpisodeID    string    `json:"episodeId"`
	Destination  string    `json:"destination"`
	Status       string    `json:"status"`
	TempPath     string    `json:"tempPath,omitempty"`
	Offset       int64     `json:"offset"`
	Total        int64     `json:"total"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// resumeData returns the entry's resume data, or nil when it has none.
func (e *Entry) resumeData() *ResumeData {
	if e.TempPath == "" {
		return nil
	}
	return &ResumeData{
		TempPath:     e.TempPath,
		Offset:       e.Offset,
		Total:        e.Total,
		ETag:         e.ETag,
		LastModified: e.LastModified,
	}
}

// Registry manages download state persistence
type Registry struct {
	mu           sync.RWMutex
	registryPath string
	downloads    map[string]*Entry
}

// RegistryData represents the persisted registry structure
type RegistryData struct {
	Downloads map[string]*Entry `json:"downloads"`
	Version   int               `json:"version"`
}

// NewRegistry creates a new download registry
func NewRegistry(configDir string) *Registry {
	return &Registry{
		registryPath: filepath.Join(configDir, "downloads", "registry.json"),
		downloads:    make(map[string]*Entry),
	}
}

// Path returns the registry file location.
func (r *Registry) Path() string {
	return r.registryPath
}

// Load loads the registry from disk
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.registryPath); os.IsNotExist(err) {
		// Create empty registry if it doesn't exist
		return r.saveUnsafe()
	}

	data, err := os.ReadFile(r.registryPath)
	if err != nil {
		return fmt.Errorf("failed to read registry file: %w", err)
	}

	var registryData RegistryData
	if err := json.Unmarshal(data, &registryData); err != nil {
		return fmt.Errorf("failed to parse registry file: %w", err)
	}

	r.downloads = registryData.Downloads
	if r.downloads == nil {
		r.downloads = make(map[string]*Entry)
	}

	return nil
}

// Save saves the registry to disk
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveUnsafe()
}

func (r *Registry) saveUnsafe() error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(r.registryPath), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	registryData := RegistryData{
		Downloads: r.downloads,
		Version:   2,
	}

	data, err := json.MarshalIndent(registryData, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	tmp := r.registryPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	if err := os.Rename(tmp, r.registryPath); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}

	return nil
}

// Put stores an entry under its URL and saves.
func (r *Registry) Put(entry Entry) error {
	if entry.URL == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry.UpdatedAt = time.Now()
	r.downloads[entry.URL] = &entry
	return r.saveUnsafe()
}

// Get returns a copy of the entry for url.
func (r *Registry) Get(url string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.downloads[url]
	if !exists {
		return nil, false
	}

	// Return a copy to avoid data races
	entryCopy := *entry
	return &entryCopy, true
}

// All returns copies of every entry keyed by URL.
func (r *Registry) All() map[string]*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Entry, len(r.downloads))
	for url, entry := range r.downloads {
		entryCopy := *entry
		result[url] = &entryCopy
	}
	return result
}

// Remove drops the entry for url and saves. Removing a missing entry is a no-op.
func (r *Registry) Remove(url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.downloads[url]; !exists {
		return nil
	}
	delete(r.downloads, url)
	return r.saveUnsafe()
}
