// ABOUTME: Maps agent image ids to reusable Messenger attachment ids.
// ABOUTME: Loads a JSON file and hot-reloads it through fsnotify with a short debounce.

package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces editor write bursts (truncate, write, rename).
const reloadDebounce = 100 * time.Millisecond

// AttachmentMap resolves image ids such as "IMG_PROD_001" to the attachment
// id returned by the Attachment Upload API. The backing file is a flat JSON
// object:
//
//	{"IMG_PROD_001": "1234567890123456"}
type AttachmentMap struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	ids map[string]string
}

// LoadAttachmentMap reads path. An empty path yields an empty map; a missing
// file is logged and treated as empty so the service can start before the
// first upload.
func LoadAttachmentMap(path string, logger *slog.Logger) (*AttachmentMap, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &AttachmentMap{
		path:   path,
		logger: logger.With("component", "attachments"),
		ids:    make(map[string]string),
	}
	if path == "" {
		return m, nil
	}
	if err := m.Reload(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("attachment map not found, images will be skipped", "path", path)
			return m, nil
		}
		return nil, err
	}
	return m, nil
}

// NewAttachmentMap builds an in-memory map with no backing file.
func NewAttachmentMap(ids map[string]string) *AttachmentMap {
	m := &AttachmentMap{
		logger: slog.Default().With("component", "attachments"),
		ids:    make(map[string]string, len(ids)),
	}
	for k, v := range ids {
		m.ids[k] = v
	}
	return m
}

// Lookup returns the attachment id for imageID.
func (m *AttachmentMap) Lookup(imageID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.ids[imageID]
	return id, ok
}

// Len returns the number of mapped images.
func (m *AttachmentMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Set records a mapping in memory.
func (m *AttachmentMap) Set(imageID, attachmentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[imageID] = attachmentID
}

// Snapshot returns a copy of all mappings.
func (m *AttachmentMap) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.ids))
	for k, v := range m.ids {
		out[k] = v
	}
	return out
}

// Reload replaces the in-memory map with the file contents. On a parse
// error the previous mappings stay in place.
func (m *AttachmentMap) Reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("reading attachment map: %w", err)
	}

	ids := make(map[string]string)
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("parsing attachment map %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.ids = ids
	m.mu.Unlock()

	m.logger.Info("attachment map loaded", "path", m.path, "images", len(ids))
	return nil
}

// Save writes the current mappings to the backing file atomically.
func (m *AttachmentMap) Save() error {
	if m.path == "" {
		return errors.New("attachment map has no file")
	}

	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding attachment map: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("creating attachment map directory: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing attachment map: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replacing attachment map: %w", err)
	}
	return nil
}

// Watch reloads the map whenever its file changes, until ctx is done. The
// parent directory is watched so atomic rename-over writes are seen.
func (m *AttachmentMap) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	name := filepath.Base(m.path)

	trigger := make(chan struct{}, 1)
	var mu sync.Mutex
	var debounceTimer *time.Timer

	resetDebounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(reloadDebounce, func() {
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("attachment watcher closed")
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				resetDebounce()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("attachment watcher closed")
			}
			m.logger.Warn("attachment watcher error", "error", err)

		case <-trigger:
			if err := m.Reload(); err != nil {
				m.logger.Warn("failed to reload attachment map", "error", err)
			}
		}
	}
}
