package storage

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"avatar-pipeline/core/models"
)

// DefaultRetention is the per-tier retention policy applied when none is
// configured: short-lived uploads, intermediate processing files, long-lived
// final outputs, near-immediate scratch
var DefaultRetention = map[models.Tier]time.Duration{
	models.TierUpload:       7 * 24 * time.Hour,
	models.TierIntermediate: 3 * 24 * time.Hour,
	models.TierFinal:        30 * 24 * time.Hour,
	models.TierScratch:      time.Hour,
}

// Manager tracks every artifact written during a run, tagged by tier and
// owning task, and can atomically promote (commit) or erase (rollback) all
// artifacts belonging to one task. Deletions are best-effort: the failure
// mode to guard against is leaking files, not their premature absence.
type Manager struct {
	root      string
	retention map[models.Tier]time.Duration

	mu    sync.Mutex
	items map[string][]*models.StorageItem // keyed by owning task id
}

// TierStats summarizes one tier's on-record contents
type TierStats struct {
	Items       int   `json:"items"`
	Bytes       int64 `json:"bytes"`
	Uncommitted int   `json:"uncommitted"`
}

// NewManager creates a manager rooted at root, creating one directory per
// tier. A nil retention map selects DefaultRetention.
func NewManager(root string, retention map[models.Tier]time.Duration) (*Manager, error) {
	if retention == nil {
		retention = DefaultRetention
	}
	for _, tier := range models.Tiers {
		if err := os.MkdirAll(filepath.Join(root, string(tier)), 0o755); err != nil {
			return nil, fmt.Errorf("create tier directory %s: %w", tier, err)
		}
	}
	return &Manager{
		root:      root,
		retention: retention,
		items:     make(map[string][]*models.StorageItem),
	}, nil
}

// Write persists data under the tier's directory and records it as an
// uncommitted item owned by taskID
func (m *Manager) Write(taskID string, tier models.Tier, name string, data []byte) (*models.StorageItem, error) {
	dir := filepath.Join(m.root, string(tier), taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, models.NewResourceError("storage_write_failed", "cannot create task directory", err)
	}

	path := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, models.NewResourceError("storage_write_failed", "cannot write artifact", err)
	}

	item := &models.StorageItem{
		Path:      path,
		Tier:      tier,
		TaskID:    taskID,
		Size:      int64(len(data)),
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.items[taskID] = append(m.items[taskID], item)
	m.mu.Unlock()

	return item, nil
}

// Commit marks every item owned by taskID as committed. Idempotent.
func (m *Manager) Commit(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.items[taskID] {
		item.Committed = true
	}
}

// Rollback deletes every uncommitted item owned by taskID. Idempotent and
// safe to call even if some files were already removed externally.
func (m *Manager) Rollback(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.items[taskID][:0]
	for _, item := range m.items[taskID] {
		if item.Committed {
			kept = append(kept, item)
			continue
		}
		if err := os.Remove(item.Path); err != nil && !os.IsNotExist(err) {
			log.Printf("storage: rollback of %s: %v", item.Path, err)
		}
	}
	if len(kept) == 0 {
		delete(m.items, taskID)
		m.removeTaskDirs(taskID)
		return
	}
	m.items[taskID] = kept
}

// Items returns a copy of the recorded items for taskID
func (m *Manager) Items(taskID string) []models.StorageItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.StorageItem, 0, len(m.items[taskID]))
	for _, item := range m.items[taskID] {
		out = append(out, *item)
	}
	return out
}

// Sweep deletes committed items past their tier's retention period and any
// stray files on disk older than their tier's retention. Returns freed bytes
// and the number of files removed.
func (m *Manager) Sweep() (int64, int) {
	now := time.Now()

	m.mu.Lock()
	var freed int64
	removed := 0
	for taskID, items := range m.items {
		kept := items[:0]
		for _, item := range items {
			ttl, ok := m.retention[item.Tier]
			if !ok || !item.Committed || now.Sub(item.CreatedAt) < ttl {
				kept = append(kept, item)
				continue
			}
			if err := os.Remove(item.Path); err != nil && !os.IsNotExist(err) {
				log.Printf("storage: sweep of %s: %v", item.Path, err)
				kept = append(kept, item)
				continue
			}
			freed += item.Size
			removed++
		}
		if len(kept) == 0 {
			delete(m.items, taskID)
		} else {
			m.items[taskID] = kept
		}
	}
	tracked := m.trackedPaths()
	m.mu.Unlock()

	// Stray files (left by a crash, or written by an older process) are
	// swept by modification time
	for tier, ttl := range m.retention {
		cutoff := now.Add(-ttl)
		pattern := filepath.Join(m.root, string(tier), "*", "*")
		files, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, f := range files {
			if tracked[f] {
				continue
			}
			info, err := os.Stat(f)
			if err != nil || info.IsDir() || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(f); err != nil {
				log.Printf("storage: stray sweep of %s: %v", f, err)
				continue
			}
			freed += info.Size()
			removed++
		}
	}

	return freed, removed
}

// EmergencySweep frees space when a resource-exhaustion error occurs: all
// scratch items are deleted regardless of age, then a normal sweep runs
func (m *Manager) EmergencySweep() int64 {
	m.mu.Lock()
	var freed int64
	for taskID, items := range m.items {
		kept := items[:0]
		for _, item := range items {
			if item.Tier != models.TierScratch {
				kept = append(kept, item)
				continue
			}
			if err := os.Remove(item.Path); err != nil && !os.IsNotExist(err) {
				log.Printf("storage: emergency sweep of %s: %v", item.Path, err)
				kept = append(kept, item)
				continue
			}
			freed += item.Size
		}
		if len(kept) == 0 {
			delete(m.items, taskID)
		} else {
			m.items[taskID] = kept
		}
	}
	m.mu.Unlock()

	swept, _ := m.Sweep()
	log.Printf("storage: emergency sweep freed %d bytes", freed+swept)
	return freed + swept
}

// Stats returns per-tier item counts and byte totals
func (m *Manager) Stats() map[models.Tier]TierStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[models.Tier]TierStats, len(models.Tiers))
	for _, items := range m.items {
		for _, item := range items {
			s := stats[item.Tier]
			s.Items++
			s.Bytes += item.Size
			if !item.Committed {
				s.Uncommitted++
			}
			stats[item.Tier] = s
		}
	}
	return stats
}

// trackedPaths must be called with the mutex held
func (m *Manager) trackedPaths() map[string]bool {
	paths := make(map[string]bool)
	for _, items := range m.items {
		for _, item := range items {
			paths[item.Path] = true
		}
	}
	return paths
}

func (m *Manager) removeTaskDirs(taskID string) {
	for _, tier := range models.Tiers {
		dir := filepath.Join(m.root, string(tier), taskID)
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			// Non-empty means committed files remain; leave it
			continue
		}
	}
}
