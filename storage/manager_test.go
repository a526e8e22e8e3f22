package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"avatar-pipeline/core/models"
)

func newTestManager(t *testing.T, retention map[models.Tier]time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), retention)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestWriteRecordsUncommittedItem(t *testing.T) {
	m := newTestManager(t, nil)

	item, err := m.Write("task-1", models.TierUpload, "photo.jpg", []byte("img"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if item.Committed {
		t.Fatal("freshly written item must be uncommitted")
	}
	if _, err := os.Stat(item.Path); err != nil {
		t.Fatalf("artifact not on disk: %v", err)
	}
	if got := m.Items("task-1"); len(got) != 1 || got[0].Path != item.Path {
		t.Fatalf("item not recorded: %+v", got)
	}
}

func TestRollbackRemovesAllUncommitted(t *testing.T) {
	m := newTestManager(t, nil)

	var paths []string
	for _, tier := range []models.Tier{models.TierUpload, models.TierIntermediate, models.TierScratch} {
		item, err := m.Write("task-1", tier, "artifact.bin", []byte("data"))
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		paths = append(paths, item.Path)
	}

	m.Rollback("task-1")

	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("uncommitted artifact leaked after rollback: %s", p)
		}
	}
	if got := m.Items("task-1"); len(got) != 0 {
		t.Fatalf("items still recorded after rollback: %+v", got)
	}

	// Idempotent, also when files were already removed externally
	m.Rollback("task-1")
	m.Rollback("unknown-task")
}

func TestRollbackSparesCommittedItems(t *testing.T) {
	m := newTestManager(t, nil)

	final, err := m.Write("task-1", models.TierFinal, "video.mp4", []byte("vid"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	m.Commit("task-1")

	scratch, err := m.Write("task-1", models.TierScratch, "tmp.bin", []byte("tmp"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	m.Rollback("task-1")

	if _, err := os.Stat(final.Path); err != nil {
		t.Fatalf("committed artifact removed by rollback: %v", err)
	}
	if _, err := os.Stat(scratch.Path); !os.IsNotExist(err) {
		t.Fatal("uncommitted artifact survived rollback")
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)

	if _, err := m.Write("task-1", models.TierFinal, "video.mp4", []byte("vid")); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.Commit("task-1")
	m.Commit("task-1")

	items := m.Items("task-1")
	if len(items) != 1 || !items[0].Committed {
		t.Fatalf("unexpected items after double commit: %+v", items)
	}
}

func TestSweepHonorsPerTierRetention(t *testing.T) {
	retention := map[models.Tier]time.Duration{
		models.TierUpload:       time.Hour,
		models.TierIntermediate: time.Hour,
		models.TierFinal:        time.Hour,
		models.TierScratch:      10 * time.Millisecond,
	}
	m := newTestManager(t, retention)

	scratch, err := m.Write("task-1", models.TierScratch, "tmp.bin", []byte("aged"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	final, err := m.Write("task-1", models.TierFinal, "video.mp4", []byte("young"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	m.Commit("task-1")

	time.Sleep(20 * time.Millisecond)

	freed, removed := m.Sweep()
	if removed != 1 {
		t.Fatalf("expected exactly the scratch item swept, removed %d", removed)
	}
	if freed != int64(len("aged")) {
		t.Fatalf("freed bytes misreported: %d", freed)
	}
	if _, err := os.Stat(scratch.Path); !os.IsNotExist(err) {
		t.Fatal("expired scratch artifact survived sweep")
	}
	if _, err := os.Stat(final.Path); err != nil {
		t.Fatalf("final artifact swept before retention: %v", err)
	}
}

func TestSweepIgnoresUncommitted(t *testing.T) {
	retention := map[models.Tier]time.Duration{models.TierScratch: time.Nanosecond}
	m := newTestManager(t, retention)

	item, err := m.Write("task-1", models.TierScratch, "tmp.bin", []byte("live"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// Uncommitted items belong to a running task; only rollback may take them
	if _, removed := m.Sweep(); removed != 0 {
		t.Fatalf("sweep removed uncommitted items: %d", removed)
	}
	if _, err := os.Stat(item.Path); err != nil {
		t.Fatalf("uncommitted artifact swept: %v", err)
	}
}

func TestSweepRemovesStrayFiles(t *testing.T) {
	retention := map[models.Tier]time.Duration{models.TierScratch: 10 * time.Millisecond}
	m := newTestManager(t, retention)

	stray := filepath.Join(m.root, string(models.TierScratch), "dead-task", "leak.bin")
	if err := os.MkdirAll(filepath.Dir(stray), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stray, []byte("leak"), 0o644); err != nil {
		t.Fatalf("write stray: %v", err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(stray, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if _, removed := m.Sweep(); removed != 1 {
		t.Fatalf("expected stray file swept, removed %d", removed)
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Fatal("stray file survived sweep")
	}
}

func TestEmergencySweepDropsScratch(t *testing.T) {
	m := newTestManager(t, nil)

	scratch, err := m.Write("task-1", models.TierScratch, "tmp.bin", []byte("scratch"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	final, err := m.Write("task-1", models.TierFinal, "video.mp4", []byte("vid"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	freed := m.EmergencySweep()
	if freed < int64(len("scratch")) {
		t.Fatalf("emergency sweep freed %d bytes", freed)
	}
	if _, err := os.Stat(scratch.Path); !os.IsNotExist(err) {
		t.Fatal("scratch artifact survived emergency sweep")
	}
	if _, err := os.Stat(final.Path); err != nil {
		t.Fatalf("non-scratch artifact removed by emergency sweep: %v", err)
	}
}

func TestStats(t *testing.T) {
	m := newTestManager(t, nil)

	m.Write("task-1", models.TierUpload, "a.jpg", []byte("12345"))
	m.Write("task-2", models.TierUpload, "b.jpg", []byte("123"))
	m.Write("task-1", models.TierFinal, "v.mp4", []byte("1"))
	m.Commit("task-1")

	stats := m.Stats()
	if up := stats[models.TierUpload]; up.Items != 2 || up.Bytes != 8 || up.Uncommitted != 1 {
		t.Fatalf("upload stats wrong: %+v", up)
	}
	if fin := stats[models.TierFinal]; fin.Items != 1 || fin.Uncommitted != 0 {
		t.Fatalf("final stats wrong: %+v", fin)
	}
}
