package indexdb

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
)

func TestIndex_RecordsFlushOnClose(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	idx.RecordSnapshot(1200, filepath.Join(dir, "1200.snap.zst"), 4)
	idx.RecordSlowTick(37, 61.5, 50)
	idx.RecordRejects(10, "E_STALE_INPUT", 2)
	idx.RecordRejects(10, "E_STALE_INPUT", 3)
	idx.RecordRejects(0, "E_STALE_INPUT", 0) // no-op

	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var entities int
	if err := db.QueryRow(`SELECT entities FROM snapshots WHERE tick = 1200`).Scan(&entities); err != nil {
		t.Fatalf("snapshot row: %v", err)
	}
	if entities != 4 {
		t.Fatalf("entities = %d, want 4", entities)
	}

	var stepMS float64
	if err := db.QueryRow(`SELECT step_ms FROM slow_ticks WHERE tick = 37`).Scan(&stepMS); err != nil {
		t.Fatalf("slow tick row: %v", err)
	}
	if stepMS != 61.5 {
		t.Fatalf("step_ms = %v, want 61.5", stepMS)
	}

	var count int
	if err := db.QueryRow(`SELECT count FROM rejected_commands WHERE tick = 10 AND code = 'E_STALE_INPUT'`).Scan(&count); err != nil {
		t.Fatalf("reject row: %v", err)
	}
	if count != 5 {
		t.Fatalf("reject count = %d, want 5 (upsert must accumulate)", count)
	}
}

func TestIndex_CloseIsIdempotentAndSendsAfterCloseDrop(t *testing.T) {
	idx, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}
	// Must not panic on a closed index.
	idx.RecordSlowTick(1, 10, 5)
}

func TestIndex_RecordsSafeAgainstConcurrentClose(t *testing.T) {
	// Records racing Close must not send on the closed writer channel.
	for i := 0; i < 20; i++ {
		idx, err := Open(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tick := uint64(0); tick < 500; tick++ {
				idx.RecordRejects(tick, "E_STALE_INPUT", 1)
			}
		}()
		if err := idx.Close(); err != nil {
			t.Fatal(err)
		}
		wg.Wait()
	}
}
