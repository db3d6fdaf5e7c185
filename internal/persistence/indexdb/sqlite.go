package indexdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// SQLiteIndex is an operational read model: snapshot metadata, slow ticks,
// and rejected-command counters. Writes go through a single goroutine so
// the tick loop never blocks on the database; the index never affects
// simulation determinism.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqSnapshot reqKind = iota + 1
	reqSlowTick
	reqReject
)

type req struct {
	kind reqKind

	tick     uint64
	path     string
	entities int
	stepMS   float64
	budgetMS float64
	code     string
	count    int
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	tick INTEGER PRIMARY KEY,
	path TEXT NOT NULL,
	entities INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE TABLE IF NOT EXISTS slow_ticks (
	tick INTEGER PRIMARY KEY,
	step_ms REAL NOT NULL,
	budget_ms REAL NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE TABLE IF NOT EXISTS rejected_commands (
	tick INTEGER NOT NULL,
	code TEXT NOT NULL,
	count INTEGER NOT NULL,
	PRIMARY KEY (tick, code)
);
`

func Open(dir string) (*SQLiteIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	dsn := filepath.Join(dir, "index.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("indexdb schema: %w", err)
	}
	idx := &SQLiteIndex{db: db, ch: make(chan req, 1024)}
	idx.wg.Add(1)
	go idx.writer()
	return idx, nil
}

func (x *SQLiteIndex) writer() {
	defer x.wg.Done()
	for r := range x.ch {
		switch r.kind {
		case reqSnapshot:
			_, _ = x.db.Exec(`INSERT OR REPLACE INTO snapshots (tick, path, entities) VALUES (?, ?, ?)`,
				r.tick, r.path, r.entities)
		case reqSlowTick:
			_, _ = x.db.Exec(`INSERT OR REPLACE INTO slow_ticks (tick, step_ms, budget_ms) VALUES (?, ?, ?)`,
				r.tick, r.stepMS, r.budgetMS)
		case reqReject:
			_, _ = x.db.Exec(`INSERT INTO rejected_commands (tick, code, count) VALUES (?, ?, ?)
				ON CONFLICT (tick, code) DO UPDATE SET count = count + excluded.count`,
				r.tick, r.code, r.count)
		}
	}
}

// enqueue holds the lock across the send so it cannot race Close
// closing the channel; the send is non-blocking either way.
func (x *SQLiteIndex) enqueue(r req) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return
	}
	select {
	case x.ch <- r:
	default:
		x.dropped.Add(1)
	}
}

func (x *SQLiteIndex) RecordSnapshot(tick uint64, path string, entities int) {
	x.enqueue(req{kind: reqSnapshot, tick: tick, path: path, entities: entities})
}

func (x *SQLiteIndex) RecordSlowTick(tick uint64, stepMS, budgetMS float64) {
	x.enqueue(req{kind: reqSlowTick, tick: tick, stepMS: stepMS, budgetMS: budgetMS})
}

func (x *SQLiteIndex) RecordRejects(tick uint64, code string, count int) {
	if count <= 0 {
		return
	}
	x.enqueue(req{kind: reqReject, tick: tick, code: code, count: count})
}

// Dropped reports writes skipped because the queue was saturated.
func (x *SQLiteIndex) Dropped() uint64 { return x.dropped.Load() }

func (x *SQLiteIndex) Close() error {
	var err error
	x.once.Do(func() {
		x.mu.Lock()
		x.closed = true
		close(x.ch)
		x.mu.Unlock()
		x.wg.Wait()
		err = x.db.Close()
	})
	return err
}
