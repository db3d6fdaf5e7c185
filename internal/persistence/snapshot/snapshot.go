package snapshot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

const FormatVersion = 1

type Header struct {
	Version    int    `msgpack:"version"`
	InstanceID string `msgpack:"instance_id"`
	Tick       uint64 `msgpack:"tick"`
}

// SnapshotV1 is a complete, self-contained world capture. Together with the
// tick journal it forms the durable artifact any replay or crash-recovery
// tooling consumes.
type SnapshotV1 struct {
	Header Header `msgpack:"header"`

	HalfExtent   float64 `msgpack:"half_extent"`
	NextEntityID uint64  `msgpack:"next_entity_id"`

	Entities  []EntityV1   `msgpack:"entities"`
	Obstacles []ObstacleV1 `msgpack:"obstacles"`
	Removals  []RemovalV1  `msgpack:"removals,omitempty"`
}

type EntityV1 struct {
	ID             uint64     `msgpack:"id"`
	Pos            [2]float64 `msgpack:"pos"`
	Vel            [2]float64 `msgpack:"vel"`
	Owner          string     `msgpack:"owner,omitempty"`
	AlwaysRelevant bool       `msgpack:"always_relevant,omitempty"`
	ColliderRadius float64    `msgpack:"collider_radius"`
	Version        uint64     `msgpack:"version"`
	SpawnedAt      uint64     `msgpack:"spawned_at"`
}

type ObstacleV1 struct {
	Min [2]float64 `msgpack:"min"`
	Max [2]float64 `msgpack:"max"`
}

type RemovalV1 struct {
	Tick uint64 `msgpack:"tick"`
	ID   uint64 `msgpack:"id"`
}

// WriteSnapshot writes msgpack-in-zstd atomically (temp file + rename).
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	werr := msgpack.NewEncoder(enc).Encode(snap)
	if err := enc.Close(); werr == nil {
		werr = err
	}
	if err := f.Close(); werr == nil {
		werr = err
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return werr
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()
	if err := msgpack.NewDecoder(dec).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Header.Version != FormatVersion {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}
