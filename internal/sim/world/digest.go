package world

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math"
)

// Digest hashes the canonical world state. Two worlds that stepped through
// the same inputs from the same bootstrap must produce identical digests;
// the journal records one per tick so replays can verify themselves.
func (w *World) Digest() string {
	h := sha256.New()
	var buf [8]byte
	putU := func(u uint64) {
		binary.BigEndian.PutUint64(buf[:], u)
		h.Write(buf[:])
	}
	putF := func(f float64) { putU(math.Float64bits(f)) }

	putU(w.tick.Load())
	putU(w.nextID)
	putU(uint64(len(w.ids)))
	for _, id := range w.ids {
		putU(uint64(id))
		p := w.positions[id]
		putF(p.X)
		putF(p.Y)
		v := w.velocities[id]
		putF(v.X)
		putF(v.Y)
		putU(w.version[id])
		_, _ = io.WriteString(h, w.owners[id])
		if w.interest[id].Always {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
