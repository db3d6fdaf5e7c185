// Package codec turns world state into per-client wire payloads and decodes
// inbound input frames. State payloads are msgpack bodies behind a one-byte
// framing tag; full snapshots are additionally zstd-compressed since they
// dwarf deltas.
package codec

import (
	"errors"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"keyscape.gg/internal/sim/world"
)

// SchemaVersion tags every state payload; decoders reject anything else.
const SchemaVersion = 1

const (
	frameRaw  byte = 0x01
	frameZstd byte = 0x02
)

var ErrSchemaVersion = errors.New("unknown state schema version")

// StatePayload is the tick-stamped description of entity changes since the
// session's acknowledged baseline, or the complete interest view when Full.
type StatePayload struct {
	SchemaVersion uint16              `msgpack:"v"`
	Tick          uint64              `msgpack:"tick"`
	BaselineTick  uint64              `msgpack:"baseline,omitempty"`
	Full          bool                `msgpack:"full,omitempty"`
	LastInputSeq  uint64              `msgpack:"last_input_seq,omitempty"`
	OwnEntity     uint64              `msgpack:"own_entity,omitempty"`
	Entities      []world.EntityState `msgpack:"entities,omitempty"`
	Removed       []uint64            `msgpack:"removed,omitempty"`
}

// View is everything the encoder needs to know about one session at one
// tick. BaselineKnown is the interest set the session acknowledged at
// BaselineTick; both come from the session registry.
type View struct {
	Tick          uint64
	HaveBaseline  bool
	BaselineTick  uint64
	BaselineKnown []world.EntityID
	Interest      []world.EntityID
	OwnEntity     world.EntityID
	LastInputSeq  uint64
}

type Codec struct {
	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

func New() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Codec{zenc: enc, zdec: dec}, nil
}

// EncodeState builds the payload for one session: an incremental delta when
// the acknowledged baseline is still retained, otherwise a full snapshot of
// the session's interest view.
func (c *Codec) EncodeState(w *world.World, v View) (payload []byte, full bool, err error) {
	p := StatePayload{
		SchemaVersion: SchemaVersion,
		Tick:          v.Tick,
		LastInputSeq:  v.LastInputSeq,
		OwnEntity:     uint64(v.OwnEntity),
	}

	full = !v.HaveBaseline
	if !full {
		// The baseline may have aged out of the removal retention window.
		if _, ok := w.RemovalsSince(v.BaselineTick); !ok {
			full = true
		}
	}

	if full {
		p.Full = true
		for _, id := range v.Interest {
			if s, ok := w.State(id); ok {
				p.Entities = append(p.Entities, s)
			}
		}
	} else {
		p.BaselineTick = v.BaselineTick
		for _, id := range v.Interest {
			known := containsID(v.BaselineKnown, id)
			ver, _ := w.Version(id)
			if !known || ver > v.BaselineTick {
				if s, ok := w.State(id); ok {
					p.Entities = append(p.Entities, s)
				}
			}
		}
		// Entities the baseline knew but the session should no longer hold:
		// despawned, or simply out of interest. Explicit removals, never a
		// silent drop, so clients free memory deterministically.
		for _, id := range v.BaselineKnown {
			if !containsID(v.Interest, id) {
				p.Removed = append(p.Removed, uint64(id))
			}
		}
		sort.Slice(p.Removed, func(i, j int) bool { return p.Removed[i] < p.Removed[j] })
	}

	body, err := msgpack.Marshal(p)
	if err != nil {
		return nil, false, fmt.Errorf("encode state: %w", err)
	}
	if p.Full {
		return append([]byte{frameZstd}, c.zenc.EncodeAll(body, nil)...), true, nil
	}
	return append([]byte{frameRaw}, body...), false, nil
}

// DecodeState reverses EncodeState. Used by tests, the replay tool, and any
// Go client.
func (c *Codec) DecodeState(b []byte) (StatePayload, error) {
	var p StatePayload
	if len(b) < 2 {
		return p, errors.New("state payload too short")
	}
	body := b[1:]
	switch b[0] {
	case frameRaw:
	case frameZstd:
		var err error
		body, err = c.zdec.DecodeAll(body, nil)
		if err != nil {
			return p, fmt.Errorf("decompress state: %w", err)
		}
	default:
		return p, fmt.Errorf("unknown state framing 0x%02x", b[0])
	}
	if err := msgpack.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("decode state: %w", err)
	}
	if p.SchemaVersion != SchemaVersion {
		return p, fmt.Errorf("%w: %d", ErrSchemaVersion, p.SchemaVersion)
	}
	return p, nil
}

func containsID(sorted []world.EntityID, id world.EntityID) bool {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= id })
	return i < len(sorted) && sorted[i] == id
}
