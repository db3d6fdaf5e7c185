package world

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
)

// EntityID identifies one entity for the lifetime of an instance. IDs are
// monotonic and never reused, so a stale id can be detected cheaply.
type EntityID uint64

// ErrSimulationFault marks an invariant violation inside Step. It is fatal
// to the instance: the controller shuts down rather than continue from a
// corrupted state.
var ErrSimulationFault = errors.New("simulation fault")

type Config struct {
	InstanceID     string
	TickRateHz     int
	InterestRadius float64
	MoveSpeed      float64
	ColliderRadius float64
	// RemovalRetentionTicks bounds how long removal records are kept for
	// delta encoding; a baseline older than this forces a full snapshot.
	RemovalRetentionTicks uint64
}

// Interest carries per-entity interest-management flags.
type Interest struct {
	Always bool
}

// Removal records an entity despawn for delta encoding.
type Removal struct {
	Tick uint64
	ID   EntityID
}

// World owns all entity, component, and physics state of one instance.
// Exactly one goroutine (the tick loop) may call its mutating methods;
// only CurrentTick is safe from elsewhere.
type World struct {
	cfg Config

	tick atomic.Uint64

	// ids stays sorted ascending; every per-component map below is keyed
	// by ids only. A component type is attached at most once per entity.
	ids        []EntityID
	positions  map[EntityID]Vec2
	velocities map[EntityID]Vec2
	bodies     map[EntityID]BodyHandle
	owners     map[EntityID]string
	interest   map[EntityID]Interest

	arena *BodyArena

	// version holds the tick an entity's state last changed; spawnedAt the
	// tick it entered the world. Both serve delta encoding.
	version   map[EntityID]uint64
	spawnedAt map[EntityID]uint64
	removals  []Removal

	nextID     uint64
	halfExtent float64
}

func New(cfg Config, boot Bootstrap) (*World, error) {
	if cfg.TickRateHz <= 0 {
		return nil, fmt.Errorf("world: tick rate must be positive, got %d", cfg.TickRateHz)
	}
	if err := boot.Validate(); err != nil {
		return nil, fmt.Errorf("world: bootstrap: %w", err)
	}

	obstacles := make([]AABB, len(boot.Obstacles))
	copy(obstacles, boot.Obstacles)

	w := &World{
		cfg:        cfg,
		positions:  map[EntityID]Vec2{},
		velocities: map[EntityID]Vec2{},
		bodies:     map[EntityID]BodyHandle{},
		owners:     map[EntityID]string{},
		interest:   map[EntityID]Interest{},
		version:    map[EntityID]uint64{},
		spawnedAt:  map[EntityID]uint64{},
		arena:      NewBodyArena(obstacles, boot.HalfExtent),
		halfExtent: boot.HalfExtent,
	}

	for _, e := range boot.Entities {
		id := w.spawn(0, Vec2{X: e.Pos[0], Y: e.Pos[1]}, e.colliderRadius(cfg.ColliderRadius), "")
		if e.Vel != [2]float64{} {
			w.velocities[id] = Vec2{X: e.Vel[0], Y: e.Vel[1]}
		}
		if e.AlwaysRelevant {
			w.interest[id] = Interest{Always: true}
		}
	}
	return w, nil
}

func (w *World) CurrentTick() uint64 { return w.tick.Load() }
func (w *World) Config() Config      { return w.cfg }
func (w *World) EntityCount() int    { return len(w.ids) }

// Entities returns the sorted entity id list. Callers must not retain it
// across ticks.
func (w *World) Entities() []EntityID { return w.ids }

// Position reports an entity's position with an explicit presence check.
func (w *World) Position(id EntityID) (Vec2, bool) {
	p, ok := w.positions[id]
	return p, ok
}

func (w *World) Owner(id EntityID) (string, bool) {
	o, ok := w.owners[id]
	return o, ok
}

// Version reports the tick the entity last changed.
func (w *World) Version(id EntityID) (uint64, bool) {
	v, ok := w.version[id]
	return v, ok
}

// RemovalsSince lists despawns recorded after the baseline tick, oldest
// first. ok is false when the baseline has aged out of the retention
// window, in which case the caller must fall back to a full snapshot.
func (w *World) RemovalsSince(baseline uint64) (removed []EntityID, ok bool) {
	now := w.tick.Load()
	if w.cfg.RemovalRetentionTicks > 0 && now > w.cfg.RemovalRetentionTicks && baseline < now-w.cfg.RemovalRetentionTicks {
		return nil, false
	}
	for _, r := range w.removals {
		if r.Tick > baseline {
			removed = append(removed, r.ID)
		}
	}
	return removed, true
}

// spawn attaches the standard component set and a physics body. Only Step
// (and New, for the bootstrap state) may call it.
func (w *World) spawn(tick uint64, pos Vec2, collider float64, owner string) EntityID {
	w.nextID++
	id := EntityID(w.nextID)
	w.ids = append(w.ids, id) // nextID is monotonic, so ids stays sorted
	w.positions[id] = pos
	w.bodies[id] = w.arena.Insert(collider)
	if owner != "" {
		w.owners[id] = owner
	}
	w.version[id] = tick
	w.spawnedAt[id] = tick
	return id
}

func (w *World) despawn(tick uint64, id EntityID) bool {
	if _, ok := w.positions[id]; !ok {
		return false
	}
	if h, ok := w.bodies[id]; ok {
		w.arena.Remove(h)
	}
	delete(w.positions, id)
	delete(w.velocities, id)
	delete(w.bodies, id)
	delete(w.owners, id)
	delete(w.interest, id)
	delete(w.version, id)
	delete(w.spawnedAt, id)
	i := sort.Search(len(w.ids), func(i int) bool { return w.ids[i] >= id })
	if i < len(w.ids) && w.ids[i] == id {
		w.ids = append(w.ids[:i], w.ids[i+1:]...)
	}
	w.removals = append(w.removals, Removal{Tick: tick, ID: id})
	return true
}

func (w *World) pruneRemovals(now uint64) {
	if w.cfg.RemovalRetentionTicks == 0 || now <= w.cfg.RemovalRetentionTicks {
		return
	}
	cutoff := now - w.cfg.RemovalRetentionTicks
	kept := w.removals[:0]
	for _, r := range w.removals {
		if r.Tick >= cutoff {
			kept = append(kept, r)
		}
	}
	w.removals = kept
}

// SpawnPoint picks the position the next joining player spawns at. Points
// walk a fixed ring around the origin so simultaneous joins do not stack,
// and the choice depends only on world state so replays reproduce it.
func (w *World) SpawnPoint() Vec2 {
	ring := w.halfExtent / 4
	slot := w.nextID % 12
	angle := float64(slot) * (2 * math.Pi / 12)
	return Vec2{X: ring * math.Cos(angle), Y: ring * math.Sin(angle)}
}

// FindOwned returns the entity owned by the given subject, if any.
func (w *World) FindOwned(subject string) (EntityID, bool) {
	for _, id := range w.ids {
		if w.owners[id] == subject {
			return id, true
		}
	}
	return 0, false
}
