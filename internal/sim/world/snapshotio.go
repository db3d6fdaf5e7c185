package world

import (
	"fmt"
	"sort"

	"keyscape.gg/internal/persistence/snapshot"
)

// ExportSnapshot captures the full world state. Called from the tick loop
// only; the heavy write happens off-thread on the returned value.
func (w *World) ExportSnapshot() snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:    snapshot.FormatVersion,
			InstanceID: w.cfg.InstanceID,
			Tick:       w.tick.Load(),
		},
		HalfExtent:   w.halfExtent,
		NextEntityID: w.nextID,
	}
	for _, id := range w.ids {
		radius, _ := w.arena.Radius(w.bodies[id])
		e := snapshot.EntityV1{
			ID:             uint64(id),
			ColliderRadius: radius,
			Version:        w.version[id],
			SpawnedAt:      w.spawnedAt[id],
			Owner:          w.owners[id],
			AlwaysRelevant: w.interest[id].Always,
		}
		p := w.positions[id]
		e.Pos = [2]float64{p.X, p.Y}
		v := w.velocities[id]
		e.Vel = [2]float64{v.X, v.Y}
		snap.Entities = append(snap.Entities, e)
	}
	for _, ob := range w.arena.Obstacles() {
		snap.Obstacles = append(snap.Obstacles, snapshot.ObstacleV1{
			Min: [2]float64{ob.Min.X, ob.Min.Y},
			Max: [2]float64{ob.Max.X, ob.Max.Y},
		})
	}
	for _, r := range w.removals {
		snap.Removals = append(snap.Removals, snapshot.RemovalV1{Tick: r.Tick, ID: uint64(r.ID)})
	}
	return snap
}

// ImportSnapshot replaces the world state wholesale. Only valid before the
// tick loop starts.
func (w *World) ImportSnapshot(snap snapshot.SnapshotV1) error {
	if snap.Header.Version != snapshot.FormatVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	if snap.Header.InstanceID != "" && snap.Header.InstanceID != w.cfg.InstanceID {
		return fmt.Errorf("snapshot instance mismatch: %s vs %s", snap.Header.InstanceID, w.cfg.InstanceID)
	}

	obstacles := make([]AABB, 0, len(snap.Obstacles))
	for _, ob := range snap.Obstacles {
		obstacles = append(obstacles, AABB{
			Min: Vec2{X: ob.Min[0], Y: ob.Min[1]},
			Max: Vec2{X: ob.Max[0], Y: ob.Max[1]},
		})
	}

	w.halfExtent = snap.HalfExtent
	w.arena = NewBodyArena(obstacles, snap.HalfExtent)
	w.ids = w.ids[:0]
	w.positions = map[EntityID]Vec2{}
	w.velocities = map[EntityID]Vec2{}
	w.bodies = map[EntityID]BodyHandle{}
	w.owners = map[EntityID]string{}
	w.interest = map[EntityID]Interest{}
	w.version = map[EntityID]uint64{}
	w.spawnedAt = map[EntityID]uint64{}
	w.removals = w.removals[:0]

	ents := make([]snapshot.EntityV1, len(snap.Entities))
	copy(ents, snap.Entities)
	sort.Slice(ents, func(i, j int) bool { return ents[i].ID < ents[j].ID })

	for _, e := range ents {
		id := EntityID(e.ID)
		if e.ID == 0 || e.ID > snap.NextEntityID {
			return fmt.Errorf("snapshot entity id %d outside allocator range", e.ID)
		}
		w.ids = append(w.ids, id)
		w.positions[id] = Vec2{X: e.Pos[0], Y: e.Pos[1]}
		if e.Vel != [2]float64{} {
			w.velocities[id] = Vec2{X: e.Vel[0], Y: e.Vel[1]}
		}
		w.bodies[id] = w.arena.Insert(e.ColliderRadius)
		if e.Owner != "" {
			w.owners[id] = e.Owner
		}
		if e.AlwaysRelevant {
			w.interest[id] = Interest{Always: true}
		}
		w.version[id] = e.Version
		w.spawnedAt[id] = e.SpawnedAt
	}
	for _, r := range snap.Removals {
		w.removals = append(w.removals, Removal{Tick: r.Tick, ID: EntityID(r.ID)})
	}
	w.nextID = snap.NextEntityID
	w.tick.Store(snap.Header.Tick)
	return nil
}
