package world

import (
	"fmt"
	"sort"

	"keyscape.gg/internal/protocol"
)

// Join requests a player entity spawn for a newly admitted session.
// Processed only at a tick boundary, like every other mutation.
type Join struct {
	SessionID string
	Subject   string
	Pos       Vec2
}

// Leave requests despawn of a disconnected session's entity.
type Leave struct {
	EntityID EntityID
}

// InputCommand is a validated, deduplicated client command bound to its
// entity. Sequence windows and duplicate filtering happen upstream in the
// session layer; the world still rejects commands it cannot apply.
type InputCommand struct {
	EntityID EntityID
	Seq      uint64
	Move     [2]float64
}

type RejectedCommand struct {
	EntityID EntityID
	Seq      uint64
	Code     string
}

// StepResult describes everything tick N changed, for delta encoding,
// journaling, and client reconciliation.
type StepResult struct {
	Tick     uint64
	Joined   map[string]EntityID
	Spawned  []EntityID
	Removed  []EntityID
	Changed  []EntityID
	Applied  map[EntityID]uint64
	Rejected []RejectedCommand
}

// Step advances the world by exactly one fixed timestep. Given the same
// prior state and the same arguments it produces the same resulting state;
// replay and reconciliation depend on that, so nothing here may read the
// clock or iterate a map directly.
func (w *World) Step(joins []Join, leaves []Leave, inputs []InputCommand) (StepResult, error) {
	tick := w.tick.Add(1)
	dt := 1 / float64(w.cfg.TickRateHz)

	res := StepResult{
		Tick:    tick,
		Joined:  map[string]EntityID{},
		Applied: map[EntityID]uint64{},
	}

	// Leaves first, in entity order, so a leave+join of the same subject in
	// one tick cannot observe the old entity.
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].EntityID < leaves[j].EntityID })
	for _, l := range leaves {
		if w.despawn(tick, l.EntityID) {
			res.Removed = append(res.Removed, l.EntityID)
		}
	}

	// Joins in arrival order; the journal records the same order for replay.
	for _, j := range joins {
		id := w.spawn(tick, j.Pos, w.cfg.ColliderRadius, j.Subject)
		res.Joined[j.SessionID] = id
		res.Spawned = append(res.Spawned, id)
	}

	// Inputs in (entity, seq) order: arrival order across sessions is not
	// deterministic, per-entity seq order is.
	sort.Slice(inputs, func(i, j int) bool {
		if inputs[i].EntityID != inputs[j].EntityID {
			return inputs[i].EntityID < inputs[j].EntityID
		}
		return inputs[i].Seq < inputs[j].Seq
	})
	for _, in := range inputs {
		if code, ok := w.applyInput(tick, dt, in); !ok {
			res.Rejected = append(res.Rejected, RejectedCommand{EntityID: in.EntityID, Seq: in.Seq, Code: code})
			continue
		}
		if in.Seq > res.Applied[in.EntityID] {
			res.Applied[in.EntityID] = in.Seq
		}
	}

	if err := w.stepMovers(tick, dt); err != nil {
		return res, err
	}

	// Invariant sweep: a non-finite position means the physics state is
	// corrupt and the instance cannot safely continue.
	for _, id := range w.ids {
		if !w.positions[id].Finite() {
			return res, fmt.Errorf("%w: entity %d has non-finite position at tick %d", ErrSimulationFault, id, tick)
		}
	}

	for _, id := range w.ids {
		if w.version[id] == tick {
			res.Changed = append(res.Changed, id)
		}
	}

	w.pruneRemovals(tick)
	return res, nil
}

func (w *World) applyInput(tick uint64, dt float64, in InputCommand) (code string, ok bool) {
	pos, present := w.positions[in.EntityID]
	if !present {
		return protocol.ErrUnknownSession, false
	}
	move := Vec2{X: in.Move[0], Y: in.Move[1]}
	if !move.Finite() {
		return protocol.ErrProtoBadRequest, false
	}
	h := w.bodies[in.EntityID]
	radius, _ := w.arena.Radius(h)
	delta := move.Normalized().Scale(w.cfg.MoveSpeed * dt)
	next := w.arena.MoveCircle(pos, radius, delta)
	if next != pos {
		w.positions[in.EntityID] = next
		w.version[in.EntityID] = tick
	}
	return "", true
}

// stepMovers integrates scripted entities (velocity component present):
// constant-velocity drift that bounces off the world boundary. The only
// server-side behavior the core carries; entity meaning stays external.
func (w *World) stepMovers(tick uint64, dt float64) error {
	for _, id := range w.ids {
		vel, ok := w.velocities[id]
		if !ok || (vel == Vec2{}) {
			continue
		}
		pos := w.positions[id]
		h := w.bodies[id]
		radius, _ := w.arena.Radius(h)
		next := w.arena.MoveCircle(pos, radius, vel.Scale(dt))

		// Bounce when the boundary clamp absorbed movement on an axis.
		lim := w.halfExtent - radius
		if w.halfExtent > 0 {
			if (next.X >= lim && vel.X > 0) || (next.X <= -lim && vel.X < 0) {
				vel.X = -vel.X
			}
			if (next.Y >= lim && vel.Y > 0) || (next.Y <= -lim && vel.Y < 0) {
				vel.Y = -vel.Y
			}
			w.velocities[id] = vel
		}
		if next != pos {
			w.positions[id] = next
			w.version[id] = tick
		}
	}
	return nil
}
