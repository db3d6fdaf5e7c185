package world

// InterestSet computes the entities relevant to the client that owns
// center: everything within the interest radius of its own entity, plus
// entities flagged always-relevant, plus the entity itself. The result is
// sorted and recomputed at most once per tick per session.
func (w *World) InterestSet(center EntityID) []EntityID {
	pos, ok := w.positions[center]
	if !ok {
		return nil
	}
	r := w.cfg.InterestRadius
	out := make([]EntityID, 0, 16)
	for _, id := range w.ids {
		if id == center {
			out = append(out, id)
			continue
		}
		if w.interest[id].Always {
			out = append(out, id)
			continue
		}
		if w.positions[id].Sub(pos).Len() <= r {
			out = append(out, id)
		}
	}
	return out
}

// EntityState is the synchronized view of one entity.
type EntityState struct {
	ID  uint64     `json:"id" msgpack:"id"`
	Pos [2]float64 `json:"pos" msgpack:"pos"`
	Vel [2]float64 `json:"vel,omitempty" msgpack:"vel,omitempty"`
}

// State snapshots one entity's synchronized components.
func (w *World) State(id EntityID) (EntityState, bool) {
	pos, ok := w.positions[id]
	if !ok {
		return EntityState{}, false
	}
	s := EntityState{ID: uint64(id), Pos: [2]float64{pos.X, pos.Y}}
	if v, ok := w.velocities[id]; ok {
		s.Vel = [2]float64{v.X, v.Y}
	}
	return s, true
}
