package world

import "math"

type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vec2) Add(o Vec2) Vec2      { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Sub(o Vec2) Vec2      { return Vec2{v.X - o.X, v.Y - o.Y} }
func (v Vec2) Scale(s float64) Vec2 { return Vec2{v.X * s, v.Y * s} }
func (v Vec2) Len() float64         { return math.Hypot(v.X, v.Y) }

func (v Vec2) Normalized() Vec2 {
	l := v.Len()
	if l == 0 {
		return Vec2{}
	}
	return Vec2{v.X / l, v.Y / l}
}

func (v Vec2) Finite() bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) && !math.IsNaN(v.Y) && !math.IsInf(v.Y, 0)
}

// AABB is a static axis-aligned obstacle.
type AABB struct {
	Min Vec2 `json:"min"`
	Max Vec2 `json:"max"`
}

func (b AABB) closestPoint(p Vec2) Vec2 {
	return Vec2{
		X: math.Max(b.Min.X, math.Min(p.X, b.Max.X)),
		Y: math.Max(b.Min.Y, math.Min(p.Y, b.Max.Y)),
	}
}

// BodyHandle addresses a physics body by slot index plus generation, so a
// handle kept past despawn can never reach a reused slot.
type BodyHandle struct {
	Index uint32 `json:"index"`
	Gen   uint32 `json:"gen"`
}

type body struct {
	gen    uint32
	active bool
	radius float64
}

// BodyArena owns every physics body of one instance. Entities hold handles
// only; the body lifetime matches the entity lifetime.
type BodyArena struct {
	slots     []body
	free      []uint32
	obstacles []AABB
	halfExt   float64
}

func NewBodyArena(obstacles []AABB, halfExtent float64) *BodyArena {
	return &BodyArena{obstacles: obstacles, halfExt: halfExtent}
}

func (a *BodyArena) Insert(radius float64) BodyHandle {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.active = true
		s.radius = radius
		return BodyHandle{Index: idx, Gen: s.gen}
	}
	a.slots = append(a.slots, body{active: true, radius: radius})
	return BodyHandle{Index: uint32(len(a.slots) - 1), Gen: 0}
}

func (a *BodyArena) Remove(h BodyHandle) bool {
	s := a.lookup(h)
	if s == nil {
		return false
	}
	s.active = false
	s.gen++
	a.free = append(a.free, h.Index)
	return true
}

func (a *BodyArena) Radius(h BodyHandle) (float64, bool) {
	s := a.lookup(h)
	if s == nil {
		return 0, false
	}
	return s.radius, true
}

func (a *BodyArena) Active() int {
	n := 0
	for i := range a.slots {
		if a.slots[i].active {
			n++
		}
	}
	return n
}

func (a *BodyArena) Obstacles() []AABB { return a.obstacles }

func (a *BodyArena) lookup(h BodyHandle) *body {
	if int(h.Index) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.Index]
	if !s.active || s.gen != h.Gen {
		return nil
	}
	return s
}

// MoveCircle advances a circle collider by delta, resolving overlap with
// static obstacles by sliding along the contact normal. Substeps keep fast
// movers from tunneling through thin boxes. Pure function of its arguments.
func (a *BodyArena) MoveCircle(pos Vec2, radius float64, delta Vec2) Vec2 {
	steps := 1 + int(delta.Len()/math.Max(radius*0.5, 1))
	if steps > 8 {
		steps = 8
	}
	inc := delta.Scale(1 / float64(steps))
	for i := 0; i < steps; i++ {
		pos = pos.Add(inc)
		pos = a.resolve(pos, radius)
	}
	return a.clampToBounds(pos, radius)
}

func (a *BodyArena) resolve(pos Vec2, radius float64) Vec2 {
	// A circle can touch two boxes in a corner; a couple of passes settles it.
	for pass := 0; pass < 3; pass++ {
		moved := false
		for _, ob := range a.obstacles {
			cp := ob.closestPoint(pos)
			d := pos.Sub(cp)
			dist := d.Len()
			if dist >= radius {
				continue
			}
			if dist == 0 {
				// Center inside the box: push out along the shallowest axis.
				pos = pushOutOfBox(pos, ob, radius)
			} else {
				pos = cp.Add(d.Scale(radius / dist))
			}
			moved = true
		}
		if !moved {
			break
		}
	}
	return pos
}

func pushOutOfBox(p Vec2, b AABB, radius float64) Vec2 {
	left := p.X - b.Min.X
	right := b.Max.X - p.X
	down := p.Y - b.Min.Y
	up := b.Max.Y - p.Y
	min := left
	out := Vec2{b.Min.X - radius, p.Y}
	if right < min {
		min = right
		out = Vec2{b.Max.X + radius, p.Y}
	}
	if down < min {
		min = down
		out = Vec2{p.X, b.Min.Y - radius}
	}
	if up < min {
		out = Vec2{p.X, b.Max.Y + radius}
	}
	return out
}

func (a *BodyArena) clampToBounds(pos Vec2, radius float64) Vec2 {
	if a.halfExt <= 0 {
		return pos
	}
	lim := a.halfExt - radius
	if pos.X > lim {
		pos.X = lim
	}
	if pos.X < -lim {
		pos.X = -lim
	}
	if pos.Y > lim {
		pos.Y = lim
	}
	if pos.Y < -lim {
		pos.Y = -lim
	}
	return pos
}
