package world

import (
	"encoding/json"
	"fmt"
	"os"
)

// Bootstrap is the initial-state payload produced by the external content
// generator. The instance consumes it once at start and treats entity
// meaning as opaque.
type Bootstrap struct {
	InstanceID string            `json:"instance_id"`
	HalfExtent float64           `json:"half_extent"`
	Entities   []BootstrapEntity `json:"entities"`
	Obstacles  []AABB            `json:"obstacles,omitempty"`
}

type BootstrapEntity struct {
	Pos            [2]float64 `json:"pos"`
	Vel            [2]float64 `json:"vel,omitempty"`
	ColliderRadius float64    `json:"collider_radius,omitempty"`
	AlwaysRelevant bool       `json:"always_relevant,omitempty"`
}

func (e BootstrapEntity) colliderRadius(def float64) float64 {
	if e.ColliderRadius > 0 {
		return e.ColliderRadius
	}
	return def
}

func (b Bootstrap) Validate() error {
	if b.HalfExtent <= 0 {
		return fmt.Errorf("half_extent must be positive, got %v", b.HalfExtent)
	}
	for i, e := range b.Entities {
		p := Vec2{X: e.Pos[0], Y: e.Pos[1]}
		if !p.Finite() {
			return fmt.Errorf("entity %d: non-finite position", i)
		}
		if e.ColliderRadius < 0 {
			return fmt.Errorf("entity %d: negative collider radius", i)
		}
	}
	for i, ob := range b.Obstacles {
		if ob.Min.X > ob.Max.X || ob.Min.Y > ob.Max.Y {
			return fmt.Errorf("obstacle %d: inverted bounds", i)
		}
	}
	return nil
}

func LoadBootstrap(path string) (Bootstrap, error) {
	var b Bootstrap
	raw, err := os.ReadFile(path)
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, fmt.Errorf("bootstrap: %w", err)
	}
	return b, b.Validate()
}
