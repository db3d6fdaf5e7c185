package tuning

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Tuning carries every policy knob of an instance. Values load from
// tuning.yaml and can be overridden through KC_* environment variables,
// which is how the orchestrator adjusts a single instance without shipping
// a config file.
type Tuning struct {
	TickRateHz  int `yaml:"tick_rate_hz" env:"KC_TICK_RATE_HZ"`
	MaxSessions int `yaml:"max_sessions" env:"KC_MAX_SESSIONS"`

	// Interest management.
	InterestRadius float64 `yaml:"interest_radius" env:"KC_INTEREST_RADIUS"`

	// Delta baseline retention: how many ticks of baseline data the server
	// keeps per session before forcing a full snapshot.
	BaselineRetentionTicks uint64 `yaml:"baseline_retention_ticks" env:"KC_BASELINE_RETENTION_TICKS"`

	// Input command windows. Commands stamped more than InputPastTicks
	// behind or InputFutureTicks ahead of the server tick are rejected.
	InputPastTicks   uint64 `yaml:"input_past_ticks" env:"KC_INPUT_PAST_TICKS"`
	InputFutureTicks uint64 `yaml:"input_future_ticks" env:"KC_INPUT_FUTURE_TICKS"`

	// Reliable lane bounds. Exceeding either forces a disconnect.
	ReliableBacklogMax    int           `yaml:"reliable_backlog_max" env:"KC_RELIABLE_BACKLOG_MAX"`
	ReliableBacklogMaxAge time.Duration `yaml:"reliable_backlog_max_age" env:"KC_RELIABLE_BACKLOG_MAX_AGE"`
	ReliableRetryInterval time.Duration `yaml:"reliable_retry_interval" env:"KC_RELIABLE_RETRY_INTERVAL"`

	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" env:"KC_SESSION_IDLE_TIMEOUT"`
	DrainGrace         time.Duration `yaml:"drain_grace" env:"KC_DRAIN_GRACE"`

	// Movement.
	MoveSpeed      float64 `yaml:"move_speed" env:"KC_MOVE_SPEED"`
	ColliderRadius float64 `yaml:"collider_radius" env:"KC_COLLIDER_RADIUS"`

	SnapshotEveryTicks uint64 `yaml:"snapshot_every_ticks" env:"KC_SNAPSHOT_EVERY_TICKS"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz:             20,
		MaxSessions:            16,
		InterestRadius:         1200,
		BaselineRetentionTicks: 64,
		InputPastTicks:         32,
		InputFutureTicks:       4,
		ReliableBacklogMax:     256,
		ReliableBacklogMaxAge:  10 * time.Second,
		ReliableRetryInterval:  500 * time.Millisecond,
		SessionIdleTimeout:     30 * time.Second,
		DrainGrace:             5 * time.Second,
		MoveSpeed:              500,
		ColliderRadius:         50,
		SnapshotEveryTicks:     1200,
	}
}

// Load reads tuning.yaml and applies environment overrides on top. A missing
// file is returned as the os.ReadFile error; callers that want defaults in
// that case check os.IsNotExist themselves.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := env.Parse(&t); err != nil {
		return t, fmt.Errorf("tuning env: %w", err)
	}
	return t, t.Validate()
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 || t.TickRateHz > 240 {
		return fmt.Errorf("tick_rate_hz out of range: %d", t.TickRateHz)
	}
	if t.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive: %d", t.MaxSessions)
	}
	if t.InterestRadius <= 0 {
		return fmt.Errorf("interest_radius must be positive: %v", t.InterestRadius)
	}
	if t.ReliableBacklogMax <= 0 {
		return fmt.Errorf("reliable_backlog_max must be positive: %d", t.ReliableBacklogMax)
	}
	return nil
}
