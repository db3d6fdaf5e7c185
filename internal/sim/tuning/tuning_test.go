package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	body := []byte("tick_rate_hz: 30\nmax_sessions: 8\nsession_idle_timeout: 12s\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("KC_MAX_SESSIONS", "4")

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.TickRateHz != 30 {
		t.Fatalf("tick_rate_hz = %d, want 30", got.TickRateHz)
	}
	if got.MaxSessions != 4 {
		t.Fatalf("env override lost: max_sessions = %d, want 4", got.MaxSessions)
	}
	if got.SessionIdleTimeout != 12*time.Second {
		t.Fatalf("session_idle_timeout = %v, want 12s", got.SessionIdleTimeout)
	}
	// Untouched knobs keep defaults.
	if got.BaselineRetentionTicks != Defaults().BaselineRetentionTicks {
		t.Fatalf("default not preserved")
	}
}

func TestValidate_Rejects(t *testing.T) {
	bad := Defaults()
	bad.TickRateHz = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("zero tick rate accepted")
	}
	bad = Defaults()
	bad.InterestRadius = -1
	if err := bad.Validate(); err == nil {
		t.Fatalf("negative interest radius accepted")
	}
}
