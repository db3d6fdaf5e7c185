package instance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"keyscape.gg/internal/codec"
	"keyscape.gg/internal/protocol"
	"keyscape.gg/internal/session"
	"keyscape.gg/internal/sim/tuning"
	"keyscape.gg/internal/sim/world"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.TickRateHz = 50
	t.DrainGrace = 300 * time.Millisecond
	return t
}

func mintToken(t *testing.T, sub, jti string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"jti": jti,
		"iid": "test",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(testKey)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func buildController(t *testing.T, cfg tuning.Tuning) (*Controller, *session.Registry) {
	t.Helper()
	w, err := world.New(world.Config{
		InstanceID:            "test",
		TickRateHz:            cfg.TickRateHz,
		InterestRadius:        cfg.InterestRadius,
		MoveSpeed:             cfg.MoveSpeed,
		ColliderRadius:        cfg.ColliderRadius,
		RemovalRetentionTicks: cfg.BaselineRetentionTicks,
	}, world.Bootstrap{InstanceID: "test", HalfExtent: 4000})
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := session.NewTokenVerifier(testKey, "test", time.Now)
	if err != nil {
		t.Fatal(err)
	}
	reg := session.NewRegistry(verifier, cfg.MaxSessions)
	ctrl, err := NewController(cfg, w, reg, zerolog.Nop(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	return ctrl, reg
}

func startController(t *testing.T, cfg tuning.Tuning) (*Controller, *session.Registry, context.CancelFunc) {
	t.Helper()
	ctrl, reg := buildController(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ctrl.Run(ctx) }()
	t.Cleanup(cancel)
	return ctrl, reg, cancel
}

func joinSession(t *testing.T, ctrl *Controller, reg *session.Registry, sub, jti string) (*session.Session, JoinResponse) {
	t.Helper()
	sess, err := reg.Admit(mintToken(t, sub, jti), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	resp := make(chan JoinResponse, 1)
	if !ctrl.RequestJoin(JoinRequest{Session: sess, Resp: resp}) {
		t.Fatal("join refused")
	}
	select {
	case r := <-resp:
		if r.Err != nil {
			t.Fatalf("join: %v", r.Err)
		}
		return sess, r
	case <-time.After(2 * time.Second):
		t.Fatal("join timed out")
		return nil, JoinResponse{}
	}
}

func TestController_JoinBroadcastsFullThenDelta(t *testing.T) {
	ctrl, reg, _ := startController(t, testTuning())
	sess, joined := joinSession(t, ctrl, reg, "p1", "jti-1")

	c, err := codec.New()
	if err != nil {
		t.Fatal(err)
	}

	// First payload after the spawn tick must be a full snapshot.
	var first codec.StatePayload
	select {
	case b := <-sess.StateLane():
		first, err = c.DecodeState(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state payload")
	}
	if !first.Full {
		t.Fatal("first payload not full")
	}
	if first.OwnEntity != uint64(joined.EntityID) {
		t.Fatalf("own_entity = %d, want %d", first.OwnEntity, joined.EntityID)
	}

	// Acknowledge it; subsequent payloads become deltas.
	ctrl.SubmitAck(AckEnvelope{SessionID: sess.ID, Tick: first.Tick})
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b := <-sess.StateLane():
			p, err := c.DecodeState(b)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if p.Tick <= first.Tick {
				continue
			}
			if !p.Full {
				return // delta observed
			}
		case <-deadline:
			t.Fatal("never saw a delta after ack")
		}
	}
}

func TestController_InputAppliedAndEchoed(t *testing.T) {
	ctrl, reg, _ := startController(t, testTuning())
	sess, joined := joinSession(t, ctrl, reg, "p1", "jti-1")

	c, _ := codec.New()

	tickNow := ctrl.Snapshot().Tick
	if !ctrl.SubmitInput(InputEnvelope{
		SessionID: sess.ID,
		Msg: protocol.InputMsg{
			Type:            protocol.TypeInput,
			ProtocolVersion: protocol.Version,
			Tick:            tickNow + 1,
			Seq:             1,
			Move:            [2]float64{1, 0},
		},
	}) {
		t.Fatal("input refused")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case b := <-sess.StateLane():
			p, err := c.DecodeState(b)
			if err != nil {
				t.Fatal(err)
			}
			if p.LastInputSeq == 1 {
				for _, e := range p.Entities {
					if e.ID == uint64(joined.EntityID) && e.Pos[0] > 0 {
						return
					}
				}
			}
		case <-deadline:
			t.Fatal("input never reflected in a state payload")
		}
	}
}

func TestController_DrainReachesStoppedWithinGrace(t *testing.T) {
	cfg := testTuning()
	ctrl, reg, _ := startController(t, cfg)
	sess, _ := joinSession(t, ctrl, reg, "p1", "jti-1")

	waitFor(t, time.Second, func() bool { return ctrl.State() == StateReady })
	ctrl.Drain("test")

	// The DRAINING event goes out reliably; the client never acks, so the
	// grace deadline must force the stop.
	var sawDraining bool
	deadline := time.After(3 * time.Second)
loop:
	for {
		select {
		case b, ok := <-sess.CtrlLane():
			if !ok {
				break loop
			}
			var ev protocol.EventMsg
			if json.Unmarshal(b, &ev) == nil && ev.Kind == protocol.EventDraining {
				sawDraining = true
			}
		case <-ctrl.Done():
			break loop
		case <-deadline:
			t.Fatal("drain never completed")
		}
	}

	if !sawDraining {
		t.Fatal("DRAINING event never sent")
	}
	waitFor(t, time.Second, func() bool { return ctrl.State() == StateStopped })
}

func TestController_DrainStopsPromptlyWhenBacklogsEmpty(t *testing.T) {
	cfg := testTuning()
	cfg.DrainGrace = 10 * time.Second
	ctrl, reg, _ := startController(t, cfg)
	sess, _ := joinSession(t, ctrl, reg, "p1", "jti-1")

	waitFor(t, time.Second, func() bool { return ctrl.State() == StateReady })
	ctrl.Drain("test")

	// Ack every reliable event as it arrives; the drain must finish long
	// before the grace deadline.
	go func() {
		for b := range sess.CtrlLane() {
			var ev protocol.EventMsg
			if json.Unmarshal(b, &ev) == nil && ev.Type == protocol.TypeEvent {
				ctrl.SubmitEventAck(EventAckEnvelope{SessionID: sess.ID, Seq: ev.Seq})
			}
		}
	}()
	go func() {
		for range sess.StateLane() {
		}
	}()

	select {
	case <-ctrl.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("drain with empty backlogs did not stop promptly")
	}
	if got := ctrl.State(); got != StateStopped {
		t.Fatalf("state = %s, want STOPPED", got)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
