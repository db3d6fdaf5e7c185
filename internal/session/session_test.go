package session

import (
	"sync"
	"testing"
	"time"

	"keyscape.gg/internal/protocol"
	"keyscape.gg/internal/sim/world"
)

func testSession() *Session {
	return newSession("sess-1", "player-1", "jti-1", fixedNow())
}

func inputAt(tick, seq uint64) protocol.InputMsg {
	return protocol.InputMsg{
		Type:            protocol.TypeInput,
		ProtocolVersion: protocol.Version,
		Tick:            tick,
		Seq:             seq,
		Move:            [2]float64{1, 0},
	}
}

func TestAcceptInput_DuplicateSeqDropped(t *testing.T) {
	s := testSession()
	if code, ok := s.AcceptInput(inputAt(100, 5), 100, 32, 4); !ok {
		t.Fatalf("first copy rejected: %s", code)
	}
	if code, ok := s.AcceptInput(inputAt(100, 5), 100, 32, 4); ok || code != protocol.ErrDuplicateInput {
		t.Fatalf("duplicate: ok=%v code=%s, want E_DUPLICATE_INPUT", ok, code)
	}
	if code, ok := s.AcceptInput(inputAt(100, 3), 100, 32, 4); ok || code != protocol.ErrDuplicateInput {
		t.Fatalf("older seq: ok=%v code=%s, want E_DUPLICATE_INPUT", ok, code)
	}
}

func TestAcceptInput_TickWindows(t *testing.T) {
	s := testSession()
	if code, ok := s.AcceptInput(inputAt(60, 1), 100, 32, 4); ok || code != protocol.ErrStaleInput {
		t.Fatalf("stale: ok=%v code=%s", ok, code)
	}
	if code, ok := s.AcceptInput(inputAt(105, 2), 100, 32, 4); ok || code != protocol.ErrFutureInput {
		t.Fatalf("future: ok=%v code=%s", ok, code)
	}
	if code, ok := s.AcceptInput(inputAt(68, 3), 100, 32, 4); !ok {
		t.Fatalf("edge of past window rejected: %s", code)
	}
	if code, ok := s.AcceptInput(inputAt(104, 4), 100, 32, 4); !ok {
		t.Fatalf("edge of future window rejected: %s", code)
	}
	// Rejected commands must not advance the dedup watermark.
	if s.LastInputSeq() != 4 {
		t.Fatalf("watermark = %d, want 4", s.LastInputSeq())
	}
}

func TestRecordAck_ForwardOnlyAndRetained(t *testing.T) {
	s := testSession()
	s.RememberSent(10, []world.EntityID{1, 2}, 64)
	s.RememberSent(11, []world.EntityID{1, 2, 3}, 64)
	s.RememberSent(12, []world.EntityID{1, 3}, 64)

	if !s.RecordAck(11) {
		t.Fatal("ack for retained tick ignored")
	}
	tick, known, ok := s.Baseline()
	if !ok || tick != 11 || len(known) != 3 {
		t.Fatalf("baseline = %d %v %v", tick, known, ok)
	}

	// Late ack for an older tick must not regress the baseline.
	if s.RecordAck(10) {
		t.Fatal("stale ack moved the baseline")
	}
	if s.RecordAck(999) {
		t.Fatal("ack for a tick never sent was accepted")
	}
	if !s.RecordAck(12) {
		t.Fatal("forward ack rejected")
	}
}

func TestRememberSent_RetentionBound(t *testing.T) {
	s := testSession()
	for tick := uint64(1); tick <= 100; tick++ {
		s.RememberSent(tick, []world.EntityID{1}, 8)
	}
	if s.RecordAck(80) {
		t.Fatal("ack accepted for a tick outside the retention window")
	}
	if !s.RecordAck(95) {
		t.Fatal("ack rejected for a retained tick")
	}
}

func TestReliableBacklog_RetryUntilAck(t *testing.T) {
	s := testSession()
	now := fixedNow()
	seq := s.EnqueueReliable([]byte("evt-1"), now)

	due := s.DueReliable(now, 500*time.Millisecond)
	if len(due) != 1 || string(due[0]) != "evt-1" {
		t.Fatalf("first send: %q", due)
	}
	// Not due again until the retry interval elapses.
	if due := s.DueReliable(now.Add(100*time.Millisecond), 500*time.Millisecond); len(due) != 0 {
		t.Fatalf("retried too early: %q", due)
	}
	if due := s.DueReliable(now.Add(time.Second), 500*time.Millisecond); len(due) != 1 {
		t.Fatalf("retry missing: %q", due)
	}

	s.AckReliable(seq)
	if due := s.DueReliable(now.Add(2*time.Second), 500*time.Millisecond); len(due) != 0 {
		t.Fatalf("acked message still retried: %q", due)
	}
	if s.BacklogLen() != 0 {
		t.Fatalf("backlog len = %d, want 0", s.BacklogLen())
	}
}

func TestBacklogExceeded_CountAndAge(t *testing.T) {
	s := testSession()
	now := fixedNow()

	for i := 0; i < 3; i++ {
		s.EnqueueReliable([]byte("evt"), now)
	}
	if s.BacklogExceeded(now, 2, time.Minute) != true {
		t.Fatal("count bound not enforced")
	}
	if s.BacklogExceeded(now, 10, time.Minute) {
		t.Fatal("exceeded reported within bounds")
	}
	if !s.BacklogExceeded(now.Add(2*time.Minute), 10, time.Minute) {
		t.Fatal("age bound not enforced")
	}
}

func TestSendState_DropsOldestWhenSaturated(t *testing.T) {
	s := testSession()
	for i := byte(0); i < 10; i++ {
		s.SendState([]byte{i})
	}
	// Lane capacity is 4; the newest payloads win.
	first := <-s.StateLane()
	if first[0] <= 5 {
		t.Fatalf("oldest payload survived saturation: %d", first[0])
	}
}

func TestClose_IdempotentAndDrainsLanes(t *testing.T) {
	s := testSession()
	s.SendCtrl([]byte("goodbye"))
	s.Close(protocol.ErrIdleTimeout)
	s.Close(protocol.ErrInternal) // second close is a no-op

	code, closed := s.Closed()
	if !closed || code != protocol.ErrIdleTimeout {
		t.Fatalf("closed=%v code=%s", closed, code)
	}

	// Buffered control frames still drain after close.
	b, ok := <-s.CtrlLane()
	if !ok || string(b) != "goodbye" {
		t.Fatalf("buffered frame lost: %q ok=%v", b, ok)
	}
	if _, ok := <-s.CtrlLane(); ok {
		t.Fatal("ctrl lane not closed")
	}
	if _, ok := <-s.StateLane(); ok {
		t.Fatal("state lane not closed")
	}

	// Sends after close must not panic.
	s.SendState([]byte("late"))
	if s.SendCtrl([]byte("late")) {
		t.Fatal("send on closed session reported success")
	}
}

func TestSendLanesSafeAgainstConcurrentClose(t *testing.T) {
	// Sends racing Close from another goroutine must never hit a
	// closed channel: a late client frame cannot crash the instance.
	for i := 0; i < 300; i++ {
		s := testSession()
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.SendCtrl([]byte("c"))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.SendState([]byte("s"))
			}
		}()
		go func() {
			defer wg.Done()
			s.Close(protocol.ErrIdleTimeout)
		}()
		wg.Wait()

		if s.SendCtrl([]byte("late")) {
			t.Fatal("SendCtrl accepted a frame after Close")
		}
		s.SendState([]byte("late"))
	}
}
