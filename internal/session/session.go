package session

import (
	"sync"
	"time"

	"keyscape.gg/internal/protocol"
	"keyscape.gg/internal/sim/world"
)

// Session is one connected client's synchronization state. The registry
// owns it; the transport holds a non-owning handle to route bytes into and
// out of its queues. Each session carries its own lock so one slow client
// never blocks another.
type Session struct {
	ID      string
	Subject string
	TokenID string

	mu sync.Mutex

	entityID world.EntityID
	bound    bool

	// Delta baseline bookkeeping: the interest set sent at each tick is
	// retained until the client acknowledges one; acknowledging tick T
	// discards everything before T.
	haveAck   bool
	ackTick   uint64
	ackKnown  []world.EntityID
	sentViews map[uint64][]world.EntityID

	// Input dedup/reconciliation.
	lastInputSeq uint64

	// Reliable backlog: retried until EVENT_ACK, bounded by count and age.
	backlog   []pendingReliable
	nextSeq   uint64
	lastRecv  time.Time
	closed    bool
	closeCode string

	// state is the unreliable lane: loss is fine, the next tick supersedes.
	// ctrl is the reliable lane feeding the writer pump.
	state chan []byte
	ctrl  chan []byte
}

type pendingReliable struct {
	seq      uint64
	payload  []byte
	enqueued time.Time
	nextTry  time.Time
}

func newSession(id, subject, tokenID string, now time.Time) *Session {
	return &Session{
		ID:        id,
		Subject:   subject,
		TokenID:   tokenID,
		sentViews: map[uint64][]world.EntityID{},
		lastRecv:  now,
		state:     make(chan []byte, 4),
		ctrl:      make(chan []byte, 64),
	}
}

// StateLane and CtrlLane expose the outbound queues to the transport
// writer pump.
func (s *Session) StateLane() <-chan []byte { return s.state }
func (s *Session) CtrlLane() <-chan []byte  { return s.ctrl }

func (s *Session) BindEntity(id world.EntityID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entityID = id
	s.bound = true
}

func (s *Session) Entity() (world.EntityID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entityID, s.bound
}

// Touch records inbound traffic for idle-timeout accounting.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastRecv = now
	s.mu.Unlock()
}

func (s *Session) Idle(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastRecv)
}

// AcceptInput applies the duplicate and tick-window checks for one command.
// Accepted commands advance the dedup watermark immediately; a second copy
// of the same sequence number can never double-apply.
func (s *Session) AcceptInput(in protocol.InputMsg, serverTick, pastWindow, futureWindow uint64) (code string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.Seq <= s.lastInputSeq {
		return protocol.ErrDuplicateInput, false
	}
	if in.Tick+pastWindow < serverTick {
		return protocol.ErrStaleInput, false
	}
	if in.Tick > serverTick+futureWindow {
		return protocol.ErrFutureInput, false
	}
	s.lastInputSeq = in.Seq
	return "", true
}

func (s *Session) LastInputSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInputSeq
}

// RememberSent records the interest set shipped at a tick, bounded by the
// retention window.
func (s *Session) RememberSent(tick uint64, interest []world.EntityID, retention uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentViews[tick] = interest
	if retention > 0 && tick > retention {
		cutoff := tick - retention
		for t := range s.sentViews {
			if t < cutoff {
				delete(s.sentViews, t)
			}
		}
	}
}

// RecordAck advances the delta baseline. Acks for ticks we no longer (or
// never) retain are ignored; acks may arrive out of order and only move
// forward.
func (s *Session) RecordAck(tick uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveAck && tick <= s.ackTick {
		return false
	}
	known, ok := s.sentViews[tick]
	if !ok {
		return false
	}
	s.haveAck = true
	s.ackTick = tick
	s.ackKnown = known
	for t := range s.sentViews {
		if t < tick {
			delete(s.sentViews, t)
		}
	}
	return true
}

// Baseline reports the acknowledged baseline for delta encoding.
func (s *Session) Baseline() (tick uint64, known []world.EntityID, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackTick, s.ackKnown, s.haveAck
}

// EnqueueReliable queues a payload for at-least-once delivery. The first
// send happens on the next drain; the message stays in the backlog until
// AckReliable removes it.
func (s *Session) EnqueueReliable(payload []byte, now time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	s.backlog = append(s.backlog, pendingReliable{
		seq:      s.nextSeq,
		payload:  payload,
		enqueued: now,
		nextTry:  now,
	})
	return s.nextSeq
}

// ReliableSeq hands out the next event sequence number without queueing,
// for callers that must embed the seq inside the payload before enqueue.
func (s *Session) PeekReliableSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq + 1
}

// DueReliable returns payloads whose retry timer elapsed and re-arms them.
func (s *Session) DueReliable(now time.Time, retryInterval time.Duration) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due [][]byte
	for i := range s.backlog {
		if !s.backlog[i].nextTry.After(now) {
			due = append(due, s.backlog[i].payload)
			s.backlog[i].nextTry = now.Add(retryInterval)
		}
	}
	return due
}

func (s *Session) AckReliable(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.backlog[:0]
	for _, p := range s.backlog {
		if p.seq != seq {
			kept = append(kept, p)
		}
	}
	s.backlog = kept
}

// BacklogExceeded reports whether the reliable backlog breached its bounds;
// the session must then be disconnected as unresponsive, never allowed to
// grow without limit.
func (s *Session) BacklogExceeded(now time.Time, maxCount int, maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backlog) > maxCount {
		return true
	}
	for _, p := range s.backlog {
		if now.Sub(p.enqueued) > maxAge {
			return true
		}
	}
	return false
}

func (s *Session) BacklogLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

// SendState pushes a state payload on the unreliable lane. When the lane is
// full the oldest payload is dropped: it is superseded by this one anyway.
func (s *Session) SendState(b []byte) {
	// The send stays under the lock so it cannot race Close closing
	// the lane. Both selects are non-blocking, so the hold is short.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.state <- b:
		return
	default:
	}
	select {
	case <-s.state:
	default:
	}
	select {
	case s.state <- b:
	default:
	}
}

// SendCtrl pushes onto the reliable lane. Returns false when the lane is
// saturated; callers treat that as backlog pressure, not an error.
func (s *Session) SendCtrl(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ctrl <- b:
		return true
	default:
		return false
	}
}

// Close marks the session dead with a reason code and closes its lanes.
// Idempotent; safe from any goroutine.
func (s *Session) Close(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	close(s.state)
	close(s.ctrl)
}

func (s *Session) Closed() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closed
}
