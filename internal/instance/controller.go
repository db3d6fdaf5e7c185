package instance

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"keyscape.gg/internal/codec"
	"keyscape.gg/internal/persistence/indexdb"
	"keyscape.gg/internal/persistence/journal"
	"keyscape.gg/internal/persistence/snapshot"
	"keyscape.gg/internal/protocol"
	"keyscape.gg/internal/session"
	"keyscape.gg/internal/sim/tuning"
	"keyscape.gg/internal/sim/world"
)

// InputEnvelope carries a decoded input frame from a transport reader
// into the simulation goroutine.
type InputEnvelope struct {
	SessionID string
	Msg       protocol.InputMsg
}

// JoinRequest asks the simulation goroutine to spawn an entity for an
// admitted session. Resp receives exactly one response.
type JoinRequest struct {
	Session *session.Session
	Resp    chan JoinResponse
}

type JoinResponse struct {
	EntityID world.EntityID
	Tick     uint64
	Err      error
}

// LeaveRequest removes a session's entity from the world. Reason is
// recorded in the PLAYER_LEFT event broadcast to remaining sessions.
type LeaveRequest struct {
	SessionID string
	Reason    string
}

type AckEnvelope struct {
	SessionID string
	Tick      uint64
}

type EventAckEnvelope struct {
	SessionID string
	Seq       uint64
}

// Metrics is a point-in-time copy of the counters the simulation
// goroutine maintains. Safe to read from any goroutine.
type Metrics struct {
	Tick          uint64
	Sessions      int
	Entities      int
	LastStepMS    float64
	SlowTicks     uint64
	RejectedTotal uint64
	InboxDepth    int
}

// Controller owns the world and runs the fixed-timestep loop. All
// world mutation happens on the goroutine running Run; transports talk
// to it exclusively through the Submit/Request methods, which enqueue
// onto buffered channels.
type Controller struct {
	cfg   tuning.Tuning
	world *world.World
	reg   *session.Registry
	codec *codec.Codec
	log   zerolog.Logger

	inbox     chan InputEnvelope
	joins     chan JoinRequest
	leaves    chan LeaveRequest
	acks      chan AckEnvelope
	eventAcks chan EventAckEnvelope
	drainReq  chan string

	journal  *journal.Writer
	snapSink chan<- snapshot.SnapshotV1
	index    *indexdb.SQLiteIndex

	state      atomic.Int32
	failReason atomic.Value

	tickGauge     atomic.Uint64
	sessionGauge  atomic.Int64
	entityGauge   atomic.Int64
	stepNanos     atomic.Int64
	slowTicks     atomic.Uint64
	rejectedTotal atomic.Uint64

	done chan struct{}
}

// Options carries the optional persistence hooks. Any field may be nil;
// the loop skips the corresponding concern.
type Options struct {
	Journal      *journal.Writer
	SnapshotSink chan<- snapshot.SnapshotV1
	Index        *indexdb.SQLiteIndex
}

func NewController(cfg tuning.Tuning, w *world.World, reg *session.Registry, log zerolog.Logger, opts Options) (*Controller, error) {
	cdc, err := codec.New()
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:       cfg,
		world:     w,
		reg:       reg,
		codec:     cdc,
		log:       log.With().Str("component", "instance").Logger(),
		inbox:     make(chan InputEnvelope, 4096),
		joins:     make(chan JoinRequest, 64),
		leaves:    make(chan LeaveRequest, 256),
		acks:      make(chan AckEnvelope, 4096),
		eventAcks: make(chan EventAckEnvelope, 1024),
		drainReq:  make(chan string, 1),
		journal:   opts.Journal,
		snapSink:  opts.SnapshotSink,
		index:     opts.Index,
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateStarting))
	c.failReason.Store("")
	return c, nil
}

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) FailReason() string { return c.failReason.Load().(string) }

// Draining reports whether new admissions should be refused. The
// registry mirrors this flag, but transports may check either.
func (c *Controller) Draining() bool { return c.State() >= StateDraining }

// Done is closed when the loop has exited, in any terminal state.
func (c *Controller) Done() <-chan struct{} { return c.done }

// SubmitInput enqueues a validated input frame. Returns false when the
// inbox is saturated; the frame is dropped and the caller may NACK.
func (c *Controller) SubmitInput(env InputEnvelope) bool {
	select {
	case c.inbox <- env:
		return true
	default:
		return false
	}
}

// RequestJoin hands an admitted session to the loop for spawning. The
// response arrives on req.Resp after the next tick boundary.
func (c *Controller) RequestJoin(req JoinRequest) bool {
	select {
	case c.joins <- req:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) NotifyLeave(sessionID, reason string) {
	select {
	case c.leaves <- LeaveRequest{SessionID: sessionID, Reason: reason}:
	case <-c.done:
	}
}

func (c *Controller) SubmitAck(env AckEnvelope) {
	select {
	case c.acks <- env:
	default:
	}
}

func (c *Controller) SubmitEventAck(env EventAckEnvelope) {
	select {
	case c.eventAcks <- env:
	default:
	}
}

// Drain moves the instance to DRAINING: admissions stop, connected
// sessions receive a reliable DRAINING event, and the loop keeps
// ticking until reliable backlogs flush or the grace window elapses.
func (c *Controller) Drain(reason string) {
	select {
	case c.drainReq <- reason:
	default:
	}
}

func (c *Controller) Snapshot() Metrics {
	return Metrics{
		Tick:          c.tickGauge.Load(),
		Sessions:      int(c.sessionGauge.Load()),
		Entities:      int(c.entityGauge.Load()),
		LastStepMS:    float64(c.stepNanos.Load()) / float64(time.Millisecond),
		SlowTicks:     c.slowTicks.Load(),
		RejectedTotal: c.rejectedTotal.Load(),
		InboxDepth:    len(c.inbox),
	}
}

func (c *Controller) fail(reason string) {
	c.failReason.Store(reason)
	c.state.Store(int32(StateFailed))
	c.log.Error().Str("reason", reason).Msg("instance failed")
}
