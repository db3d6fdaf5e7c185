package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"keyscape.gg/internal/codec"
	"keyscape.gg/internal/persistence/journal"
	"keyscape.gg/internal/protocol"
	"keyscape.gg/internal/session"
	"keyscape.gg/internal/sim/world"
)

// Run drives the fixed-timestep loop until the instance stops, fails,
// or ctx is cancelled (treated as a drain request). It is the only
// goroutine that touches the world.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	interval := time.Second / time.Duration(c.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.state.Store(int32(StateReady))
	c.log.Info().
		Int("tick_rate_hz", c.cfg.TickRateHz).
		Uint64("start_tick", c.world.CurrentTick()).
		Msg("instance ready")

	var (
		pendingJoins  []JoinRequest
		pendingInputs []InputEnvelope
		pendingLeaves []LeaveRequest
		drainDeadline time.Time
	)
	ctxDone := ctx.Done()

	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			if c.State() == StateReady {
				drainDeadline = c.beginDrain("shutdown")
			}
		case reason := <-c.drainReq:
			if c.State() == StateReady {
				drainDeadline = c.beginDrain(reason)
			}
		case req := <-c.joins:
			pendingJoins = append(pendingJoins, req)
		case env := <-c.inbox:
			pendingInputs = append(pendingInputs, env)
		case req := <-c.leaves:
			pendingLeaves = append(pendingLeaves, req)
		case env := <-c.acks:
			if s, ok := c.reg.Get(env.SessionID); ok {
				s.RecordAck(env.Tick)
			}
		case env := <-c.eventAcks:
			if s, ok := c.reg.Get(env.SessionID); ok {
				s.AckReliable(env.Seq)
			}
		case <-ticker.C:
			if err := c.runTick(pendingJoins, pendingLeaves, pendingInputs); err != nil {
				c.fail(err.Error())
				c.closeAll(protocol.ErrInternal, "simulation fault")
				return err
			}
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingInputs = pendingInputs[:0]

			if c.State() == StateDraining && c.drainComplete(drainDeadline) {
				c.closeAll(protocol.ErrDraining, "instance stopped")
				c.state.Store(int32(StateStopped))
				c.log.Info().Uint64("tick", c.world.CurrentTick()).Msg("instance stopped")
				return nil
			}
		}
	}
}

// beginDrain flips the registry closed to new admissions and queues a
// reliable DRAINING event for every connected session.
func (c *Controller) beginDrain(reason string) time.Time {
	c.state.Store(int32(StateDraining))
	c.reg.SetDraining()
	c.log.Info().Str("reason", reason).Dur("grace", c.cfg.DrainGrace).Msg("draining")
	tick := c.world.CurrentTick()
	for _, s := range c.reg.All() {
		c.enqueueEvent(s, protocol.EventDraining, 0, "", reason, tick)
	}
	return time.Now().Add(c.cfg.DrainGrace)
}

func (c *Controller) drainComplete(deadline time.Time) bool {
	if time.Now().After(deadline) {
		return true
	}
	for _, s := range c.reg.All() {
		if s.BacklogLen() > 0 {
			return false
		}
	}
	return true
}

// closeAll sends a GOODBYE on each session's control lane and closes it.
func (c *Controller) closeAll(code, reason string) {
	for _, s := range c.reg.All() {
		c.sayGoodbye(s, code, reason)
		c.reg.Remove(s.ID)
	}
	c.sessionGauge.Store(0)
}

func (c *Controller) sayGoodbye(s *session.Session, code, reason string) {
	b, err := json.Marshal(protocol.GoodbyeMsg{
		Type:            protocol.TypeGoodbye,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Reason:          reason,
	})
	if err == nil {
		s.SendCtrl(b)
	}
	s.Close(code)
}

// runTick advances the world exactly once and fans the results out.
// Order matters: admissions and departures enter the step, the step
// runs, and only then do snapshots, events, and bookkeeping go out.
func (c *Controller) runTick(joins []JoinRequest, leaves []LeaveRequest, inputs []InputEnvelope) error {
	start := time.Now()
	next := c.world.CurrentTick() + 1

	var worldJoins []world.Join
	joinByID := make(map[string]JoinRequest, len(joins))
	for _, req := range joins {
		if _, ok := c.reg.Get(req.Session.ID); !ok {
			req.Resp <- JoinResponse{Err: fmt.Errorf("session gone before spawn")}
			continue
		}
		joinByID[req.Session.ID] = req
		worldJoins = append(worldJoins, world.Join{
			SessionID: req.Session.ID,
			Subject:   req.Session.Subject,
			Pos:       c.world.SpawnPoint(),
		})
	}

	var worldLeaves []world.Leave
	leftReason := make(map[world.EntityID]string)
	for _, req := range leaves {
		s, ok := c.reg.Get(req.SessionID)
		if !ok {
			continue
		}
		if id, bound := s.Entity(); bound {
			worldLeaves = append(worldLeaves, world.Leave{EntityID: id})
			leftReason[id] = req.Reason
		}
		// The connection is already gone; no GOODBYE can reach it.
		s.Close("")
		c.reg.Remove(req.SessionID)
	}

	// Session-level validation happens here so rejected frames never
	// reach the step and can be NACKed with a seq the client sent.
	var cmds []world.InputCommand
	sessionByEntity := make(map[world.EntityID]*session.Session)
	for _, env := range inputs {
		s, ok := c.reg.Get(env.SessionID)
		if !ok {
			continue
		}
		id, bound := s.Entity()
		if !bound {
			continue
		}
		sessionByEntity[id] = s
		if code, ok := s.AcceptInput(env.Msg, next, c.cfg.InputPastTicks, c.cfg.InputFutureTicks); !ok {
			c.nackInput(s, env.Msg.Seq, code, next)
			c.rejectedTotal.Add(1)
			c.countReject(next, code)
			continue
		}
		cmds = append(cmds, world.InputCommand{EntityID: id, Seq: env.Msg.Seq, Move: env.Msg.Move})
	}

	res, err := c.world.Step(worldJoins, worldLeaves, cmds)
	if err != nil {
		return err
	}

	for _, rej := range res.Rejected {
		if s, ok := sessionByEntity[rej.EntityID]; ok {
			c.nackInput(s, rej.Seq, rej.Code, res.Tick)
		}
		c.rejectedTotal.Add(1)
		c.countReject(res.Tick, rej.Code)
	}

	for sid, entityID := range res.Joined {
		req := joinByID[sid]
		req.Session.BindEntity(entityID)
		req.Resp <- JoinResponse{EntityID: entityID, Tick: res.Tick}
		for _, other := range c.reg.All() {
			if other.ID != sid {
				c.enqueueEvent(other, protocol.EventPlayerJoined, uint64(entityID), sid, "", res.Tick)
			}
		}
		c.log.Info().Str("session", sid).Uint64("entity", uint64(entityID)).Uint64("tick", res.Tick).Msg("player joined")
	}
	for _, entityID := range res.Removed {
		reason, wasPlayer := leftReason[entityID]
		if !wasPlayer {
			continue
		}
		for _, other := range c.reg.All() {
			c.enqueueEvent(other, protocol.EventPlayerLeft, uint64(entityID), "", reason, res.Tick)
		}
	}

	c.broadcast(res.Tick)
	c.enforce(res.Tick)

	if c.journal != nil {
		if err := c.journal.Write(journalEntry(res, worldJoins, worldLeaves, cmds, c.world.Digest())); err != nil {
			c.log.Error().Err(err).Uint64("tick", res.Tick).Msg("journal append failed")
		}
	}
	if c.snapSink != nil && c.cfg.SnapshotEveryTicks > 0 && res.Tick%c.cfg.SnapshotEveryTicks == 0 {
		select {
		case c.snapSink <- c.world.ExportSnapshot():
		default:
			c.log.Warn().Uint64("tick", res.Tick).Msg("snapshot sink saturated, skipping")
		}
	}

	elapsed := time.Since(start)
	budget := time.Second / time.Duration(c.cfg.TickRateHz)
	if elapsed > budget {
		c.slowTicks.Add(1)
		c.log.Warn().
			Uint64("tick", res.Tick).
			Dur("step", elapsed).
			Dur("budget", budget).
			Msg("slow tick")
		if c.index != nil {
			c.index.RecordSlowTick(res.Tick,
				float64(elapsed)/float64(time.Millisecond),
				float64(budget)/float64(time.Millisecond))
		}
	}

	c.tickGauge.Store(res.Tick)
	c.sessionGauge.Store(int64(c.reg.Len()))
	c.entityGauge.Store(int64(len(c.world.Entities())))
	c.stepNanos.Store(int64(elapsed))
	return nil
}

// broadcast encodes one state payload per bound session against that
// session's acked baseline and pushes it on the unreliable lane.
func (c *Controller) broadcast(tick uint64) {
	for _, s := range c.reg.All() {
		entityID, bound := s.Entity()
		if !bound {
			continue
		}
		interest := c.world.InterestSet(entityID)
		baseTick, baseKnown, haveBase := s.Baseline()
		view := codec.View{
			Tick:          tick,
			HaveBaseline:  haveBase,
			BaselineTick:  baseTick,
			BaselineKnown: baseKnown,
			Interest:      interest,
			OwnEntity:     entityID,
			LastInputSeq:  s.LastInputSeq(),
		}
		payload, _, err := c.codec.EncodeState(c.world, view)
		if err != nil {
			c.log.Error().Err(err).Str("session", s.ID).Msg("state encode failed")
			continue
		}
		s.SendState(payload)
		s.RememberSent(tick, interest, c.cfg.BaselineRetentionTicks)
	}
}

// enforce applies the per-session health policies that can only be
// judged at tick boundaries: reliable retries, backlog bounds, idle.
func (c *Controller) enforce(tick uint64) {
	now := time.Now()
	for _, s := range c.reg.All() {
		if _, closed := s.Closed(); closed {
			// Already kicked; the queued despawn removes it from the
			// registry on the next tick. Re-kicking would spam
			// duplicate KICKED events to everyone else.
			continue
		}
		for _, payload := range s.DueReliable(now, c.cfg.ReliableRetryInterval) {
			s.SendCtrl(payload)
		}
		if s.BacklogExceeded(now, c.cfg.ReliableBacklogMax, c.cfg.ReliableBacklogMaxAge) {
			c.log.Warn().Str("session", s.ID).Int("backlog", s.BacklogLen()).Msg("reliable backlog exceeded")
			c.kick(s, protocol.ErrBacklogOverflow, "reliable backlog exceeded", tick)
			continue
		}
		if s.Idle(now) > c.cfg.SessionIdleTimeout {
			c.kick(s, protocol.ErrIdleTimeout, "idle timeout", tick)
		}
	}
}

// kick schedules the entity despawn for the next tick and closes the
// connection now.
func (c *Controller) kick(s *session.Session, code, reason string, tick uint64) {
	id, bound := s.Entity()
	if bound {
		for _, other := range c.reg.All() {
			if other.ID != s.ID {
				c.enqueueEvent(other, protocol.EventKicked, uint64(id), s.ID, reason, tick)
			}
		}
		select {
		case c.leaves <- LeaveRequest{SessionID: s.ID, Reason: reason}:
		default:
		}
	}
	c.sayGoodbye(s, code, reason)
	if !bound {
		// No entity means no despawn, so no leave request will ever
		// sweep this session out of the registry.
		c.reg.Remove(s.ID)
	}
}

func (c *Controller) nackInput(s *session.Session, seq uint64, code string, tick uint64) {
	b, err := json.Marshal(protocol.InputAckMsg{
		Type:            protocol.TypeInputAck,
		ProtocolVersion: protocol.Version,
		Seq:             seq,
		Accepted:        false,
		Code:            code,
		ServerTick:      tick,
	})
	if err != nil {
		return
	}
	s.SendCtrl(b)
}

func (c *Controller) enqueueEvent(s *session.Session, kind string, entityID uint64, sessionID, reason string, tick uint64) {
	seq := s.PeekReliableSeq()
	b, err := json.Marshal(protocol.EventMsg{
		Type:            protocol.TypeEvent,
		ProtocolVersion: protocol.Version,
		Seq:             seq,
		Kind:            kind,
		EntityID:        entityID,
		SessionID:       sessionID,
		Reason:          reason,
		Tick:            tick,
	})
	if err != nil {
		return
	}
	s.EnqueueReliable(b, time.Now())
}

func (c *Controller) countReject(tick uint64, code string) {
	if c.index != nil {
		c.index.RecordRejects(tick, code, 1)
	}
}

func journalEntry(res world.StepResult, joins []world.Join, leaves []world.Leave, cmds []world.InputCommand, digest string) journal.Entry {
	e := journal.Entry{Tick: res.Tick, Digest: digest}
	for _, j := range joins {
		e.Joins = append(e.Joins, journal.JoinRecord{SessionID: j.SessionID, Subject: j.Subject, Pos: [2]float64{j.Pos.X, j.Pos.Y}})
	}
	for _, l := range leaves {
		e.Leaves = append(e.Leaves, uint64(l.EntityID))
	}
	for _, cmd := range cmds {
		e.Inputs = append(e.Inputs, journal.InputRecord{EntityID: uint64(cmd.EntityID), Seq: cmd.Seq, Move: cmd.Move})
	}
	return e
}
