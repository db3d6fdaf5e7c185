package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"keyscape.gg/internal/codec"
	"keyscape.gg/internal/instance"
	"keyscape.gg/internal/protocol"
	"keyscape.gg/internal/session"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	joinTimeout      = 5 * time.Second
)

// Server terminates websocket connections and shuttles frames between
// clients and the instance controller. It never touches the world: inputs
// and acks go through the controller's queues, outbound payloads arrive
// pre-encoded on the session's two lanes.
type Server struct {
	reg  *session.Registry
	ctrl *instance.Controller
	log  zerolog.Logger

	idleTimeout time.Duration
	tickRateHz  int
	instanceID  string

	upgrader websocket.Upgrader
}

func NewServer(reg *session.Registry, ctrl *instance.Controller, instanceID string, tickRateHz int, idleTimeout time.Duration, log zerolog.Logger) *Server {
	return &Server{
		reg:         reg,
		ctrl:        ctrl,
		log:         log.With().Str("component", "ws").Logger(),
		idleTimeout: idleTimeout,
		tickRateHz:  tickRateHz,
		instanceID:  instanceID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // tokens gate admission, not origin
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		log := s.log.With().Str("session", sess.ID).Logger()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go s.writer(ctx, conn, sess, cancel)

		// Reader loop. The deadline doubles as the transport-level idle
		// check; the controller enforces the same policy at tick
		// boundaries for sessions whose connection stays technically open.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			sess.Touch(time.Now())
			s.route(sess, msg)
		}

		cancel()
		s.ctrl.NotifyLeave(sess.ID, "connection closed")
		log.Info().Msg("connection closed")
	}
}

// route dispatches one inbound frame. Malformed frames are answered where
// the protocol has an answer (INPUT gets a rejection) and dropped where it
// does not; a misbehaving frame never tears down the session by itself.
func (s *Server) route(sess *session.Session, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeInput:
		in, rej := codec.DecodeInput(msg)
		if rej != nil {
			s.nack(sess, in.Seq, rej.Code)
			return
		}
		if !s.ctrl.SubmitInput(instance.InputEnvelope{SessionID: sess.ID, Msg: in}) {
			s.nack(sess, in.Seq, protocol.ErrInternal)
		}
	case protocol.TypeAck:
		if protocol.ValidateFrame(protocol.TypeAck, msg) != nil {
			return
		}
		var ack protocol.AckMsg
		if json.Unmarshal(msg, &ack) != nil || ack.ProtocolVersion != protocol.Version {
			return
		}
		s.ctrl.SubmitAck(instance.AckEnvelope{SessionID: sess.ID, Tick: ack.Tick})
	case protocol.TypeEventAck:
		if protocol.ValidateFrame(protocol.TypeEventAck, msg) != nil {
			return
		}
		var ea protocol.EventAckMsg
		if json.Unmarshal(msg, &ea) != nil || ea.ProtocolVersion != protocol.Version {
			return
		}
		s.ctrl.SubmitEventAck(instance.EventAckEnvelope{SessionID: sess.ID, Seq: ea.Seq})
	default:
		// Clients may only send HELLO (once), INPUT, ACK, EVENT_ACK.
	}
}

func (s *Server) nack(sess *session.Session, seq uint64, code string) {
	b, err := json.Marshal(protocol.InputAckMsg{
		Type:            protocol.TypeInputAck,
		ProtocolVersion: protocol.Version,
		Seq:             seq,
		Accepted:        false,
		Code:            code,
	})
	if err == nil {
		sess.SendCtrl(b)
	}
}

// writer drains both session lanes onto the connection: control frames as
// JSON text, state payloads as binary. It exits when both lanes close
// (buffered frames, the GOODBYE included, are delivered first) or a write
// fails.
func (s *Server) writer(ctx context.Context, conn *websocket.Conn, sess *session.Session, cancel context.CancelFunc) {
	defer cancel()
	stateLane := sess.StateLane()
	ctrlLane := sess.CtrlLane()
	for stateLane != nil || ctrlLane != nil {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-stateLane:
			if !ok {
				stateLane = nil
				continue
			}
			if s.write(conn, websocket.BinaryMessage, b) != nil {
				return
			}
		case b, ok := <-ctrlLane:
			if !ok {
				ctrlLane = nil
				continue
			}
			if s.write(conn, websocket.TextMessage, b) != nil {
				return
			}
		}
	}
	code, _ := sess.Closed()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, code),
		time.Now().Add(time.Second))
}

func (s *Server) write(conn *websocket.Conn, kind int, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(kind, b)
}

// handshake runs the HELLO/WELCOME exchange: validate the frame, admit the
// token, ask the controller to spawn, answer WELCOME. Every refusal gets an
// explicit GOODBYE with a taxonomy code before the close.
func (s *Server) handshake(conn *websocket.Conn) *session.Session {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.refuse(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return nil
	}
	if err := protocol.ValidateFrame(protocol.TypeHello, msg); err != nil {
		s.refuse(conn, protocol.ErrProtoBadRequest, "malformed HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.refuse(conn, protocol.ErrProtoBadRequest, "malformed HELLO")
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		s.refuse(conn, protocol.ErrProtoVersion, "unsupported protocol_version")
		return nil
	}

	sess, err := s.reg.Admit(hello.Token, time.Now())
	if err != nil {
		s.refuse(conn, admitCode(err), "admission refused")
		return nil
	}

	resp := make(chan instance.JoinResponse, 1)
	if !s.ctrl.RequestJoin(instance.JoinRequest{Session: sess, Resp: resp}) {
		s.reg.Remove(sess.ID)
		s.refuse(conn, protocol.ErrDraining, "instance stopped")
		return nil
	}
	var joined instance.JoinResponse
	select {
	case joined = <-resp:
	case <-time.After(joinTimeout):
		s.reg.Remove(sess.ID)
		s.refuse(conn, protocol.ErrInternal, "spawn timed out")
		return nil
	}
	if joined.Err != nil {
		s.reg.Remove(sess.ID)
		s.refuse(conn, protocol.ErrInternal, "spawn failed")
		return nil
	}

	welcome, err := json.Marshal(protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.ID,
		InstanceID:      s.instanceID,
		EntityID:        uint64(joined.EntityID),
		TickRateHz:      s.tickRateHz,
		ServerTick:      joined.Tick,
	})
	if err != nil || s.write(conn, websocket.TextMessage, welcome) != nil {
		s.ctrl.NotifyLeave(sess.ID, "welcome write failed")
		return nil
	}

	s.log.Info().
		Str("session", sess.ID).
		Str("subject", sess.Subject).
		Uint64("entity", uint64(joined.EntityID)).
		Msg("session admitted")
	return sess
}

func (s *Server) refuse(conn *websocket.Conn, code, reason string) {
	b, err := json.Marshal(protocol.GoodbyeMsg{
		Type:            protocol.TypeGoodbye,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Reason:          reason,
	})
	if err == nil {
		_ = s.write(conn, websocket.TextMessage, b)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code),
		time.Now().Add(time.Second))
}

// admitCode maps registry admission errors onto wire codes. Anything the
// token verifier refused collapses to a single code on purpose: the reason
// a credential failed is not told to the holder.
func admitCode(err error) string {
	switch {
	case errors.Is(err, session.ErrDraining):
		return protocol.ErrDraining
	case errors.Is(err, session.ErrInstanceFull):
		return protocol.ErrInstanceFull
	case errors.Is(err, session.ErrDuplicateToken):
		return protocol.ErrDuplicateToken
	default:
		return protocol.ErrTokenRejected
	}
}
