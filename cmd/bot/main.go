// bot is a synthetic client for load and soak testing: it mints its own
// connection token from the shared dev key, joins an instance, wanders, and
// keeps the ack discipline a real client would.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"keyscape.gg/internal/codec"
	"keyscape.gg/internal/protocol"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:9400/v1/ws", "ws url")
		instanceID = flag.String("instance", "instance_1", "instance id the token is bound to")
		subject    = flag.String("subject", "bot", "player subject claim")
		keyHex     = flag.String("key", os.Getenv("KC_TOKEN_KEY"), "hex token signing key (default: KC_TOKEN_KEY)")
		moveEvery  = flag.Int("move_every", 5, "send an input every N state payloads")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	token, err := mintToken(*keyHex, *subject, *instanceID)
	if err != nil {
		logger.Fatalf("mint token: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Token:           token,
		ClientName:      *subject,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	dec, err := codec.New()
	if err != nil {
		logger.Fatalf("codec: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var (
		seq    uint64
		states int
	)

	for {
		select {
		case <-stop:
			return
		default:
		}

		kind, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("read: %v", err)
			return
		}

		if kind == websocket.BinaryMessage {
			p, err := dec.DecodeState(msg)
			if err != nil {
				logger.Printf("decode state: %v", err)
				continue
			}
			_ = conn.WriteJSON(protocol.AckMsg{
				Type:            protocol.TypeAck,
				ProtocolVersion: protocol.Version,
				Tick:            p.Tick,
			})
			states++
			if states%*moveEvery == 0 {
				seq++
				angle := rng.Float64() * 2 * math.Pi
				_ = conn.WriteJSON(protocol.InputMsg{
					Type:            protocol.TypeInput,
					ProtocolVersion: protocol.Version,
					Tick:            p.Tick,
					Seq:             seq,
					Move:            [2]float64{math.Cos(angle), math.Sin(angle)},
				})
			}
			continue
		}

		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME session=%s entity=%d tick_rate=%d server_tick=%d",
				w.SessionID, w.EntityID, w.TickRateHz, w.ServerTick)
		case protocol.TypeEvent:
			var ev protocol.EventMsg
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			logger.Printf("EVENT %s entity=%d reason=%q tick=%d", ev.Kind, ev.EntityID, ev.Reason, ev.Tick)
			_ = conn.WriteJSON(protocol.EventAckMsg{
				Type:            protocol.TypeEventAck,
				ProtocolVersion: protocol.Version,
				Seq:             ev.Seq,
			})
		case protocol.TypeInputAck:
			var na protocol.InputAckMsg
			if err := json.Unmarshal(msg, &na); err != nil {
				continue
			}
			if !na.Accepted {
				logger.Printf("INPUT_ACK rejected seq=%d code=%s", na.Seq, na.Code)
			}
		case protocol.TypeGoodbye:
			var g protocol.GoodbyeMsg
			if err := json.Unmarshal(msg, &g); err != nil {
				continue
			}
			logger.Printf("GOODBYE code=%s reason=%q", g.Code, g.Reason)
			return
		}
	}
}

func mintToken(keyHex, subject, instanceID string) (string, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return "", err
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"jti": uuid.NewString(),
		"iid": instanceID,
		"exp": time.Now().Add(time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
