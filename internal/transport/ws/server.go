package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"gridwright.io/internal/export"
	"gridwright.io/internal/protocol"
	"gridwright.io/internal/sim/world"
)

// Server upgrades console connections, performs the HELLO/WELCOME
// handshake, and routes EXPORT_REQUEST messages into the export service.
type Server struct {
	world *world.World
	svc   *export.Service
	log   *log.Logger

	upgrader  websocket.Upgrader
	reqSchema *jsonschema.Schema
}

func NewServer(w *world.World, svc *export.Service, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	reqSchema, err := protocol.CompileSchema("export_request.schema.json")
	if err != nil {
		return nil, err
	}
	return &Server{
		world: w,
		svc:   svc,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		reqSchema: reqSchema,
	}, nil
}

// session is one connected console. Its buffered out channel is the
// request/response channel export pipelines deliver payloads on.
type session struct {
	id     string
	player string
	out    chan []byte
}

// DeliverPayload implements export.Recipient. A saturated or closed
// session drops the payload; the pipeline treats that as delivery failure.
func (s *session) DeliverPayload(msg protocol.ExportPayloadMsg) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case s.out <- b:
		return true
	case <-time.After(5 * time.Second):
		return false
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

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-sess.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeExportRequest {
				continue
			}
			s.handleExportRequest(sess, msg)
		}
	}
}

func (s *Server) handleExportRequest(sess *session, raw []byte) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		s.ack(sess, "", false, protocol.ErrProtoBadRequest, "malformed JSON")
		return
	}
	if err := s.reqSchema.Validate(v); err != nil {
		s.ack(sess, "", false, protocol.ErrProtoBadRequest, "schema: "+err.Error())
		return
	}
	var req protocol.ExportRequestMsg
	if err := json.Unmarshal(raw, &req); err != nil {
		s.ack(sess, "", false, protocol.ErrProtoBadRequest, "malformed request")
		return
	}
	if req.ProtocolVersion != protocol.Version {
		s.ack(sess, req.RequestID, false, protocol.ErrProtoBadRequest, "bad protocol_version")
		return
	}
	card, err := world.ParseEntityRef(req.CardRef)
	if err != nil {
		s.ack(sess, req.RequestID, false, protocol.ErrProtoBadRequest, "bad card_ref")
		return
	}

	err = s.svc.HandleExportRequest(export.Request{
		ID:        req.RequestID,
		Requester: sess.player,
		Card:      card,
	}, sess)
	if err != nil {
		s.ack(sess, req.RequestID, false, export.CodeOf(err), err.Error())
		return
	}
	s.ack(sess, req.RequestID, true, "", "")
}

func (s *Server) ack(sess *session, ackFor string, accepted bool, code, msg string) {
	b, err := json.Marshal(protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          ackFor,
		Accepted:        accepted,
		Code:            code,
		Message:         msg,
		ServerTick:      s.world.Tick(),
	})
	if err != nil {
		return
	}
	select {
	case sess.out <- b:
	default:
		s.log.Printf("session %s: ack dropped (queue full)", sess.id)
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}
	player := strings.TrimSpace(hello.PlayerName)
	if player == "" {
		player = "player"
	}

	sess := &session{
		id:     uuid.NewString(),
		player: player,
		out:    make(chan []byte, 16),
	}

	welcome, err := json.Marshal(protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		WorldID:         s.world.ID(),
		ServerTick:      s.world.Tick(),
	})
	if err != nil {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, welcome); err != nil {
		return nil
	}
	return sess
}
