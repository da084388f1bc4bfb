package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gridwright.io/internal/export"
	"gridwright.io/internal/export/encoder"
	"gridwright.io/internal/protocol"
	"gridwright.io/internal/sim/world"
)

func testServer(t *testing.T) (*httptest.Server, *world.World, world.EntityID, world.EntityID) {
	t.Helper()
	w := world.New(world.WorldConfig{ID: "W1"}, nil)
	m, _ := w.CreateMap("station")
	grid, err := w.CreateGrid(m, "Courier", world.Vec2i{}, []world.Vec2i{{X: 0, Z: 0}})
	if err != nil {
		t.Fatalf("create grid: %v", err)
	}
	_, _ = w.Spawn(world.SpawnSpec{Kind: world.KindWallMarker, Parent: grid, HasPos: true, Anchored: true, Structural: true})
	card, _ := w.Spawn(world.SpawnSpec{Kind: world.KindIDCard, Parent: m, HasPos: true})
	if err := w.IssueDeed(card, grid); err != nil {
		t.Fatalf("issue deed: %v", err)
	}

	pipelineCfg, err := export.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	pipelineCfg.StagingDir = t.TempDir()
	pipelineCfg.WorkspaceGraceMs = 0
	pipelineCfg.RootGraceMs = 0

	svc := export.NewService(w, world.NewPowerSystem(w), pipelineCfg, encoder.New(w), nil, nil, nil)
	srv, err := NewServer(w, svc, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, w, grid, card
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func handshake(t *testing.T, conn *websocket.Conn) protocol.WelcomeMsg {
	t.Helper()
	hello := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, PlayerName: "tester"}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var welcome protocol.WelcomeMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome.Type != protocol.TypeWelcome || welcome.SessionID == "" {
		t.Fatalf("bad welcome: %+v", welcome)
	}
	return welcome
}

func TestWS_ExportRoundTrip(t *testing.T) {
	ts, w, grid, card := testServer(t)
	conn := dial(t, ts)
	handshake(t, conn)

	req := protocol.ExportRequestMsg{
		Type:            protocol.TypeExportRequest,
		ProtocolVersion: protocol.Version,
		RequestID:       "req-1",
		CardRef:         card.String(),
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var gotAck, gotPayload bool
	deadline := time.Now().Add(10 * time.Second)
	for (!gotAck || !gotPayload) && time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		base, err := protocol.DecodeBase(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		switch base.Type {
		case protocol.TypeAck:
			var ack protocol.AckMsg
			if err := json.Unmarshal(raw, &ack); err != nil {
				t.Fatalf("unmarshal ack: %v", err)
			}
			if !ack.Accepted || ack.AckFor != "req-1" {
				t.Fatalf("request rejected: %+v", ack)
			}
			gotAck = true
		case protocol.TypeExportPayload:
			var pl protocol.ExportPayloadMsg
			if err := json.Unmarshal(raw, &pl); err != nil {
				t.Fatalf("unmarshal payload: %v", err)
			}
			if pl.Name != "Courier" || len(pl.Payload) == 0 || pl.RequestID != "req-1" {
				t.Fatalf("bad payload msg: name=%q bytes=%d", pl.Name, len(pl.Payload))
			}
			gotPayload = true
		}
	}
	if !gotAck || !gotPayload {
		t.Fatalf("missing messages: ack=%v payload=%v", gotAck, gotPayload)
	}

	// The original grid is gone once the pipeline finishes cleanup; the
	// card survives with its deed revoked.
	waitUntil(t, 5*time.Second, func() bool { return !w.Alive(grid) })
	if !w.Alive(card) {
		t.Fatalf("card deleted by export")
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", timeout)
	}
}

func TestWS_BadRequestRejectedBySchema(t *testing.T) {
	ts, _, _, _ := testServer(t)
	conn := dial(t, ts)
	handshake(t, conn)

	// card_ref missing the entity-ref shape.
	raw := `{"type":"EXPORT_REQUEST","protocol_version":"1.0","request_id":"req-x","card_ref":"nope"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack protocol.AckMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Accepted || ack.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("bad ack: %+v", ack)
	}
}

func TestWS_UnknownCardRejected(t *testing.T) {
	ts, _, _, _ := testServer(t)
	conn := dial(t, ts)
	handshake(t, conn)

	req := protocol.ExportRequestMsg{
		Type:            protocol.TypeExportRequest,
		ProtocolVersion: protocol.Version,
		RequestID:       "req-y",
		CardRef:         "E999.1",
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack protocol.AckMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Accepted || ack.Code != protocol.ErrEntityGone {
		t.Fatalf("bad ack: %+v", ack)
	}
}
