package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jrenc2002/AIGame-sub000/models"
)

type wireMessage struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type wireEvent struct {
	Event struct {
		Type    EventType       `json:"type"`
		To      string          `json:"to"`
		Phase   models.Phase    `json:"phase"`
		Payload json.RawMessage `json:"payload"`
	} `json:"event"`
	Seat  string           `json:"seat"`
	State models.GameState `json:"state"`
}

func dialRoom(t *testing.T, wm *WebSocketManager, roomID, playerID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		wm.RegisterConnection(roomID, playerID, conn)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads game events until stop returns true.
func readUntil(t *testing.T, conn *websocket.Conn, stop func(wireEvent) bool) []wireEvent {
	t.Helper()
	var seen []wireEvent
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type != "game_event" {
			continue
		}
		var e wireEvent
		if err := json.Unmarshal(msg.Content, &e); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		seen = append(seen, e)
		if stop(e) {
			return seen
		}
	}
}

func TestWebSocketRoutesPrivateEventsAndActions(t *testing.T) {
	rm := newRooms(t)
	wm := NewWebSocketManager(rm)

	room, err := rm.CreateRoom("ws", models.ClassicMode, 6)
	mustOK(t, err)
	alice, err := rm.JoinRoom(room.ID, models.Player{Name: "alice"})
	mustOK(t, err)
	conn := dialRoom(t, wm, room.ID, alice.ID)

	var hello wireMessage
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "room_update" {
		t.Fatalf("expected room_update on connect, got %q (%v)", hello.Type, err)
	}

	start := map[string]any{"type": "game_action", "content": map[string]string{"type": "start_game"}}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatal(err)
	}

	seen := readUntil(t, conn, func(e wireEvent) bool {
		return e.Event.Type == EventPhaseChange && e.Event.Phase == models.PhasePreparation
	})
	roles := 0
	for _, e := range seen {
		if e.Event.Type != EventRoleAssigned {
			continue
		}
		roles++
		if e.Event.To != "1" || e.Seat != "1" {
			t.Fatalf("role reveal for seat %q leaked to seat 1", e.Event.To)
		}
		own := e.State.FindPlayer("1")
		if own == nil || own.Role == "" {
			t.Fatal("a player must see their own role")
		}
		for _, p := range e.State.Players {
			if p.ID != "1" && p.Role != "" && !own.Role.IsWolf() {
				t.Fatalf("seat %s role leaked to a non-wolf", p.ID)
			}
		}
	}
	if roles != 1 {
		t.Fatalf("expected exactly one private role reveal, got %d", roles)
	}

	advance := map[string]any{"type": "game_action", "content": map[string]string{"type": "advance"}}
	if err := conn.WriteJSON(advance); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, func(e wireEvent) bool {
		return e.Event.Type == EventPhaseChange && e.Event.Phase == models.PhaseNight
	})
}
