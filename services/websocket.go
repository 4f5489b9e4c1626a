package services

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jrenc2002/AIGame-sub000/models"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 15 * time.Second
	pongWait     = 3 * pingInterval
	sendBuffer   = 64
	readLimit    = 512 * 1024
)

// Message WebSocket消息结构
type Message struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// outbound is what the server writes to a client.
type outbound struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id,omitempty"`
	Content any    `json:"content,omitempty"`
}

// GameEventMessage carries one session event and the state as the receiving
// player may see it.
type GameEventMessage struct {
	Event Event            `json:"event"`
	Seat  string           `json:"seat,omitempty"`
	State models.GameState `json:"state"`
}

type client struct {
	playerID string
	roomID   string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// WebSocketManager keeps one connection per room player and forwards every
// session event to it, redacted for that player's seat.
type WebSocketManager struct {
	clients     map[string]*client // playerID -> client
	rooms       map[string]map[string]bool
	mutex       sync.RWMutex
	roomManager *RoomManager
}

// NewWebSocketManager 创建WebSocket管理器实例
func NewWebSocketManager(rm *RoomManager) *WebSocketManager {
	wm := &WebSocketManager{
		clients:     make(map[string]*client),
		rooms:       make(map[string]map[string]bool),
		roomManager: rm,
	}
	rm.OnStart(wm.attach)
	return wm
}

// RegisterConnection takes ownership of conn for playerID in roomID. An older
// connection of the same player is closed.
func (wm *WebSocketManager) RegisterConnection(roomID, playerID string, conn *websocket.Conn) {
	c := &client{
		playerID: playerID,
		roomID:   roomID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}

	wm.mutex.Lock()
	if old, ok := wm.clients[playerID]; ok {
		old.close()
	}
	wm.clients[playerID] = c
	if wm.rooms[roomID] == nil {
		wm.rooms[roomID] = make(map[string]bool)
	}
	wm.rooms[roomID][playerID] = true
	wm.mutex.Unlock()

	go wm.writePump(c)
	go wm.readPump(c)

	if room, err := wm.roomManager.GetRoom(roomID); err == nil {
		wm.BroadcastToRoom(roomID, "room_update", map[string]any{"players": room.Players})
		if gc, err := wm.roomManager.GameForRoom(roomID); err == nil {
			// 重连时补发当前状态
			wm.sendState(c, gc)
		}
	}
	log.Printf("[ws] 玩家 %s 连接房间 %s", playerID, roomID)
}

func (wm *WebSocketManager) remove(c *client) {
	c.close()
	wm.mutex.Lock()
	defer wm.mutex.Unlock()
	if wm.clients[c.playerID] != c {
		return
	}
	delete(wm.clients, c.playerID)
	if members := wm.rooms[c.roomID]; members != nil {
		delete(members, c.playerID)
		if len(members) == 0 {
			delete(wm.rooms, c.roomID)
		}
	}
	log.Printf("[ws] 玩家 %s 断开连接", c.playerID)
}

func encode(typ, roomID string, content any) ([]byte, error) {
	return json.Marshal(outbound{Type: typ, RoomID: roomID, Content: content})
}

// enqueue never blocks; a client that cannot keep up is disconnected.
func (wm *WebSocketManager) enqueue(c *client, msg []byte) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		log.Printf("[ws] 玩家 %s 发送队列已满，断开连接", c.playerID)
		go wm.remove(c)
	}
}

func (wm *WebSocketManager) roomClients(roomID string) []*client {
	wm.mutex.RLock()
	defer wm.mutex.RUnlock()
	out := make([]*client, 0, len(wm.rooms[roomID]))
	for id := range wm.rooms[roomID] {
		if c, ok := wm.clients[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// BroadcastToRoom 向房间内所有玩家广播消息
func (wm *WebSocketManager) BroadcastToRoom(roomID, typ string, content any) {
	msg, err := encode(typ, roomID, content)
	if err != nil {
		log.Printf("[ws] 消息序列化失败: %v", err)
		return
	}
	for _, c := range wm.roomClients(roomID) {
		wm.enqueue(c, msg)
	}
}

// SendToPlayer 向指定玩家发送消息
func (wm *WebSocketManager) SendToPlayer(playerID, typ string, content any) error {
	wm.mutex.RLock()
	c, ok := wm.clients[playerID]
	wm.mutex.RUnlock()
	if !ok {
		return errors.New("玩家未连接")
	}
	msg, err := encode(typ, c.roomID, content)
	if err != nil {
		return err
	}
	wm.enqueue(c, msg)
	return nil
}

// attach subscribes to a new session's events.
func (wm *WebSocketManager) attach(gc *GameController, seats map[string]string) {
	gc.Subscribe(func(e Event) {
		for _, c := range wm.roomClients(gc.RoomID()) {
			seat := seats[c.playerID]
			if e.Private() && e.To != seat {
				continue
			}
			msg := GameEventMessage{Event: e, Seat: seat}
			if e.Snapshot != nil {
				msg.State = e.Snapshot.RedactFor(seat)
			}
			data, err := encode("game_event", gc.RoomID(), msg)
			if err != nil {
				log.Printf("[ws] 事件 %s 序列化失败: %v", e.Type, err)
				continue
			}
			wm.enqueue(c, data)
		}
	})
}

func (wm *WebSocketManager) sendState(c *client, gc *GameController) {
	seat, _ := wm.roomManager.SeatOf(gc.ID(), c.playerID)
	snap := gc.Snapshot()
	content := map[string]any{
		"game_id": gc.ID(),
		"seat":    seat,
		"state":   snap.RedactFor(seat),
	}
	if results := gc.SeerResults(seat); seat != "" && len(results) > 0 {
		content["seer_results"] = results
	}
	data, err := encode("game_state", c.roomID, content)
	if err == nil {
		wm.enqueue(c, data)
	}
}

func (wm *WebSocketManager) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("[ws] 向玩家 %s 发送消息失败: %v", c.playerID, err)
				wm.remove(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Printf("[ws] 玩家 %s 心跳失败: %v", c.playerID, err)
				wm.remove(c)
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "连接关闭")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(100*time.Millisecond))
			return
		}
	}
}

func (wm *WebSocketManager) readPump(c *client) {
	defer wm.remove(c)
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] 读取玩家 %s 消息失败: %v", c.playerID, err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(p, &msg); err != nil {
			wm.reply(c, err)
			continue
		}
		wm.handle(c, msg)
	}
}

func (wm *WebSocketManager) reply(c *client, err error) {
	if data, e := encode("error", c.roomID, map[string]string{"message": err.Error()}); e == nil {
		wm.enqueue(c, data)
	}
}

func (wm *WebSocketManager) handle(c *client, msg Message) {
	switch msg.Type {
	case "game_action":
		var action models.GameAction
		if err := json.Unmarshal(msg.Content, &action); err != nil || action.Type == "" {
			wm.reply(c, ErrInvalidAction)
			return
		}
		if action.Type == "start_game" {
			if _, err := wm.roomManager.StartGame(c.roomID); err != nil {
				wm.reply(c, err)
			}
			return
		}
		gc, err := wm.roomManager.GameForRoom(c.roomID)
		if err != nil {
			wm.reply(c, err)
			return
		}
		log.Printf("[ws] 玩家 %s 动作 %s -> %s", c.playerID, action.Type, action.TargetID)
		if err := wm.roomManager.Act(gc.ID(), c.playerID, action); err != nil {
			wm.reply(c, err)
		}
	case "chat":
		var chat struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(msg.Content, &chat); err != nil || chat.Message == "" {
			return
		}
		wm.BroadcastToRoom(c.roomID, "chat", map[string]string{"player_id": c.playerID, "message": chat.Message})
	default:
		log.Printf("[ws] 未知的消息类型: %s", msg.Type)
	}
}
