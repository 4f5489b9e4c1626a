package services

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrenc2002/AIGame-sub000/models"
)

var (
	ErrRoomNotFound = errors.New("房间不存在")
	ErrRoomFull     = errors.New("房间已满")
	ErrGameNotFound = errors.New("游戏不存在")
	ErrNotSeated    = errors.New("玩家不在本局游戏中")
)

// RoomOptions 房间与开局配置
type RoomOptions struct {
	// Seats is the table size when a room does not set one.
	Seats   int
	Session SessionConfig
	AI      *Orchestrator
}

// StartHook runs for every new session before it starts, so observers see
// the whole event stream. seats maps room player ids to seat ids.
type StartHook func(gc *GameController, seats map[string]string)

// RoomManager is the session registry: rooms waiting for players and the
// games started from them. It is created once in main and passed around.
type RoomManager struct {
	opts  RoomOptions
	rooms map[string]*models.Room
	games map[string]*GameController
	seats map[string]map[string]string // gameID -> room player id -> seat id
	hooks []StartHook
	rng   *rand.Rand
	mutex sync.RWMutex
}

// NewRoomManager 创建房间管理器实例
func NewRoomManager(opts RoomOptions) *RoomManager {
	if opts.Seats < MinSeats {
		opts.Seats = 9
	}
	seed := opts.Session.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RoomManager{
		opts:  opts,
		rooms: make(map[string]*models.Room),
		games: make(map[string]*GameController),
		seats: make(map[string]map[string]string),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// OnStart registers a hook for new sessions.
func (rm *RoomManager) OnStart(h StartHook) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	rm.hooks = append(rm.hooks, h)
}

func copyRoom(r *models.Room) models.Room {
	cp := *r
	cp.Players = append([]models.Player(nil), r.Players...)
	return cp
}

// CreateRoom 创建新房间；maxPlayers 为 0 时使用默认座位数
func (rm *RoomManager) CreateRoom(name string, mode models.GameMode, maxPlayers int) (models.Room, error) {
	if mode == "" {
		mode = rm.opts.Session.Mode
	}
	if maxPlayers == 0 {
		maxPlayers = rm.opts.Seats
	}
	if _, err := GenerateRoles(mode, maxPlayers); err != nil {
		return models.Room{}, err
	}

	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	room := &models.Room{
		ID:         uuid.NewString(),
		Name:       name,
		Mode:       mode,
		MaxPlayers: maxPlayers,
		MinPlayers: 1,
		Players:    make([]models.Player, 0, maxPlayers),
		CreatedAt:  time.Now().Unix(),
	}
	rm.rooms[room.ID] = room
	log.Printf("[room] 创建房间 %s（%s），%d 座，模式 %s", room.ID, name, maxPlayers, mode)
	return copyRoom(room), nil
}

// GetRoom 获取房间信息
func (rm *RoomManager) GetRoom(roomID string) (models.Room, error) {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	room, exists := rm.rooms[roomID]
	if !exists {
		return models.Room{}, ErrRoomNotFound
	}
	return copyRoom(room), nil
}

// ListRooms returns every room, oldest first.
func (rm *RoomManager) ListRooms() []models.Room {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	rooms := make([]models.Room, 0, len(rm.rooms))
	for _, room := range rm.rooms {
		rooms = append(rooms, copyRoom(room))
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt != rooms[j].CreatedAt {
			return rooms[i].CreatedAt < rooms[j].CreatedAt
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms
}

// JoinRoom adds a human player. A player without an id gets one; joining
// twice only updates the name.
func (rm *RoomManager) JoinRoom(roomID string, player models.Player) (models.Player, error) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	room, exists := rm.rooms[roomID]
	if !exists {
		return models.Player{}, ErrRoomNotFound
	}
	if room.GameStarted {
		return models.Player{}, ErrGameInProgress
	}

	if player.ID == "" {
		player.ID = uuid.NewString()
	}
	for i := range room.Players {
		if room.Players[i].ID == player.ID {
			if player.Name != "" {
				room.Players[i].Name = player.Name
			}
			return room.Players[i], nil
		}
	}
	if len(room.Players) >= room.MaxPlayers {
		return models.Player{}, ErrRoomFull
	}

	if player.Name == "" {
		player.Name = fmt.Sprintf("玩家%d", len(room.Players)+1)
	}
	player.Type = models.HumanPlayer
	player.IsAI = false
	player.Status = models.StatusActive
	room.Players = append(room.Players, player)
	return player, nil
}

// StartGame seats the room's players, fills the table with AI players and
// starts a new session.
func (rm *RoomManager) StartGame(roomID string) (*GameController, error) {
	rm.mutex.Lock()
	room, exists := rm.rooms[roomID]
	if !exists {
		rm.mutex.Unlock()
		return nil, ErrRoomNotFound
	}
	if room.GameStarted {
		rm.mutex.Unlock()
		return nil, ErrGameInProgress
	}

	players, seats := SeatPlayers(room.Players, room.MaxPlayers, rm.rng)
	cfg := rm.opts.Session
	cfg.Mode = room.Mode
	if cfg.Seed != 0 {
		cfg.Seed = rm.rng.Int63()
	}
	gameID := uuid.NewString()
	gc := NewGameController(gameID, room.ID, players, rm.opts.AI, cfg)

	room.GameStarted = true
	room.GameID = gameID
	rm.games[gameID] = gc
	rm.seats[gameID] = seats
	hooks := append([]StartHook(nil), rm.hooks...)
	rm.mutex.Unlock()

	for _, h := range hooks {
		h(gc, seats)
	}
	if err := gc.Start(); err != nil {
		rm.mutex.Lock()
		room.GameStarted = false
		room.GameID = ""
		delete(rm.games, gameID)
		delete(rm.seats, gameID)
		rm.mutex.Unlock()
		gc.Close()
		return nil, err
	}
	return gc, nil
}

// Game 按游戏ID查找会话
func (rm *RoomManager) Game(gameID string) (*GameController, error) {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	gc, ok := rm.games[gameID]
	if !ok {
		return nil, ErrGameNotFound
	}
	return gc, nil
}

// GameForRoom returns the room's running session.
func (rm *RoomManager) GameForRoom(roomID string) (*GameController, error) {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	room, ok := rm.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	gc, ok := rm.games[room.GameID]
	if !ok {
		return nil, ErrGameNotStarted
	}
	return gc, nil
}

// SeatOf maps a room player id to its seat id. Only human players joined
// through the room have an entry.
func (rm *RoomManager) SeatOf(gameID, playerID string) (string, bool) {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	seat, ok := rm.seats[gameID][playerID]
	return seat, ok
}

// Act applies a client action for a room player.
func (rm *RoomManager) Act(gameID, playerID string, action models.GameAction) error {
	gc, err := rm.Game(gameID)
	if err != nil {
		return err
	}
	seat, ok := rm.SeatOf(gameID, playerID)
	if !ok {
		return ErrNotSeated
	}
	return Dispatch(gc, seat, action)
}

// Dispatch routes a wire action to the session surface.
func Dispatch(gc *GameController, seatID string, action models.GameAction) error {
	switch action.Type {
	case models.ActionTypeKill, models.ActionTypeCheck, models.ActionTypeSave, models.ActionTypePoison, models.ActionTypeGuard:
		return gc.SubmitNightAction(seatID, models.ActionKind(action.Type), action.TargetID)
	case models.ActionTypePass:
		return gc.PassNight(seatID)
	case models.ActionTypeVote:
		return gc.Vote(seatID, action.TargetID)
	case models.ActionTypeSpeak:
		return gc.Speak(seatID, action.Content)
	case models.ActionTypeSkip:
		return gc.SkipSpeech(seatID)
	case models.ActionTypeEndDiscussion:
		return gc.EndDiscussion(seatID)
	case models.ActionTypeShoot:
		return gc.Shoot(seatID, action.TargetID)
	case models.ActionTypeAdvance:
		return gc.AdvancePhase()
	}
	return fmt.Errorf("%w: unknown action %q", ErrInvalidAction, action.Type)
}

// Close stops every session.
func (rm *RoomManager) Close() {
	rm.mutex.Lock()
	games := make([]*GameController, 0, len(rm.games))
	for _, gc := range rm.games {
		games = append(games, gc)
	}
	rm.mutex.Unlock()
	for _, gc := range games {
		gc.Close()
	}
}
