package main

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jrenc2002/AIGame-sub000/models"
	"github.com/jrenc2002/AIGame-sub000/services"
	"github.com/jrenc2002/AIGame-sub000/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有跨域请求，生产环境中应该更严格
	},
}

// server holds the HTTP layer's collaborators. audit may be nil.
type server struct {
	rooms *services.RoomManager
	ws    *services.WebSocketManager
	audit *storage.Store
}

func (s *server) routes() *gin.Engine {
	r := gin.Default()

	// 设置跨域中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	r.GET("/ws", s.serveWS)

	api := r.Group("/api")
	{
		api.POST("/rooms", s.createRoom)
		api.GET("/rooms", s.listRooms)
		api.GET("/rooms/:id", s.getRoom)
		api.POST("/rooms/:id/join", s.joinRoom)
		api.POST("/rooms/:id/start", s.startGame)

		api.GET("/games/:id", s.getGame)
		api.POST("/games/:id/action", s.gameAction)
		api.POST("/games/:id/pause", s.pauseGame)
		api.POST("/games/:id/resume", s.resumeGame)
		api.GET("/games/:id/audit", s.gameAudit)
	}
	return r
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrRoomNotFound), errors.Is(err, services.ErrGameNotFound),
		errors.Is(err, services.ErrPlayerNotFound), errors.Is(err, storage.ErrGameNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrSessionPaused):
		return http.StatusLocked
	case errors.Is(err, services.ErrWrongPhase), errors.Is(err, services.ErrOutOfTurn),
		errors.Is(err, services.ErrAlreadyVoted), errors.Is(err, services.ErrAlreadyActed),
		errors.Is(err, services.ErrGameInProgress), errors.Is(err, services.ErrGameNotStarted),
		errors.Is(err, services.ErrGameOver), errors.Is(err, services.ErrPhaseExpired),
		errors.Is(err, services.ErrWolvesPending), errors.Is(err, services.ErrNotPaused),
		errors.Is(err, services.ErrRoomFull), errors.Is(err, services.ErrDiscussionComplete):
		return http.StatusConflict
	case errors.Is(err, services.ErrNotSeated), errors.Is(err, services.ErrPlayerNotActive):
		return http.StatusForbidden
	case errors.Is(err, services.ErrInvalidTarget), errors.Is(err, services.ErrInvalidAction),
		errors.Is(err, services.ErrSkillUsed), errors.Is(err, services.ErrNotEnoughSeats):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Printf("[http] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (s *server) serveWS(c *gin.Context) {
	roomID := c.Query("room")
	playerID := c.Query("player")
	if roomID == "" || playerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少必要的连接参数"})
		return
	}
	if _, err := s.rooms.GetRoom(roomID); err != nil {
		fail(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[ws] 升级WebSocket连接失败: %v", err)
		return
	}
	s.ws.RegisterConnection(roomID, playerID, conn)
}

func (s *server) createRoom(c *gin.Context) {
	var req struct {
		Name       string          `json:"name" binding:"required"`
		Mode       models.GameMode `json:"mode"`
		MaxPlayers int             `json:"max_players"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room, err := s.rooms.CreateRoom(req.Name, req.Mode, req.MaxPlayers)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			// 未知模式
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (s *server) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": s.rooms.ListRooms()})
}

func (s *server) getRoom(c *gin.Context) {
	room, err := s.rooms.GetRoom(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (s *server) joinRoom(c *gin.Context) {
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	player, err := s.rooms.JoinRoom(c.Param("id"), models.Player{ID: req.ID, Name: req.Name})
	if err != nil {
		fail(c, err)
		return
	}
	if room, err := s.rooms.GetRoom(c.Param("id")); err == nil {
		s.ws.BroadcastToRoom(room.ID, "room_update", gin.H{"players": room.Players})
	}
	c.JSON(http.StatusOK, player)
}

func (s *server) startGame(c *gin.Context) {
	gc, err := s.rooms.StartGame(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"game_id": gc.ID()})
}

// getGame returns the state as ?player= may see it; without a seat only
// public information is shown.
func (s *server) getGame(c *gin.Context) {
	gc, err := s.rooms.Game(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	seat, _ := s.rooms.SeatOf(gc.ID(), c.Query("player"))
	snap := gc.Snapshot()
	resp := gin.H{
		"game_id":   gc.ID(),
		"seat":      seat,
		"state":     snap.RedactFor(seat),
		"time_left": snap.TimeLeft(time.Now()).Seconds(),
	}
	if seat != "" {
		if results := gc.SeerResults(seat); len(results) > 0 {
			resp["seer_results"] = results
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) gameAction(c *gin.Context) {
	var action models.GameAction
	if err := c.ShouldBindJSON(&action); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.rooms.Act(c.Param("id"), action.PlayerID, action); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "动作执行成功"})
}

func (s *server) pauseGame(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "手动暂停"
	}
	gc, err := s.rooms.Game(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	gc.Pause(req.Reason)
	c.JSON(http.StatusOK, gin.H{"message": "游戏已暂停"})
}

func (s *server) resumeGame(c *gin.Context) {
	gc, err := s.rooms.Game(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := gc.Resume(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "游戏继续"})
}

// gameAudit serves the archive. Degraded decisions stay hidden while the
// game is still running.
func (s *server) gameAudit(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "审计存档未启用"})
		return
	}
	gameID := c.Param("id")
	includePrivate := true
	if gc, err := s.rooms.Game(gameID); err == nil {
		snap := gc.Snapshot()
		includePrivate = snap.CurrentPhase == models.PhaseGameOver
	}
	audit, err := s.audit.Audit(c.Request.Context(), gameID, includePrivate)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, audit)
}
