package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/jrenc2002/AIGame-sub000/llm"
	"github.com/jrenc2002/AIGame-sub000/models"
)

// SessionConfig 游戏会话配置
type SessionConfig struct {
	Mode      models.GameMode
	Durations PhaseDurations
	// TurnDelay is the pause between consecutive AI seats.
	TurnDelay time.Duration
	// Seed makes the role deal reproducible; 0 seeds from the clock.
	Seed int64
	// Now replaces the wall clock in tests.
	Now func() time.Time
	// ManualClock disables the phase timer; the owner calls CheckDeadline.
	ManualClock bool
}

// PendingOperation is the AI step a paused session retries on resume.
type PendingOperation struct {
	Kind   OperationKind     `json:"kind"`
	Round  int               `json:"round"`
	Phase  models.Phase      `json:"phase"`
	SeatID string            `json:"seat_id"`
	Action models.ActionKind `json:"action,omitempty"`
}

// GameController is one game session. It owns the state machine, drives AI
// seats one at a time, runs the phase timer and exposes the player action
// surface. All state access goes through its mutex.
type GameController struct {
	id      string
	roomID  string
	cfg     SessionConfig
	now     func() time.Time
	rng     *rand.Rand
	ai      *Orchestrator
	bus     *EventBus
	state   *models.GameState
	machine *StateMachine

	mutex    sync.Mutex
	started  bool
	closed   bool
	driving  bool
	epoch    uint64
	handled  map[PendingOperation]bool
	pending  *PendingOperation
	resumeOp *PendingOperation
	pausedAt time.Time
	timer    *time.Timer
	timerFor time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGameController creates a session for seated players. Start deals the
// roles unless every seat already holds one.
func NewGameController(gameID, roomID string, players []models.Player, ai *Orchestrator, cfg SessionConfig) *GameController {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Durations == (PhaseDurations{}) {
		cfg.Durations = DefaultPhaseDurations()
	}
	if cfg.Mode == "" {
		cfg.Mode = models.ClassicMode
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	gc := &GameController{
		id:      gameID,
		roomID:  roomID,
		cfg:     cfg,
		now:     cfg.Now,
		rng:     rand.New(rand.NewSource(seed)),
		ai:      ai,
		bus:     NewEventBus(),
		handled: make(map[PendingOperation]bool),
	}
	gc.state = &models.GameState{
		GameID:  gameID,
		RoomID:  roomID,
		Mode:    cfg.Mode,
		Players: append([]models.Player(nil), players...),
	}
	gc.machine = NewStateMachine(gc.state, cfg.Durations, gc.emit)
	gc.ctx, gc.cancel = context.WithCancel(context.Background())
	return gc
}

// ID 游戏ID
func (gc *GameController) ID() string { return gc.id }

// RoomID 所属房间
func (gc *GameController) RoomID() string { return gc.roomID }

// emit publishes under the session lock so event order matches state order.
func (gc *GameController) emit(t EventType, to string, payload any) {
	snap := gc.state.Snapshot()
	gc.bus.Publish(Event{
		Type:     t,
		GameID:   gc.id,
		Round:    gc.state.CurrentRound,
		Phase:    gc.state.CurrentPhase,
		To:       to,
		Payload:  payload,
		Time:     gc.now(),
		Snapshot: &snap,
	})
}

// Subscribe registers an observer of the event stream.
func (gc *GameController) Subscribe(fn func(Event), opts ...SubscribeOption) (unsubscribe func()) {
	return gc.bus.Subscribe(fn, opts...)
}

// Start deals roles and opens the preparation phase.
func (gc *GameController) Start() error {
	gc.mutex.Lock()
	defer gc.mutex.Unlock()

	if gc.started {
		return ErrGameInProgress
	}
	if dealt(gc.state.Players) {
		for i := range gc.state.Players {
			gc.state.Players[i].AssignRole(gc.state.Players[i].Role)
			gc.state.Players[i].Status = models.StatusActive
		}
	} else if err := AssignRoles(gc.state.Players, gc.cfg.Mode, gc.rng); err != nil {
		return err
	}
	gc.started = true

	gc.emit(EventGameStarted, "", map[string]any{"mode": gc.cfg.Mode, "seats": len(gc.state.Players)})
	for _, p := range gc.state.Players {
		payload := map[string]any{"role": p.Role, "camp": p.Camp, "message": "游戏开始，你的角色是：" + RoleName(p.Role)}
		if p.Role.IsWolf() {
			var mates []string
			for _, w := range gc.state.Players {
				if w.ID != p.ID && w.Role.IsWolf() {
					mates = append(mates, w.ID)
				}
			}
			payload["teammates"] = mates
		}
		gc.emit(EventRoleAssigned, p.ID, payload)
	}

	gc.machine.Start(gc.now())
	log.Printf("[session] 游戏 %s 开始，%d 名玩家，模式 %s", gc.id, len(gc.state.Players), gc.cfg.Mode)
	gc.afterChange()
	return nil
}

// dealt reports whether every seat already holds a role.
func dealt(players []models.Player) bool {
	for _, p := range players {
		if p.Role == "" {
			return false
		}
	}
	return len(players) > 0
}

func (gc *GameController) ready() error {
	switch {
	case !gc.started:
		return ErrGameNotStarted
	case gc.closed:
		return ErrGameOver
	case gc.state.IsPaused:
		return ErrSessionPaused
	}
	return nil
}

// act runs a player action against the state machine.
func (gc *GameController) act(fn func(now time.Time) error) error {
	gc.mutex.Lock()
	defer gc.mutex.Unlock()
	if err := gc.ready(); err != nil {
		return err
	}
	if err := fn(gc.now()); err != nil {
		return err
	}
	gc.afterChange()
	return nil
}

// SubmitNightAction records a human night action.
func (gc *GameController) SubmitNightAction(playerID string, kind models.ActionKind, targetID string) error {
	return gc.act(func(now time.Time) error {
		return gc.machine.SubmitNight(playerID, kind, targetID, now)
	})
}

// PassNight ends the caller's night turn without acting.
func (gc *GameController) PassNight(playerID string) error {
	return gc.act(func(now time.Time) error {
		return gc.machine.PassNight(playerID, now)
	})
}

// Vote 投票
func (gc *GameController) Vote(playerID, targetID string) error {
	return gc.act(func(now time.Time) error {
		return gc.machine.Vote(playerID, targetID, now)
	})
}

// Speak 发言
func (gc *GameController) Speak(playerID, content string) error {
	return gc.act(func(now time.Time) error {
		return gc.machine.Speak(playerID, content, models.EmotionNeutral, now)
	})
}

// SkipSpeech passes the caller's speaking turn.
func (gc *GameController) SkipSpeech(playerID string) error {
	return gc.act(func(now time.Time) error {
		return gc.machine.SkipSpeech(playerID, now)
	})
}

// EndDiscussion ends the caller's own speaking turn.
func (gc *GameController) EndDiscussion(playerID string) error {
	return gc.act(func(now time.Time) error {
		return gc.machine.EndTurn(playerID, now)
	})
}

// Shoot is the hunter's final shot; an empty target passes.
func (gc *GameController) Shoot(playerID, targetID string) error {
	return gc.act(func(now time.Time) error {
		return gc.machine.Shoot(playerID, targetID, now)
	})
}

// AdvancePhase is the manual override for preparation and discussion.
func (gc *GameController) AdvancePhase() error {
	return gc.act(gc.machine.Advance)
}

// CheckDeadline applies the phase timeout once its deadline has passed. The
// phase timer calls it; so can anyone else.
func (gc *GameController) CheckDeadline() {
	gc.mutex.Lock()
	defer gc.mutex.Unlock()
	if gc.ready() != nil || gc.machine.IsOver() {
		return
	}
	now := gc.now()
	if gc.state.PhaseTimeLimit <= 0 || now.Before(gc.state.Deadline()) {
		gc.scheduleTimer()
		return
	}
	log.Printf("[session] 游戏 %s 第%d轮 %s 阶段超时", gc.id, gc.state.CurrentRound, gc.state.CurrentPhase)
	gc.machine.Timeout(now)
	gc.afterChange()
}

func (gc *GameController) afterChange() {
	gc.scheduleTimer()
	gc.kick()
}

func (gc *GameController) stopTimer() {
	if gc.timer != nil {
		gc.timer.Stop()
		gc.timer = nil
	}
	gc.timerFor = time.Time{}
}

// scheduleTimer arms the timer for the current deadline. The deadline is
// always start+limit, so a late or repeated fire is harmless.
func (gc *GameController) scheduleTimer() {
	if gc.cfg.ManualClock || gc.closed || gc.state.IsPaused || gc.machine.IsOver() || gc.state.PhaseTimeLimit <= 0 {
		gc.stopTimer()
		return
	}
	deadline := gc.state.Deadline()
	if gc.timer != nil && deadline.Equal(gc.timerFor) {
		return
	}
	gc.stopTimer()
	wait := deadline.Sub(gc.now())
	if wait < 0 {
		wait = 0
	}
	gc.timerFor = deadline
	gc.timer = time.AfterFunc(wait, gc.CheckDeadline)
}

// Pause halts automatic progress. Pausing again only updates the reason.
func (gc *GameController) Pause(reason string) {
	gc.mutex.Lock()
	defer gc.mutex.Unlock()
	gc.pause(reason, nil)
}

func (gc *GameController) pause(reason string, op *PendingOperation) {
	if op != nil {
		gc.pending = op
	}
	if gc.state.IsPaused {
		gc.state.PauseReason = reason
		log.Printf("[session] 游戏 %s 已暂停，更新原因: %s", gc.id, reason)
		gc.emit(EventPause, "", map[string]any{"reason": reason})
		return
	}
	gc.state.IsPaused = true
	gc.state.PauseReason = reason
	gc.pausedAt = gc.now()
	gc.epoch++
	gc.stopTimer()
	gc.machine.LogSystem(models.LogPause, "游戏暂停："+reason, gc.pausedAt)
	log.Printf("[session] 游戏 %s 暂停: %s", gc.id, reason)
	gc.emit(EventPause, "", map[string]any{"reason": reason})
}

// pauseReason describes a gateway failure without naming the seat or step.
func pauseReason(err error) string {
	kind := llm.KindOf(err)
	if kind == "" {
		kind = "unknown"
	}
	return fmt.Sprintf("AI玩家请求失败（%s）", kind)
}

// Resume continues a paused game. The phase deadline is shifted by the time
// spent paused, and the pending AI step, if any, runs first.
func (gc *GameController) Resume() error {
	gc.mutex.Lock()
	defer gc.mutex.Unlock()
	if !gc.state.IsPaused {
		return ErrNotPaused
	}

	now := gc.now()
	if gc.state.PhaseTimeLimit > 0 {
		gc.state.PhaseStartTime = gc.state.PhaseStartTime.Add(now.Sub(gc.pausedAt))
	}
	gc.state.IsPaused = false
	gc.state.PauseReason = ""
	gc.epoch++
	gc.resumeOp, gc.pending = gc.pending, nil

	gc.machine.LogSystem(models.LogResume, "游戏继续", now)
	log.Printf("[session] 游戏 %s 继续，待重试: %+v", gc.id, gc.resumeOp)
	gc.emit(EventResume, "", nil)
	gc.afterChange()
	return nil
}

// Pending returns the stored continuation of a paused game. It names a
// seat's night step, so it must not be shown to players.
func (gc *GameController) Pending() *PendingOperation {
	gc.mutex.Lock()
	defer gc.mutex.Unlock()
	if gc.pending == nil {
		return nil
	}
	op := *gc.pending
	return &op
}

// Snapshot returns a copy of the full state.
func (gc *GameController) Snapshot() models.GameState {
	gc.mutex.Lock()
	defer gc.mutex.Unlock()
	return gc.state.Snapshot()
}

// SeerResults returns playerID's private checks.
func (gc *GameController) SeerResults(playerID string) []SeerResult {
	gc.mutex.Lock()
	defer gc.mutex.Unlock()
	return gc.machine.SeerResults(playerID)
}

// Close stops the timer and the AI driver. An in-flight model call is
// cancelled and its result dropped.
func (gc *GameController) Close() {
	gc.mutex.Lock()
	if gc.closed {
		gc.mutex.Unlock()
		return
	}
	gc.closed = true
	gc.stopTimer()
	gc.cancel()
	gc.mutex.Unlock()

	gc.wg.Wait()
	gc.bus.Close()
}

// kick starts the AI driver if there is nobody driving.
func (gc *GameController) kick() {
	if gc.driving || gc.closed || !gc.started || gc.state.IsPaused || gc.machine.IsOver() || gc.ai == nil {
		return
	}
	gc.driving = true
	gc.wg.Add(1)
	go gc.drive()
}

// drive asks AI seats for decisions one at a time. The lock is released
// while the model is called; a result is applied only if the step it was
// asked for is still open.
func (gc *GameController) drive() {
	defer gc.wg.Done()
	for {
		gc.mutex.Lock()
		op, ok := gc.nextOperation()
		if !ok {
			gc.driving = false
			gc.mutex.Unlock()
			return
		}
		req := gc.buildRequest(op)
		epoch := gc.epoch
		gc.mutex.Unlock()

		res, err := gc.ai.Decide(gc.ctx, req, gc.progress(op))

		gc.mutex.Lock()
		if gc.closed || errors.Is(err, context.Canceled) {
			gc.driving = false
			gc.mutex.Unlock()
			return
		}
		if epoch != gc.epoch || !gc.stillPending(op) {
			log.Printf("[orchestrator] %s号 %s 的结果已过期，丢弃", op.SeatID, op.Kind)
			gc.mutex.Unlock()
			continue
		}
		if err != nil {
			// 原因是公开的，不能带座位号和行动类型
			log.Printf("[orchestrator] %s号 %s 请求失败: %v", op.SeatID, op.Kind, err)
			gc.pause(pauseReason(err), &op)
			gc.driving = false
			gc.mutex.Unlock()
			return
		}
		gc.handled[op] = true
		gc.applyDecision(op, res)
		gc.scheduleTimer()
		gc.mutex.Unlock()

		if gc.cfg.TurnDelay > 0 {
			select {
			case <-gc.ctx.Done():
			case <-time.After(gc.cfg.TurnDelay):
			}
		}
	}
}

func (gc *GameController) progress(op PendingOperation) func(int) {
	if op.Kind != OpSpeech {
		return nil
	}
	return func(chars int) {
		gc.bus.Publish(Event{
			Type:    EventAIThinking,
			GameID:  gc.id,
			Round:   op.Round,
			Phase:   op.Phase,
			Payload: map[string]any{"player_id": op.SeatID, "chars": chars},
			Time:    gc.now(),
		})
	}
}

func (gc *GameController) operation(kind OperationKind, seatID string, action models.ActionKind) PendingOperation {
	return PendingOperation{
		Kind:   kind,
		Round:  gc.state.CurrentRound,
		Phase:  gc.state.CurrentPhase,
		SeatID: seatID,
		Action: action,
	}
}

// nextOperation picks the next AI step, or false when no AI seat owes one.
func (gc *GameController) nextOperation() (PendingOperation, bool) {
	if gc.closed || gc.state.IsPaused || gc.machine.IsOver() {
		return PendingOperation{}, false
	}
	if gc.state.PhaseTimeLimit > 0 && !gc.now().Before(gc.state.Deadline()) {
		// 已超时，等计时器结算
		return PendingOperation{}, false
	}
	if op := gc.resumeOp; op != nil {
		gc.resumeOp = nil
		if gc.stillPending(*op) {
			return *op, true
		}
	}

	open := func(op PendingOperation) bool { return !gc.handled[op] }

	if shot := gc.machine.Shot(); shot != nil {
		hunter := gc.state.FindPlayer(shot.HunterID)
		op := gc.operation(OpHunterShot, shot.HunterID, "")
		return op, hunter != nil && hunter.IsAI && open(op)
	}

	switch gc.state.CurrentPhase {
	case models.PhaseNight:
		book := gc.machine.Book()
		for _, p := range book.PendingNightActors() {
			if !p.IsAI {
				continue
			}
			var action models.ActionKind
			if p.Role == models.Witch {
				if !book.WolvesDone() {
					continue
				}
			} else {
				action = NightKinds(p.Role)[0]
			}
			if op := gc.operation(OpNightAction, p.ID, action); open(op) {
				return op, true
			}
		}
	case models.PhaseDayDiscussion:
		if cur, ok := gc.machine.Turns().Current(); ok {
			if p := gc.state.FindPlayer(cur); p != nil && p.IsAI {
				op := gc.operation(OpSpeech, cur, "")
				return op, open(op)
			}
		}
	case models.PhaseDayVoting:
		for _, p := range gc.state.ActivePlayers() {
			if p.IsAI && !p.HasVoted {
				if op := gc.operation(OpVote, p.ID, ""); open(op) {
					return op, true
				}
			}
		}
	}
	return PendingOperation{}, false
}

// stillPending reports whether op is still the open step for its seat.
func (gc *GameController) stillPending(op PendingOperation) bool {
	if gc.closed || gc.state.IsPaused || gc.machine.IsOver() {
		return false
	}
	if op.Round != gc.state.CurrentRound || op.Phase != gc.state.CurrentPhase {
		return false
	}
	seat := gc.state.FindPlayer(op.SeatID)
	shot := gc.machine.Shot()
	switch op.Kind {
	case OpHunterShot:
		return shot != nil && shot.HunterID == op.SeatID
	case OpNightAction:
		return shot == nil && seat != nil && seat.IsActive() && !seat.HasUsedSkill
	case OpSpeech:
		if shot != nil || gc.machine.Turns() == nil {
			return false
		}
		cur, ok := gc.machine.Turns().Current()
		return ok && cur == op.SeatID
	case OpVote:
		return shot == nil && seat != nil && seat.IsActive() && !seat.HasVoted
	}
	return false
}

func (gc *GameController) buildRequest(op PendingOperation) DecisionRequest {
	seat := *gc.state.FindPlayer(op.SeatID)
	req := DecisionRequest{
		Kind:        op.Kind,
		Action:      op.Action,
		Seat:        seat,
		View:        gc.state.RedactFor(seat.ID),
		SeerResults: gc.machine.SeerResults(seat.ID),
	}
	book := gc.machine.Book()

	others := func(keep func(models.Player) bool) []models.Player {
		var out []models.Player
		for _, p := range gc.state.ActivePlayers() {
			if p.ID != seat.ID && (keep == nil || keep(p)) {
				out = append(out, p)
			}
		}
		return out
	}

	switch op.Kind {
	case OpNightAction:
		if seat.Role.IsWolf() {
			for _, a := range gc.state.NightActions {
				if a.Kind == models.ActionKill {
					req.WolfVotes = append(req.WolfVotes, a)
				}
			}
		}
		if seat.Role == models.Witch {
			req.KillTarget = book.KillTarget()
			req.SaveAvailable = book.SaveAvailable(seat.ID)
			req.PoisonAvailable = book.PoisonAvailable(seat.ID)
			req.Legal = append(book.LegalTargets(seat, models.ActionSave), book.LegalTargets(seat, models.ActionPoison)...)
			break
		}
		req.Legal = book.LegalTargets(seat, op.Action)
		req.Default = firstID(req.Legal)
	case OpVote:
		req.Legal = others(nil)
		req.Default = firstID(req.Legal)
		if seat.Role.IsWolf() {
			if d := firstID(others(func(p models.Player) bool { return !p.Role.IsWolf() })); d != "" {
				req.Default = d
			}
		}
	case OpHunterShot:
		req.Legal = others(nil)
	}
	return req
}

func firstID(players []models.Player) string {
	if len(players) == 0 {
		return ""
	}
	return players[0].ID
}

// applyDecision hands an AI decision to the state machine. Every decision
// leaves a trace: a degraded one is logged, and a rejected one falls back to
// passing so the seat never blocks the phase.
func (gc *GameController) applyDecision(op PendingOperation, res DecisionResult) {
	now := gc.now()
	seat := gc.state.FindPlayer(op.SeatID)
	if res.Degraded {
		gc.machine.LogDegraded(op.SeatID, fmt.Sprintf("%s：%s", seat.Name, res.Note), now)
		log.Printf("[orchestrator] %s号 %s 降级: %s", op.SeatID, op.Kind, res.Note)
	}

	var err error
	switch op.Kind {
	case OpNightAction:
		if res.Action == "" || res.Target == "" {
			err = gc.machine.PassNight(op.SeatID, now)
			break
		}
		err = gc.machine.SubmitNight(op.SeatID, res.Action, res.Target, now)
		if err == nil && seat.Role == models.Witch && seat.IsActive() && !seat.HasUsedSkill && gc.stillPending(op) {
			// AI 女巫每晚只决定一次
			err = gc.machine.PassNight(op.SeatID, now)
		}
	case OpSpeech:
		if err = gc.machine.Speak(op.SeatID, res.Message, res.Emotion, now); err == nil {
			err = gc.machine.EndTurn(op.SeatID, now)
		}
	case OpVote:
		err = gc.machine.Vote(op.SeatID, res.Target, now)
	case OpHunterShot:
		err = gc.machine.Shoot(op.SeatID, res.Target, now)
	}
	if err == nil {
		return
	}

	log.Printf("[orchestrator] %s号 %s 决定被拒绝: %v", op.SeatID, op.Kind, err)
	gc.machine.LogDegraded(op.SeatID, fmt.Sprintf("%s 的决定被拒绝（%v），视为放弃", seat.Name, err), now)
	switch op.Kind {
	case OpNightAction:
		_ = gc.machine.PassNight(op.SeatID, now)
	case OpSpeech:
		_ = gc.machine.SkipSpeech(op.SeatID, now)
	case OpHunterShot:
		_ = gc.machine.Shoot(op.SeatID, "", now)
	}
}
