package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/jrenc2002/AIGame-sub000/models"
)

// PhaseDurations 各阶段时长
type PhaseDurations struct {
	Preparation time.Duration
	Night       time.Duration
	Discussion  time.Duration
	Voting      time.Duration
	Hunter      time.Duration
}

// DefaultPhaseDurations 默认阶段时长
func DefaultPhaseDurations() PhaseDurations {
	return PhaseDurations{
		Preparation: 10 * time.Second,
		Night:       90 * time.Second,
		Discussion:  5 * time.Minute,
		Voting:      90 * time.Second,
		Hunter:      30 * time.Second,
	}
}

// PendingShot is an open hunter window. The phase it interrupted resumes at
// Next once the hunter shoots, passes or times out.
type PendingShot struct {
	HunterID string       `json:"hunter_id"`
	Next     models.Phase `json:"next"`
}

// Emitter receives state machine notifications. to is empty for public
// events and a player id for private ones.
type Emitter func(t EventType, to string, payload any)

// StateMachine is the phase controller. It is the only writer of its
// GameState and is not safe for concurrent use; the session serializes calls.
type StateMachine struct {
	state     *models.GameState
	durations PhaseDurations
	skills    SkillState
	turns     *TurnManager
	seer      []SeerResult
	checked   map[string]bool
	shot      *PendingShot
	emit      Emitter
}

// NewStateMachine 创建状态机实例
func NewStateMachine(state *models.GameState, durations PhaseDurations, emit Emitter) *StateMachine {
	if emit == nil {
		emit = func(EventType, string, any) {}
	}
	return &StateMachine{
		state:     state,
		durations: durations,
		checked:   make(map[string]bool),
		emit:      emit,
	}
}

// State returns the live state. Callers outside the session must use Snapshot.
func (sm *StateMachine) State() *models.GameState { return sm.state }

// Skills 跨夜技能状态
func (sm *StateMachine) Skills() SkillState { return sm.skills }

// Turns is nil outside day_discussion.
func (sm *StateMachine) Turns() *TurnManager { return sm.turns }

// Shot returns the open hunter window, if any.
func (sm *StateMachine) Shot() *PendingShot { return sm.shot }

// Book 当前夜晚的技能视图
func (sm *StateMachine) Book() SkillBook {
	return SkillBook{State: sm.state, Skills: sm.skills, Checked: sm.checked}
}

// SeerResults returns the checks made by seerID.
func (sm *StateMachine) SeerResults(seerID string) []SeerResult {
	var out []SeerResult
	for _, r := range sm.seer {
		if r.SeerID == seerID {
			out = append(out, r)
		}
	}
	return out
}

// IsOver 游戏是否结束
func (sm *StateMachine) IsOver() bool {
	return sm.state.CurrentPhase == models.PhaseGameOver
}

func (sm *StateMachine) log(kind models.LogKind, playerID, msg string, now time.Time) {
	entry := models.GameLog{
		Round:     sm.state.CurrentRound,
		Phase:     sm.state.CurrentPhase,
		Kind:      kind,
		PlayerID:  playerID,
		Message:   msg,
		Timestamp: now,
	}
	sm.state.GameLogs = append(sm.state.GameLogs, entry)
	to := ""
	if kind == models.LogDegradedDecision && !sm.IsOver() {
		// 降级记录会暴露夜间身份，只发给本人
		to = playerID
	}
	sm.emit(EventLog, to, entry)
}

// LogDegraded records a fallback decision for a seat.
func (sm *StateMachine) LogDegraded(playerID, msg string, now time.Time) {
	sm.log(models.LogDegradedDecision, playerID, msg, now)
}

// LogSystem appends a system entry.
func (sm *StateMachine) LogSystem(kind models.LogKind, msg string, now time.Time) {
	sm.log(kind, "", msg, now)
}

func (sm *StateMachine) enter(phase models.Phase, limit time.Duration, now time.Time) {
	sm.state.CurrentPhase = phase
	sm.state.PhaseStartTime = now
	sm.state.PhaseTimeLimit = limit
	sm.log(models.LogPhaseChange, "", fmt.Sprintf("第%d轮 进入%s阶段", sm.state.CurrentRound, phase), now)
	sm.emit(EventPhaseChange, "", map[string]any{
		"phase":    phase,
		"round":    sm.state.CurrentRound,
		"deadline": sm.state.Deadline(),
	})
}

// Start puts a dealt table into preparation.
func (sm *StateMachine) Start(now time.Time) {
	sm.state.CurrentRound = 1
	sm.enter(models.PhasePreparation, sm.durations.Preparation, now)
}

// EnterNight clears the night's submissions and round flags.
func (sm *StateMachine) EnterNight(now time.Time) {
	sm.turns = nil
	sm.state.NightActions = nil
	for i := range sm.state.Players {
		sm.state.Players[i].ResetRoundFlags()
	}
	sm.enter(models.PhaseNight, sm.durations.Night, now)
	if sm.NightComplete() {
		sm.ResolveNight(now)
	}
}

// EnterDiscussion computes the speaking order.
func (sm *StateMachine) EnterDiscussion(now time.Time) {
	sm.turns = NewTurnManager(sm.state.Players)
	sm.enter(models.PhaseDayDiscussion, sm.durations.Discussion, now)
	sm.emit(EventSpeakingOrder, "", sm.turns.Order())
	if sm.turns.Complete() {
		sm.EnterVoting(now)
		return
	}
	sm.announceSpeaker()
}

func (sm *StateMachine) announceSpeaker() {
	if cur, ok := sm.turns.Current(); ok {
		sm.emit(EventSpeakerTurn, "", map[string]string{"player_id": cur})
	}
}

// EnterVoting clears votes and every active player's vote flag.
func (sm *StateMachine) EnterVoting(now time.Time) {
	sm.state.Votes = nil
	for i := range sm.state.Players {
		if sm.state.Players[i].IsActive() {
			sm.state.Players[i].HasVoted = false
		}
	}
	sm.enter(models.PhaseDayVoting, sm.durations.Voting, now)
}

func (sm *StateMachine) nextNight(now time.Time) {
	sm.state.CurrentRound++
	sm.EnterNight(now)
}

func (sm *StateMachine) requirePhase(phase models.Phase, now time.Time) error {
	if sm.IsOver() {
		return ErrGameOver
	}
	if sm.state.CurrentPhase != phase || sm.shot != nil {
		return fmt.Errorf("%w: phase is %s", ErrWrongPhase, sm.state.CurrentPhase)
	}
	if sm.state.PhaseTimeLimit > 0 && !now.Before(sm.state.Deadline()) {
		return ErrPhaseExpired
	}
	return nil
}

func (sm *StateMachine) activePlayer(id string) (*models.Player, error) {
	p := sm.state.FindPlayer(id)
	if p == nil {
		return nil, ErrPlayerNotFound
	}
	if !p.IsActive() {
		return nil, ErrPlayerNotActive
	}
	return p, nil
}

// SubmitNight records a night action. The night resolves as soon as every
// night role has acted.
func (sm *StateMachine) SubmitNight(actorID string, kind models.ActionKind, targetID string, now time.Time) error {
	if err := sm.requirePhase(models.PhaseNight, now); err != nil {
		return err
	}
	actor, err := sm.activePlayer(actorID)
	if err != nil {
		return err
	}
	book := sm.Book()
	if err := book.Validate(*actor, kind, targetID); err != nil {
		return err
	}

	sm.state.NightActions = append(sm.state.NightActions, models.NightAction{
		ActorID:  actorID,
		Kind:     kind,
		TargetID: targetID,
	})
	if actor.Role == models.Witch {
		actor.HasUsedSkill = sm.Book().WitchDone(actorID)
	} else {
		actor.HasUsedSkill = true
	}

	if actor.Role.IsWolf() {
		sm.notifyWolves()
	}
	sm.afterNightSubmission(now)
	return nil
}

// PassNight ends a night role's turn without (further) action.
func (sm *StateMachine) PassNight(actorID string, now time.Time) error {
	if err := sm.requirePhase(models.PhaseNight, now); err != nil {
		return err
	}
	actor, err := sm.activePlayer(actorID)
	if err != nil {
		return err
	}
	if !HasNightAction(actor.Role) {
		return ErrInvalidAction
	}
	if actor.HasUsedSkill {
		return ErrAlreadyActed
	}
	actor.HasUsedSkill = true
	if actor.Role.IsWolf() {
		sm.notifyWolves()
	}
	sm.afterNightSubmission(now)
	return nil
}

func (sm *StateMachine) afterNightSubmission(now time.Time) {
	if sm.NightComplete() {
		sm.ResolveNight(now)
	}
}

// notifyWolves shares the pack's votes with every wolf, and once the pack is
// done tells the witch who was attacked.
func (sm *StateMachine) notifyWolves() {
	var votes []models.NightAction
	for _, a := range sm.state.NightActions {
		if a.Kind == models.ActionKill {
			votes = append(votes, a)
		}
	}
	for _, p := range sm.state.PlayersWithRole(models.Werewolf, models.AlphaWolf) {
		sm.emit(EventWolfVotes, p.ID, votes)
	}
	book := sm.Book()
	if !book.WolvesDone() {
		return
	}
	for _, w := range sm.state.PlayersWithRole(models.Witch) {
		if book.SaveAvailable(w.ID) {
			sm.emit(EventNightVictim, w.ID, map[string]string{"target_id": book.KillTarget()})
		}
		if book.WitchDone(w.ID) {
			sm.state.FindPlayer(w.ID).HasUsedSkill = true
		}
	}
}

// NightComplete reports whether every active night role has acted.
func (sm *StateMachine) NightComplete() bool {
	return len(sm.Book().PendingNightActors()) == 0
}

// ResolveNight applies the night's outcome. Night roles that never acted are
// recorded as degraded so the audit trail has an entry for every seat.
func (sm *StateMachine) ResolveNight(now time.Time) {
	for _, p := range sm.Book().PendingNightActors() {
		sm.LogDegraded(p.ID, fmt.Sprintf("%s 未在时限内完成夜间行动，视为放弃", p.Name), now)
	}

	out := ResolveNight(NightInput{
		Round:   sm.state.CurrentRound,
		Players: sm.state.Players,
		Actions: sm.state.NightActions,
		Skills:  sm.skills,
	})
	sm.skills = out.Skills
	sm.state.NightActions = nil

	for i := range sm.state.Players {
		p := &sm.state.Players[i]
		p.IsProtected = p.ID == out.GuardTarget
		p.IsSaved = p.ID == out.SaveTarget
		p.IsPoisoned = p.ID == out.PoisonTarget
	}

	if out.Seer != nil {
		sm.seer = append(sm.seer, *out.Seer)
		sm.checked[out.Seer.TargetID] = true
		sm.emit(EventSeerResult, out.Seer.SeerID, *out.Seer)
	}

	if len(out.Deaths) == 0 {
		sm.log(models.LogNightResult, "", "昨晚是平安夜", now)
	} else {
		names := make([]string, 0, len(out.Deaths))
		for _, d := range out.Deaths {
			names = append(names, sm.nameOf(d.PlayerID))
		}
		sm.log(models.LogNightResult, "", "昨晚死亡: "+strings.Join(names, "、"), now)
	}
	sm.emit(EventNightResult, "", map[string]any{"deaths": publicDeaths(out.Deaths)})

	hunter := ""
	for _, d := range out.Deaths {
		if sm.applyDeath(d, now) {
			return
		}
		if d.Cause == models.CauseKilled && sm.roleOf(d.PlayerID) == models.Hunter {
			hunter = d.PlayerID
		}
	}
	if hunter != "" {
		sm.openShot(hunter, models.PhaseDayDiscussion, now)
		return
	}
	sm.EnterDiscussion(now)
}

// publicDeaths hides the cause: poison and wolf kill look the same at dawn.
func publicDeaths(deaths []models.Death) []string {
	ids := make([]string, 0, len(deaths))
	for _, d := range deaths {
		ids = append(ids, d.PlayerID)
	}
	return ids
}

func (sm *StateMachine) nameOf(id string) string {
	if p := sm.state.FindPlayer(id); p != nil && p.Name != "" {
		return p.Name
	}
	return id
}

func (sm *StateMachine) roleOf(id string) models.Role {
	if p := sm.state.FindPlayer(id); p != nil {
		return p.Role
	}
	return ""
}

// applyDeath eliminates a player and evaluates the win condition right away.
// It reports whether the game ended.
func (sm *StateMachine) applyDeath(d models.Death, now time.Time) bool {
	p := sm.state.FindPlayer(d.PlayerID)
	if p == nil || !p.IsActive() {
		return false
	}
	p.Status = models.StatusEliminated
	sm.state.DeadPlayers = append(sm.state.DeadPlayers, d)
	sm.log(models.LogDeath, p.ID, fmt.Sprintf("%s 出局", p.Name), now)
	sm.emit(EventDeath, "", map[string]any{"player_id": p.ID, "round": d.Round, "phase": d.Phase})
	if sm.turns != nil {
		sm.turns.Drop(p.ID)
	}

	if winner, over := CheckWinner(sm.state.Players); over {
		sm.enterGameOver(winner, now)
		return true
	}
	return false
}

func (sm *StateMachine) enterGameOver(winner models.Camp, now time.Time) {
	sm.shot = nil
	sm.turns = nil
	sm.state.Winner = winner
	sm.state.CurrentPhase = models.PhaseGameOver
	sm.state.PhaseStartTime = now
	sm.state.PhaseTimeLimit = 0
	msg := "好人阵营胜利"
	if winner == models.CampWerewolf {
		msg = "狼人阵营胜利"
	}
	sm.log(models.LogGameOver, "", msg, now)
	sm.emit(EventGameOver, "", map[string]any{"winner": winner, "players": sm.state.Players})
}

func (sm *StateMachine) openShot(hunterID string, next models.Phase, now time.Time) {
	sm.shot = &PendingShot{HunterID: hunterID, Next: next}
	sm.state.PhaseStartTime = now
	sm.state.PhaseTimeLimit = sm.durations.Hunter
	sm.emit(EventHunterTurn, "", map[string]any{"player_id": hunterID, "deadline": sm.state.Deadline()})
}

// Shoot resolves the hunter's final shot. An empty target passes.
func (sm *StateMachine) Shoot(hunterID, targetID string, now time.Time) error {
	if sm.IsOver() {
		return ErrGameOver
	}
	if sm.shot == nil {
		return ErrWrongPhase
	}
	if sm.shot.HunterID != hunterID {
		return ErrInvalidAction
	}
	if targetID != "" {
		target := sm.state.FindPlayer(targetID)
		if target == nil || !target.IsActive() || target.ID == hunterID {
			return ErrInvalidTarget
		}
	}
	sm.resolveShot(targetID, now)
	return nil
}

func (sm *StateMachine) resolveShot(targetID string, now time.Time) {
	shot := sm.shot
	sm.shot = nil
	hunter := sm.nameOf(shot.HunterID)
	if targetID == "" {
		sm.log(models.LogHunterShot, shot.HunterID, hunter+" 放弃开枪", now)
	} else {
		sm.log(models.LogHunterShot, shot.HunterID, fmt.Sprintf("%s 开枪带走了 %s", hunter, sm.nameOf(targetID)), now)
		sm.emit(EventHunterShot, "", map[string]string{"hunter_id": shot.HunterID, "target_id": targetID})
		death := models.Death{PlayerID: targetID, Cause: models.CauseShot, Round: sm.state.CurrentRound, Phase: sm.state.CurrentPhase}
		if sm.applyDeath(death, now) {
			return
		}
	}
	sm.continueTo(shot.Next, now)
}

func (sm *StateMachine) continueTo(next models.Phase, now time.Time) {
	switch next {
	case models.PhaseDayDiscussion:
		sm.EnterDiscussion(now)
	default:
		sm.nextNight(now)
	}
}

func (sm *StateMachine) speaker(playerID string, now time.Time) (*models.Player, error) {
	if err := sm.requirePhase(models.PhaseDayDiscussion, now); err != nil {
		return nil, err
	}
	return sm.activePlayer(playerID)
}

// Speak appends a speech for the current speaker. The turn stays open.
func (sm *StateMachine) Speak(playerID, content string, emotion models.Emotion, now time.Time) error {
	p, err := sm.speaker(playerID, now)
	if err != nil {
		return err
	}
	if err := sm.turns.Speak(playerID); err != nil {
		return err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("%w: empty speech", ErrInvalidAction)
	}
	if emotion == "" {
		emotion = models.EmotionNeutral
	}
	speech := models.PlayerSpeech{
		Round:     sm.state.CurrentRound,
		Phase:     sm.state.CurrentPhase,
		PlayerID:  p.ID,
		Content:   content,
		Emotion:   emotion,
		Timestamp: now,
	}
	sm.state.PlayerSpeeches = append(sm.state.PlayerSpeeches, speech)
	sm.emit(EventSpeech, "", speech)
	return nil
}

// SkipSpeech passes the caller's turn.
func (sm *StateMachine) SkipSpeech(playerID string, now time.Time) error {
	if _, err := sm.speaker(playerID, now); err != nil {
		return err
	}
	if err := sm.turns.Skip(playerID); err != nil {
		return err
	}
	sm.afterTurn(now)
	return nil
}

// EndTurn finishes the caller's turn after speaking.
func (sm *StateMachine) EndTurn(playerID string, now time.Time) error {
	if _, err := sm.speaker(playerID, now); err != nil {
		return err
	}
	if err := sm.turns.End(playerID); err != nil {
		return err
	}
	sm.afterTurn(now)
	return nil
}

func (sm *StateMachine) afterTurn(now time.Time) {
	if sm.turns.Complete() {
		sm.EnterVoting(now)
		return
	}
	sm.announceSpeaker()
}

// Vote records one vote. Re-voting is rejected. Voting closes once every
// active player has voted.
func (sm *StateMachine) Vote(voterID, targetID string, now time.Time) error {
	if err := sm.requirePhase(models.PhaseDayVoting, now); err != nil {
		return err
	}
	voter, err := sm.activePlayer(voterID)
	if err != nil {
		return err
	}
	if voter.HasVoted {
		return ErrAlreadyVoted
	}
	target := sm.state.FindPlayer(targetID)
	if target == nil || !target.IsActive() || target.ID == voterID {
		return ErrInvalidTarget
	}

	vote := models.Vote{VoterID: voterID, TargetID: targetID, Timestamp: now}
	sm.state.Votes = append(sm.state.Votes, vote)
	voter.HasVoted = true
	sm.emit(EventVote, "", vote)

	if sm.VotingComplete() {
		sm.ResolveVotes(now)
	}
	return nil
}

// VotingComplete 所有在场玩家是否都已投票
func (sm *StateMachine) VotingComplete() bool {
	for _, p := range sm.state.Players {
		if p.IsActive() && !p.HasVoted {
			return false
		}
	}
	return true
}

// ResolveVotes tallies the votes. A tie eliminates nobody.
func (sm *StateMachine) ResolveVotes(now time.Time) {
	for _, p := range sm.state.ActivePlayers() {
		if p.HasVoted {
			continue
		}
		if p.IsAI {
			sm.LogDegraded(p.ID, p.Name+" 未在时限内投票，视为弃票", now)
		} else {
			sm.log(models.LogSystem, p.ID, p.Name+" 弃票", now)
		}
	}

	res := TallyVotes(sm.state.Votes)
	switch {
	case res.Eliminated != "":
		sm.log(models.LogVoteResult, res.Eliminated, fmt.Sprintf("%s 被投票出局（%d票）", sm.nameOf(res.Eliminated), res.Counts[res.Eliminated]), now)
	case res.IsTie:
		sm.log(models.LogVoteResult, "", "平票，无人出局", now)
	default:
		sm.log(models.LogVoteResult, "", "无人投票，无人出局", now)
	}
	sm.emit(EventVoteResult, "", res)

	if res.Eliminated != "" {
		death := models.Death{PlayerID: res.Eliminated, Cause: models.CauseVoted, Round: sm.state.CurrentRound, Phase: sm.state.CurrentPhase}
		if sm.applyDeath(death, now) {
			return
		}
		if sm.roleOf(res.Eliminated) == models.Hunter {
			sm.openShot(res.Eliminated, models.PhaseNight, now)
			return
		}
	}
	sm.nextNight(now)
}

// Advance cuts preparation or discussion short.
func (sm *StateMachine) Advance(now time.Time) error {
	if sm.IsOver() {
		return ErrGameOver
	}
	if !sm.state.CurrentPhase.AllowsEarlyAdvance() || sm.shot != nil {
		return fmt.Errorf("%w: %s cannot be advanced early", ErrWrongPhase, sm.state.CurrentPhase)
	}
	sm.Timeout(now)
	return nil
}

// Timeout applies the current phase's deadline rule.
func (sm *StateMachine) Timeout(now time.Time) {
	if sm.IsOver() {
		return
	}
	if sm.shot != nil {
		sm.resolveShot("", now)
		return
	}
	switch sm.state.CurrentPhase {
	case models.PhasePreparation:
		sm.EnterNight(now)
	case models.PhaseNight:
		sm.ResolveNight(now)
	case models.PhaseDayDiscussion:
		sm.EnterVoting(now)
	case models.PhaseDayVoting:
		sm.ResolveVotes(now)
	}
}
