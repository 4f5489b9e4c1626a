package models

import "time"

// GameState is the single source of truth for one game. Only the phase
// controller mutates it; everyone else works on Snapshot copies.
type GameState struct {
	GameID         string         `json:"game_id"`
	RoomID         string         `json:"room_id,omitempty"`
	Mode           GameMode       `json:"mode"`
	CurrentRound   int            `json:"current_round"`
	CurrentPhase   Phase          `json:"current_phase"`
	PhaseStartTime time.Time      `json:"phase_start_time"`
	PhaseTimeLimit time.Duration  `json:"phase_time_limit"`
	Players        []Player       `json:"players"`
	DeadPlayers    []Death        `json:"dead_players"`
	Votes          []Vote         `json:"votes"`
	NightActions   []NightAction  `json:"night_actions,omitempty"`
	GameLogs       []GameLog      `json:"game_logs"`
	PlayerSpeeches []PlayerSpeech `json:"player_speeches"`
	Winner         Camp           `json:"winner,omitempty"`
	IsPaused       bool           `json:"is_paused"`
	PauseReason    string         `json:"pause_reason,omitempty"`
}

// Deadline is computed from the fixed phase start, never from a countdown.
func (gs *GameState) Deadline() time.Time {
	return gs.PhaseStartTime.Add(gs.PhaseTimeLimit)
}

// TimeLeft 剩余时间
func (gs *GameState) TimeLeft(now time.Time) time.Duration {
	left := gs.Deadline().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// FindPlayer returns a pointer into Players, or nil.
func (gs *GameState) FindPlayer(id string) *Player {
	for i := range gs.Players {
		if gs.Players[i].ID == id {
			return &gs.Players[i]
		}
	}
	return nil
}

// ActivePlayers 在场玩家（保持座位顺序）
func (gs *GameState) ActivePlayers() []Player {
	active := make([]Player, 0, len(gs.Players))
	for _, p := range gs.Players {
		if p.IsActive() {
			active = append(active, p)
		}
	}
	return active
}

// PlayersWithRole returns active players holding the role.
func (gs *GameState) PlayersWithRole(roles ...Role) []Player {
	var out []Player
	for _, p := range gs.Players {
		if !p.IsActive() {
			continue
		}
		for _, r := range roles {
			if p.Role == r {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// Snapshot returns a deep copy safe to hand to observers.
func (gs *GameState) Snapshot() GameState {
	cp := *gs
	cp.Players = append([]Player(nil), gs.Players...)
	cp.DeadPlayers = append([]Death(nil), gs.DeadPlayers...)
	cp.Votes = append([]Vote(nil), gs.Votes...)
	cp.NightActions = append([]NightAction(nil), gs.NightActions...)
	cp.GameLogs = append([]GameLog(nil), gs.GameLogs...)
	cp.PlayerSpeeches = append([]PlayerSpeech(nil), gs.PlayerSpeeches...)
	return cp
}

// RedactFor returns a copy of the snapshot as the given player may see it.
// Roles of living players are hidden except the viewer's own, and wolves see
// each other. Night actions and other seats' degraded-decision logs are never
// public. Once the game is over everything is revealed.
func (gs GameState) RedactFor(viewerID string) GameState {
	cp := gs.Snapshot()
	cp.NightActions = nil
	if cp.CurrentPhase == PhaseGameOver {
		return cp
	}

	// 降级记录可能暴露夜间身份，只保留本人的
	logs := cp.GameLogs[:0:0]
	for _, l := range cp.GameLogs {
		if l.Kind == LogDegradedDecision && l.PlayerID != viewerID {
			continue
		}
		logs = append(logs, l)
	}
	cp.GameLogs = logs

	var viewer *Player
	for i := range cp.Players {
		if cp.Players[i].ID == viewerID {
			viewer = &cp.Players[i]
			break
		}
	}
	for i := range cp.Players {
		p := &cp.Players[i]
		if p.ID == viewerID || !p.IsActive() {
			continue
		}
		if viewer != nil && viewer.Role.IsWolf() && p.Role.IsWolf() {
			continue
		}
		p.Role = ""
		p.Camp = ""
		p.Personality = ""
		p.IsProtected = false
		p.IsPoisoned = false
		p.IsSaved = false
		p.HasUsedSkill = false
	}
	return cp
}
