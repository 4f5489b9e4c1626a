package models

import "time"

// GameMode 游戏模式
type GameMode string

const (
	ClassicMode  GameMode = "classic"  // 经典模式：狼人、预言家、女巫、村民
	StandardMode GameMode = "standard" // 标准模式：增加猎人、守卫、狼王
)

// Role 游戏角色
type Role string

const (
	Villager  Role = "villager"
	Seer      Role = "seer"
	Witch     Role = "witch"
	Hunter    Role = "hunter"
	Guard     Role = "guard"
	Werewolf  Role = "werewolf"
	AlphaWolf Role = "alpha_wolf"
)

// Camp 阵营
type Camp string

const (
	CampVillager Camp = "villager"
	CampWerewolf Camp = "werewolf"
	CampNeutral  Camp = "neutral"
)

// Camp returns the coalition a role belongs to. Camp is derived, never stored independently.
func (r Role) Camp() Camp {
	switch r {
	case Werewolf, AlphaWolf:
		return CampWerewolf
	case Villager, Seer, Witch, Hunter, Guard:
		return CampVillager
	default:
		return CampNeutral
	}
}

// IsWolf 是否为狼人阵营角色
func (r Role) IsWolf() bool {
	return r.Camp() == CampWerewolf
}

// IsGod reports whether the role is a villager-camp role with an ability.
func (r Role) IsGod() bool {
	switch r {
	case Seer, Witch, Hunter, Guard:
		return true
	}
	return false
}

// PlayerType 玩家类型
type PlayerType string

const (
	HumanPlayer PlayerType = "human"
	AIPlayer    PlayerType = "ai"
)

// AIPersonality AI性格特征
type AIPersonality string

const (
	Aggressive AIPersonality = "aggressive" // 激进型
	Analytical AIPersonality = "analytical" // 分析型
	Deceptive  AIPersonality = "deceptive"  // 伪装型
	Cautious   AIPersonality = "cautious"   // 谨慎型
)

// PlayerStatus 玩家状态
type PlayerStatus string

const (
	StatusActive     PlayerStatus = "active"
	StatusEliminated PlayerStatus = "eliminated"
	StatusInactive   PlayerStatus = "inactive"
)

// Player 玩家信息
type Player struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Type        PlayerType    `json:"type"`
	Role        Role          `json:"role,omitempty"`
	Camp        Camp          `json:"camp,omitempty"`
	Status      PlayerStatus  `json:"status"`
	IsAI        bool          `json:"is_ai"`
	Personality AIPersonality `json:"personality,omitempty"`

	// 每轮重置的标记
	HasVoted     bool `json:"has_voted"`
	HasUsedSkill bool `json:"has_used_skill"`
	IsProtected  bool `json:"is_protected"`
	IsPoisoned   bool `json:"is_poisoned"`
	IsSaved      bool `json:"is_saved"`
}

// IsActive 玩家是否仍在场
func (p Player) IsActive() bool {
	return p.Status == StatusActive
}

// AssignRole sets the role and keeps Camp in lockstep with it.
func (p *Player) AssignRole(role Role) {
	p.Role = role
	p.Camp = role.Camp()
}

// ResetRoundFlags 清除每轮标记
func (p *Player) ResetRoundFlags() {
	p.HasVoted = false
	p.HasUsedSkill = false
	p.IsProtected = false
	p.IsPoisoned = false
	p.IsSaved = false
}

// Room 游戏房间
type Room struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Mode        GameMode `json:"mode"`
	Players     []Player `json:"players"`
	MaxPlayers  int      `json:"max_players"`
	MinPlayers  int      `json:"min_players"`
	GameStarted bool     `json:"game_started"`
	GameID      string   `json:"game_id,omitempty"`
	CreatedAt   int64    `json:"created_at"`
}

// GameAction 客户端提交的游戏动作
type GameAction struct {
	Type      string `json:"type"`
	PlayerID  string `json:"player_id"`
	TargetID  string `json:"target_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	RoomID    string `json:"room_id"`
	Content   string `json:"content,omitempty"`
}

// 客户端动作类型
const (
	ActionTypeKill          = "kill"
	ActionTypeCheck         = "check"
	ActionTypeSave          = "save"
	ActionTypePoison        = "poison"
	ActionTypeGuard         = "guard"
	ActionTypePass          = "pass"
	ActionTypeVote          = "vote"
	ActionTypeSpeak         = "speak"
	ActionTypeSkip          = "skip"
	ActionTypeEndDiscussion = "end_discussion"
	ActionTypeShoot         = "shoot"
	ActionTypeAdvance       = "advance"
)

// Phase 游戏阶段
type Phase string

const (
	PhasePreparation   Phase = "preparation"
	PhaseNight         Phase = "night"
	PhaseDayDiscussion Phase = "day_discussion"
	PhaseDayVoting     Phase = "day_voting"
	PhaseGameOver      Phase = "game_over"
)

// AllowsEarlyAdvance reports whether a manual advance may cut the phase short.
func (p Phase) AllowsEarlyAdvance() bool {
	return p == PhasePreparation || p == PhaseDayDiscussion
}

// ActionKind 夜晚行动类型
type ActionKind string

const (
	ActionKill   ActionKind = "kill"
	ActionCheck  ActionKind = "check"
	ActionSave   ActionKind = "save"
	ActionPoison ActionKind = "poison"
	ActionGuard  ActionKind = "guard"
)

// NightAction is one role's submission for the current night.
type NightAction struct {
	ActorID  string     `json:"actor_id"`
	Kind     ActionKind `json:"kind"`
	TargetID string     `json:"target_id,omitempty"`
}

// Vote 投票
type Vote struct {
	VoterID   string    `json:"voter_id"`
	TargetID  string    `json:"target_id"`
	Timestamp time.Time `json:"timestamp"`
}

// DeathCause 死亡原因
type DeathCause string

const (
	CauseKilled   DeathCause = "killed"
	CausePoisoned DeathCause = "poisoned"
	CauseVoted    DeathCause = "voted"
	CauseShot     DeathCause = "shot"
)

// Death 死亡记录
type Death struct {
	PlayerID string     `json:"player_id"`
	Cause    DeathCause `json:"cause"`
	Round    int        `json:"round"`
	Phase    Phase      `json:"phase"`
}

// LogKind 系统日志类型
type LogKind string

const (
	LogPhaseChange      LogKind = "phase_change"
	LogDeath            LogKind = "death"
	LogVoteResult       LogKind = "vote_result"
	LogNightResult      LogKind = "night_result"
	LogHunterShot       LogKind = "hunter_shot"
	LogDegradedDecision LogKind = "degraded_decision"
	LogPause            LogKind = "pause"
	LogResume           LogKind = "resume"
	LogGameOver         LogKind = "game_over"
	LogSystem           LogKind = "system"
)

// GameLog is an immutable system event record.
type GameLog struct {
	Round     int       `json:"round"`
	Phase     Phase     `json:"phase"`
	Kind      LogKind   `json:"kind"`
	PlayerID  string    `json:"player_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PlayerSpeech is an immutable dialogue record.
type PlayerSpeech struct {
	Round     int       `json:"round"`
	Phase     Phase     `json:"phase"`
	PlayerID  string    `json:"player_id"`
	Content   string    `json:"content"`
	Emotion   Emotion   `json:"emotion,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
