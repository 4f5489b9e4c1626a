package services

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/jrenc2002/AIGame-sub000/models"
)

var (
	ErrGameNotStarted  = errors.New("游戏尚未开始")
	ErrGameInProgress  = errors.New("游戏正在进行中")
	ErrGameOver        = errors.New("游戏已结束")
	ErrWrongPhase      = errors.New("当前阶段无法执行该动作")
	ErrPlayerNotFound  = errors.New("玩家不存在")
	ErrPlayerNotActive = errors.New("玩家已出局")
	ErrAlreadyVoted    = errors.New("玩家本轮已投票")
	ErrAlreadyActed    = errors.New("玩家今晚已行动")
	ErrInvalidTarget   = errors.New("无效的目标玩家")
	ErrInvalidAction   = errors.New("无效的游戏动作")
	ErrSkillUsed       = errors.New("技能已使用")
	ErrWolvesPending   = errors.New("狼人尚未决定击杀目标")
	ErrPhaseExpired    = errors.New("阶段已超时")
	ErrSessionPaused   = errors.New("游戏已暂停")
	ErrNotPaused       = errors.New("游戏未暂停")
	ErrNotEnoughSeats  = errors.New("玩家人数不足")
)

// MinSeats is the smallest table either mode can be dealt for.
const MinSeats = 6

// GenerateRoles builds the role list for a table of seats.
//
// classic: two werewolves, seer, witch, villagers.
// standard: seats/3 wolves (one of them the alpha), seer, witch, hunter,
// guard, villagers.
func GenerateRoles(mode models.GameMode, seats int) ([]models.Role, error) {
	if seats < MinSeats {
		return nil, fmt.Errorf("%w: %d < %d", ErrNotEnoughSeats, seats, MinSeats)
	}
	roles := make([]models.Role, 0, seats)

	switch mode {
	case models.StandardMode:
		wolves := seats / 3
		roles = append(roles, models.AlphaWolf)
		for i := 1; i < wolves; i++ {
			roles = append(roles, models.Werewolf)
		}
		roles = append(roles, models.Seer, models.Witch, models.Hunter, models.Guard)
	case models.ClassicMode, "":
		roles = append(roles, models.Werewolf, models.Werewolf, models.Seer, models.Witch)
	default:
		return nil, fmt.Errorf("unknown game mode %q", mode)
	}

	// 补充村民
	for len(roles) < seats {
		roles = append(roles, models.Villager)
	}
	return roles, nil
}

// AssignRoles deals a shuffled role list onto players in place. rng makes
// the deal reproducible in tests.
func AssignRoles(players []models.Player, mode models.GameMode, rng *rand.Rand) error {
	roles, err := GenerateRoles(mode, len(players))
	if err != nil {
		return err
	}
	rng.Shuffle(len(roles), func(i, j int) {
		roles[i], roles[j] = roles[j], roles[i]
	})
	for i := range players {
		players[i].AssignRole(roles[i])
		players[i].Status = models.StatusActive
		players[i].ResetRoundFlags()
	}
	return nil
}

var personalities = []models.AIPersonality{
	models.Aggressive,
	models.Analytical,
	models.Deceptive,
	models.Cautious,
}

// NewAIPlayer creates an AI seat with a random personality.
func NewAIPlayer(index int, rng *rand.Rand) models.Player {
	return models.Player{
		ID:          "ai_" + uuid.NewString()[:8],
		Name:        fmt.Sprintf("AI玩家%d", index),
		Type:        models.AIPlayer,
		IsAI:        true,
		Status:      models.StatusActive,
		Personality: personalities[rng.Intn(len(personalities))],
	}
}

// SeatPlayers renumbers a room's players into numbered seats "1".."n" and
// fills empty seats with AI players. The returned map points the human
// players' room ids at their seat ids; AI seats have no entry.
func SeatPlayers(players []models.Player, seats int, rng *rand.Rand) ([]models.Player, map[string]string) {
	out := make([]models.Player, 0, seats)
	out = append(out, players...)
	for i := len(out); i < seats; i++ {
		out = append(out, NewAIPlayer(i+1, rng))
	}

	renamed := make(map[string]string, len(out))
	for i := range out {
		seatID := fmt.Sprint(i + 1)
		if out[i].ID != "" && out[i].Type != models.AIPlayer {
			renamed[out[i].ID] = seatID
		}
		out[i].ID = seatID
		if out[i].Name == "" {
			out[i].Name = fmt.Sprintf("%d号", i+1)
		}
		if out[i].Type == "" {
			out[i].Type = models.HumanPlayer
		}
		out[i].IsAI = out[i].Type == models.AIPlayer
		out[i].Status = models.StatusActive
	}
	return out, renamed
}
