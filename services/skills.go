package services

import (
	"github.com/jrenc2002/AIGame-sub000/models"
)

// NightKinds returns the night actions a role may submit.
func NightKinds(role models.Role) []models.ActionKind {
	switch role {
	case models.Werewolf, models.AlphaWolf:
		return []models.ActionKind{models.ActionKill}
	case models.Seer:
		return []models.ActionKind{models.ActionCheck}
	case models.Witch:
		return []models.ActionKind{models.ActionSave, models.ActionPoison}
	case models.Guard:
		return []models.ActionKind{models.ActionGuard}
	}
	return nil
}

// HasNightAction 角色夜晚是否需要行动
func HasNightAction(role models.Role) bool {
	return len(NightKinds(role)) > 0
}

func canUse(role models.Role, kind models.ActionKind) bool {
	for _, k := range NightKinds(role) {
		if k == kind {
			return true
		}
	}
	return false
}

// nightTurnOrder is the order AI seats are asked at night. The witch goes
// last so she knows the kill target.
var nightTurnOrder = []func(models.Role) bool{
	isRole(models.Guard),
	func(r models.Role) bool { return r.IsWolf() },
	isRole(models.Seer),
	isRole(models.Witch),
}

// SkillBook answers what a player may do tonight given the carried skill
// state and the submissions so far.
type SkillBook struct {
	State   *models.GameState
	Skills  SkillState
	Checked map[string]bool // 预言家已查验过的玩家
}

func (sb SkillBook) others(actorID string, keep func(models.Player) bool) []models.Player {
	var out []models.Player
	for _, p := range sb.State.Players {
		if !p.IsActive() || p.ID == actorID {
			continue
		}
		if keep == nil || keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// KillTarget is the pack's current choice, or "" while wolves are still
// deciding.
func (sb SkillBook) KillTarget() string {
	return WolfKillTarget(sb.State.Players, sb.State.NightActions)
}

// WolvesDone reports whether every active wolf has acted tonight.
func (sb SkillBook) WolvesDone() bool {
	for _, p := range sb.State.Players {
		if p.IsActive() && p.Role.IsWolf() && !p.HasUsedSkill {
			return false
		}
	}
	return true
}

// submitted 是否已提交过该类行动
func (sb SkillBook) submitted(actorID string, kind models.ActionKind) bool {
	for _, a := range sb.State.NightActions {
		if a.ActorID == actorID && a.Kind == kind {
			return true
		}
	}
	return false
}

// SaveAvailable reports whether the witch can still save tonight.
func (sb SkillBook) SaveAvailable(witchID string) bool {
	return !sb.Skills.SaveUsed && !sb.submitted(witchID, models.ActionSave)
}

// PoisonAvailable reports whether the witch can still poison tonight.
func (sb SkillBook) PoisonAvailable(witchID string) bool {
	return !sb.Skills.PoisonUsed && !sb.submitted(witchID, models.ActionPoison)
}

// LegalTargets lists who actor may target with kind right now.
func (sb SkillBook) LegalTargets(actor models.Player, kind models.ActionKind) []models.Player {
	switch kind {
	case models.ActionKill:
		return sb.others(actor.ID, func(p models.Player) bool { return !p.Role.IsWolf() })
	case models.ActionCheck:
		unchecked := sb.others(actor.ID, func(p models.Player) bool { return !sb.Checked[p.ID] })
		if len(unchecked) == 0 {
			return sb.others(actor.ID, nil)
		}
		return unchecked
	case models.ActionGuard:
		var out []models.Player
		for _, p := range sb.State.Players {
			if p.IsActive() && p.ID != sb.Skills.LastGuardTarget {
				out = append(out, p)
			}
		}
		return out
	case models.ActionSave:
		kill := sb.KillTarget()
		if kill == "" || !sb.WolvesDone() || !sb.SaveAvailable(actor.ID) {
			return nil
		}
		if p := sb.State.FindPlayer(kill); p != nil {
			return []models.Player{*p}
		}
	case models.ActionPoison:
		if !sb.PoisonAvailable(actor.ID) {
			return nil
		}
		return sb.others(actor.ID, nil)
	}
	return nil
}

// Validate checks a night submission against role, skill state and targets.
func (sb SkillBook) Validate(actor models.Player, kind models.ActionKind, targetID string) error {
	if !actor.IsActive() {
		return ErrPlayerNotActive
	}
	if !canUse(actor.Role, kind) {
		return ErrInvalidAction
	}
	if actor.HasUsedSkill {
		return ErrAlreadyActed
	}
	switch kind {
	case models.ActionSave:
		if !sb.SaveAvailable(actor.ID) {
			return ErrSkillUsed
		}
		if !sb.WolvesDone() {
			return ErrWolvesPending
		}
	case models.ActionPoison:
		if !sb.PoisonAvailable(actor.ID) {
			return ErrSkillUsed
		}
	}
	for _, p := range sb.LegalTargets(actor, kind) {
		if p.ID == targetID {
			return nil
		}
	}
	return ErrInvalidTarget
}

// WitchDone reports whether the witch has nothing left to decide tonight.
func (sb SkillBook) WitchDone(witchID string) bool {
	save := sb.SaveAvailable(witchID) && sb.KillTarget() != ""
	return !save && !sb.PoisonAvailable(witchID)
}

// PendingNightActors lists active players who still owe a night action, in
// the order AI seats are asked.
func (sb SkillBook) PendingNightActors() []models.Player {
	var out []models.Player
	for _, match := range nightTurnOrder {
		for _, p := range sb.State.Players {
			if p.IsActive() && HasNightAction(p.Role) && !p.HasUsedSkill && match(p.Role) {
				out = append(out, p)
			}
		}
	}
	return out
}
