package services

import (
	"sort"

	"github.com/jrenc2002/AIGame-sub000/models"
)

// SkillState carries role abilities across nights.
type SkillState struct {
	SaveUsed        bool   `json:"save_used"`
	PoisonUsed      bool   `json:"poison_used"`
	LastGuardTarget string `json:"last_guard_target,omitempty"`
}

// NightInput is everything the night resolution needs. It is read-only.
type NightInput struct {
	Round   int
	Players []models.Player
	Actions []models.NightAction
	Skills  SkillState
}

// SeerResult is private to the seer and never logged publicly.
type SeerResult struct {
	Round    int         `json:"round"`
	SeerID   string      `json:"seer_id"`
	TargetID string      `json:"target_id"`
	Camp     models.Camp `json:"camp"`
}

// NightOutcome is the computed result of one night.
type NightOutcome struct {
	KillTarget   string
	GuardTarget  string
	SaveTarget   string
	PoisonTarget string
	Deaths       []models.Death
	Seer         *SeerResult
	Skills       SkillState
}

// ResolveNight applies the fixed precedence: guard, witch save, werewolf
// kill, protection check, independent poison, seer check. It has no side
// effects.
func ResolveNight(in NightInput) NightOutcome {
	byID := make(map[string]models.Player, len(in.Players))
	for _, p := range in.Players {
		byID[p.ID] = p
	}
	actorIs := func(a models.NightAction, match func(models.Role) bool) bool {
		p, ok := byID[a.ActorID]
		return ok && p.IsActive() && match(p.Role)
	}
	targetOK := func(id string) bool {
		p, ok := byID[id]
		return ok && p.IsActive()
	}

	out := NightOutcome{Skills: in.Skills}

	// 1. 守卫
	for _, a := range in.Actions {
		if a.Kind == models.ActionGuard && actorIs(a, isRole(models.Guard)) && targetOK(a.TargetID) {
			if a.TargetID != in.Skills.LastGuardTarget {
				out.GuardTarget = a.TargetID
			}
			break
		}
	}
	out.Skills.LastGuardTarget = out.GuardTarget

	// 3. 狼人击杀（先算出来，女巫解药只能救被刀的人）
	out.KillTarget = WolfKillTarget(in.Players, in.Actions)

	// 2. 女巫解药
	if !in.Skills.SaveUsed {
		for _, a := range in.Actions {
			if a.Kind == models.ActionSave && actorIs(a, isRole(models.Witch)) {
				if a.TargetID != "" && a.TargetID == out.KillTarget {
					out.SaveTarget = a.TargetID
					out.Skills.SaveUsed = true
				}
				break
			}
		}
	}

	// 毒药独立于守护和解药
	if !in.Skills.PoisonUsed {
		for _, a := range in.Actions {
			if a.Kind == models.ActionPoison && actorIs(a, isRole(models.Witch)) && targetOK(a.TargetID) {
				out.PoisonTarget = a.TargetID
				out.Skills.PoisonUsed = true
				break
			}
		}
	}

	// 4. 结算死亡
	if out.KillTarget != "" && out.KillTarget != out.PoisonTarget {
		protected := out.KillTarget == out.GuardTarget || out.KillTarget == out.SaveTarget
		if !protected {
			out.Deaths = append(out.Deaths, models.Death{
				PlayerID: out.KillTarget,
				Cause:    models.CauseKilled,
				Round:    in.Round,
				Phase:    models.PhaseNight,
			})
		}
	}
	if out.PoisonTarget != "" {
		out.Deaths = append(out.Deaths, models.Death{
			PlayerID: out.PoisonTarget,
			Cause:    models.CausePoisoned,
			Round:    in.Round,
			Phase:    models.PhaseNight,
		})
	}

	// 5. 预言家查验，只看阵营
	for _, a := range in.Actions {
		if a.Kind == models.ActionCheck && actorIs(a, isRole(models.Seer)) {
			if target, ok := byID[a.TargetID]; ok {
				out.Seer = &SeerResult{
					Round:    in.Round,
					SeerID:   a.ActorID,
					TargetID: target.ID,
					Camp:     target.Role.Camp(),
				}
			}
			break
		}
	}

	return out
}

func isRole(roles ...models.Role) func(models.Role) bool {
	return func(r models.Role) bool {
		for _, want := range roles {
			if r == want {
				return true
			}
		}
		return false
	}
}

// WolfKillTarget picks the pack's target: the strict majority of kill votes
// from active wolves. On a tie the alpha wolf's choice wins if it is among the
// tied targets, otherwise the earliest submitted of the tied targets.
func WolfKillTarget(players []models.Player, actions []models.NightAction) string {
	byID := make(map[string]models.Player, len(players))
	for _, p := range players {
		byID[p.ID] = p
	}

	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	alphaChoice := ""
	for i, a := range actions {
		if a.Kind != models.ActionKill || a.TargetID == "" {
			continue
		}
		actor, ok := byID[a.ActorID]
		if !ok || !actor.IsActive() || !actor.Role.IsWolf() {
			continue
		}
		target, ok := byID[a.TargetID]
		if !ok || !target.IsActive() {
			continue
		}
		counts[a.TargetID]++
		if _, seen := firstSeen[a.TargetID]; !seen {
			firstSeen[a.TargetID] = i
		}
		if actor.Role == models.AlphaWolf {
			alphaChoice = a.TargetID
		}
	}
	if len(counts) == 0 {
		return ""
	}

	best := 0
	var tied []string
	for id, n := range counts {
		switch {
		case n > best:
			best = n
			tied = []string{id}
		case n == best:
			tied = append(tied, id)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	for _, id := range tied {
		if id == alphaChoice {
			return id
		}
	}
	sort.Slice(tied, func(i, j int) bool { return firstSeen[tied[i]] < firstSeen[tied[j]] })
	return tied[0]
}

// VoteResult 投票结果
type VoteResult struct {
	Eliminated string         `json:"eliminated,omitempty"`
	Counts     map[string]int `json:"counts"`
	IsTie      bool           `json:"is_tie"`
	TiedIDs    []string       `json:"tied_ids,omitempty"`
}

// TallyVotes eliminates the unique top vote-getter. A tie eliminates nobody.
func TallyVotes(votes []models.Vote) VoteResult {
	res := VoteResult{Counts: make(map[string]int)}
	for _, v := range votes {
		if v.TargetID != "" {
			res.Counts[v.TargetID]++
		}
	}

	best := 0
	var top []string
	for id, n := range res.Counts {
		switch {
		case n > best:
			best = n
			top = []string{id}
		case n == best:
			top = append(top, id)
		}
	}
	switch len(top) {
	case 0:
	case 1:
		res.Eliminated = top[0]
	default:
		sort.Strings(top)
		res.IsTie = true
		res.TiedIDs = top
	}
	return res
}

// CheckWinner evaluates the win condition. Werewolves win when every god
// role the game started with is eliminated, or active wolves are at least as
// many as active villager-camp players. Villagers win when no wolf is active.
func CheckWinner(players []models.Player) (models.Camp, bool) {
	wolves, villagers, godsTotal, godsActive := 0, 0, 0, 0
	for _, p := range players {
		if p.Role.IsGod() {
			godsTotal++
		}
		if !p.IsActive() {
			continue
		}
		switch p.Role.Camp() {
		case models.CampWerewolf:
			wolves++
		case models.CampVillager:
			villagers++
			if p.Role.IsGod() {
				godsActive++
			}
		}
	}

	if wolves == 0 {
		return models.CampVillager, true
	}
	if godsTotal > 0 && godsActive == 0 {
		return models.CampWerewolf, true
	}
	if wolves >= villagers {
		return models.CampWerewolf, true
	}
	return "", false
}
