package models

import (
	"testing"
	"time"
)

func player(id string, role Role) Player {
	p := Player{ID: id, Name: "P" + id, Status: StatusActive}
	p.AssignRole(role)
	return p
}

func table() GameState {
	dead := player("5", Hunter)
	dead.Status = StatusEliminated
	return GameState{
		CurrentRound: 2,
		CurrentPhase: PhaseDayDiscussion,
		Players: []Player{
			player("1", Werewolf),
			player("2", AlphaWolf),
			player("3", Seer),
			player("4", Villager),
			dead,
		},
		NightActions: []NightAction{{ActorID: "1", Kind: ActionKill, TargetID: "4"}},
		GameLogs: []GameLog{
			{Kind: LogSystem, Message: "公开"},
			{Kind: LogDegradedDecision, PlayerID: "3", Message: "3号降级"},
			{Kind: LogDegradedDecision, PlayerID: "1", Message: "1号降级"},
		},
	}
}

func roles(gs GameState) map[string]Role {
	out := make(map[string]Role)
	for _, p := range gs.Players {
		out[p.ID] = p.Role
	}
	return out
}

func TestRoleCamp(t *testing.T) {
	cases := map[Role]Camp{
		Villager: CampVillager, Seer: CampVillager, Witch: CampVillager, Hunter: CampVillager, Guard: CampVillager,
		Werewolf: CampWerewolf, AlphaWolf: CampWerewolf, Role("jester"): CampNeutral,
	}
	for role, camp := range cases {
		if got := role.Camp(); got != camp {
			t.Errorf("%s: got %s, want %s", role, got, camp)
		}
	}
	if Villager.IsGod() || !Guard.IsGod() || !AlphaWolf.IsWolf() {
		t.Fatal("role helpers disagree with camps")
	}
}

func TestRedactForVillager(t *testing.T) {
	gs := table()
	view := gs.RedactFor("3")

	got := roles(view)
	if got["3"] != Seer {
		t.Fatal("viewer must see their own role")
	}
	if got["1"] != "" || got["2"] != "" || got["4"] != "" {
		t.Fatalf("living roles leaked: %v", got)
	}
	if got["5"] != Hunter {
		t.Fatal("eliminated players' roles are public")
	}
	if view.NightActions != nil {
		t.Fatal("night actions are never public")
	}
	if len(view.GameLogs) != 2 || view.GameLogs[1].PlayerID != "3" {
		t.Fatalf("only the viewer's own degraded entries may be shown, got %+v", view.GameLogs)
	}
	if roles(gs)["1"] != Werewolf || len(gs.GameLogs) != 3 {
		t.Fatal("redaction must not touch the source state")
	}
}

func TestRedactForWolf(t *testing.T) {
	view := table().RedactFor("1")
	got := roles(view)
	if got["2"] != AlphaWolf {
		t.Fatal("wolves see their teammates")
	}
	if got["3"] != "" {
		t.Fatal("wolves must not see the seer")
	}
}

func TestRedactForGameOver(t *testing.T) {
	gs := table()
	gs.CurrentPhase = PhaseGameOver
	view := gs.RedactFor("4")
	if roles(view)["1"] != Werewolf || len(view.GameLogs) != 3 {
		t.Fatal("game over reveals everything")
	}
}

func TestSnapshotIsDeep(t *testing.T) {
	gs := table()
	cp := gs.Snapshot()
	cp.Players[0].Status = StatusEliminated
	cp.GameLogs[0].Message = "changed"
	if !gs.Players[0].IsActive() || gs.GameLogs[0].Message != "公开" {
		t.Fatal("snapshot shares memory with the live state")
	}
}

func TestParseEmotion(t *testing.T) {
	if e, ok := ParseEmotion(" Suspicious "); !ok || e != EmotionSuspicious {
		t.Fatalf("got %s %v", e, ok)
	}
	if e, ok := ParseEmotion("furious"); ok || e != EmotionNeutral {
		t.Fatalf("unknown emotions fall back to neutral, got %s %v", e, ok)
	}
}

func TestDeadlineFromPhaseStart(t *testing.T) {
	start := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	gs := GameState{PhaseStartTime: start, PhaseTimeLimit: 90 * time.Second}
	if !gs.Deadline().Equal(start.Add(90 * time.Second)) {
		t.Fatalf("deadline %v", gs.Deadline())
	}
	if left := gs.TimeLeft(start.Add(30 * time.Second)); left != time.Minute {
		t.Fatalf("expected a minute left, got %v", left)
	}
	if left := gs.TimeLeft(start.Add(time.Hour)); left != 0 {
		t.Fatalf("time left never goes negative, got %v", left)
	}
}
