package services

import (
	"errors"
	"testing"
	"time"

	"github.com/jrenc2002/AIGame-sub000/models"
)

type emitted struct {
	typ     EventType
	to      string
	payload any
}

type recorder struct {
	events []emitted
}

func (r *recorder) emit(t EventType, to string, payload any) {
	r.events = append(r.events, emitted{typ: t, to: to, payload: payload})
}

func (r *recorder) find(t EventType) []emitted {
	var out []emitted
	for _, e := range r.events {
		if e.typ == t {
			out = append(out, e)
		}
	}
	return out
}

var t0 = time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)

func newMachine(t *testing.T, players []models.Player) (*StateMachine, *recorder) {
	t.Helper()
	rec := &recorder{}
	state := &models.GameState{GameID: "g1", Players: players}
	sm := NewStateMachine(state, DefaultPhaseDurations(), rec.emit)
	sm.Start(t0)
	return sm, rec
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStateMachineFullNight(t *testing.T) {
	sm, rec := newMachine(t, testTable())
	if sm.State().CurrentPhase != models.PhasePreparation {
		t.Fatalf("expected preparation, got %s", sm.State().CurrentPhase)
	}
	mustOK(t, sm.Advance(t0))
	if sm.State().CurrentPhase != models.PhaseNight || sm.State().CurrentRound != 1 {
		t.Fatalf("expected night of round 1, got %s/%d", sm.State().CurrentPhase, sm.State().CurrentRound)
	}

	now := t0.Add(time.Second)
	mustOK(t, sm.SubmitNight("5", models.ActionGuard, "7", now))
	mustOK(t, sm.SubmitNight("1", models.ActionKill, "7", now))

	if err := sm.SubmitNight("4", models.ActionSave, "7", now); !errors.Is(err, ErrWolvesPending) {
		t.Fatalf("save before the pack decided: expected ErrWolvesPending, got %v", err)
	}
	if err := sm.SubmitNight("7", models.ActionKill, "8", now); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("villager kill: expected ErrInvalidAction, got %v", err)
	}
	if err := sm.SubmitNight("1", models.ActionKill, "8", now); !errors.Is(err, ErrAlreadyActed) {
		t.Fatalf("second kill: expected ErrAlreadyActed, got %v", err)
	}

	mustOK(t, sm.SubmitNight("2", models.ActionKill, "7", now))
	victims := rec.find(EventNightVictim)
	if len(victims) != 1 || victims[0].to != "4" {
		t.Fatalf("witch must be told the victim privately, got %+v", victims)
	}

	mustOK(t, sm.SubmitNight("4", models.ActionSave, "7", now))
	if sm.State().FindPlayer("4").HasUsedSkill {
		t.Fatal("witch with poison left is still deciding")
	}
	mustOK(t, sm.PassNight("4", now))
	if sm.State().CurrentPhase != models.PhaseNight {
		t.Fatal("night must wait for the seer")
	}
	mustOK(t, sm.SubmitNight("3", models.ActionCheck, "2", now))

	st := sm.State()
	if st.CurrentPhase != models.PhaseDayDiscussion {
		t.Fatalf("expected discussion after the last night action, got %s", st.CurrentPhase)
	}
	if len(st.DeadPlayers) != 0 {
		t.Fatalf("guarded and saved target must survive, deaths %v", st.DeadPlayers)
	}
	if !sm.Skills().SaveUsed || sm.Skills().LastGuardTarget != "7" {
		t.Fatalf("unexpected skill state %+v", sm.Skills())
	}

	results := sm.SeerResults("3")
	if len(results) != 1 || results[0].Camp != models.CampWerewolf {
		t.Fatalf("unexpected seer results %+v", results)
	}
	for _, e := range rec.find(EventSeerResult) {
		if e.to != "3" {
			t.Fatalf("seer result leaked to %q", e.to)
		}
	}
	for _, l := range st.GameLogs {
		if l.Kind == models.LogNightResult && l.Message != "昨晚是平安夜" {
			t.Fatalf("unexpected night result log %q", l.Message)
		}
	}
}

func TestStateMachineGuardCannotRepeat(t *testing.T) {
	sm, _ := newMachine(t, testTable())
	mustOK(t, sm.Advance(t0))
	mustOK(t, sm.SubmitNight("5", models.ActionGuard, "8", t0))
	sm.Timeout(t0.Add(2 * time.Minute))
	if sm.State().CurrentPhase != models.PhaseDayDiscussion {
		t.Fatalf("expected discussion, got %s", sm.State().CurrentPhase)
	}

	sm.EnterVoting(t0.Add(3 * time.Minute))
	sm.Timeout(t0.Add(5 * time.Minute))
	if sm.State().CurrentPhase != models.PhaseNight || sm.State().CurrentRound != 2 {
		t.Fatalf("expected night 2, got %s/%d", sm.State().CurrentPhase, sm.State().CurrentRound)
	}
	if err := sm.SubmitNight("5", models.ActionGuard, "8", t0.Add(5*time.Minute)); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("guarding the same target twice: expected ErrInvalidTarget, got %v", err)
	}
	mustOK(t, sm.SubmitNight("5", models.ActionGuard, "5", t0.Add(5*time.Minute)))
}

func TestStateMachineNightDeadline(t *testing.T) {
	sm, _ := newMachine(t, testTable())
	mustOK(t, sm.Advance(t0))
	mustOK(t, sm.SubmitNight("1", models.ActionKill, "8", t0))

	late := t0.Add(DefaultPhaseDurations().Night)
	if err := sm.SubmitNight("2", models.ActionKill, "8", late); !errors.Is(err, ErrPhaseExpired) {
		t.Fatalf("expected ErrPhaseExpired, got %v", err)
	}
	sm.Timeout(late)

	st := sm.State()
	if len(st.DeadPlayers) != 1 || st.DeadPlayers[0].PlayerID != "8" {
		t.Fatalf("expected 8 to die, got %v", st.DeadPlayers)
	}
	degraded := map[string]bool{}
	for _, l := range st.GameLogs {
		if l.Kind == models.LogDegradedDecision {
			degraded[l.PlayerID] = true
		}
	}
	for _, id := range []string{"2", "3", "4", "5"} {
		if !degraded[id] {
			t.Errorf("seat %s missed the deadline without an audit entry", id)
		}
	}
	if degraded["1"] {
		t.Error("seat 1 acted and must not be logged as degraded")
	}
}

func TestStateMachineDiscussionTurns(t *testing.T) {
	sm, rec := newMachine(t, testTable())
	sm.EnterDiscussion(t0)

	if err := sm.Speak("2", "我是好人", models.EmotionCalm, t0); !errors.Is(err, ErrOutOfTurn) {
		t.Fatalf("expected ErrOutOfTurn, got %v", err)
	}
	mustOK(t, sm.Speak("1", "我是预言家", models.EmotionConfident, t0))
	mustOK(t, sm.EndTurn("1", t0))
	if len(sm.State().PlayerSpeeches) != 1 || len(rec.find(EventSpeech)) != 1 {
		t.Fatal("speech must be recorded and published once")
	}
	for _, id := range []string{"2", "3", "4", "5", "6", "7"} {
		mustOK(t, sm.SkipSpeech(id, t0))
	}
	if sm.State().CurrentPhase != models.PhaseDayDiscussion {
		t.Fatal("discussion ends only after the last speaker")
	}
	mustOK(t, sm.SkipSpeech("8", t0))
	if sm.State().CurrentPhase != models.PhaseDayVoting {
		t.Fatalf("expected voting after the last turn, got %s", sm.State().CurrentPhase)
	}
	if err := sm.Advance(t0); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("voting cannot be advanced early, got %v", err)
	}
}

func TestStateMachineVoting(t *testing.T) {
	sm, _ := newMachine(t, testTable())
	sm.EnterVoting(t0)

	mustOK(t, sm.Vote("1", "3", t0))
	if err := sm.Vote("1", "4", t0); !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}
	if err := sm.Vote("2", "2", t0); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("self vote: expected ErrInvalidTarget, got %v", err)
	}
	if err := sm.Vote("2", "nobody", t0); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("unknown target: expected ErrInvalidTarget, got %v", err)
	}
	mustOK(t, sm.Vote("2", "3", t0))
	mustOK(t, sm.Vote("3", "5", t0))
	mustOK(t, sm.Vote("4", "5", t0))
	sm.Timeout(t0.Add(2 * time.Minute))

	st := sm.State()
	if len(st.DeadPlayers) != 0 {
		t.Fatalf("a tie must eliminate nobody, got %v", st.DeadPlayers)
	}
	if st.CurrentPhase != models.PhaseNight || st.CurrentRound != 2 {
		t.Fatalf("expected night 2, got %s/%d", st.CurrentPhase, st.CurrentRound)
	}
}

func TestStateMachineVotingClosesWhenEveryoneVoted(t *testing.T) {
	sm, rec := newMachine(t, testTable())
	sm.EnterVoting(t0)
	for _, id := range []string{"1", "2", "3", "4", "5", "6", "7"} {
		mustOK(t, sm.Vote(id, "8", t0))
	}
	mustOK(t, sm.Vote("8", "1", t0))

	st := sm.State()
	if len(st.DeadPlayers) != 1 || st.DeadPlayers[0].Cause != models.CauseVoted {
		t.Fatalf("expected 8 voted out, got %v", st.DeadPlayers)
	}
	if len(rec.find(EventVoteResult)) != 1 {
		t.Fatal("vote result must be published")
	}
	if err := sm.Vote("8", "1", t0); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("voting after the tally: expected ErrWrongPhase, got %v", err)
	}
}

func TestStateMachineHunterShotAfterVote(t *testing.T) {
	sm, _ := newMachine(t, testTable())
	sm.EnterVoting(t0)
	for _, id := range []string{"1", "2", "3", "4"} {
		mustOK(t, sm.Vote(id, "6", t0))
	}
	sm.Timeout(t0.Add(2 * time.Minute))

	shot := sm.Shot()
	if shot == nil || shot.HunterID != "6" {
		t.Fatalf("expected hunter window for 6, got %+v", shot)
	}
	if err := sm.Vote("5", "1", t0.Add(2*time.Minute)); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("nothing else happens during the hunter window, got %v", err)
	}
	if err := sm.Shoot("7", "1", t0.Add(2*time.Minute)); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("only the hunter shoots, got %v", err)
	}
	mustOK(t, sm.Shoot("6", "2", t0.Add(2*time.Minute)))

	st := sm.State()
	if p := st.FindPlayer("2"); p.IsActive() {
		t.Fatal("shot target must be eliminated")
	}
	if st.CurrentPhase != models.PhaseNight || st.CurrentRound != 2 {
		t.Fatalf("expected night 2 after the shot, got %s/%d", st.CurrentPhase, st.CurrentRound)
	}
	abstained := 0
	for _, l := range st.GameLogs {
		if l.Kind == models.LogSystem {
			abstained++
		}
	}
	if abstained != 4 {
		t.Fatalf("expected 4 abstentions logged, got %d", abstained)
	}
}

func TestStateMachinePoisonedHunterCannotShoot(t *testing.T) {
	sm, _ := newMachine(t, testTable())
	mustOK(t, sm.Advance(t0))
	mustOK(t, sm.SubmitNight("4", models.ActionPoison, "6", t0))
	sm.Timeout(t0.Add(2 * time.Minute))

	if sm.Shot() != nil {
		t.Fatal("a poisoned hunter has no final shot")
	}
	if sm.State().CurrentPhase != models.PhaseDayDiscussion {
		t.Fatalf("expected discussion, got %s", sm.State().CurrentPhase)
	}
}

func TestStateMachineHunterShotEndsGame(t *testing.T) {
	players := []models.Player{
		seat("1", models.Werewolf),
		seat("2", models.Werewolf),
		seat("3", models.Seer),
		seat("4", models.Hunter),
		seat("5", models.Villager),
		seat("6", models.Villager),
	}
	sm, rec := newMachine(t, players)
	mustOK(t, sm.Advance(t0))
	mustOK(t, sm.SubmitNight("1", models.ActionKill, "4", t0))
	mustOK(t, sm.SubmitNight("2", models.ActionKill, "4", t0))
	mustOK(t, sm.SubmitNight("3", models.ActionCheck, "1", t0))

	if sm.Shot() == nil || sm.State().CurrentPhase != models.PhaseNight {
		t.Fatalf("expected an open hunter window, phase %s", sm.State().CurrentPhase)
	}
	mustOK(t, sm.Shoot("4", "3", t0))

	st := sm.State()
	if st.CurrentPhase != models.PhaseGameOver || st.Winner != models.CampWerewolf {
		t.Fatalf("losing every god must end the game, got %s winner %q", st.CurrentPhase, st.Winner)
	}
	if len(rec.find(EventGameOver)) != 1 {
		t.Fatal("game over must be published once")
	}
	if err := sm.Vote("5", "1", t0); !errors.Is(err, ErrGameOver) {
		t.Fatalf("expected ErrGameOver, got %v", err)
	}
}

func TestStateMachineHunterWindowTimesOut(t *testing.T) {
	sm, _ := newMachine(t, testTable())
	sm.EnterVoting(t0)
	mustOK(t, sm.Vote("1", "6", t0))
	sm.Timeout(t0.Add(2 * time.Minute))
	if sm.Shot() == nil {
		t.Fatal("expected hunter window")
	}
	sm.Timeout(t0.Add(3 * time.Minute))
	if sm.Shot() != nil || sm.State().CurrentPhase != models.PhaseNight {
		t.Fatal("an expired hunter window passes and the game moves on")
	}
	if len(sm.State().DeadPlayers) != 1 {
		t.Fatalf("passing shoots nobody, deaths %v", sm.State().DeadPlayers)
	}
}
