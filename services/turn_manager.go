package services

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/jrenc2002/AIGame-sub000/models"
)

var (
	ErrOutOfTurn          = errors.New("not this player's turn to speak")
	ErrDiscussionComplete = errors.New("discussion is already complete")
)

// TurnManager holds the speaking order of one discussion phase.
type TurnManager struct {
	order    []string
	index    int
	complete bool
}

// NewTurnManager orders the active players by ascending seat id.
func NewTurnManager(players []models.Player) *TurnManager {
	order := make([]string, 0, len(players))
	for _, p := range players {
		if p.IsActive() {
			order = append(order, p.ID)
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return seatLess(order[i], order[j]) })
	return &TurnManager{order: order, complete: len(order) == 0}
}

// seatLess compares numerically when both ids are numbers.
func seatLess(a, b string) bool {
	ai, errA := strconv.Atoi(a)
	bi, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return ai < bi
	}
	if (errA == nil) != (errB == nil) {
		return errA == nil
	}
	return a < b
}

// Order returns a copy of the speaking order.
func (tm *TurnManager) Order() []string {
	return append([]string(nil), tm.order...)
}

// Current 当前发言人
func (tm *TurnManager) Current() (string, bool) {
	if tm.complete || tm.index >= len(tm.order) {
		return "", false
	}
	return tm.order[tm.index], true
}

// Complete reports whether every speaker has had a turn.
func (tm *TurnManager) Complete() bool {
	return tm.complete
}

// Advance moves to the next speaker, or marks the discussion complete when
// the list is exhausted.
func (tm *TurnManager) Advance() {
	if tm.complete {
		return
	}
	tm.index++
	if tm.index >= len(tm.order) {
		tm.complete = true
	}
}

func (tm *TurnManager) checkTurn(playerID string) error {
	if tm.complete {
		return ErrDiscussionComplete
	}
	current, _ := tm.Current()
	if current != playerID {
		return fmt.Errorf("%w: current speaker is %s", ErrOutOfTurn, current)
	}
	return nil
}

// Speak validates that playerID holds the floor. The turn stays with the
// speaker until they end it or skip.
func (tm *TurnManager) Speak(playerID string) error {
	return tm.checkTurn(playerID)
}

// Skip passes the turn without speaking.
func (tm *TurnManager) Skip(playerID string) error {
	if err := tm.checkTurn(playerID); err != nil {
		return err
	}
	tm.Advance()
	return nil
}

// End finishes the speaker's turn.
func (tm *TurnManager) End(playerID string) error {
	return tm.Skip(playerID)
}

// Drop removes a player who left the game mid-discussion (e.g. shot by the
// hunter). Dropping the current speaker passes the turn.
func (tm *TurnManager) Drop(playerID string) {
	for i, id := range tm.order {
		if id != playerID {
			continue
		}
		if i < tm.index {
			tm.order = append(tm.order[:i], tm.order[i+1:]...)
			tm.index--
			return
		}
		tm.order = append(tm.order[:i], tm.order[i+1:]...)
		if tm.index >= len(tm.order) {
			tm.complete = true
		}
		return
	}
}
