package engine

import "time"

// NewState builds an empty lobby state for a (team, puzzle) pair.
func NewState(teamID, puzzleID string, rules Rules) State {
	return State{
		TeamID:          teamID,
		PuzzleID:        puzzleID,
		Participants:    []string{},
		Invites:         []Invite{},
		Ready:           map[string]bool{},
		EnteredPuzzleAt: map[string]time.Time{},
		Assignments:     map[string]string{},
		Rules:           rules,
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// FindEvent returns the first event of the given type, if any.
func FindEvent(events []Event, eventType EventType) (Event, bool) {
	for _, event := range events {
		if event.Type == eventType {
			return event, true
		}
	}
	return Event{}, false
}
