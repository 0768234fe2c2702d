package crawler

import "fmt"

// transitions lists every legal phase change. Deleting is terminal.
var transitions = map[Phase][]Phase{
	PhasePaused:   {PhaseStarting, PhaseDeleting},
	PhaseDone:     {PhaseStarting, PhaseDeleting},
	PhaseStarting: {PhaseIndexing, PhaseDone, PhasePausing, PhasePaused},
	PhaseIndexing: {PhaseIndexing, PhaseDone, PhasePausing, PhasePaused},
	PhasePausing:  {PhasePaused, PhaseDone},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates the change from current to next and returns next.
func Transition(current, next State) (State, error) {
	if !CanTransition(current.Phase, next.Phase) {
		return current, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current.Phase, next.Phase)
	}
	return next, nil
}
