// Package lifecycle models the states a compute unit passes through between
// the scheduled trigger and its termination.
package lifecycle

import (
	"errors"
	"fmt"

	"spotetl/pkg/outcome"
)

// State of a single compute unit.
type State string

const (
	Requested   State = "requested"
	Provisioned State = "provisioned"
	Running     State = "running"
	Completed   State = "completed"
	Failed      State = "failed"
	Terminated  State = "terminated"
)

// ErrInvalidTransition is returned by Advance for edges outside the lifecycle graph.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

var edges = map[State][]State{
	// A request that is never fulfilled leaves nothing to clean up.
	Requested:   {Provisioned, Terminated},
	Provisioned: {Running, Failed},
	Running:     {Completed, Failed},
	Completed:   {Terminated},
	Failed:      {Terminated},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Terminated
}

// Settled reports whether the job has produced its outcome.
func (s State) Settled() bool {
	return s == Completed || s == Failed
}

// Advance validates the transition from -> to and returns to.
func Advance(from, to State) (State, error) {
	for _, next := range edges[from] {
		if next == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Path returns the intermediate states needed to move from -> to, including
// to itself, or ErrInvalidTransition if to is unreachable. Observers that only
// see some events (for example an outcome without the preceding boot) use it
// to replay the skipped edges.
func Path(from, to State) ([]State, error) {
	if from == to {
		return nil, nil
	}
	type step struct {
		state State
		path  []State
	}
	seen := map[State]bool{from: true}
	queue := []step{{state: from}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur.state] {
			if seen[next] {
				continue
			}
			path := append(append([]State(nil), cur.path...), next)
			if next == to {
				return path, nil
			}
			seen[next] = true
			queue = append(queue, step{state: next, path: path})
		}
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// FromOutcome maps an outcome status to the settled state it announces.
func FromOutcome(status outcome.Status) (State, error) {
	switch status {
	case outcome.StatusCompleted:
		return Completed, nil
	case outcome.StatusFailed:
		return Failed, nil
	default:
		return "", fmt.Errorf("%w: no state for status %q", ErrInvalidTransition, status)
	}
}
