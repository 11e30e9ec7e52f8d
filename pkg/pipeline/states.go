// Package pipeline drives one job through the multi-agent state
// machine: planning, coding, reviewing, testing, fixing. Each state
// runs one bounded model interaction; transitions follow a fixed
// table and every transition updates the job record.
package pipeline

import (
	"errors"
	"fmt"

	"appforge/pkg/proto"
)

// ErrStateNotFound is returned when a restored snapshot names a state
// the transition table does not know.
var ErrStateNotFound = errors.New("unknown pipeline state")

// validTransitions is the pipeline's closed transition table.
var validTransitions = map[proto.State][]proto.State{ //nolint:gochecknoglobals
	proto.StatePending:   {proto.StatePlanning, proto.StateFailed},
	proto.StatePlanning:  {proto.StateCoding, proto.StateFailed},
	proto.StateCoding:    {proto.StateReviewing, proto.StateFailed},
	proto.StateReviewing: {proto.StateCoding, proto.StateTesting, proto.StateFailed},
	proto.StateTesting:   {proto.StateComplete, proto.StateFixing, proto.StateFailed},
	proto.StateFixing:    {proto.StateCoding, proto.StateFailed},
	proto.StateComplete:  {},
	proto.StateFailed:    {},
}

// canTransition reports whether from→to is a legal move.
func canTransition(from, to proto.State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns an error for an illegal move; callers treat
// it as a programming error, not a retryable condition.
func checkTransition(from, to proto.State) error {
	if _, ok := validTransitions[from]; !ok {
		return fmt.Errorf("%w: %s", ErrStateNotFound, from)
	}
	if !canTransition(from, to) {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	return nil
}

// roleFor names the role that acts in each working state.
func roleFor(state proto.State) proto.Role {
	switch state {
	case proto.StatePlanning:
		return proto.RolePlanner
	case proto.StateCoding:
		return proto.RoleCoder
	case proto.StateReviewing:
		return proto.RoleReviewer
	case proto.StateTesting:
		return proto.RoleTester
	case proto.StateFixing:
		return proto.RoleFixer
	default:
		return ""
	}
}
