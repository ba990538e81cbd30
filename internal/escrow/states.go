package escrow

import (
	"github.com/Neocreb/eloity-trading/common/errors"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

// transitions is the full state machine. Absence means the move is invalid;
// repeating a completed transition is rejected the same way, so retries are
// safe no-ops for the caller.
var transitions = map[string][]string{
	models.EscrowStatePendingFunds:     {models.EscrowStateFunded},
	models.EscrowStateFunded:           {models.EscrowStateReleaseRequested, models.EscrowStateDisputed},
	models.EscrowStateReleaseRequested: {models.EscrowStateReleased, models.EscrowStateDisputed},
	models.EscrowStateDisputed:         {models.EscrowStateResolvedPayer, models.EscrowStateResolvedPayee},
	models.EscrowStateReleased:         nil,
	models.EscrowStateResolvedPayer:    nil,
	models.EscrowStateResolvedPayee:    nil,
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to string) error {
	if !canTransition(from, to) {
		return errors.Wrap(errors.ErrInvalidTransition, "escrow transition %s -> %s", from, to)
	}
	return nil
}

// IsTerminal reports whether the state admits no further transitions.
func IsTerminal(state string) bool {
	return len(transitions[state]) == 0
}
