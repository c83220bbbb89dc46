package payments

import (
	"errors"
	"fmt"

	"github.com/swiftbill/swiftbill/internal/ledger"
)

// ErrIllegalTransition indicates a status change outside the legal
// transition set.
var ErrIllegalTransition = errors.New("illegal status transition")

// transitions is the complete legal transition set of the bill-payment state
// machine. initiated is the only start state; completed, failed and refunded
// are exits, with failed and completed still allowed to move to refunded
// (compensation and explicit refunds respectively).
var transitions = map[string][]string{
	ledger.StatusInitiated:           {ledger.StatusValidated, ledger.StatusFailed},
	ledger.StatusValidated:           {ledger.StatusBreakdownCalculated, ledger.StatusFailed},
	ledger.StatusBreakdownCalculated: {ledger.StatusDebited, ledger.StatusFailed},
	ledger.StatusDebited:             {ledger.StatusSubmittedToBiller, ledger.StatusFailed, ledger.StatusRefunded},
	ledger.StatusSubmittedToBiller:   {ledger.StatusCompleted, ledger.StatusFailed},
	ledger.StatusCompleted:           {ledger.StatusRefunded},
	ledger.StatusFailed:              {ledger.StatusRefunded},
	ledger.StatusRefunded:            nil,
}

// CanTransition reports whether from -> to is in the legal transition set.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
