// Package reconcile folds partial job results into a per-kind view model.
//
// Every function here is pure: the same inputs always produce the same
// outputs and no argument is mutated.
package reconcile

import "github.com/pingsantohq/readiness/pkg/types"

// CardStatus is the derived state of one kind's card.
type CardStatus string

const (
	CardPending CardStatus = "pending"
	CardRunning CardStatus = "running"
	CardPass    CardStatus = "pass"
	// CardWarn is part of the card vocabulary renderers accept. DeriveStatus
	// never returns it: a WARN without a FAIL reads as pass.
	CardWarn    CardStatus = "warn"
	CardFail    CardStatus = "fail"
)

// DeriveStatus computes the card status for the current entries of a kind.
// It returns false when entries is empty, in which case the caller keeps
// whatever status the card already had.
//
// FAIL dominates. A WARN without any FAIL reads as pass, as does an array
// where every entry passed. Anything else, such as an unknown status string,
// reads as running.
func DeriveStatus(entries []types.TestResult) (CardStatus, bool) {
	if len(entries) == 0 {
		return "", false
	}
	allPassed := true
	anyFailed := false
	anyWarning := false
	for _, entry := range entries {
		switch entry.Status {
		case types.StatusPass:
		case types.StatusFail:
			anyFailed = true
			allPassed = false
		case types.StatusWarn:
			anyWarning = true
			allPassed = false
		default:
			allPassed = false
		}
	}
	switch {
	case anyFailed:
		return CardFail, true
	case allPassed, anyWarning:
		return CardPass, true
	default:
		return CardRunning, true
	}
}
