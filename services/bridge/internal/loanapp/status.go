package loanapp

import "errors"

// ErrIllegalTransition reports a transition attempted from a source state
// that does not permit it. The record is left untouched.
var ErrIllegalTransition = errors.New("illegal status transition")

// Status is the lifecycle stage of a loan application. CHARGES_QUOTED is
// deliberately absent: quotes are transient and never persisted.
type Status string

const (
	StatusReceived      Status = "RECEIVED"
	StatusFinalApproval Status = "FINAL_APPROVAL_RECEIVED"
	StatusClientCreated Status = "CLIENT_CREATED"
	StatusLoanCreated   Status = "LOAN_CREATED"
	StatusDisbursed     Status = "DISBURSED"
	StatusLiquidated    Status = "LIQUIDATED"
	StatusDefaulted     Status = "DEFAULTED"
	StatusSettled       Status = "SETTLED"
	StatusFailed        Status = "FAILED"
)

// legalEdges is the full transition table. FAILED is additionally
// reachable from every non-terminal state on unrecoverable CBS error.
var legalEdges = map[Status][]Status{
	StatusReceived:      {StatusFinalApproval},
	StatusFinalApproval: {StatusClientCreated},
	StatusClientCreated: {StatusLoanCreated},
	StatusLoanCreated:   {StatusDisbursed},
	StatusDisbursed:     {StatusLiquidated, StatusDefaulted, StatusSettled},
}

func IsTerminal(s Status) bool {
	switch s {
	case StatusLiquidated, StatusSettled, StatusDefaulted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a documented edge.
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return !IsTerminal(from)
	}
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AtOrPast reports whether the status has already reached the given stage
// of the happy path. Used for idempotency: a duplicate notification for a
// stage already passed must not re-trigger CBS work.
func AtOrPast(s, stage Status) bool {
	order := map[Status]int{
		StatusReceived:      0,
		StatusFinalApproval: 1,
		StatusClientCreated: 2,
		StatusLoanCreated:   3,
		StatusDisbursed:     4,
		StatusLiquidated:    5,
		StatusDefaulted:     5,
		StatusSettled:       5,
	}
	a, okA := order[s]
	b, okB := order[stage]
	return okA && okB && a >= b
}
