// Package affordability computes loan eligibility from a deduction
// ceiling. It is pure: no I/O, no persistence, safe for concurrent use.
package affordability

import (
	"math"

	"github.com/shopspring/decimal"
)

// Mode selects the direction of the computation. FORWARD derives the
// installment from a requested principal; REVERSE derives the maximum
// principal from a target installment.
type Mode string

const (
	ModeForward Mode = "FORWARD"
	ModeReverse Mode = "REVERSE"
)

// Input carries the borrower's figures together with the product limits.
// Currency values are decimals at 2dp on the wire; the amortization runs
// on float64 and rounds once at the end.
type Input struct {
	RequestedAmount         decimal.Decimal
	TenureMonths            int
	DesiredDeductibleAmount decimal.Decimal
	DeductibleAmountCeiling decimal.Decimal
	MonthsUntilRetirement   int
	AnnualInterestRate      float64 // percent, e.g. 15 for 15% p.a.
	MaxTenureMonths         int
	MinLoanAmount           decimal.Decimal
}

type Result struct {
	Mode                Mode
	EligibleAmount      decimal.Decimal
	MonthlyReturnAmount decimal.Decimal
	TenureMonths        int
}

// Compute resolves tenure and the usable EMI ceiling, picks the mode, and
// produces the eligible amount and monthly installment.
func Compute(in Input) Result {
	tenure := in.TenureMonths
	if tenure <= 0 {
		tenure = in.MaxTenureMonths
	}
	if in.MonthsUntilRetirement > 0 && tenure > in.MonthsUntilRetirement {
		tenure = in.MonthsUntilRetirement
	}

	desirableEMI := in.DeductibleAmountCeiling
	if in.DesiredDeductibleAmount.IsPositive() && in.DesiredDeductibleAmount.LessThan(desirableEMI) {
		desirableEMI = in.DesiredDeductibleAmount
	}

	mode := ModeForward
	if !in.RequestedAmount.IsPositive() || tenure <= 0 {
		mode = ModeReverse
	}

	maxLoan := MaxAffordableLoan(desirableEMI.InexactFloat64(), in.AnnualInterestRate, tenure)

	var eligible, monthly float64
	switch mode {
	case ModeForward:
		eligible = math.Min(in.RequestedAmount.InexactFloat64(), maxLoan)
		monthly = EMI(eligible, in.AnnualInterestRate, tenure)
	case ModeReverse:
		eligible = maxLoan
		monthly = desirableEMI.InexactFloat64()
	}

	eligibleDec := round2(eligible)
	if eligibleDec.LessThan(in.MinLoanAmount) {
		eligibleDec = in.MinLoanAmount.Round(2)
	}

	return Result{
		Mode:                mode,
		EligibleAmount:      eligibleDec,
		MonthlyReturnAmount: round2(monthly),
		TenureMonths:        tenure,
	}
}

// EMI is the standard reducing-balance installment:
// P * r * (1+r)^n / ((1+r)^n - 1), with r the monthly rate.
func EMI(principal, annualRatePct float64, tenureMonths int) float64 {
	if tenureMonths <= 0 || principal <= 0 {
		return 0
	}
	r := annualRatePct / 12 / 100
	if r == 0 {
		return principal / float64(tenureMonths)
	}
	factor := math.Pow(1+r, float64(tenureMonths))
	return principal * r * factor / (factor - 1)
}

// MaxAffordableLoan inverts the EMI formula, solving for the principal a
// given installment can service.
func MaxAffordableLoan(emi, annualRatePct float64, tenureMonths int) float64 {
	if tenureMonths <= 0 || emi <= 0 {
		return 0
	}
	r := annualRatePct / 12 / 100
	if r == 0 {
		return emi * float64(tenureMonths)
	}
	factor := math.Pow(1+r, float64(tenureMonths))
	return emi * (factor - 1) / (r * factor)
}

func round2(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}
