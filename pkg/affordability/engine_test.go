package affordability

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestReverseModeScenario(t *testing.T) {
	// RequestedAmount=0 selects REVERSE: eligible is the maximum principal
	// the desired deduction can service, and the installment is the
	// desired deduction itself.
	in := Input{
		RequestedAmount:         decimal.Zero,
		TenureMonths:            96,
		DesiredDeductibleAmount: dec("266667"),
		DeductibleAmountCeiling: dec("333333"),
		MonthsUntilRetirement:   240,
		AnnualInterestRate:      15,
		MaxTenureMonths:         96,
		MinLoanAmount:           dec("100000"),
	}
	res := Compute(in)

	if res.Mode != ModeReverse {
		t.Fatalf("mode: got %s", res.Mode)
	}
	want := MaxAffordableLoan(266667, 15, 96)
	if got := res.EligibleAmount.InexactFloat64(); math.Abs(got-want) > 0.01 {
		t.Fatalf("eligible: got %v want %v", got, want)
	}
	if !res.MonthlyReturnAmount.Equal(dec("266667")) {
		t.Fatalf("monthly: got %s want 266667", res.MonthlyReturnAmount)
	}
	if res.TenureMonths != 96 {
		t.Fatalf("tenure: got %d", res.TenureMonths)
	}
}

func TestForwardModeCapsAtAffordable(t *testing.T) {
	// A requested amount above what the ceiling can service is capped at
	// the affordable maximum, not granted as asked.
	in := Input{
		RequestedAmount:         dec("20000000"),
		TenureMonths:            48,
		DesiredDeductibleAmount: decimal.Zero,
		DeductibleAmountCeiling: dec("150000"),
		MonthsUntilRetirement:   300,
		AnnualInterestRate:      15,
		MaxTenureMonths:         96,
		MinLoanAmount:           dec("100000"),
	}
	res := Compute(in)

	if res.Mode != ModeForward {
		t.Fatalf("mode: got %s", res.Mode)
	}
	maxLoan := MaxAffordableLoan(150000, 15, 48)
	if maxLoan >= 20000000 {
		t.Fatalf("scenario broken: affordable %v not below requested", maxLoan)
	}
	if got := res.EligibleAmount.InexactFloat64(); math.Abs(got-maxLoan) > 0.01 {
		t.Fatalf("eligible: got %v want capped %v", got, maxLoan)
	}
}

func TestForwardModeGrantsRequestedWhenAffordable(t *testing.T) {
	in := Input{
		RequestedAmount:         dec("1000000"),
		TenureMonths:            36,
		DesiredDeductibleAmount: decimal.Zero,
		DeductibleAmountCeiling: dec("500000"),
		MonthsUntilRetirement:   300,
		AnnualInterestRate:      15,
		MaxTenureMonths:         96,
		MinLoanAmount:           dec("100000"),
	}
	res := Compute(in)

	if !res.EligibleAmount.Equal(dec("1000000")) {
		t.Fatalf("eligible: got %s want the requested amount", res.EligibleAmount)
	}
	wantEMI := EMI(1000000, 15, 36)
	if got := res.MonthlyReturnAmount.InexactFloat64(); math.Abs(got-wantEMI) > 0.01 {
		t.Fatalf("monthly: got %v want %v", got, wantEMI)
	}
}

func TestTenureClampedToRetirement(t *testing.T) {
	in := Input{
		RequestedAmount:         dec("1000000"),
		TenureMonths:            96,
		DeductibleAmountCeiling: dec("500000"),
		MonthsUntilRetirement:   24,
		AnnualInterestRate:      15,
		MaxTenureMonths:         96,
		MinLoanAmount:           dec("100000"),
	}
	if res := Compute(in); res.TenureMonths != 24 {
		t.Fatalf("tenure: got %d want 24", res.TenureMonths)
	}
}

func TestMissingTenureFallsBackToProductMaximum(t *testing.T) {
	in := Input{
		RequestedAmount:         dec("1000000"),
		TenureMonths:            0,
		DeductibleAmountCeiling: dec("500000"),
		MonthsUntilRetirement:   300,
		AnnualInterestRate:      15,
		MaxTenureMonths:         60,
		MinLoanAmount:           dec("100000"),
	}
	if res := Compute(in); res.TenureMonths != 60 {
		t.Fatalf("tenure: got %d want 60", res.TenureMonths)
	}
}

func TestDesiredDeductionCappedByCeiling(t *testing.T) {
	in := Input{
		RequestedAmount:         decimal.Zero,
		TenureMonths:            48,
		DesiredDeductibleAmount: dec("900000"),
		DeductibleAmountCeiling: dec("300000"),
		MonthsUntilRetirement:   300,
		AnnualInterestRate:      15,
		MaxTenureMonths:         96,
		MinLoanAmount:           dec("100000"),
	}
	res := Compute(in)
	// The usable installment is min(desired, ceiling) = ceiling here.
	if !res.MonthlyReturnAmount.Equal(dec("300000")) {
		t.Fatalf("monthly: got %s want 300000", res.MonthlyReturnAmount)
	}
}

func TestFloorAtProductMinimum(t *testing.T) {
	in := Input{
		RequestedAmount:         dec("50000"),
		TenureMonths:            12,
		DeductibleAmountCeiling: dec("10000"),
		MonthsUntilRetirement:   300,
		AnnualInterestRate:      15,
		MaxTenureMonths:         96,
		MinLoanAmount:           dec("200000"),
	}
	res := Compute(in)
	if !res.EligibleAmount.Equal(dec("200000")) {
		t.Fatalf("eligible: got %s want floor 200000", res.EligibleAmount)
	}
}

func TestZeroInterestDegeneratesToStraightLine(t *testing.T) {
	if got := EMI(120000, 0, 12); got != 10000 {
		t.Fatalf("EMI at 0%%: got %v", got)
	}
	if got := MaxAffordableLoan(10000, 0, 12); got != 120000 {
		t.Fatalf("inverse at 0%%: got %v", got)
	}
}

func TestForwardReverseSymmetry(t *testing.T) {
	// EMI(maxAffordableLoan(emi)) must reproduce emi within rounding
	// tolerance for a spread of rates and tenures.
	rates := []float64{0, 9, 15, 24.5}
	tenures := []int{6, 12, 48, 96, 240}
	emis := []float64{5000, 266667, 1234567.89}

	for _, rate := range rates {
		for _, n := range tenures {
			for _, emi := range emis {
				p := MaxAffordableLoan(emi, rate, n)
				back := EMI(p, rate, n)
				if math.Abs(back-emi) > 0.01 {
					t.Fatalf("symmetry broken: rate=%v n=%d emi=%v back=%v", rate, n, emi, back)
				}
			}
		}
	}
}
