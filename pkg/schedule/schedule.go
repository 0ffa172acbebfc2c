package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// CurrencyPlaces is the number of decimal places of the smallest currency unit.
	CurrencyPlaces int32 = 2

	MinTenureMonths = 1
	MaxTenureMonths = 360
)

var (
	hundred       = decimal.NewFromInt(100)
	maxAnnualRate = decimal.NewFromInt(1000)
)

// LoanTerms are the immutable inputs of a schedule. AnnualRate is a
// percentage applied once over the whole tenure (flat interest).
type LoanTerms struct {
	Principal    decimal.Decimal
	AnnualRate   decimal.Decimal
	TenureMonths int
	StartDate    time.Time
}

// Entry is one generated installment.
type Entry struct {
	Sequence int
	DueDate  time.Time
	Amount   decimal.Decimal
}

// ValidationError lists every constraint violated by a set of loan terms.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid loan terms: " + strings.Join(e.Violations, "; ")
}

// TotalPayable returns principal * (1 + rate/100) rounded to the currency unit.
func TotalPayable(principal, annualRate decimal.Decimal) decimal.Decimal {
	return principal.Mul(decimal.NewFromInt(1).Add(annualRate.Div(hundred))).Round(CurrencyPlaces)
}

// Validate checks the terms and returns a *ValidationError naming every
// violated constraint, or nil.
func Validate(terms LoanTerms) error {
	var violations []string

	if !terms.Principal.IsPositive() {
		violations = append(violations, "principal must be greater than 0")
	}
	if terms.AnnualRate.IsNegative() {
		violations = append(violations, "annual rate must not be negative")
	}
	if terms.AnnualRate.GreaterThan(maxAnnualRate) {
		violations = append(violations, fmt.Sprintf("annual rate must not exceed %s%%", maxAnnualRate))
	}
	if terms.TenureMonths < MinTenureMonths || terms.TenureMonths > MaxTenureMonths {
		violations = append(violations, fmt.Sprintf("tenure must be between %d and %d months", MinTenureMonths, MaxTenureMonths))
	}
	if terms.StartDate.IsZero() {
		violations = append(violations, "start date is required")
	}

	// Rounding can only leave an empty installment when the other inputs are sane.
	if len(violations) == 0 {
		regular, last := installmentAmounts(terms)
		if !regular.IsPositive() || !last.IsPositive() {
			violations = append(violations, fmt.Sprintf("principal %s is too small to spread over %d months", terms.Principal, terms.TenureMonths))
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// installmentAmounts returns the regular installment and the last one, which
// absorbs the rounding residual so the schedule sums to TotalPayable exactly.
func installmentAmounts(terms LoanTerms) (regular, last decimal.Decimal) {
	total := TotalPayable(terms.Principal, terms.AnnualRate)
	n := decimal.NewFromInt(int64(terms.TenureMonths))
	regular = total.DivRound(n, CurrencyPlaces)
	last = total.Sub(regular.Mul(decimal.NewFromInt(int64(terms.TenureMonths - 1))))
	return regular, last
}

// Generate turns loan terms into an ordered schedule of installments.
// Installment k is due k calendar months after the start date.
func Generate(terms LoanTerms) ([]Entry, error) {
	if err := Validate(terms); err != nil {
		return nil, err
	}

	regular, last := installmentAmounts(terms)

	entries := make([]Entry, 0, terms.TenureMonths)
	for k := 1; k <= terms.TenureMonths; k++ {
		amount := regular
		if k == terms.TenureMonths {
			amount = last
		}
		entries = append(entries, Entry{
			Sequence: k,
			DueDate:  AddMonths(terms.StartDate, k),
			Amount:   amount,
		})
	}
	return entries, nil
}

// AddMonths moves t forward by months calendar months, keeping the day of
// month and clamping to the last day of shorter months. time.AddDate would
// normalise Jan 31 + 1 month to Mar 2/3 instead.
func AddMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	first := time.Date(year, month+time.Month(months), 1, hour, minute, sec, t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
