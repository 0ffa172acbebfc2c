package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/emiledger/pkg/models"
	"github.com/shopspring/decimal"
)

var ErrNoInstallments = errors.New("loan has no installments")

// ConsistencyError reports corrupted installment or payment data. The engine
// refuses to produce a result when it sees one.
type ConsistencyError struct {
	Problems []string
}

func (e *ConsistencyError) Error() string {
	return "inconsistent loan data: " + strings.Join(e.Problems, "; ")
}

// Result is the recomputed state of a loan's installments.
type Result struct {
	Installments []models.Installment
	TotalPaid    decimal.Decimal
	// Excess is money received beyond the sum of all installments.
	Excess  decimal.Decimal
	Settled bool
}

// Reconcile replays the full payment history of a loan over its installments
// and returns freshly derived statuses. Payments retire the earliest
// installment (by sequence) first. Inputs are not modified.
func Reconcile(installments []models.Installment, payments []models.Payment, asOf time.Time) (Result, error) {
	if len(installments) == 0 {
		return Result{}, ErrNoInstallments
	}

	ordered := make([]models.Installment, len(installments))
	copy(ordered, installments)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	if err := checkConsistency(ordered, payments); err != nil {
		return Result{}, err
	}

	totalPaid := decimal.Zero
	for _, p := range SortPayments(payments) {
		totalPaid = totalPaid.Add(p.Amount())
	}

	today := models.CalendarDate(asOf)
	remaining := totalPaid
	for i := range ordered {
		inst := &ordered[i]
		switch {
		case remaining.GreaterThanOrEqual(inst.Amount):
			paidOn := asOf
			inst.Status = models.InstallmentPaid
			inst.PaidAmount = inst.Amount
			inst.PaidDate = &paidOn
			remaining = remaining.Sub(inst.Amount)
		case remaining.IsPositive():
			inst.Status = models.InstallmentPartiallyPaid
			inst.PaidAmount = remaining
			inst.PaidDate = nil
			remaining = decimal.Zero
		default:
			inst.PaidAmount = decimal.Zero
			inst.PaidDate = nil
			if models.CalendarDate(inst.DueDate).Before(today) {
				inst.Status = models.InstallmentOverdue
			} else {
				inst.Status = models.InstallmentPending
			}
		}
	}

	return Result{
		Installments: ordered,
		TotalPaid:    totalPaid,
		Excess:       remaining,
		Settled:      ordered[len(ordered)-1].Status == models.InstallmentPaid,
	}, nil
}

// NextLoanStatus applies the only transition the engine owns: an active loan
// whose installments are all paid becomes completed. Every other status is
// passed through unchanged.
func NextLoanStatus(current models.LoanStatus, settled bool) models.LoanStatus {
	if current == models.LoanStatusActive && settled {
		return models.LoanStatusCompleted
	}
	return current
}

// SortPayments returns payments ordered by payment date, then creation time,
// then input order.
func SortPayments(payments []models.Payment) []models.Payment {
	out := make([]models.Payment, len(payments))
	copy(out, payments)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.PaymentDate().Equal(b.PaymentDate()) {
			return a.PaymentDate().Before(b.PaymentDate())
		}
		return a.CreatedAt().Before(b.CreatedAt())
	})
	return out
}

func checkConsistency(ordered []models.Installment, payments []models.Payment) error {
	var problems []string

	loanID := ordered[0].LoanID
	for i, inst := range ordered {
		if inst.Sequence != i+1 {
			problems = append(problems, fmt.Sprintf("installment sequence numbers are not contiguous from 1: expected %d, found %d", i+1, inst.Sequence))
			break
		}
	}
	for _, inst := range ordered {
		if inst.LoanID != loanID {
			problems = append(problems, fmt.Sprintf("installment %d belongs to loan %s, expected %s", inst.Sequence, inst.LoanID, loanID))
		}
		if !inst.Amount.IsPositive() {
			problems = append(problems, fmt.Sprintf("installment %d has non-positive amount %s", inst.Sequence, inst.Amount))
		}
	}
	for _, p := range payments {
		if !p.Amount().IsPositive() {
			problems = append(problems, fmt.Sprintf("payment %s has non-positive amount %s", p.ID(), p.Amount()))
		}
		if p.LoanID() != uuid.Nil && loanID != uuid.Nil && p.LoanID() != loanID {
			problems = append(problems, fmt.Sprintf("payment %s belongs to loan %s, expected %s", p.ID(), p.LoanID(), loanID))
		}
	}

	if len(problems) > 0 {
		return &ConsistencyError{Problems: problems}
	}
	return nil
}
