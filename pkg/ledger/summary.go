package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/emiledger/pkg/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Summary is the read model behind progress bars and due/overdue banners.
type Summary struct {
	LoanID          uuid.UUID           `json:"loan_id"`
	Status          models.LoanStatus   `json:"status"`
	TotalPayable    decimal.Decimal     `json:"total_payable"`
	TotalReceived   decimal.Decimal     `json:"total_received"`
	TotalAllocated  decimal.Decimal     `json:"total_allocated"`
	Outstanding     decimal.Decimal     `json:"outstanding"`
	Excess          decimal.Decimal     `json:"excess"`
	ProgressPercent decimal.Decimal     `json:"progress_percent"`
	PaidCount       int                 `json:"paid_count"`
	OverdueCount    int                 `json:"overdue_count"`
	OverdueAmount   decimal.Decimal     `json:"overdue_amount"`
	NextDue         *models.Installment `json:"next_due,omitempty"`
}

// Summarize computes a Summary from reconciled installments and the total
// received. Progress is measured against the flat-interest total payable.
// Overdue figures include the unpaid part of partially paid installments whose
// due date is before asOf.
func Summarize(loan *models.Loan, installments []models.Installment, totalReceived decimal.Decimal, asOf time.Time) Summary {
	s := Summary{
		LoanID:         loan.ID,
		Status:         loan.Status,
		TotalPayable:   decimal.Zero,
		TotalReceived:  totalReceived,
		TotalAllocated: decimal.Zero,
		OverdueAmount:  decimal.Zero,
	}

	today := models.CalendarDate(asOf)
	for i := range installments {
		inst := installments[i]
		s.TotalPayable = s.TotalPayable.Add(inst.Amount)
		s.TotalAllocated = s.TotalAllocated.Add(inst.PaidAmount)
		switch inst.Status {
		case models.InstallmentPaid:
			s.PaidCount++
		case models.InstallmentOverdue:
			s.OverdueCount++
			s.OverdueAmount = s.OverdueAmount.Add(inst.Outstanding())
		case models.InstallmentPartiallyPaid:
			if models.CalendarDate(inst.DueDate).Before(today) {
				s.OverdueCount++
				s.OverdueAmount = s.OverdueAmount.Add(inst.Outstanding())
			}
		}
		if s.NextDue == nil && inst.Status != models.InstallmentPaid {
			s.NextDue = &inst
		}
	}

	s.Outstanding = s.TotalPayable.Sub(s.TotalAllocated)
	s.Excess = totalReceived.Sub(s.TotalAllocated)
	if s.TotalPayable.IsPositive() {
		s.ProgressPercent = s.TotalAllocated.Mul(hundred).DivRound(s.TotalPayable, 2)
	} else {
		s.ProgressPercent = decimal.Zero
	}
	return s
}
