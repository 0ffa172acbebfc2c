package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusActive    LoanStatus = "active"
	LoanStatusCompleted LoanStatus = "completed"
	LoanStatusDefaulted LoanStatus = "defaulted"
)

// Valid reports whether s is one of the known loan states.
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanStatusActive, LoanStatusCompleted, LoanStatusDefaulted:
		return true
	}
	return false
}

type Loan struct {
	ID           uuid.UUID       `json:"id"`
	BorrowerKey  string          `json:"borrower_key"` // Link to external borrower system
	Principal    decimal.Decimal `json:"principal"`
	AnnualRate   decimal.Decimal `json:"annual_rate"` // Percentage, flat over the whole tenure
	TenureMonths int             `json:"tenure_months"`
	StartDate    time.Time       `json:"start_date"`
	Status       LoanStatus      `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type InstallmentStatus string

const (
	InstallmentPending       InstallmentStatus = "pending"
	InstallmentPartiallyPaid InstallmentStatus = "partially_paid"
	InstallmentPaid          InstallmentStatus = "paid"
	InstallmentOverdue       InstallmentStatus = "overdue"
)

// Installment is one EMI of a loan. Sequence, DueDate and Amount are fixed at
// activation; Status, PaidAmount and PaidDate are owned by reconciliation.
type Installment struct {
	ID         uuid.UUID         `json:"id"`
	LoanID     uuid.UUID         `json:"loan_id"`
	Sequence   int               `json:"sequence"`
	DueDate    time.Time         `json:"due_date"`
	Amount     decimal.Decimal   `json:"amount"`
	Status     InstallmentStatus `json:"status"`
	PaidAmount decimal.Decimal   `json:"paid_amount"`
	PaidDate   *time.Time        `json:"paid_date,omitempty"`
}

// CalendarDate returns the day t falls on in its own location as midnight UTC.
// Due dates and payment dates are calendar dates, so they are compared this
// way rather than as instants.
func CalendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Outstanding returns the part of the installment still owed.
func (i Installment) Outstanding() decimal.Decimal {
	return i.Amount.Sub(i.PaidAmount)
}

type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "cash"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	PaymentMethodMobileMoney  PaymentMethod = "mobile_money"
	PaymentMethodCheque       PaymentMethod = "cheque"
)

// Payment is an immutable record of money received against a loan.
// Fields are unexported so a recorded payment cannot be edited.
type Payment struct {
	id          uuid.UUID
	loanID      uuid.UUID
	amount      decimal.Decimal
	paymentDate time.Time
	method      PaymentMethod
	reference   string
	createdAt   time.Time
}

// NewPayment creates a payment with a fresh ID.
func NewPayment(loanID uuid.UUID, amount decimal.Decimal, paymentDate time.Time, method PaymentMethod, reference string, createdAt time.Time) Payment {
	return RestorePayment(uuid.New(), loanID, amount, paymentDate, method, reference, createdAt)
}

// RestorePayment rebuilds a payment read back from storage.
func RestorePayment(id, loanID uuid.UUID, amount decimal.Decimal, paymentDate time.Time, method PaymentMethod, reference string, createdAt time.Time) Payment {
	return Payment{
		id:          id,
		loanID:      loanID,
		amount:      amount,
		paymentDate: paymentDate,
		method:      method,
		reference:   reference,
		createdAt:   createdAt,
	}
}

func (p Payment) ID() uuid.UUID { return p.id }
func (p Payment) LoanID() uuid.UUID { return p.loanID }
func (p Payment) Amount() decimal.Decimal { return p.amount }
func (p Payment) PaymentDate() time.Time { return p.paymentDate }
func (p Payment) Method() PaymentMethod { return p.method }
func (p Payment) Reference() string { return p.reference }
func (p Payment) CreatedAt() time.Time { return p.createdAt }

type paymentJSON struct {
	ID          uuid.UUID       `json:"id"`
	LoanID      uuid.UUID       `json:"loan_id"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate time.Time       `json:"payment_date"`
	Method      PaymentMethod   `json:"method"`
	Reference   string          `json:"reference,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (p Payment) MarshalJSON() ([]byte, error) {
	return json.Marshal(paymentJSON{
		ID:          p.id,
		LoanID:      p.loanID,
		Amount:      p.amount,
		PaymentDate: p.paymentDate,
		Method:      p.method,
		Reference:   p.reference,
		CreatedAt:   p.createdAt,
	})
}

func (p *Payment) UnmarshalJSON(data []byte) error {
	var raw paymentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = RestorePayment(raw.ID, raw.LoanID, raw.Amount, raw.PaymentDate, raw.Method, raw.Reference, raw.CreatedAt)
	return nil
}
