package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/emiledger/pkg/models"
)

var ErrLoanNotFound = errors.New("loan not found")

// Writeback is the outcome of one reconciliation run. It is persisted
// atomically: the optional new payment, every installment's status fields and
// the loan status.
type Writeback struct {
	LoanID       uuid.UUID
	Status       models.LoanStatus
	Installments []models.Installment
	NewPayment   *models.Payment
	UpdatedAt    time.Time
}

// Storage defines the interface for database operations related to loans,
// installments and payments. Payments are append-only.
type Storage interface {
	// CreateLoan stores a loan together with its full installment schedule.
	CreateLoan(ctx context.Context, loan *models.Loan, installments []models.Installment) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	GetAllLoans(ctx context.Context) ([]*models.Loan, error)
	// GetLoansByStatus returns the loans in any of the given statuses.
	GetLoansByStatus(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error)
	UpdateLoanStatus(ctx context.Context, id uuid.UUID, status models.LoanStatus, updatedAt time.Time) error

	// GetInstallments returns a loan's installments ordered by sequence number.
	GetInstallments(ctx context.Context, loanID uuid.UUID) ([]models.Installment, error)
	// GetPayments returns a loan's payments ordered by payment date, then insertion order.
	GetPayments(ctx context.Context, loanID uuid.UUID) ([]models.Payment, error)

	SaveReconciliation(ctx context.Context, wb Writeback) error

	Close() error
}
