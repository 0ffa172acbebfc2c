package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/emiledger/pkg/metrics"
	"github.com/mcclellann/emiledger/pkg/models"
	"github.com/mcclellann/emiledger/pkg/reconcile"
	"github.com/mcclellann/emiledger/pkg/schedule"
	"github.com/mcclellann/emiledger/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrLoanNotActive  = errors.New("loan is not active")
	ErrInvalidPayment = errors.New("invalid payment")
)

// Ledger runs the loan workflows around the schedule generator and the
// reconciliation engine and persists their results.
type Ledger struct {
	storage store.Storage
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	locks   *loanLocks
}

type Option func(*Ledger)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, log *zap.Logger, m *metrics.Metrics, opts ...Option) *Ledger {
	l := &Ledger{
		storage: s,
		log:     log,
		metrics: m,
		now:     time.Now,
		locks:   newLoanLocks(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Outcome is what a reconciliation run produced and persisted.
type Outcome struct {
	Loan         *models.Loan         `json:"loan"`
	Payment      *models.Payment      `json:"payment,omitempty"`
	Installments []models.Installment `json:"installments"`
	Settled      bool                 `json:"settled"`
	Excess       decimal.Decimal      `json:"excess"`
	Summary      Summary              `json:"summary"`
}

// ActivateLoan generates the schedule for terms and stores the loan together
// with all of its installments.
func (l *Ledger) ActivateLoan(ctx context.Context, borrowerKey string, terms schedule.LoanTerms) (*models.Loan, []models.Installment, error) {
	entries, err := schedule.Generate(terms)
	if err != nil {
		return nil, nil, err
	}

	now := l.now()
	loan := &models.Loan{
		ID:           uuid.New(),
		BorrowerKey:  borrowerKey,
		Principal:    terms.Principal,
		AnnualRate:   terms.AnnualRate,
		TenureMonths: terms.TenureMonths,
		StartDate:    terms.StartDate,
		Status:       models.LoanStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	installments := Installments(loan.ID, entries)

	if err := l.storage.CreateLoan(ctx, loan, installments); err != nil {
		return nil, nil, fmt.Errorf("failed to store loan: %w", err)
	}

	l.metrics.LoansActivated.Inc()
	l.log.Info("loan activated",
		zap.String("loan_id", loan.ID.String()),
		zap.String("borrower_key", borrowerKey),
		zap.String("principal", terms.Principal.StringFixed(2)),
		zap.Int("installments", len(installments)),
	)
	return loan, installments, nil
}

// Installments turns generated schedule entries into pending installments of a loan.
func Installments(loanID uuid.UUID, entries []schedule.Entry) []models.Installment {
	out := make([]models.Installment, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.Installment{
			ID:         uuid.New(),
			LoanID:     loanID,
			Sequence:   e.Sequence,
			DueDate:    e.DueDate,
			Amount:     e.Amount,
			Status:     models.InstallmentPending,
			PaidAmount: decimal.Zero,
		})
	}
	return out
}

// PaymentRequest describes a payment to append to a loan.
type PaymentRequest struct {
	LoanID      uuid.UUID
	Amount      decimal.Decimal
	PaymentDate time.Time // zero means now
	Method      models.PaymentMethod
	Reference   string
}

// RecordPayment appends a payment and reconciles the loan over its complete
// payment history. The payment and the recomputed state are stored together.
func (l *Ledger) RecordPayment(ctx context.Context, req PaymentRequest) (*Outcome, error) {
	now := l.now()
	if req.PaymentDate.IsZero() {
		req.PaymentDate = now
	}
	if err := validatePayment(req, now); err != nil {
		return nil, err
	}

	unlock := l.locks.lock(req.LoanID)
	defer unlock()

	p := models.NewPayment(req.LoanID, req.Amount, req.PaymentDate, req.Method, req.Reference, now)
	out, err := l.reconcileLocked(ctx, req.LoanID, &p, now)
	if err != nil {
		return nil, err
	}

	l.metrics.PaymentsRecorded.WithLabelValues(string(req.Method)).Inc()
	l.log.Info("payment recorded",
		zap.String("loan_id", req.LoanID.String()),
		zap.String("payment_id", p.ID().String()),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.String("method", string(req.Method)),
		zap.String("loan_status", string(out.Loan.Status)),
	)
	return out, nil
}

func validatePayment(req PaymentRequest, now time.Time) error {
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPayment)
	}
	switch req.Method {
	case models.PaymentMethodCash, models.PaymentMethodBankTransfer, models.PaymentMethodMobileMoney, models.PaymentMethodCheque:
	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidPayment, req.Method)
	}
	// Payment dates are calendar dates; today in the server's zone is allowed.
	if models.CalendarDate(req.PaymentDate).After(models.CalendarDate(now)) {
		return fmt.Errorf("%w: payment date %s is in the future", ErrInvalidPayment, req.PaymentDate.Format(time.DateOnly))
	}
	return nil
}

// Reconcile re-derives a loan's installment statuses as of now without a new
// payment. Used to move unpaid installments to overdue as time passes.
func (l *Ledger) Reconcile(ctx context.Context, loanID uuid.UUID) (*Outcome, error) {
	unlock := l.locks.lock(loanID)
	defer unlock()
	return l.reconcileLocked(ctx, loanID, nil, l.now())
}

// reconcileLocked must be called with the loan's lock held.
func (l *Ledger) reconcileLocked(ctx context.Context, loanID uuid.UUID, newPayment *models.Payment, asOf time.Time) (_ *Outcome, err error) {
	started := time.Now()
	defer func() {
		l.metrics.ReconcileDuration.Observe(time.Since(started).Seconds())
		outcome := "ok"
		var cerr *reconcile.ConsistencyError
		switch {
		case errors.As(err, &cerr), errors.Is(err, reconcile.ErrNoInstallments):
			outcome = "inconsistent"
		case err != nil:
			outcome = "error"
		}
		l.metrics.Reconciliations.WithLabelValues(outcome).Inc()
	}()

	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	installments, err := l.storage.GetInstallments(ctx, loanID)
	if err != nil {
		return nil, err
	}
	payments, err := l.storage.GetPayments(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if newPayment != nil {
		payments = append(payments, *newPayment)
	}

	res, err := reconcile.Reconcile(installments, payments, asOf)
	if err != nil {
		l.log.Error("refusing to reconcile loan",
			zap.String("loan_id", loanID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("reconcile loan %s: %w", loanID, err)
	}

	previous := loan.Status
	loan.Status = reconcile.NextLoanStatus(loan.Status, res.Settled)
	loan.UpdatedAt = asOf

	if err := l.storage.SaveReconciliation(ctx, store.Writeback{
		LoanID:       loanID,
		Status:       loan.Status,
		Installments: res.Installments,
		NewPayment:   newPayment,
		UpdatedAt:    asOf,
	}); err != nil {
		return nil, fmt.Errorf("failed to save reconciliation: %w", err)
	}

	if previous != loan.Status {
		l.metrics.LoansCompleted.Inc()
		l.log.Info("loan completed",
			zap.String("loan_id", loanID.String()),
			zap.String("total_paid", res.TotalPaid.StringFixed(2)),
		)
	}

	return &Outcome{
		Loan:         loan,
		Payment:      newPayment,
		Installments: res.Installments,
		Settled:      res.Settled,
		Excess:       res.Excess,
		Summary:      Summarize(loan, res.Installments, res.TotalPaid, asOf),
	}, nil
}

// RefreshOverdue reconciles every active or defaulted loan as of now. Failures
// are logged and do not stop the sweep; the number of loans that failed is
// returned.
func (l *Ledger) RefreshOverdue(ctx context.Context) (int, error) {
	loans, err := l.storage.GetLoansByStatus(ctx, models.LoanStatusActive, models.LoanStatusDefaulted)
	if err != nil {
		return 0, fmt.Errorf("failed to get open loans: %w", err)
	}

	failed := 0
	overdue := 0
	for _, loan := range loans {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		out, err := l.Reconcile(ctx, loan.ID)
		if err != nil {
			failed++
			l.log.Error("overdue refresh failed", zap.String("loan_id", loan.ID.String()), zap.Error(err))
			continue
		}
		overdue += out.Summary.OverdueCount
	}
	l.metrics.OverdueInstallments.Set(float64(overdue))
	l.log.Info("overdue refresh complete",
		zap.Int("loans", len(loans)),
		zap.Int("failed", failed),
		zap.Int("overdue_installments", overdue),
	)
	return failed, nil
}

// MarkDefaulted moves an active loan to defaulted. This is an administrative
// decision; reconciliation never reverts it.
func (l *Ledger) MarkDefaulted(ctx context.Context, loanID uuid.UUID) (*models.Loan, error) {
	unlock := l.locks.lock(loanID)
	defer unlock()

	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != models.LoanStatusActive {
		return nil, ErrLoanNotActive
	}

	loan.Status = models.LoanStatusDefaulted
	loan.UpdatedAt = l.now()
	if err := l.storage.UpdateLoanStatus(ctx, loanID, loan.Status, loan.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to update loan status: %w", err)
	}
	l.log.Warn("loan marked defaulted", zap.String("loan_id", loanID.String()))
	return loan, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(ctx, id)
}

// GetAllLoans retrieves all loans.
func (l *Ledger) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	return l.storage.GetAllLoans(ctx)
}

// GetInstallments returns the stored schedule of a loan.
func (l *Ledger) GetInstallments(ctx context.Context, loanID uuid.UUID) ([]models.Installment, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.GetInstallments(ctx, loanID)
}

// GetPayments returns the payment history of a loan.
func (l *Ledger) GetPayments(ctx context.Context, loanID uuid.UUID) ([]models.Payment, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.GetPayments(ctx, loanID)
}

// GetSummary derives the loan's progress as of now from the stored schedule
// and payments. Nothing is written.
func (l *Ledger) GetSummary(ctx context.Context, loanID uuid.UUID) (*Summary, error) {
	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	installments, err := l.storage.GetInstallments(ctx, loanID)
	if err != nil {
		return nil, err
	}
	payments, err := l.storage.GetPayments(ctx, loanID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	res, err := reconcile.Reconcile(installments, payments, now)
	if err != nil {
		return nil, fmt.Errorf("reconcile loan %s: %w", loanID, err)
	}
	s := Summarize(loan, res.Installments, res.TotalPaid, now)
	return &s, nil
}
