package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/mcclellann/emiledger/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

var errInstallmentNotFound = errors.New("installment not found")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLiteStore opens the database and applies pending migrations.
func NewSQLiteStore(dataSourceName string, log *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withPragmas(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// A single connection serialises writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Info("database connection established and schema migrated", zap.String("dsn", dataSourceName))
	return s, nil
}

// withPragmas enables foreign keys, WAL and a busy timeout on every connection.
func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

func (s *SQLiteStore) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	// m.Close is not called: it would close the shared *sql.DB.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations up: %w", err)
	}
	return nil
}

const loanColumns = `id, borrower_key, principal, annual_rate, tenure_months, start_date, status, created_at, updated_at`

// CreateLoan inserts a loan and its installments within a transaction.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan, installments []models.Installment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.BorrowerKey, loan.Principal, loan.AnnualRate, loan.TenureMonths,
		loan.StartDate.UTC(), string(loan.Status), loan.CreatedAt.UTC(), loan.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO installments (id, loan_id, sequence, due_date, amount, status, paid_amount, paid_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare installment insert: %w", err)
	}
	defer stmt.Close()

	for _, inst := range installments {
		if _, err := stmt.ExecContext(ctx,
			inst.ID.String(), inst.LoanID.String(), inst.Sequence, inst.DueDate.UTC(), inst.Amount,
			string(inst.Status), inst.PaidAmount, nullTime(inst.PaidDate),
		); err != nil {
			return fmt.Errorf("failed to create installment %d: %w", inst.Sequence, err)
		}
	}

	return tx.Commit()
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// GetAllLoans retrieves all loans.
func (s *SQLiteStore) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	defer rows.Close()

	return scanLoans(rows)
}

// GetLoansByStatus retrieves the loans in any of the given statuses.
func (s *SQLiteStore) GetLoansByStatus(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error) {
	if len(statuses) == 0 {
		return []*models.Loan{}, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE status IN (`+placeholders+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get loans by status: %w", err)
	}
	defer rows.Close()

	return scanLoans(rows)
}

// UpdateLoanStatus sets the lifecycle status of a loan.
func (s *SQLiteStore) UpdateLoanStatus(ctx context.Context, id uuid.UUID, status models.LoanStatus, updatedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE loans SET status = ?, updated_at = ? WHERE id = ?`, string(status), updatedAt.UTC(), id.String())
	if err != nil {
		return fmt.Errorf("failed to update loan status: %w", err)
	}
	return expectOneRow(result, ErrLoanNotFound)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLoan(row scanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, status string
	if err := row.Scan(&idStr, &loan.BorrowerKey, &loan.Principal, &loan.AnnualRate, &loan.TenureMonths,
		&loan.StartDate, &status, &loan.CreatedAt, &loan.UpdatedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid loan id %q: %w", idStr, err)
	}
	loan.ID = id
	loan.Status = models.LoanStatus(status)
	return &loan, nil
}

func scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	loans := []*models.Loan{}
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// GetInstallments retrieves a loan's installments ordered by sequence.
func (s *SQLiteStore) GetInstallments(ctx context.Context, loanID uuid.UUID) ([]models.Installment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, loan_id, sequence, due_date, amount, status, paid_amount, paid_date
		FROM installments WHERE loan_id = ? ORDER BY sequence ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get installments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	installments := []models.Installment{}
	for rows.Next() {
		var inst models.Installment
		var idStr, loanIDStr, status string
		var paidDate sql.NullTime
		if err := rows.Scan(&idStr, &loanIDStr, &inst.Sequence, &inst.DueDate, &inst.Amount, &status, &inst.PaidAmount, &paidDate); err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		if inst.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("invalid installment id %q: %w", idStr, err)
		}
		if inst.LoanID, err = uuid.Parse(loanIDStr); err != nil {
			return nil, fmt.Errorf("invalid loan id %q on installment %s: %w", loanIDStr, idStr, err)
		}
		inst.Status = models.InstallmentStatus(status)
		if paidDate.Valid {
			inst.PaidDate = &paidDate.Time
		}
		installments = append(installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for installments: %w", err)
	}
	return installments, nil
}

// GetPayments retrieves a loan's payments in the order they must be replayed.
func (s *SQLiteStore) GetPayments(ctx context.Context, loanID uuid.UUID) ([]models.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, loan_id, amount, payment_date, method, reference, created_at
		FROM payments WHERE loan_id = ? ORDER BY payment_date ASC, seq ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		var idStr, loanIDStr, method, reference string
		var paymentDate, createdAt time.Time
		var amt decimal.Decimal
		if err := rows.Scan(&idStr, &loanIDStr, &amt, &paymentDate, &method, &reference, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid payment id %q: %w", idStr, err)
		}
		paymentLoanID, err := uuid.Parse(loanIDStr)
		if err != nil {
			return nil, fmt.Errorf("invalid loan id %q on payment %s: %w", loanIDStr, idStr, err)
		}
		payments = append(payments, models.RestorePayment(
			id, paymentLoanID, amt, paymentDate,
			models.PaymentMethod(method), reference, createdAt,
		))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payments: %w", err)
	}
	return payments, nil
}

// SaveReconciliation persists a reconciliation run atomically.
func (s *SQLiteStore) SaveReconciliation(ctx context.Context, wb Writeback) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if p := wb.NewPayment; p != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payments (id, loan_id, amount, payment_date, method, reference, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID().String(), p.LoanID().String(), p.Amount(), p.PaymentDate().UTC(),
			string(p.Method()), p.Reference(), p.CreatedAt().UTC(),
		); err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE installments SET status = ?, paid_amount = ?, paid_date = ? WHERE id = ? AND loan_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare installment update: %w", err)
	}
	defer stmt.Close()

	for _, inst := range wb.Installments {
		result, err := stmt.ExecContext(ctx, string(inst.Status), inst.PaidAmount, nullTime(inst.PaidDate), inst.ID.String(), wb.LoanID.String())
		if err != nil {
			return fmt.Errorf("failed to update installment %d: %w", inst.Sequence, err)
		}
		if err := expectOneRow(result, errInstallmentNotFound); err != nil {
			return fmt.Errorf("installment %d: %w", inst.Sequence, err)
		}
	}

	result, err := tx.ExecContext(ctx, `UPDATE loans SET status = ?, updated_at = ? WHERE id = ?`,
		string(wb.Status), wb.UpdatedAt.UTC(), wb.LoanID.String())
	if err != nil {
		return fmt.Errorf("failed to update loan status: %w", err)
	}
	if err := expectOneRow(result, ErrLoanNotFound); err != nil {
		return err
	}

	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func expectOneRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
