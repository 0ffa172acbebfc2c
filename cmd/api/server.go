package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/emiledger/pkg/ledger"
	"github.com/mcclellann/emiledger/pkg/models"
	"github.com/mcclellann/emiledger/pkg/reconcile"
	"github.com/mcclellann/emiledger/pkg/schedule"
	"github.com/mcclellann/emiledger/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Server holds the ledger instance.
type Server struct {
	ledger   *ledger.Ledger
	storage  store.Storage // Keep a reference to the storage to close it
	log      *zap.Logger
	validate *validator.Validate
	gatherer prometheus.Gatherer
}

func NewServer(s store.Storage, l *ledger.Ledger, log *zap.Logger, gatherer prometheus.Gatherer) *Server {
	v := validator.New()
	// Report JSON names in violations.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		ledger:   l,
		storage:  s,
		log:      log,
		validate: v,
		gatherer: gatherer,
	}
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/installments", s.listInstallmentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.listPaymentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/reconcile", s.reconcileHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/default", s.defaultLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/summary", s.summaryHandler).Methods("GET")
	router.HandleFunc("/schedule/preview", s.previewScheduleHandler).Methods("POST")
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	return router
}

type termsRequest struct {
	Principal    json.Number `json:"principal" validate:"required,numeric"`
	AnnualRate   json.Number `json:"annual_rate" validate:"required,numeric"`
	TenureMonths int         `json:"tenure_months" validate:"required"`
	StartDate    string      `json:"start_date" validate:"required,datetime=2006-01-02"`
}

type createLoanRequest struct {
	BorrowerKey string `json:"borrower_key" validate:"required,max=64"`
	termsRequest
}

type paymentRequest struct {
	Amount      json.Number `json:"amount" validate:"required,numeric"`
	PaymentDate string      `json:"payment_date" validate:"omitempty,datetime=2006-01-02"`
	Method      string      `json:"method" validate:"required,oneof=cash bank_transfer mobile_money cheque"`
	Reference   string      `json:"reference" validate:"max=128"`
}

type scheduleEntry struct {
	Sequence int             `json:"sequence"`
	DueDate  string          `json:"due_date"`
	Amount   decimal.Decimal `json:"amount"`
}

type schedulePreview struct {
	TotalPayable decimal.Decimal `json:"total_payable"`
	Installments []scheduleEntry `json:"installments"`
}

type loanResponse struct {
	Loan         *models.Loan         `json:"loan"`
	Installments []models.Installment `json:"installments"`
}

type errorResponse struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
}

// terms converts the request into domain terms. Parse failures are reported
// the same way as domain violations.
func (r termsRequest) terms() (schedule.LoanTerms, error) {
	var violations []string
	principal, err := decimal.NewFromString(r.Principal.String())
	if err != nil {
		violations = append(violations, "principal is not a decimal number")
	}
	rate, err := decimal.NewFromString(r.AnnualRate.String())
	if err != nil {
		violations = append(violations, "annual_rate is not a decimal number")
	}
	start, err := time.Parse(time.DateOnly, r.StartDate)
	if err != nil {
		violations = append(violations, "start_date must be YYYY-MM-DD")
	}
	if len(violations) > 0 {
		return schedule.LoanTerms{}, &schedule.ValidationError{Violations: violations}
	}
	return schedule.LoanTerms{
		Principal:    principal,
		AnnualRate:   rate,
		TenureMonths: r.TenureMonths,
		StartDate:    start,
	}, nil
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if !s.decode(w, r, &req) {
		return
	}
	terms, err := req.terms()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	loan, installments, err := s.ledger.ActivateLoan(r.Context(), req.BorrowerKey, terms)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, loanResponse{Loan: loan, Installments: installments})
}

func (s *Server) previewScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req termsRequest
	if !s.decode(w, r, &req) {
		return
	}
	terms, err := req.terms()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	entries, err := schedule.Generate(terms)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	preview := schedulePreview{
		TotalPayable: schedule.TotalPayable(terms.Principal, terms.AnnualRate),
		Installments: make([]scheduleEntry, 0, len(entries)),
	}
	for _, e := range entries {
		preview.Installments = append(preview.Installments, scheduleEntry{
			Sequence: e.Sequence,
			DueDate:  e.DueDate.Format(time.DateOnly),
			Amount:   e.Amount,
		})
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDFromPath(w, r)
	if !ok {
		return
	}

	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.GetAllLoans(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) listInstallmentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDFromPath(w, r)
	if !ok {
		return
	}

	installments, err := s.ledger.GetInstallments(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, installments)
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDFromPath(w, r)
	if !ok {
		return
	}

	payments, err := s.ledger.GetPayments(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDFromPath(w, r)
	if !ok {
		return
	}

	var req paymentRequest
	if !s.decode(w, r, &req) {
		return
	}

	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "amount is not a decimal number"})
		return
	}
	var paidOn time.Time
	if req.PaymentDate != "" {
		// Already checked by the datetime tag.
		paidOn, _ = time.Parse(time.DateOnly, req.PaymentDate)
	}

	out, err := s.ledger.RecordPayment(r.Context(), ledger.PaymentRequest{
		LoanID:      loanID,
		Amount:      amount,
		PaymentDate: paidOn,
		Method:      models.PaymentMethod(req.Method),
		Reference:   req.Reference,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDFromPath(w, r)
	if !ok {
		return
	}

	out, err := s.ledger.Reconcile(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) defaultLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDFromPath(w, r)
	if !ok {
		return
	}

	loan, err := s.ledger.MarkDefaulted(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDFromPath(w, r)
	if !ok {
		return
	}

	summary, err := s.ledger.GetSummary(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func loanIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	loanID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid loan ID"})
		return uuid.Nil, false
	}
	return loanID, true
}

// decode reads a JSON body into dst and runs the struct validator over it. On
// failure the response has already been written.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			s.writeError(w, r, err)
			return false
		}
		resp := errorResponse{Error: "invalid request"}
		for _, fe := range verrs {
			resp.Violations = append(resp.Violations, violationMessage(fe))
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "numeric":
		return fe.Field() + " must be a number"
	case "datetime":
		return fe.Field() + " must be a date in " + fe.Param() + " format"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// writeError maps domain errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *schedule.ValidationError
		cerr *reconcile.ConsistencyError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid loan terms", Violations: verr.Violations})
	case errors.Is(err, ledger.ErrInvalidPayment):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrLoanNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "loan not found"})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "inconsistent loan data", Violations: cerr.Problems})
	case errors.Is(err, reconcile.ErrNoInstallments):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, ledger.ErrLoanNotActive):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
