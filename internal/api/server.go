// Package api exposes the operator surface of riskd over HTTP: panic switch
// control, live and archived liquidation cases, risk snapshots, the
// insurance fund, and a WebSocket stream of alerts and snapshots.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/alert"
	"github.com/atmx/risk-engine/internal/liquidation"
	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/panicswitch"
	"github.com/atmx/risk-engine/internal/store"
	"github.com/atmx/risk-engine/internal/surveillance"
)

// PanicControl is the panic switch as seen by operators.
type PanicControl interface {
	State() panicswitch.State
	Trigger(ctx context.Context, caller string) bool
	Reset(ctx context.Context, caller string) bool
}

// Evaluator is the risk loop's query side.
type Evaluator interface {
	Evaluate(ctx context.Context, userID string) (model.RiskSnapshot, error)
	Trigger(ctx context.Context, userID string) (model.LiquidationCase, error)
	Snapshot(userID string) (model.RiskSnapshot, bool)
	Snapshots() []model.RiskSnapshot
	LastScan() (surveillance.Report, bool)
}

// LiveCases lists in-flight liquidations.
type LiveCases interface {
	Live() []model.LiquidationCase
}

// FundView reads the insurance fund.
type FundView interface {
	Balance() decimal.Decimal
	LossFraction() decimal.Decimal
	Debits() int
}

// Deps are the collaborators the handlers read and drive. Hub and Alerts
// are optional.
type Deps struct {
	Panic   PanicControl
	Loop    Evaluator
	Live    LiveCases
	Cases   store.CaseStore
	Fund    FundView
	Hub     *Hub
	Alerts  *alert.Recorder
	Timeout time.Duration // per-request timeout; 0 = 30s
}

// Server holds the HTTP handlers.
type Server struct {
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger
}

// NewServer creates the handler set.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 30 * time.Second
	}
	return &Server{
		deps:     deps,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "api")),
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for operator dashboards.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream; no request timeout.
		if s.deps.Hub != nil {
			r.Get("/ws", s.deps.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.deps.Timeout))

			r.Get("/admin/panic", s.GetPanic)
			r.Post("/admin/panic", s.TriggerPanic)
			r.Delete("/admin/panic", s.ResetPanic)

			r.Get("/cases", s.ListLiveCases)
			r.Get("/cases/{userID}/history", s.CaseHistory)

			r.Get("/snapshots", s.ListSnapshots)
			r.Get("/snapshots/{userID}", s.GetSnapshot)
			r.Post("/accounts/{userID}/evaluate", s.EvaluateAccount)
			r.Post("/accounts/{userID}/liquidate", s.LiquidateAccount)

			r.Get("/insurance", s.GetInsurance)
			r.Get("/surveillance", s.GetSurveillance)
			r.Get("/alerts", s.RecentAlerts)
		})
	})
	return r
}

// --- Request/Response types ---

// PanicRequest is the JSON body for POST/DELETE /admin/panic.
type PanicRequest struct {
	Identity string `json:"identity" validate:"max=320"`
	Reason   string `json:"reason,omitempty" validate:"max=1024"`
}

// InsuranceResponse is the JSON body for GET /insurance.
type InsuranceResponse struct {
	Balance      decimal.Decimal `json:"balance"`
	LossFraction decimal.Decimal `json:"loss_fraction"`
	Debits       int             `json:"debits"`
	Depleted     bool            `json:"depleted"`
}

// --- HTTP Handlers ---

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "riskd",
		"halted":  s.deps.Panic.State().Armed,
	})
}

// GetPanic handles GET /api/v1/admin/panic.
func (s *Server) GetPanic(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Panic.State())
}

// TriggerPanic handles POST /api/v1/admin/panic.
func (s *Server) TriggerPanic(w http.ResponseWriter, r *http.Request) {
	s.panicTransition(w, r, s.deps.Panic.Trigger)
}

// ResetPanic handles DELETE /api/v1/admin/panic.
func (s *Server) ResetPanic(w http.ResponseWriter, r *http.Request) {
	s.panicTransition(w, r, s.deps.Panic.Reset)
}

func (s *Server) panicTransition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) bool) {
	var req PanicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Reason != "" {
		s.logger.InfoContext(r.Context(), "panic switch request", "method", r.Method, "reason", req.Reason)
	}
	// The switch logs and alerts on rejection; identities never reach the
	// response.
	if !op(r.Context(), req.Identity) {
		writeError(w, panicswitch.ErrUnauthorized.Error(), http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Panic.State())
}

// ListLiveCases handles GET /api/v1/cases.
func (s *Server) ListLiveCases(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Live.Live())
}

// CaseHistory handles GET /api/v1/cases/{userID}/history?limit=N.
func (s *Server) CaseHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	cases, err := s.deps.Cases.ListCases(r.Context(), userID, limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to list cases", "user", userID, "err", err)
		writeError(w, "failed to list cases", http.StatusInternalServerError)
		return
	}
	if cases == nil {
		cases = []model.LiquidationCase{}
	}
	writeJSON(w, http.StatusOK, cases)
}

// ListSnapshots handles GET /api/v1/snapshots.
func (s *Server) ListSnapshots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Loop.Snapshots())
}

// GetSnapshot handles GET /api/v1/snapshots/{userID}.
func (s *Server) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.deps.Loop.Snapshot(chi.URLParam(r, "userID"))
	if !ok {
		writeError(w, "no snapshot for account", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// EvaluateAccount handles POST /api/v1/accounts/{userID}/evaluate.
func (s *Server) EvaluateAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	snap, err := s.deps.Loop.Evaluate(r.Context(), userID)
	if err != nil {
		s.writeEvalError(w, r, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// LiquidateAccount handles POST /api/v1/accounts/{userID}/liquidate. The
// waterfall runs to completion before the response is written.
func (s *Server) LiquidateAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	c, err := s.deps.Loop.Trigger(r.Context(), userID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, c)
	case errors.Is(err, liquidation.ErrNotBreaching):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, liquidation.ErrCaseInFlight):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, liquidation.ErrHalted):
		if c.ID == "" {
			writeError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, c)
	case errors.Is(err, liquidation.ErrStageFailed):
		writeJSON(w, http.StatusBadGateway, c)
	case errors.Is(err, liquidation.ErrFundDepleted):
		// The case completed; the fund needs capital.
		w.Header().Set("X-Insurance-Depleted", "true")
		writeJSON(w, http.StatusOK, c)
	default:
		s.writeEvalError(w, r, userID, err)
	}
}

func (s *Server) writeEvalError(w http.ResponseWriter, r *http.Request, userID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	s.logger.ErrorContext(r.Context(), "account evaluation failed", "user", userID, "err", err)
	writeError(w, "evaluation failed", http.StatusBadGateway)
}

// GetInsurance handles GET /api/v1/insurance.
func (s *Server) GetInsurance(w http.ResponseWriter, _ *http.Request) {
	bal := s.deps.Fund.Balance()
	writeJSON(w, http.StatusOK, InsuranceResponse{
		Balance:      bal,
		LossFraction: s.deps.Fund.LossFraction(),
		Debits:       s.deps.Fund.Debits(),
		Depleted:     bal.IsNegative(),
	})
}

// GetSurveillance handles GET /api/v1/surveillance.
func (s *Server) GetSurveillance(w http.ResponseWriter, _ *http.Request) {
	rep, ok := s.deps.Loop.LastScan()
	if !ok {
		writeError(w, "no trade batch scanned yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// RecentAlerts handles GET /api/v1/alerts?kind=K.
func (s *Server) RecentAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		writeJSON(w, http.StatusOK, []alert.Alert{})
		return
	}
	var out []alert.Alert
	if kind := r.URL.Query().Get("kind"); kind != "" {
		out = s.deps.Alerts.OfKind(alert.Kind(kind))
	} else {
		out = s.deps.Alerts.All()
	}
	if out == nil {
		out = []alert.Alert{}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
