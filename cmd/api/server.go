package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"legacyvault/agreement"
	"legacyvault/auth"
	"legacyvault/custody"
	"legacyvault/ledger"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
}

type agreementService interface {
	Create(ctx context.Context, params agreement.CreateParams) (agreement.Record, error)
	CheckIn(ctx context.Context, params agreement.CheckInParams) (agreement.Record, error)
	Withdraw(ctx context.Context, agreementID, callerID string) (agreement.Record, int64, error)
	Terminate(ctx context.Context, agreementID, callerID string) (agreement.Record, int64, error)
}

type statusService interface {
	Status(ctx context.Context, id string) (agreement.Status, error)
	CanWithdraw(ctx context.Context, id string) (bool, error)
}

type agreementLister interface {
	List(ctx context.Context, filters agreement.ListFilters) ([]agreement.Record, int, error)
	Timeline(ctx context.Context, id string) ([]agreement.TimelineEvent, error)
}

type walletService interface {
	GetWallet(ctx context.Context, ownerID string) (ledger.Account, error)
	FundWallet(ctx context.Context, ownerID string, amount int64) (string, error)
}

// Server exposes the custody services over HTTP.
type Server struct {
	authService      authService
	agreementService agreementService
	statusService    statusService
	agreementLister  agreementLister
	walletService    walletService
	registry         *prometheus.Registry
	health           func(ctx context.Context) error
	logger           *slog.Logger
}

func (s *Server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/agreements", s.handleCreateAgreement)
	api.HandleFunc("GET /api/agreements", s.handleListAgreements)
	api.HandleFunc("GET /api/agreements/{id}", s.handleAgreement)
	api.HandleFunc("GET /api/agreements/{id}/can-withdraw", s.handleCanWithdraw)
	api.HandleFunc("GET /api/agreements/{id}/timeline", s.handleTimeline)
	api.HandleFunc("POST /api/agreements/{id}/check-in", s.handleCheckIn)
	api.HandleFunc("POST /api/agreements/{id}/withdraw", s.handleWithdraw)
	api.HandleFunc("POST /api/agreements/{id}/terminate", s.handleTerminate)
	api.HandleFunc("GET /api/accounts/me", s.handleMyAccount)
	api.HandleFunc("POST /api/accounts/{id}/fund", s.handleFund)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.Handle("/api/", s.requireAuth(api))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return s.logRequests(mux)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log().Debug("http request",
			"component", "api",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.authService.Register(r.Context(), auth.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: res.Token, User: toUserResponse(res.User)})
}

type createAgreementRequest struct {
	BeneficiaryID           string `json:"beneficiaryId"`
	WithdrawalPeriodSeconds int64  `json:"withdrawalPeriodSeconds"`
	Deposit                 int64  `json:"deposit"`
}

type agreementResponse struct {
	ID                      string `json:"id"`
	OwnerID                 string `json:"ownerId"`
	BeneficiaryID           string `json:"beneficiaryId"`
	WithdrawalPeriodSeconds int64  `json:"withdrawalPeriodSeconds"`
	CheckInWindowSeconds    int64  `json:"checkInWindowSeconds"`
	LastCheckInAt           string `json:"lastCheckInAt"`
	Balance                 int64  `json:"balance"`
	Active                  bool   `json:"active"`
	CreatedAt               string `json:"createdAt"`
}

type statusResponse struct {
	agreementResponse
	Deadline    string `json:"deadline"`
	CanWithdraw bool   `json:"canWithdraw"`
}

type payoutResponse struct {
	Agreement agreementResponse `json:"agreement"`
	Amount    int64             `json:"amount"`
}

type listResponse struct {
	Items []agreementResponse `json:"items"`
	Total int                 `json:"total"`
	Page  int                 `json:"page"`
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	var req createAgreementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.WithdrawalPeriodSeconds < 0 || req.WithdrawalPeriodSeconds > math.MaxInt64/int64(time.Second) {
		writeJSONError(w, http.StatusBadRequest, custody.ErrInvalidPeriod.Error())
		return
	}
	if _, err := s.authService.GetUserByID(r.Context(), req.BeneficiaryID); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeJSONError(w, http.StatusBadRequest, "beneficiary is not a registered account")
			return
		}
		s.writeError(w, err)
		return
	}
	rec, err := s.agreementService.Create(r.Context(), agreement.CreateParams{
		OwnerID:          userID,
		BeneficiaryID:    req.BeneficiaryID,
		WithdrawalPeriod: time.Duration(req.WithdrawalPeriodSeconds) * time.Second,
		Deposit:          req.Deposit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementResponse(rec))
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	records, total, err := s.agreementLister.List(r.Context(), agreement.ListFilters{
		PartyID:  userIDFrom(r.Context()),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if page <= 0 {
		page = 1
	}
	items := make([]agreementResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toAgreementResponse(rec))
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Page: page})
}

func (s *Server) handleAgreement(w http.ResponseWriter, r *http.Request) {
	st, err := s.statusService.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		agreementResponse: toAgreementResponse(st.Record),
		Deadline:          st.Deadline.UTC().Format(time.RFC3339),
		CanWithdraw:       st.CanWithdraw,
	})
}

func (s *Server) handleCanWithdraw(w http.ResponseWriter, r *http.Request) {
	ok, err := s.statusService.CanWithdraw(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"canWithdraw": ok})
}

type timelineEventResponse struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	ActorID   string          `json:"actorId,omitempty"`
	CreatedAt string          `json:"createdAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.agreementLister.Timeline(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]timelineEventResponse, 0, len(events))
	for _, ev := range events {
		item := timelineEventResponse{
			Seq:       ev.Seq,
			Type:      ev.Type,
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
			Payload:   json.RawMessage(ev.Payload),
		}
		if ev.ActorID != nil {
			item.ActorID = *ev.ActorID
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": items})
}

type checkInRequest struct {
	Value          int64  `json:"value"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	rec, err := s.agreementService.CheckIn(r.Context(), agreement.CheckInParams{
		AgreementID:    r.PathValue("id"),
		CallerID:       userIDFrom(r.Context()),
		Value:          req.Value,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(rec))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	rec, amount, err := s.agreementService.Withdraw(r.Context(), r.PathValue("id"), userIDFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payoutResponse{Agreement: toAgreementResponse(rec), Amount: amount})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	rec, amount, err := s.agreementService.Terminate(r.Context(), r.PathValue("id"), userIDFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payoutResponse{Agreement: toAgreementResponse(rec), Amount: amount})
}

type accountResponse struct {
	OwnerID string `json:"ownerId"`
	Balance int64  `json:"balance"`
}

func (s *Server) handleMyAccount(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	acc, err := s.walletService.GetWallet(r.Context(), userID)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{OwnerID: userID, Balance: acc.Balance})
}

type fundRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	if roleFrom(r.Context()) != auth.RoleOperator {
		writeJSONError(w, http.StatusForbidden, "operator role required")
		return
	}
	var req fundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ownerID := r.PathValue("id")
	if _, err := s.walletService.FundWallet(r.Context(), ownerID, req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	acc, err := s.walletService.GetWallet(r.Context(), ownerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{OwnerID: ownerID, Balance: acc.Balance})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, custody.ErrNotOwner), errors.Is(err, custody.ErrNotBeneficiary):
		status = http.StatusForbidden
	case errors.Is(err, custody.ErrAlreadyTerminated), errors.Is(err, custody.ErrWithdrawalNotAllowed):
		status = http.StatusConflict
	case errors.Is(err, agreement.ErrAgreementNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, custody.ErrInvalidAmount),
		errors.Is(err, custody.ErrInvalidPeriod),
		errors.Is(err, custody.ErrMissingParty),
		errors.Is(err, custody.ErrBalanceOverflow),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, auth.ErrWeakPassword):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, auth.ErrDuplicateEmail):
		status = http.StatusConflict
	case errors.Is(err, agreement.ErrIdempotencyKeyReused):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, auth.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	}

	if status == http.StatusInternalServerError {
		s.log().Error("request failed", "component", "api", "error", err)
		writeJSONError(w, status, "internal error")
		return
	}
	writeJSONError(w, status, err.Error())
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: string(u.Role)}
}

func toAgreementResponse(rec agreement.Record) agreementResponse {
	return agreementResponse{
		ID:                      rec.ID,
		OwnerID:                 rec.OwnerID,
		BeneficiaryID:           rec.BeneficiaryID,
		WithdrawalPeriodSeconds: int64(rec.WithdrawalPeriod / time.Second),
		CheckInWindowSeconds:    int64(rec.CheckInWindow / time.Second),
		LastCheckInAt:           rec.LastCheckInAt.UTC().Format(time.RFC3339),
		Balance:                 rec.Balance,
		Active:                  rec.Active(),
		CreatedAt:               rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

func roleFrom(ctx context.Context) auth.Role {
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return role
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
