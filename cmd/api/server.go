package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowflow/access"
	"escrowflow/account"
	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/relay"
)

type escrowService interface {
	CreateEscrow(ctx context.Context, caller, recipient account.Address, principal int64) (escrow.Record, error)
	ReleaseEscrow(ctx context.Context, caller account.Address, id uint64) (escrow.Record, error)
	CancelEscrow(ctx context.Context, caller account.Address, id uint64) (escrow.Record, error)
	ResolveDispute(ctx context.Context, caller account.Address, id uint64, payee account.Address) (escrow.Record, error)
	WithdrawFees(ctx context.Context, caller account.Address) (int64, error)
	Get(ctx context.Context, id uint64) (escrow.Record, error)
	List(ctx context.Context, filters escrow.ListFilters) ([]escrow.Record, int, error)
	Fees(ctx context.Context) (escrow.FeeAccount, error)
}

type roleRegistry interface {
	Roles() access.Roles
	Assign(ctx context.Context, caller account.Address, role access.Role, target account.Address) error
}

type relayChannel interface {
	Relay(ctx context.Context, caller account.Address, id uint64, message string) (relay.Message, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (auth.Principal, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (account.Address, error)
}

// ledgerAccounts is the caller-facing side of the bundled ledger.
type ledgerAccounts interface {
	Approve(ctx context.Context, owner account.Address, amount int64) error
	Balance(ctx context.Context, addr account.Address) (int64, error)
}

// Server exposes the escrow engine over HTTP.
type Server struct {
	escrows escrowService
	roles   roleRegistry
	relay   relayChannel
	auth    authService
	ledger  ledgerAccounts
	logger  *slog.Logger
}

func NewServer(escrows escrowService, roles roleRegistry, ch relayChannel, authSvc authService, accounts ledgerAccounts, logger *slog.Logger) *Server {
	return &Server{
		escrows: escrows,
		roles:   roles,
		relay:   ch,
		auth:    authSvc,
		ledger:  accounts,
		logger:  logger,
	}
}

// Routes registers the HTTP routes and middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Get("/roles", s.handleRoles)
		r.Get("/fees", s.handleFees)
		r.Get("/escrows", s.handleListEscrows)
		r.Get("/escrows/{id}", s.handleGetEscrow)
		r.Get("/ledger/balances/{address}", s.handleBalance)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Put("/roles/{role}", s.handleAssignRole)
			r.Post("/fees/withdraw", s.handleWithdrawFees)
			r.Post("/escrows", s.handleCreateEscrow)
			r.Post("/escrows/{id}/release", s.handleReleaseEscrow)
			r.Post("/escrows/{id}/cancel", s.handleCancelEscrow)
			r.Post("/escrows/{id}/resolve", s.handleResolveDispute)
			r.Post("/escrows/{id}/relay", s.handleRelay)
			r.Put("/ledger/allowance", s.handleApprove)
		})
	})

	return r
}

type escrowResponse struct {
	ID        uint64 `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Payee     string `json:"payee,omitempty"`
	Amount    int64  `json:"amount"`
	Fee       int64  `json:"fee"`
	Principal int64  `json:"principal"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func toEscrowResponse(rec escrow.Record) escrowResponse {
	return escrowResponse{
		ID:        rec.ID,
		Sender:    string(rec.Sender),
		Recipient: string(rec.Recipient),
		Payee:     string(rec.Payee),
		Amount:    rec.Amount,
		Fee:       rec.Fee,
		Principal: rec.Principal(),
		Status:    string(rec.Status),
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type rolesResponse struct {
	Owner                 string `json:"owner"`
	Arbitrator            string `json:"arbitrator,omitempty"`
	Relayer               string `json:"relayer,omitempty"`
	Withdrawer            string `json:"withdrawer,omitempty"`
	WithdrawalDestination string `json:"withdrawalDestination"`
}

type feesResponse struct {
	Accrued      int64 `json:"accrued"`
	Withdrawable int64 `json:"withdrawable"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.auth.Register(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"address":   string(p.Address),
		"createdAt": p.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     res.Token,
		"address":   string(res.Principal.Address),
		"expiresAt": res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRoles(w http.ResponseWriter, _ *http.Request) {
	roles := s.roles.Roles()
	writeJSON(w, http.StatusOK, rolesResponse{
		Owner:                 string(roles.Owner),
		Arbitrator:            string(roles.Arbitrator),
		Relayer:               string(roles.Relayer),
		Withdrawer:            string(roles.Withdrawer),
		WithdrawalDestination: string(roles.WithdrawalDestination),
	})
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	role := access.Role(chi.URLParam(r, "role"))
	switch role {
	case access.RoleArbitrator, access.RoleRelayer, access.RoleWithdrawer, access.RoleWithdrawalDestination:
	default:
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown role "+strconv.Quote(string(role)))
		return
	}

	var body struct {
		Address account.Address `json:"address"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.roles.Assign(r.Context(), caller, role, body.Address); err != nil {
		s.writeDomainError(w, r, "assign_role", err)
		return
	}
	s.handleRoles(w, r)
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	fa, err := s.escrows.Fees(r.Context())
	if err != nil {
		s.writeDomainError(w, r, "fees", err)
		return
	}
	writeJSON(w, http.StatusOK, feesResponse{Accrued: fa.Accrued, Withdrawable: fa.Withdrawable})
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	paid, err := s.escrows.WithdrawFees(r.Context(), caller)
	if err != nil {
		s.writeDomainError(w, r, "withdraw_fees", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"withdrawn": paid})
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := escrow.ListFilters{
		Sender:    account.Address(q.Get("sender")),
		Recipient: account.Address(q.Get("recipient")),
		Status:    escrow.Status(q.Get("status")),
	}
	if filters.Status != "" && !filters.Status.Valid() {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown status "+strconv.Quote(string(filters.Status)))
		return
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("pageSize"))

	records, total, err := s.escrows.List(r.Context(), filters)
	if err != nil {
		s.writeDomainError(w, r, "list_escrows", err)
		return
	}
	items := make([]escrowResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toEscrowResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	rec, err := s.escrows.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, "get_escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		Recipient account.Address `json:"recipient"`
		Amount    int64           `json:"amount"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := s.escrows.CreateEscrow(r.Context(), caller, body.Recipient, body.Amount)
	if err != nil {
		s.writeDomainError(w, r, "create_escrow", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(rec))
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, "release_escrow", s.escrows.ReleaseEscrow)
}

func (s *Server) handleCancelEscrow(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, "cancel_escrow", s.escrows.CancelEscrow)
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, account.Address, uint64) (escrow.Record, error)) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	rec, err := fn(r.Context(), caller, id)
	if err != nil {
		s.writeDomainError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	var body struct {
		Payee account.Address `json:"payee"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := s.escrows.ResolveDispute(r.Context(), caller, id, body.Payee)
	if err != nil {
		s.writeDomainError(w, r, "resolve_dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	msg, err := s.relay.Relay(r.Context(), caller, id, body.Message)
	if err != nil {
		s.writeDomainError(w, r, "relay", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"escrowId": msg.EscrowID,
		"message":  msg.Body,
		"caller":   string(msg.Caller),
		"at":       msg.At.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	var body struct {
		Amount int64 `json:"amount"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Amount < 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "amount must not be negative")
		return
	}
	if err := s.ledger.Approve(r.Context(), caller, body.Amount); err != nil {
		s.writeDomainError(w, r, "approve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": string(caller), "allowance": body.Amount})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr := account.Address(chi.URLParam(r, "address"))
	if err := addr.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	balance, err := s.ledger.Balance(r.Context(), addr)
	if err != nil {
		s.writeDomainError(w, r, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": string(addr), "balance": balance})
}

func (s *Server) requireCaller(w http.ResponseWriter, r *http.Request) (account.Address, bool) {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing caller")
		return "", false
	}
	return caller, true
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code, message := mapDomainError(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"operation", op,
			"outcome", "failure",
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
	}
	writeError(w, status, code, message)
}

func escrowID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "escrow id must be a non-negative integer")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		msg := "invalid request body"
		if errors.As(err, &syntaxErr) {
			msg = "malformed JSON"
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", msg)
		return false
	}
	return true
}
