package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"crossvault/bridge"
	"crossvault/crosschain"
	"crossvault/escrow"
	"crossvault/ledger"
	"crossvault/networks"
	"crossvault/planner"
)

// DealService is the slice of the deal engine the API drives.
type DealService interface {
	CreateDeal(ctx context.Context, params escrow.CreateParams) (*escrow.Deal, error)
	Open(ctx context.Context, dealID uuid.UUID) (*escrow.Deal, error)
	RecordDeposit(ctx context.Context, dealID uuid.UUID, evidence escrow.DepositEvidence) (*escrow.Deal, error)
	FulfillCondition(ctx context.Context, dealID, conditionID uuid.UUID, actor escrow.Actor) (*escrow.Deal, error)
	StartFinalApproval(ctx context.Context, dealID uuid.UUID) (*escrow.Deal, error)
	RaiseDispute(ctx context.Context, dealID uuid.UUID) (*escrow.Deal, error)
	ResolveDispute(ctx context.Context, dealID uuid.UUID, outcome escrow.DisputeOutcome) (*escrow.Deal, error)
	CancelByMutualConsent(ctx context.Context, dealID uuid.UUID) (*escrow.Deal, error)
	GetDealStatus(ctx context.Context, dealID uuid.UUID, timelineLimit int) (*escrow.Snapshot, error)
}

// RouteService computes bridge route plans.
type RouteService interface {
	PlanCrossChainEscrow(ctx context.Context, req planner.Request) (*planner.RoutePlan, error)
}

// TransferService drives cross-chain leg execution.
type TransferService interface {
	PrepareLegs(ctx context.Context, dealID uuid.UUID, plan *planner.RoutePlan) ([]*crosschain.Transaction, error)
	ExecuteStep(ctx context.Context, txID uuid.UUID, stepIndex int, evidence crosschain.StepEvidence) (*crosschain.StepResult, error)
	PollStatus(ctx context.Context, txID uuid.UUID) (*bridge.ExecutionStatus, error)
	Resume(ctx context.Context, txID uuid.UUID) (*crosschain.Transaction, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Deals     DealService
	Routes    RouteService
	Transfers TransferService
	Auth      *Authenticator
	Logger    *slog.Logger
}

// Server is the HTTP surface over the escrow and transfer engines.
type Server struct {
	deals     DealService
	routes    RouteService
	transfers TransferService
	log       *slog.Logger

	router http.Handler
}

// New constructs a configured router with authentication on every mutating
// route and operator gating on dispute resolution and transfer resume.
func New(cfg Config) *Server {
	srv := &Server{
		deals:     cfg.Deals,
		routes:    cfg.Routes,
		transfers: cfg.Transfers,
		log:       cfg.Logger,
	}
	if srv.log == nil {
		srv.log = slog.Default()
	}
	srv.router = srv.buildRouter(cfg.Auth)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(auth *Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(api chi.Router) {
		if auth != nil {
			api.Use(auth.Authenticate)
		}
		api.Post("/routes/plan", s.PlanRoute)

		api.Route("/deals", func(deals chi.Router) {
			deals.Post("/", s.CreateDeal)
			deals.Get("/{id}", s.GetDeal)
			deals.Post("/{id}/open", s.OpenDeal)
			deals.Post("/{id}/deposit", s.RecordDeposit)
			deals.Post("/{id}/conditions/{conditionID}/fulfill", s.FulfillCondition)
			deals.Post("/{id}/final-approval", s.StartFinalApproval)
			deals.Post("/{id}/dispute", s.RaiseDispute)
			deals.Post("/{id}/cancel", s.CancelDeal)
			deals.Post("/{id}/transfers", s.PrepareTransfers)
			if auth != nil {
				deals.With(RequireRole(RoleOperator)).Post("/{id}/dispute/resolve", s.ResolveDispute)
			} else {
				deals.Post("/{id}/dispute/resolve", s.ResolveDispute)
			}
		})

		api.Route("/transfers", func(transfers chi.Router) {
			transfers.Post("/{id}/steps/{index}", s.ExecuteStep)
			transfers.Get("/{id}/status", s.TransferStatus)
			if auth != nil {
				transfers.With(RequireRole(RoleOperator)).Post("/{id}/resume", s.ResumeTransfer)
			} else {
				transfers.Post("/{id}/resume", s.ResumeTransfer)
			}
		})
	})

	return r
}

type walletPayload struct {
	Address string `json:"address"`
	Network string `json:"network"`
}

// CreateDeal provisions a new deal with its condition set.
func (s *Server) CreateDeal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Buyer         walletPayload `json:"buyer"`
		Seller        walletPayload `json:"seller"`
		EscrowNetwork string        `json:"escrow_network"`
		Amount        string        `json:"amount"`
		Asset         string        `json:"asset"`
		Conditions    []string      `json:"conditions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		http.Error(w, "amount must be a base-10 integer", http.StatusBadRequest)
		return
	}
	deal, err := s.deals.CreateDeal(r.Context(), escrow.CreateParams{
		BuyerWallet:           req.Buyer.Address,
		SellerWallet:          req.Seller.Address,
		BuyerNetwork:          networks.Network(req.Buyer.Network),
		SellerNetwork:         networks.Network(req.Seller.Network),
		EscrowNetwork:         networks.Network(req.EscrowNetwork),
		Amount:                amount,
		Asset:                 req.Asset,
		ConditionDescriptions: req.Conditions,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, dealPayload(deal))
}

// GetDeal returns the deal snapshot with conditions and recent timeline.
func (s *Server) GetDeal(w http.ResponseWriter, r *http.Request) {
	dealID, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("timeline_limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid timeline_limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	snapshot, err := s.deals.GetDealStatus(r.Context(), dealID, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshotPayload(snapshot))
}

// OpenDeal moves a created deal to AWAITING_DEPOSIT.
func (s *Server) OpenDeal(w http.ResponseWriter, r *http.Request) {
	s.dealTransition(w, r, func(ctx context.Context, dealID uuid.UUID) (*escrow.Deal, error) {
		return s.deals.Open(ctx, dealID)
	})
}

// RecordDeposit records confirmed funding evidence against the deal.
func (s *Server) RecordDeposit(w http.ResponseWriter, r *http.Request) {
	dealID, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		TxHash  string `json:"tx_hash"`
		Network string `json:"network"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	deal, err := s.deals.RecordDeposit(r.Context(), dealID, escrow.DepositEvidence{
		TxHash:  req.TxHash,
		Network: networks.Network(req.Network),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dealPayload(deal))
}

// FulfillCondition marks a manual condition fulfilled by the calling party.
func (s *Server) FulfillCondition(w http.ResponseWriter, r *http.Request) {
	dealID, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	conditionID, err := uuid.Parse(chi.URLParam(r, "conditionID"))
	if err != nil {
		http.Error(w, "invalid condition id", http.StatusBadRequest)
		return
	}
	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	actor := escrow.Actor(req.Actor)
	if actor != escrow.ActorBuyer && actor != escrow.ActorSeller {
		http.Error(w, "actor must be BUYER or SELLER", http.StatusBadRequest)
		return
	}
	deal, err := s.deals.FulfillCondition(r.Context(), dealID, conditionID, actor)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dealPayload(deal))
}

// StartFinalApproval opens the approval window.
func (s *Server) StartFinalApproval(w http.ResponseWriter, r *http.Request) {
	s.dealTransition(w, r, func(ctx context.Context, dealID uuid.UUID) (*escrow.Deal, error) {
		return s.deals.StartFinalApproval(ctx, dealID)
	})
}

// RaiseDispute freezes the deal pending resolution.
func (s *Server) RaiseDispute(w http.ResponseWriter, r *http.Request) {
	s.dealTransition(w, r, func(ctx context.Context, dealID uuid.UUID) (*escrow.Deal, error) {
		return s.deals.RaiseDispute(ctx, dealID)
	})
}

// ResolveDispute records the operator's explicit outcome.
func (s *Server) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	dealID, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	outcome := escrow.DisputeOutcome(req.Outcome)
	if outcome != escrow.OutcomeRelease && outcome != escrow.OutcomeRefund {
		http.Error(w, "outcome must be RELEASE or REFUND", http.StatusBadRequest)
		return
	}
	deal, err := s.deals.ResolveDispute(r.Context(), dealID, outcome)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dealPayload(deal))
}

// CancelDeal cancels by mutual consent before funds settle.
func (s *Server) CancelDeal(w http.ResponseWriter, r *http.Request) {
	s.dealTransition(w, r, func(ctx context.Context, dealID uuid.UUID) (*escrow.Deal, error) {
		return s.deals.CancelByMutualConsent(ctx, dealID)
	})
}

// PlanRoute computes a bridge plan without persisting anything.
func (s *Server) PlanRoute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodePlanRequest(w, r)
	if !ok {
		return
	}
	plan, err := s.routes.PlanCrossChainEscrow(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, planPayload(plan))
}

// PrepareTransfers plans the route for the deal's parties and persists the
// execution legs.
func (s *Server) PrepareTransfers(w http.ResponseWriter, r *http.Request) {
	dealID, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	req, ok := s.decodePlanRequest(w, r)
	if !ok {
		return
	}
	plan, err := s.routes.PlanCrossChainEscrow(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	txs, err := s.transfers.PrepareLegs(r.Context(), dealID, plan)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	payload := make([]map[string]interface{}, 0, len(txs))
	for _, tx := range txs {
		payload = append(payload, transactionPayload(tx))
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"plan":         planPayload(plan),
		"transactions": payload,
	})
}

// ExecuteStep advances one leg by a single 1-based step.
func (s *Server) ExecuteStep(w http.ResponseWriter, r *http.Request) {
	txID, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 1 {
		http.Error(w, "invalid step index", http.StatusBadRequest)
		return
	}
	var req struct {
		TxHash     string            `json:"tx_hash"`
		Attributes map[string]string `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.transfers.ExecuteStep(r.Context(), txID, index, crosschain.StepEvidence{
		TxHash:     req.TxHash,
		Attributes: req.Attributes,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": result.TransactionID,
		"step_index":     result.StepIndex,
		"step":           result.Step,
		"status":         result.Status,
		"completed":      result.Completed,
		"replayed":       result.Replayed,
		"final_step":     result.FinalStep,
	})
}

// TransferStatus returns the provider-side execution status, served from a
// short-lived cache.
func (s *Server) TransferStatus(w http.ResponseWriter, r *http.Request) {
	txID, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	status, err := s.transfers.PollStatus(r.Context(), txID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// ResumeTransfer clears a STUCK leg back to an executable state.
func (s *Server) ResumeTransfer(w http.ResponseWriter, r *http.Request) {
	txID, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	tx, err := s.transfers.Resume(r.Context(), txID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transactionPayload(tx))
}

func (s *Server) dealTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (*escrow.Deal, error)) {
	dealID, ok := s.pathUUID(w, r, "id")
	if !ok {
		return
	}
	deal, err := fn(r.Context(), dealID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dealPayload(deal))
}

func (s *Server) decodePlanRequest(w http.ResponseWriter, r *http.Request) (planner.Request, bool) {
	var req struct {
		Buyer         walletPayload `json:"buyer"`
		Seller        walletPayload `json:"seller"`
		EscrowNetwork string        `json:"escrow_network"`
		Amount        string        `json:"amount"`
		Asset         string        `json:"asset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return planner.Request{}, false
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		http.Error(w, "amount must be a base-10 integer", http.StatusBadRequest)
		return planner.Request{}, false
	}
	return planner.Request{
		Buyer:         planner.Wallet{Address: req.Buyer.Address, Network: networks.Network(req.Buyer.Network)},
		Seller:        planner.Wallet{Address: req.Seller.Address, Network: networks.Network(req.Seller.Network)},
		Amount:        amount,
		Asset:         req.Asset,
		EscrowNetwork: networks.Network(req.EscrowNetwork),
	}, true
}

func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeDomainError maps the typed domain errors onto HTTP statuses. Unknown
// errors become opaque 500s so internals never leak.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation  *escrow.ValidationError
		invalid     *escrow.InvalidStateError
		conflict    *escrow.ConcurrencyConflictError
		unsupported *networks.UnsupportedNetworkError
		address     *networks.AddressError
		outOfOrder  *crosschain.OutOfOrderStepError
		stuck       *crosschain.StuckError
		notReady    *crosschain.NotReadyError
		bridgeDown  *bridge.UnavailableError
		ledgerDown  *ledger.UnavailableError
		notFound    *ledger.NotFoundError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &address):
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "validation"})
	case errors.As(err, &unsupported):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "unsupported_network"})
	case errors.Is(err, escrow.ErrDealNotFound),
		errors.Is(err, escrow.ErrConditionNotFound),
		errors.Is(err, crosschain.ErrTransactionNotFound),
		errors.As(err, &notFound):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"})
	case errors.As(err, &invalid):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "invalid_state"})
	case errors.As(err, &conflict):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "version_conflict"})
	case errors.As(err, &outOfOrder):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "out_of_order_step"})
	case errors.As(err, &stuck):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "transfer_stuck"})
	case errors.As(err, &notReady):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "not_ready"})
	case errors.As(err, &bridgeDown), errors.As(err, &ledgerDown):
		s.writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), Code: "upstream_unavailable"})
	default:
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
	}
}

func dealPayload(deal *escrow.Deal) map[string]interface{} {
	if deal == nil {
		return nil
	}
	payload := map[string]interface{}{
		"id":              deal.ID,
		"buyer_wallet":    deal.BuyerWallet,
		"seller_wallet":   deal.SellerWallet,
		"buyer_network":   deal.BuyerNetwork,
		"seller_network":  deal.SellerNetwork,
		"escrow_network":  deal.EscrowNetwork,
		"amount":          deal.Amount.String(),
		"asset":           deal.Asset,
		"state":           deal.State,
		"cross_chain":     deal.CrossChain,
		"funds_deposited": deal.FundsDeposited,
		"version":         deal.Version,
		"created_at":      deal.CreatedAt,
		"updated_at":      deal.UpdatedAt,
	}
	if deal.FinalApprovalDeadline != nil {
		payload["final_approval_deadline"] = deal.FinalApprovalDeadline
	}
	if deal.DisputeDeadline != nil {
		payload["dispute_deadline"] = deal.DisputeDeadline
	}
	if deal.ActiveTransactionID != nil {
		payload["active_transaction_id"] = deal.ActiveTransactionID
	}
	return payload
}

func snapshotPayload(snapshot *escrow.Snapshot) map[string]interface{} {
	if snapshot == nil {
		return nil
	}
	conditions := make([]map[string]interface{}, 0, len(snapshot.Conditions))
	for _, condition := range snapshot.Conditions {
		entry := map[string]interface{}{
			"id":          condition.ID,
			"type":        condition.Type,
			"description": condition.Description,
			"status":      condition.Status,
		}
		if condition.FulfilledBy != "" {
			entry["fulfilled_by"] = condition.FulfilledBy
		}
		if condition.FulfilledAt != nil {
			entry["fulfilled_at"] = condition.FulfilledAt
		}
		conditions = append(conditions, entry)
	}
	timeline := make([]map[string]interface{}, 0, len(snapshot.Timeline))
	for _, event := range snapshot.Timeline {
		timeline = append(timeline, map[string]interface{}{
			"kind":       event.Kind,
			"attributes": event.Attributes,
			"created_at": event.CreatedAt,
		})
	}
	return map[string]interface{}{
		"deal":       dealPayload(snapshot.Deal),
		"conditions": conditions,
		"timeline":   timeline,
	}
}

func planPayload(plan *planner.RoutePlan) map[string]interface{} {
	if plan == nil {
		return nil
	}
	legs := make([]map[string]interface{}, 0, len(plan.Legs))
	for _, leg := range plan.Legs {
		legs = append(legs, map[string]interface{}{
			"index":                  leg.Index,
			"source":                 leg.Source,
			"target":                 leg.Target,
			"quote_id":               leg.QuoteID,
			"bridges_used":           leg.BridgesUsed,
			"estimated_time_seconds": leg.EstimatedTimeSeconds,
			"total_fee":              leg.TotalFee.String(),
			"confidence":             leg.Confidence,
		})
	}
	return map[string]interface{}{
		"legs":        legs,
		"confidence":  plan.Confidence,
		"total_steps": plan.TotalSteps,
		"amount":      plan.Amount.String(),
		"asset":       plan.Asset,
		"escrow":      plan.Escrow,
	}
}

func transactionPayload(tx *crosschain.Transaction) map[string]interface{} {
	if tx == nil {
		return nil
	}
	payload := map[string]interface{}{
		"id":              tx.ID,
		"deal_id":         tx.DealID,
		"leg_index":       tx.LegIndex,
		"source_network":  tx.SourceNetwork,
		"target_network":  tx.TargetNetwork,
		"amount":          tx.Amount.String(),
		"asset":           tx.Asset,
		"status":          tx.Status,
		"current_step":    tx.CurrentStepIndex,
		"completed_steps": tx.CompletedSteps,
		"version":         tx.Version,
	}
	if tx.ExternalHandle != "" {
		payload["external_handle"] = tx.ExternalHandle
	}
	if tx.LastStatus != "" {
		payload["last_status"] = tx.LastStatus
	}
	return payload
}
