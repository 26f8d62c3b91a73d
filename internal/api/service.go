// Package api provides the HTTP handlers for the buyback engine: sell
// order intake and cancellation, settlement runs, market protection
// settings, and fund administration.
//
// All monetary values use shopspring/decimal, never float64.
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
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/minvest/buyback-engine/internal/guard"
	"github.com/minvest/buyback-engine/internal/model"
	"github.com/minvest/buyback-engine/internal/notify"
	"github.com/minvest/buyback-engine/internal/settlement"
	"github.com/minvest/buyback-engine/internal/store"
)

const defaultListLimit = 50

// Settler is the settlement surface the handlers drive.
type Settler interface {
	ProcessSelected(ctx context.Context, req settlement.SelectedRequest) (*model.SettlementBatch, error)
	ProcessAuto(ctx context.Context, req settlement.AutoRequest) (*model.SettlementBatch, error)
	ProcessFullOrder(ctx context.Context, orderID, actorID, fundID string) (*model.SettlementBatch, error)
	ProcessPayment(ctx context.Context, orderID string, amount decimal.Decimal, actorID, fundID string) (*model.SettlementBatch, error)
}

// Service handles the HTTP surface.
type Service struct {
	store    store.Store
	settler  Settler
	notifier notify.Notifier
}

// NewService creates a new API service. Pass nil for n if events are not
// needed.
func NewService(st store.Store, settler Settler, n notify.Notifier) *Service {
	if n == nil {
		n = notify.Nop{}
	}
	return &Service{store: st, settler: settler, notifier: n}
}

// --- Request/Response types ---

// CreateOrderRequest is the JSON body for POST /orders.
type CreateOrderRequest struct {
	ID            string          `json:"id,omitempty"`
	ShareID       string          `json:"share_id"`
	AccountID     string          `json:"account_id"`
	Quantity      int64           `json:"quantity"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	Currency      string          `json:"currency"`
}

// ActorRequest carries the operator or account holder performing an action.
type ActorRequest struct {
	ActorID string `json:"actor_id"`
	FundID  string `json:"fund_id,omitempty"`
}

// PaymentRequest is the JSON body for POST /orders/{orderID}/settle-payment.
type PaymentRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	ActorID string          `json:"actor_id"`
	FundID  string          `json:"fund_id,omitempty"`
}

// PriceRequest is the JSON body for PUT /shares/{shareID}/price.
type PriceRequest struct {
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
}

// HaltRequest toggles the emergency halt. An empty ShareID targets the
// global default policy.
type HaltRequest struct {
	ShareID string `json:"share_id,omitempty"`
	Halted  bool   `json:"halted"`
}

// CreditRequest is the JSON body for POST /funds/{fundID}/credit.
type CreditRequest struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// TransferRequest is the JSON body for POST /funds/transfer.
type TransferRequest struct {
	FromFundID string          `json:"from_fund_id"`
	ToFundID   string          `json:"to_fund_id"`
	Currency   string          `json:"currency"`
	Amount     decimal.Decimal `json:"amount"`
}

// OrderView is a sell order as dashboards read it.
type OrderView struct {
	model.SellOrder
	Remaining       int64           `json:"remaining_quantity"`
	RemainingAmount decimal.Decimal `json:"remaining_value"`
}

func viewOf(o *model.SellOrder) OrderView {
	return OrderView{SellOrder: *o, Remaining: o.RemainingQuantity(), RemainingAmount: o.RemainingValue()}
}

// --- Orders ---

// CreateOrder handles POST /api/v1/orders
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	switch {
	case req.ShareID == "":
		writeError(w, "share_id is required", http.StatusBadRequest)
		return
	case req.AccountID == "":
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	case req.Currency == "":
		writeError(w, "currency is required", http.StatusBadRequest)
		return
	case req.Quantity <= 0:
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	case !req.PricePerShare.IsPositive():
		writeError(w, "price_per_share must be positive", http.StatusBadRequest)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	order := &model.SellOrder{
		ID:                id,
		ShareID:           req.ShareID,
		AccountID:         req.AccountID,
		RequestedQuantity: req.Quantity,
		PricePerShare:     req.PricePerShare,
		Currency:          req.Currency,
		CreatedAt:         time.Now().UTC(),
	}

	ctx := r.Context()
	if err := s.store.CreateOrder(ctx, order); err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("sell order created",
		"id", order.ID,
		"share_id", order.ShareID,
		"account_id", order.AccountID,
		"quantity", order.RequestedQuantity,
		"position", order.QueuePosition,
	)
	s.notifier.Publish(ctx, notify.Event{
		Type:    notify.EventOrderCreated,
		ShareID: order.ShareID,
		OrderID: order.ID,
		Payload: viewOf(order),
	})

	writeJSON(w, http.StatusCreated, viewOf(order))
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(order))
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ActorID == "" {
		writeError(w, "actor_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	order, err := s.store.Cancel(ctx, chi.URLParam(r, "orderID"), req.ActorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("sell order cancelled", "id", order.ID, "actor_id", req.ActorID, "remaining", order.RemainingQuantity())
	s.notifier.Publish(ctx, notify.Event{
		Type:    notify.EventOrderCancelled,
		ShareID: order.ShareID,
		OrderID: order.ID,
		Payload: viewOf(order),
	})
	writeJSON(w, http.StatusOK, viewOf(order))
}

// SettleFull handles POST /api/v1/orders/{orderID}/settle-full
func (s *Service) SettleFull(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	batch, err := s.settler.ProcessFullOrder(r.Context(), chi.URLParam(r, "orderID"), req.ActorID, req.FundID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// SettlePayment handles POST /api/v1/orders/{orderID}/settle-payment
func (s *Service) SettlePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	batch, err := s.settler.ProcessPayment(r.Context(), chi.URLParam(r, "orderID"), req.Amount, req.ActorID, req.FundID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// --- Shares ---

// GetQueue handles GET /api/v1/shares/{shareID}/queue
// Returns pending and partial orders in settlement order.
func (s *Service) GetQueue(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.ListPending(r.Context(), chi.URLParam(r, "shareID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]OrderView, 0, len(orders))
	for i := range orders {
		views = append(views, viewOf(&orders[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// SetPrice handles PUT /api/v1/shares/{shareID}/price
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	price := &model.SharePrice{
		ShareID:    chi.URLParam(r, "shareID"),
		Price:      req.Price,
		Currency:   req.Currency,
		RecordedAt: time.Now().UTC(),
	}
	if err := s.store.SetSharePrice(r.Context(), price); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, price)
}

// GetProtection handles GET /api/v1/shares/{shareID}/protection and
// GET /api/v1/protection (global default). Returns the effective policy.
func (s *Service) GetProtection(w http.ResponseWriter, r *http.Request) {
	policy, err := s.store.GetPolicy(r.Context(), chi.URLParam(r, "shareID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// PutProtection handles PUT /api/v1/shares/{shareID}/protection and
// PUT /api/v1/protection (global default).
func (s *Service) PutProtection(w http.ResponseWriter, r *http.Request) {
	var policy model.MarketProtectionPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	policy.ShareID = chi.URLParam(r, "shareID")
	if msg := validatePolicy(&policy); msg != "" {
		writeError(w, msg, http.StatusBadRequest)
		return
	}
	s.savePolicy(w, r, &policy)
}

// Halt handles POST /api/v1/protection/halt
func (s *Service) Halt(w http.ResponseWriter, r *http.Request) {
	var req HaltRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	policy, err := s.store.GetPolicy(r.Context(), req.ShareID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	policy.ShareID = req.ShareID
	policy.EmergencyHalt = req.Halted
	slog.Warn("emergency halt toggled", "share_id", req.ShareID, "halted", req.Halted)
	s.savePolicy(w, r, policy)
}

func (s *Service) savePolicy(w http.ResponseWriter, r *http.Request, policy *model.MarketProtectionPolicy) {
	ctx := r.Context()
	policy.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertPolicy(ctx, policy); err != nil {
		writeDomainError(w, err)
		return
	}
	s.notifier.Publish(ctx, notify.Event{
		Type:    notify.EventPolicyUpdated,
		ShareID: policy.ShareID,
		Payload: policy,
	})
	writeJSON(w, http.StatusOK, policy)
}

func validatePolicy(p *model.MarketProtectionPolicy) string {
	switch {
	case p.MaxPriceDropPercentage.IsNegative() || p.MaxPriceDropPercentage.GreaterThan(decimal.NewFromInt(100)):
		return "max_price_drop_percentage must be between 0 and 100"
	case p.DailyVolumeLimit < 0 || p.WeeklyVolumeLimit < 0:
		return "volume limits must not be negative"
	case p.AutoProcessingFundThreshold.IsNegative() || p.MaxDailyAutoProcessingAmount.IsNegative():
		return "auto processing amounts must not be negative"
	}
	return ""
}

// --- Settlements ---

// SettleSelected handles POST /api/v1/settlements/selected
func (s *Service) SettleSelected(w http.ResponseWriter, r *http.Request) {
	var req settlement.SelectedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	batch, err := s.settler.ProcessSelected(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// SettleAuto handles POST /api/v1/settlements/auto
func (s *Service) SettleAuto(w http.ResponseWriter, r *http.Request) {
	var req settlement.AutoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	batch, err := s.settler.ProcessAuto(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// ListSettlements handles GET /api/v1/settlements?share_id=&limit=
// Returns the audit trail newest first.
func (s *Service) ListSettlements(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	batches, err := s.store.ListBatches(r.Context(), r.URL.Query().Get("share_id"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if batches == nil {
		batches = []model.SettlementBatch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

// GetSettlement handles GET /api/v1/settlements/{batchID}
func (s *Service) GetSettlement(w http.ResponseWriter, r *http.Request) {
	batch, err := s.store.GetBatch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// --- Funds ---

// ListFunds handles GET /api/v1/funds
func (s *Service) ListFunds(w http.ResponseWriter, r *http.Request) {
	balances, err := s.store.ListBalances(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if balances == nil {
		balances = []model.FundBalance{}
	}
	writeJSON(w, http.StatusOK, balances)
}

// GetFund handles GET /api/v1/funds/{fundID}/{currency}
func (s *Service) GetFund(w http.ResponseWriter, r *http.Request) {
	fundID, currency := chi.URLParam(r, "fundID"), chi.URLParam(r, "currency")
	balance, err := s.store.GetBalance(r.Context(), fundID, currency)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.FundBalance{FundID: fundID, Currency: currency, Balance: balance})
}

// CreditFund handles POST /api/v1/funds/{fundID}/credit
func (s *Service) CreditFund(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		writeError(w, "currency is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	fb, err := s.store.Credit(ctx, chi.URLParam(r, "fundID"), req.Currency, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("fund credited", "fund_id", fb.FundID, "currency", fb.Currency, "amount", req.Amount.String())
	s.publishBalance(ctx, fb)
	writeJSON(w, http.StatusOK, fb)
}

// TransferFunds handles POST /api/v1/funds/transfer
func (s *Service) TransferFunds(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FromFundID == "" || req.ToFundID == "" || req.Currency == "" {
		writeError(w, "from_fund_id, to_fund_id and currency are required", http.StatusBadRequest)
		return
	}
	if req.FromFundID == req.ToFundID {
		writeError(w, "cannot transfer to the same fund", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.store.Transfer(ctx, req.FromFundID, req.ToFundID, req.Currency, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("fund transfer",
		"from", req.FromFundID,
		"to", req.ToFundID,
		"currency", req.Currency,
		"amount", req.Amount.String(),
	)

	resp := make([]model.FundBalance, 0, 2)
	for _, id := range []string{req.FromFundID, req.ToFundID} {
		balance, err := s.store.GetBalance(ctx, id, req.Currency)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		fb := model.FundBalance{FundID: id, Currency: req.Currency, Balance: balance, UpdatedAt: time.Now().UTC()}
		s.publishBalance(ctx, &fb)
		resp = append(resp, fb)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) publishBalance(ctx context.Context, fb *model.FundBalance) {
	s.notifier.Publish(ctx, notify.Event{
		Type:     notify.EventFundUpdated,
		FundID:   fb.FundID,
		Currency: fb.Currency,
		Payload:  fb,
	})
}

// --- Helpers ---

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrOrderNotFound), errors.Is(err, model.ErrBatchNotFound):
		return http.StatusNotFound
	case guard.IsDenial(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrOrderNotSettleable),
		errors.Is(err, model.ErrOrderNotCancellable),
		errors.Is(err, model.ErrClaimConflict),
		errors.Is(err, model.ErrAutoRunInProgress),
		errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientFundsForFullSettlement),
		errors.Is(err, model.ErrDuplicateBatch),
		errors.Is(err, model.ErrDuplicateOrder),
		errors.Is(err, model.ErrBatchInProgress),
		errors.Is(err, model.ErrCurrencyMismatch):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeDomainError writes the reason code for expected conditions and hides
// storage failures behind a generic message.
func writeDomainError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal_error", status)
		return
	}
	writeError(w, model.Reason(err), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
