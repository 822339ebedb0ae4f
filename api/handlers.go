/*
handlers.go - HTTP API handlers for the membership ledger

PURPOSE:
  Exposes the membership, consumption, settlement, and loyalty engines via
  REST API. Handles HTTP request/response, JSON serialization, and delegates
  to domain logic.

ENDPOINTS:
  Memberships:
    GET    /api/memberships               List (filter by branch/customer/status)
    POST   /api/memberships               Sell a membership
    GET    /api/memberships/{id}          Detail with usage history
    PATCH  /api/memberships/{id}          Admin override (audited)
    POST   /api/memberships/{id}/use      Redeem credits

  Loyalty:
    GET    /api/loyalty/{customerID}          Balance + recent history
    POST   /api/loyalty/{customerID}/earn     Add points
    POST   /api/loyalty/{customerID}/redeem   Subtract points

  Settlements:
    GET    /api/settlements               List + per-direction summary

  Catalog / admin:
    GET    /api/membership-types          List packages
    POST   /api/membership-types          Add package
    GET    /api/branches                  List branches
    POST   /api/branches                  Register branch
    GET    /api/branches/{id}/usages      Redemptions at a branch
    GET    /api/settings                  Current percentages
    PATCH  /api/settings                  Update percentages
    GET    /api/audit                     Audit trail

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (go-playground/validator tags, then domain rules)
  3. Call domain logic (membership ledger, consumption engine, loyalty)
  4. Serialize response
  5. Map domain errors to HTTP status

ERROR HANDLING:
  Domain errors carry their own taxonomy; writeDomainError maps them:
  - 400: validation errors
  - 404: not found
  - 409: version conflict, insufficient credits/points, duplicate settlement
  - 502: dependency failures (catalog lookups, settings)
  - 500: everything else

ACTING USER:
  The acting user is taken from the X-User-ID header. There is no
  authentication; the header is trusted as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - ledger/errors.go: Error taxonomy
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/membership-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store ledger.TxStore
	Audit ledger.AuditLog

	memberships *ledger.MembershipLedger
	consumption *ledger.ConsumptionEngine
	loyalty     *ledger.LoyaltyLedger
	validate    *validator.Validate
}

// NewHandler creates a new handler with the given store and audit log.
func NewHandler(store ledger.TxStore, audit ledger.AuditLog) *Handler {
	return &Handler{
		Store:       store,
		Audit:       audit,
		memberships: ledger.NewMembershipLedger(store, audit),
		consumption: ledger.NewConsumptionEngine(store),
		loyalty:     ledger.NewLoyaltyLedger(store),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func actingUser(r *http.Request) ledger.UserID {
	return ledger.UserID(r.Header.Get("X-User-ID"))
}

// =============================================================================
// MEMBERSHIP HANDLERS
// =============================================================================

// ListMemberships returns memberships, optionally filtered by branch,
// customer, or status query parameters.
func (h *Handler) ListMemberships(w http.ResponseWriter, r *http.Request) {
	var filter ledger.MembershipFilter
	if v := r.URL.Query().Get("branch_id"); v != "" {
		b := ledger.BranchID(v)
		filter.Branch = &b
	}
	if v := r.URL.Query().Get("customer_id"); v != "" {
		c := ledger.CustomerID(v)
		filter.Customer = &c
	}
	if v := r.URL.Query().Get("status"); v != "" {
		s := ledger.MembershipStatus(v)
		filter.Status = &s
	}

	memberships, err := h.memberships.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]MembershipDTO, len(memberships))
	for i, m := range memberships {
		dtos[i] = toMembershipDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetMembership returns a single membership with its redemption history.
func (h *Handler) GetMembership(w http.ResponseWriter, r *http.Request) {
	id := ledger.MembershipID(chi.URLParam(r, "id"))

	m, err := h.memberships.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	usages, err := h.memberships.UsageHistory(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MembershipDetailDTO{
		MembershipDTO: toMembershipDTO(*m),
		Usages:        toUsageDTOs(usages),
	})
}

// CreateMembership records a sale.
func (h *Handler) CreateMembership(w http.ResponseWriter, r *http.Request) {
	var req CreateMembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	in := ledger.CreateMembershipInput{
		CustomerID:   ledger.CustomerID(req.CustomerID),
		TypeID:       ledger.MembershipTypeID(req.MembershipTypeID),
		TotalCredits: req.TotalCredits,
		SoldAtBranch: ledger.BranchID(req.SoldAtBranchID),
		PackageName:  req.PackageName,
	}

	if req.ExpiryDate != nil {
		t, err := time.Parse("2006-01-02", *req.ExpiryDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expiry_date format (use YYYY-MM-DD)", err)
			return
		}
		in.ExpiryDate = &t
	}
	if req.PackagePrice != nil {
		p, err := parseDecimal("package_price", *req.PackagePrice)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		in.PackagePrice = &p
	}
	if req.DiscountAmount != "" {
		d, err := parseDecimal("discount_amount", req.DiscountAmount)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		in.DiscountAmount = d
	}

	// Credits and expiry default from the catalog package when omitted.
	if req.MembershipTypeID != "" && (in.TotalCredits == 0 || in.ExpiryDate == nil) {
		t, err := h.Store.GetMembershipType(r.Context(), in.TypeID)
		if err != nil {
			writeDomainError(w, &ledger.DependencyError{Dependency: "membership type", Err: err})
			return
		}
		if t != nil {
			if in.TotalCredits == 0 {
				in.TotalCredits = t.TotalCredits
			}
			if in.ExpiryDate == nil && t.ValidityDays != nil {
				exp := time.Now().UTC().AddDate(0, 0, *t.ValidityDays)
				in.ExpiryDate = &exp
			}
		}
	}

	m, err := h.memberships.Create(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMembershipDTO(*m))
}

// AdjustMembership applies an audited admin override.
func (h *Handler) AdjustMembership(w http.ResponseWriter, r *http.Request) {
	id := ledger.MembershipID(chi.URLParam(r, "id"))

	var req AdjustMembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	adj := ledger.AdminAdjustment{UsedCredits: req.UsedCredits}
	if req.Status != nil {
		s := ledger.MembershipStatus(*req.Status)
		adj.Status = &s
	}
	if req.ExpiryDate != nil {
		t, err := time.Parse("2006-01-02", *req.ExpiryDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expiry_date format (use YYYY-MM-DD)", err)
			return
		}
		adj.ExpiryDate = &t
	}

	result, err := h.memberships.AdjustByAdmin(r.Context(), id, adj, actingUser(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AdjustMembershipResponse{
		Membership: toMembershipDTO(*result.Membership),
		Warning:    result.AuditWarning,
	})
}

// UseMembership redeems credits. The decrement, usage record, and any
// settlement obligation persist atomically.
func (h *Handler) UseMembership(w http.ResponseWriter, r *http.Request) {
	id := ledger.MembershipID(chi.URLParam(r, "id"))

	var req UseMembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}
	if req.CreditsUsed == 0 {
		req.CreditsUsed = 1
	}

	result, err := h.consumption.Consume(r.Context(), ledger.ConsumeInput{
		MembershipID:     id,
		CreditsUsed:      req.CreditsUsed,
		RedeemedAtBranch: ledger.BranchID(req.UsedAtBranchID),
		StaffUser:        actingUser(r),
		Notes:            req.Notes,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := UseMembershipResponse{
		Usage:      toUsageDTO(*result.Usage),
		Membership: toMembershipDTO(*result.Membership),
	}
	if result.Settlement != nil {
		s := toSettlementDTO(*result.Settlement)
		resp.Settlement = &s
	}
	writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// ListSettlements returns settlement rows plus per-direction totals.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	var branch *ledger.BranchID
	if v := r.URL.Query().Get("branch_id"); v != "" {
		b := ledger.BranchID(v)
		branch = &b
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	settlements, err := h.Store.ListSettlements(r.Context(), branch, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]SettlementDTO, len(settlements))
	summary := make(map[string]decimal.Decimal)
	for i, s := range settlements {
		dtos[i] = toSettlementDTO(s)
		key := string(s.FromBranch) + "->" + string(s.ToBranch)
		summary[key] = summary[key].Add(s.Amount)
	}

	summaryDTO := make(map[string]string, len(summary))
	for k, total := range summary {
		summaryDTO[k] = total.StringFixed(2)
	}

	writeJSON(w, http.StatusOK, SettlementListResponse{
		Settlements: dtos,
		Summary:     summaryDTO,
	})
}

// =============================================================================
// LOYALTY HANDLERS
// =============================================================================

// GetLoyalty returns the balance and recent history for a customer.
// An absent account reads as zero; reading does not create it.
func (h *Handler) GetLoyalty(w http.ResponseWriter, r *http.Request) {
	customer := ledger.CustomerID(chi.URLParam(r, "customerID"))

	view, err := h.loyalty.GetLedger(r.Context(), customer)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	txs := make([]LoyaltyTransactionDTO, len(view.Transactions))
	for i, tx := range view.Transactions {
		txs[i] = toLoyaltyTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, LoyaltyLedgerDTO{
		CustomerID:   string(customer),
		Points:       view.Points,
		Transactions: txs,
	})
}

// EarnPoints adds points to a customer's balance.
func (h *Handler) EarnPoints(w http.ResponseWriter, r *http.Request) {
	h.applyPoints(w, r, h.loyalty.Earn, "Visit / spend")
}

// RedeemPoints subtracts points from a customer's balance.
func (h *Handler) RedeemPoints(w http.ResponseWriter, r *http.Request) {
	h.applyPoints(w, r, h.loyalty.Redeem, "Redemption")
}

func (h *Handler) applyPoints(w http.ResponseWriter, r *http.Request,
	apply func(context.Context, ledger.LoyaltyInput) (int64, error), defaultReason string) {

	customer := ledger.CustomerID(chi.URLParam(r, "customerID"))

	var req LoyaltyPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}
	if req.Reason == "" {
		req.Reason = defaultReason
	}

	balance, err := apply(r.Context(), ledger.LoyaltyInput{
		CustomerID: customer,
		Points:     req.Points,
		Reason:     req.Reason,
		Branch:     ledger.BranchID(req.BranchID),
		ActingUser: actingUser(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, LoyaltyPointsResponse{
		CustomerID: string(customer),
		Points:     balance,
	})
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListMembershipTypes returns catalog packages. Pass ?all=true to include
// deactivated ones.
func (h *Handler) ListMembershipTypes(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") != "true"

	types, err := h.Store.ListMembershipTypes(r.Context(), activeOnly)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]MembershipTypeDTO, len(types))
	for i, t := range types {
		dtos[i] = toMembershipTypeDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateMembershipType adds a catalog package.
func (h *Handler) CreateMembershipType(w http.ResponseWriter, r *http.Request) {
	var req CreateMembershipTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	price, err := parseDecimal("price", req.Price)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if price.IsNegative() {
		writeDomainError(w, &ledger.ValidationError{Field: "price", Message: "must not be negative"})
		return
	}

	t := ledger.MembershipType{
		ID:              ledger.MembershipTypeID(uuid.NewString()),
		Name:            req.Name,
		TotalCredits:    req.TotalCredits,
		Price:           price,
		ServiceCategory: req.ServiceCategory,
		ValidityDays:    req.ValidityDays,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.Store.SaveMembershipType(r.Context(), t); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMembershipTypeDTO(t))
}

// ListBranches returns all branches.
func (h *Handler) ListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := h.Store.ListBranches(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]BranchDTO, len(branches))
	for i, b := range branches {
		dtos[i] = BranchDTO{ID: string(b.ID), Name: b.Name}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBranch registers a branch.
func (h *Handler) CreateBranch(w http.ResponseWriter, r *http.Request) {
	var req CreateBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	b := ledger.Branch{ID: ledger.BranchID(req.ID), Name: req.Name}
	if err := h.Store.SaveBranch(r.Context(), b); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, BranchDTO{ID: req.ID, Name: req.Name})
}

// BranchUsages returns redemptions performed at a branch, most recent first.
func (h *Handler) BranchUsages(w http.ResponseWriter, r *http.Request) {
	branch := ledger.BranchID(chi.URLParam(r, "id"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	usages, err := h.Store.UsagesByBranch(r.Context(), branch, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageDTOs(usages))
}

// GetSettings returns the current settlement percentages.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Store.GetSettings(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SettingsDTO{
		SettlementPercentage: settings.SettlementPercent.String(),
		RevenuePercentage:    settings.RevenuePercent.String(),
	})
}

// UpdateSettings patches the settlement percentages. Omitted fields keep
// their current value. In-flight consumptions keep the snapshot they read.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	settings, err := h.Store.GetSettings(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if req.SettlementPercentage != nil {
		p, err := parseDecimal("settlement_percentage", *req.SettlementPercentage)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if p.IsNegative() || p.GreaterThan(decimal.NewFromInt(100)) {
			writeDomainError(w, &ledger.ValidationError{Field: "settlement_percentage", Message: "must be between 0 and 100"})
			return
		}
		settings.SettlementPercent = p
	}
	if req.RevenuePercentage != nil {
		p, err := parseDecimal("revenue_percentage", *req.RevenuePercentage)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if p.IsNegative() || p.GreaterThan(decimal.NewFromInt(100)) {
			writeDomainError(w, &ledger.ValidationError{Field: "revenue_percentage", Message: "must be between 0 and 100"})
			return
		}
		settings.RevenuePercent = p
	}

	if err := h.Store.SaveSettings(r.Context(), settings); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SettingsDTO{
		SettlementPercentage: settings.SettlementPercent.String(),
		RevenuePercentage:    settings.RevenuePercent.String(),
	})
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ListAudit returns audit entries, newest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	var filter ledger.AuditFilter
	if v := r.URL.Query().Get("entity"); v != "" {
		filter.Entity = &v
	}
	if v := r.URL.Query().Get("entity_id"); v != "" {
		filter.EntityID = &v
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}

	entries, err := h.Audit.QueryAudit(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:        string(e.ID),
			Entity:    e.Entity,
			EntityID:  e.EntityID,
			Action:    e.Action,
			ActorID:   string(e.ActorID),
			Previous:  e.Previous,
			Updated:   e.Updated,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the domain error taxonomy to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		status = http.StatusInternalServerError
		code   = "internal_error"
	)

	switch {
	case errors.Is(err, ledger.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case ledger.IsNotFound(err):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInsufficientCredits):
		status, code = http.StatusConflict, "insufficient_credits"
	case errors.Is(err, ledger.ErrInsufficientPoints):
		status, code = http.StatusConflict, "insufficient_points"
	case errors.Is(err, ledger.ErrDuplicateSettlement):
		status, code = http.StatusConflict, "duplicate_settlement"
	case errors.Is(err, ledger.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ledger.ErrDependency):
		status, code = http.StatusBadGateway, "dependency_error"
	}

	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
