/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator struct tags; handlers run
  them through Handler.validate before touching domain logic. Domain-level
  rules (branch existence, credit arithmetic) stay in the ledger package.

MONEY:
  Amounts cross the wire as JSON strings ("150.00"), never floats.
  shopspring/decimal marshals to a string when MarshalJSONWithoutQuotes
  is left at its default, which is what we rely on here.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/membership-ledger/ledger"
)

// =============================================================================
// MEMBERSHIP TYPES
// =============================================================================

// MembershipDTO represents a membership in API responses.
type MembershipDTO struct {
	ID               string  `json:"id"`
	CustomerID       string  `json:"customer_id"`
	MembershipTypeID string  `json:"membership_type_id,omitempty"`
	TotalCredits     int     `json:"total_credits"`
	UsedCredits      int     `json:"used_credits"`
	RemainingCredits int     `json:"remaining_credits"`
	SoldAtBranchID   string  `json:"sold_at_branch_id"`
	PurchaseDate     string  `json:"purchase_date"`
	ExpiryDate       *string `json:"expiry_date,omitempty"`
	Status           string  `json:"status"`
	PackagePrice     *string `json:"package_price,omitempty"`
	PackageName      string  `json:"package_name,omitempty"`
	DiscountAmount   string  `json:"discount_amount"`
	Version          int64   `json:"version"`
	CreatedAt        string  `json:"created_at,omitempty"`
}

// MembershipDetailDTO is the membership plus its redemption history.
type MembershipDetailDTO struct {
	MembershipDTO
	Usages []UsageDTO `json:"usages"`
}

// CreateMembershipRequest is the request to sell a membership.
type CreateMembershipRequest struct {
	CustomerID       string  `json:"customer_id" validate:"required"`
	MembershipTypeID string  `json:"membership_type_id"`
	TotalCredits     int     `json:"total_credits"`
	SoldAtBranchID   string  `json:"sold_at_branch_id" validate:"required"`
	ExpiryDate       *string `json:"expiry_date,omitempty"`
	PackagePrice     *string `json:"package_price,omitempty"`
	PackageName      string  `json:"package_name"`
	DiscountAmount   string  `json:"discount_amount"`
}

// AdjustMembershipRequest is the admin override request. All fields are
// optional; at least one must be set.
type AdjustMembershipRequest struct {
	UsedCredits *int    `json:"used_credits,omitempty"`
	Status      *string `json:"status,omitempty" validate:"omitempty,oneof=active used expired"`
	ExpiryDate  *string `json:"expiry_date,omitempty"`
}

// AdjustMembershipResponse echoes the updated membership and surfaces a
// warning when the audit write failed.
type AdjustMembershipResponse struct {
	Membership MembershipDTO `json:"membership"`
	Warning    string        `json:"warning,omitempty"`
}

// =============================================================================
// USAGE / CONSUMPTION
// =============================================================================

// UsageDTO represents one redemption event.
type UsageDTO struct {
	ID             string `json:"id"`
	MembershipID   string `json:"membership_id"`
	UsedAtBranchID string `json:"used_at_branch_id"`
	UsedByUserID   string `json:"used_by_user_id,omitempty"`
	CreditsUsed    int    `json:"credits_used"`
	UsedAt         string `json:"used_at"`
	Notes          string `json:"notes,omitempty"`
}

// UseMembershipRequest is the request to redeem credits.
// CreditsUsed defaults to 1 when omitted.
type UseMembershipRequest struct {
	CreditsUsed    int    `json:"credits_used" validate:"omitempty,min=1"`
	UsedAtBranchID string `json:"used_at_branch_id" validate:"required"`
	Notes          string `json:"notes"`
}

// UseMembershipResponse reports the full effect of one redemption.
type UseMembershipResponse struct {
	Usage      UsageDTO       `json:"usage"`
	Membership MembershipDTO  `json:"membership"`
	Settlement *SettlementDTO `json:"settlement,omitempty"`
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

// SettlementDTO represents an inter-branch obligation.
type SettlementDTO struct {
	ID           string `json:"id"`
	FromBranchID string `json:"from_branch_id"`
	ToBranchID   string `json:"to_branch_id"`
	Amount       string `json:"amount"`
	Reason       string `json:"reason,omitempty"`
	UsageID      string `json:"usage_id"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

// SettlementListResponse pairs the settlement rows with per-direction
// totals keyed "from->to".
type SettlementListResponse struct {
	Settlements []SettlementDTO   `json:"settlements"`
	Summary     map[string]string `json:"summary"`
}

// =============================================================================
// LOYALTY
// =============================================================================

// LoyaltyTransactionDTO represents one points movement.
type LoyaltyTransactionDTO struct {
	ID              string `json:"id"`
	CustomerID      string `json:"customer_id"`
	Points          int64  `json:"points"`
	Type            string `json:"type"`
	Reason          string `json:"reason,omitempty"`
	BranchID        string `json:"branch_id,omitempty"`
	CreatedByUserID string `json:"created_by_user_id,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// LoyaltyLedgerDTO is the balance plus recent history.
type LoyaltyLedgerDTO struct {
	CustomerID   string                  `json:"customer_id"`
	Points       int64                   `json:"points"`
	Transactions []LoyaltyTransactionDTO `json:"transactions"`
}

// LoyaltyPointsRequest is the request to earn or redeem points.
type LoyaltyPointsRequest struct {
	Points   int64  `json:"points" validate:"required,min=1"`
	Reason   string `json:"reason"`
	BranchID string `json:"branch_id"`
}

// LoyaltyPointsResponse reports the balance after the movement.
type LoyaltyPointsResponse struct {
	CustomerID string `json:"customer_id"`
	Points     int64  `json:"points"`
}

// =============================================================================
// CATALOG
// =============================================================================

// MembershipTypeDTO represents a catalog package.
type MembershipTypeDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	TotalCredits    int    `json:"total_credits"`
	Price           string `json:"price"`
	ServiceCategory string `json:"service_category,omitempty"`
	ValidityDays    *int   `json:"validity_days,omitempty"`
	Active          bool   `json:"active"`
	CreatedAt       string `json:"created_at,omitempty"`
}

// CreateMembershipTypeRequest is the request to add a catalog package.
type CreateMembershipTypeRequest struct {
	Name            string `json:"name" validate:"required"`
	TotalCredits    int    `json:"total_credits" validate:"required,min=1"`
	Price           string `json:"price" validate:"required"`
	ServiceCategory string `json:"service_category"`
	ValidityDays    *int   `json:"validity_days,omitempty" validate:"omitempty,min=1"`
}

// BranchDTO represents a branch.
type BranchDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateBranchRequest is the request to register a branch.
type CreateBranchRequest struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required"`
}

// SettingsDTO represents the system settings.
type SettingsDTO struct {
	SettlementPercentage string `json:"settlement_percentage"`
	RevenuePercentage    string `json:"revenue_percentage"`
}

// UpdateSettingsRequest patches settings; omitted fields keep their value.
type UpdateSettingsRequest struct {
	SettlementPercentage *string `json:"settlement_percentage,omitempty"`
	RevenuePercentage    *string `json:"revenue_percentage,omitempty"`
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditEntryDTO represents one audit log row.
type AuditEntryDTO struct {
	ID        string         `json:"id"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id,omitempty"`
	Previous  map[string]any `json:"previous,omitempty"`
	Updated   map[string]any `json:"updated,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toMembershipDTO(m ledger.Membership) MembershipDTO {
	dto := MembershipDTO{
		ID:               string(m.ID),
		CustomerID:       string(m.CustomerID),
		MembershipTypeID: string(m.TypeID),
		TotalCredits:     m.TotalCredits,
		UsedCredits:      m.UsedCredits,
		RemainingCredits: m.RemainingCredits(),
		SoldAtBranchID:   string(m.SoldAtBranch),
		PurchaseDate:     m.PurchaseDate.Format("2006-01-02"),
		Status:           string(m.Status),
		PackageName:      m.PackageName,
		DiscountAmount:   m.DiscountAmount.String(),
		Version:          m.Version,
		CreatedAt:        m.CreatedAt.Format(time.RFC3339),
	}
	if m.ExpiryDate != nil {
		s := m.ExpiryDate.Format("2006-01-02")
		dto.ExpiryDate = &s
	}
	if m.PackagePrice != nil {
		s := m.PackagePrice.String()
		dto.PackagePrice = &s
	}
	return dto
}

func toUsageDTO(u ledger.UsageRecord) UsageDTO {
	return UsageDTO{
		ID:             string(u.ID),
		MembershipID:   string(u.MembershipID),
		UsedAtBranchID: string(u.Branch),
		UsedByUserID:   string(u.StaffUser),
		CreditsUsed:    u.CreditsUsed,
		UsedAt:         u.UsedAt.Format(time.RFC3339),
		Notes:          u.Notes,
	}
}

func toUsageDTOs(usages []ledger.UsageRecord) []UsageDTO {
	dtos := make([]UsageDTO, len(usages))
	for i, u := range usages {
		dtos[i] = toUsageDTO(u)
	}
	return dtos
}

func toSettlementDTO(s ledger.SettlementObligation) SettlementDTO {
	return SettlementDTO{
		ID:           string(s.ID),
		FromBranchID: string(s.FromBranch),
		ToBranchID:   string(s.ToBranch),
		Amount:       s.Amount.StringFixed(2),
		Reason:       s.Reason,
		UsageID:      string(s.UsageID),
		Status:       string(s.Status),
		CreatedAt:    s.CreatedAt.Format(time.RFC3339),
	}
}

func toLoyaltyTransactionDTO(tx ledger.LoyaltyTransaction) LoyaltyTransactionDTO {
	return LoyaltyTransactionDTO{
		ID:              string(tx.ID),
		CustomerID:      string(tx.CustomerID),
		Points:          tx.Points,
		Type:            string(tx.Type),
		Reason:          tx.Reason,
		BranchID:        string(tx.Branch),
		CreatedByUserID: string(tx.CreatedBy),
		CreatedAt:       tx.CreatedAt.Format(time.RFC3339),
	}
}

func toMembershipTypeDTO(t ledger.MembershipType) MembershipTypeDTO {
	return MembershipTypeDTO{
		ID:              string(t.ID),
		Name:            t.Name,
		TotalCredits:    t.TotalCredits,
		Price:           t.Price.StringFixed(2),
		ServiceCategory: t.ServiceCategory,
		ValidityDays:    t.ValidityDays,
		Active:          t.Active,
		CreatedAt:       t.CreatedAt.Format(time.RFC3339),
	}
}

// parseDecimal wraps decimal parsing with a field-tagged validation error.
func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, &ledger.ValidationError{Field: field, Message: "invalid decimal value"}
	}
	return d, nil
}
