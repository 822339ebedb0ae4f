/*
Package ledger provides the core membership credit and loyalty points engine.

PURPOSE:
  This package contains the domain types and rules for prepaid service-credit
  bundles ("memberships") sold at one branch and redeemable at any branch of a
  multi-branch business, plus an independent points-based loyalty ledger.
  Redeeming a credit away from its selling branch creates an inter-branch
  monetary obligation that must be tracked and reconciled.

KEY CONCEPTS IN THIS FILE (types.go):
  - Membership: a purchased credit bundle with a price snapshot
  - UsageRecord: an immutable record of a single redemption event
  - SettlementObligation: money owed between branches for a remote redemption
  - LoyaltyAccount / LoyaltyTransaction: per-customer points balance + history
  - Settings: percentage multipliers read as a snapshot at reconcile time

DESIGN PRINCIPLES:
  1. Immutability: usage records and loyalty transactions are never modified
  2. Precision: uses decimal.Decimal for all monetary values
  3. Type Safety: strong typing for IDs prevents mixing branch/customer IDs
  4. Auditability: administrative overrides produce audit trail entries

SEE ALSO:
  - membership.go: Membership lifecycle (create, admin adjust)
  - consume.go: Redemption of credits against a membership
  - settlement.go: Inter-branch obligation computation
  - loyalty.go: Points earn/redeem
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MembershipID string
type MembershipTypeID string
type CustomerID string
type BranchID string
type UserID string
type UsageID string
type SettlementID string
type LoyaltyTxID string

// =============================================================================
// MONEY
// =============================================================================

// Round2 rounds a monetary amount to two decimal places, half up.
// decimal.Round rounds half away from zero; settlement amounts are
// non-negative, so this is round-half-up.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MustParseDecimal parses a stored decimal string, returning zero on failure.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// MEMBERSHIP - Purchased credit bundle (the ledger entry)
// =============================================================================

type MembershipStatus string

const (
	StatusActive  MembershipStatus = "active"
	StatusUsed    MembershipStatus = "used"
	StatusExpired MembershipStatus = "expired"
)

// Membership is a purchased bundle of redeemable service credits.
//
// INVARIANTS:
//   - 0 <= UsedCredits <= TotalCredits, UsedCredits monotonically non-decreasing
//   - Status == StatusUsed if and only if UsedCredits == TotalCredits
//   - TotalCredits and SoldAtBranch are fixed at creation
//   - Price fields are a snapshot taken at sale time; later catalog price
//     changes never alter settlement math retroactively
//
// Expiry is flipped by an external time-based process; an expired membership
// rejects further consumption. Rows are never physically deleted.
type Membership struct {
	ID           MembershipID
	CustomerID   CustomerID
	TypeID       MembershipTypeID // empty for a type-free ad-hoc bundle
	TotalCredits int
	UsedCredits  int
	SoldAtBranch BranchID
	PurchaseDate time.Time
	ExpiryDate   *time.Time
	Status       MembershipStatus

	// Price snapshot captured at sale time.
	PackagePrice   *decimal.Decimal // nil = fall back to catalog type price
	PackageName    string
	DiscountAmount decimal.Decimal

	// Version is the optimistic-concurrency token. Updates compare-and-swap
	// on it; a stale writer gets ErrConflict.
	Version   int64
	CreatedAt time.Time
}

// RemainingCredits is TotalCredits - UsedCredits, always >= 0 by invariant.
func (m *Membership) RemainingCredits() int {
	return m.TotalCredits - m.UsedCredits
}

// =============================================================================
// USAGE RECORD - Single redemption event (immutable, append-only)
// =============================================================================

// UsageRecord records one redemption against a membership. Never edited or
// deleted. The sum of CreditsUsed across a membership's records equals the
// membership's UsedCredits.
type UsageRecord struct {
	ID           UsageID
	MembershipID MembershipID
	Branch       BranchID // where redemption occurred
	StaffUser    UserID
	CreditsUsed  int
	UsedAt       time.Time
	Notes        string
}

// =============================================================================
// SETTLEMENT OBLIGATION - Inter-branch money owed for a remote redemption
// =============================================================================

type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSettled SettlementStatus = "settled"
)

// SettlementObligation is money the selling branch owes the redeeming branch.
// Created only by the reconciler, in the same logical transaction as the
// triggering usage record. At most one obligation exists per usage record.
// The pending->settled transition is a manual reconciliation step outside
// this core.
type SettlementObligation struct {
	ID         SettlementID
	FromBranch BranchID // seller
	ToBranch   BranchID // redeemer
	Amount     decimal.Decimal
	Reason     string
	UsageID    UsageID
	Status     SettlementStatus
	CreatedAt  time.Time
}

// =============================================================================
// UNIT PRICE - Tagged price choice resolved once at settlement time
// =============================================================================

type PriceSource string

const (
	PriceFromSnapshot PriceSource = "snapshot" // membership's packagePrice
	PriceFromCatalog  PriceSource = "catalog"  // membership type's price
)

// UnitPrice is the bundle price used for settlement math, tagged with where
// it came from. Resolved once per reconciliation, not probed at runtime.
type UnitPrice struct {
	Amount decimal.Decimal
	Source PriceSource
}

// =============================================================================
// LOYALTY - Per-customer points balance with append-only history
// =============================================================================

type LoyaltyTxType string

const (
	LoyaltyEarn   LoyaltyTxType = "earn"
	LoyaltyRedeem LoyaltyTxType = "redeem"
)

// LoyaltyAccount holds a customer's current points balance. One per customer.
// Points always equals the running sum of transaction deltas and never goes
// negative. Created lazily on first earn/redeem; never deleted.
type LoyaltyAccount struct {
	CustomerID CustomerID
	Points     int64

	// Version is the optimistic-concurrency token. Zero means the account
	// has not been persisted yet.
	Version   int64
	CreatedAt time.Time
}

// LoyaltyTransaction is an immutable entry in a customer's points history.
// Points is the signed delta: positive for earn, negative for redeem.
type LoyaltyTransaction struct {
	ID         LoyaltyTxID
	CustomerID CustomerID
	Points     int64
	Type       LoyaltyTxType
	Reason     string
	Branch     BranchID
	CreatedBy  UserID
	CreatedAt  time.Time
}

// LedgerView is the read-only loyalty state returned to callers: current
// balance plus transactions, most recent first.
type LedgerView struct {
	Points       int64
	Transactions []LoyaltyTransaction
}

// =============================================================================
// CATALOG REFERENCE - Read-only to the core
// =============================================================================

// MembershipType is a catalog definition for a sellable credit bundle.
// Administrator-managed; deactivated rather than deleted.
type MembershipType struct {
	ID              MembershipTypeID
	Name            string
	TotalCredits    int
	Price           decimal.Decimal
	ServiceCategory string
	ValidityDays    *int
	Active          bool
	CreatedAt       time.Time
}

// Branch is a physical location. The core only needs identity resolution.
type Branch struct {
	ID   BranchID
	Name string
}

// Settings is the system-wide percentage configuration. The reconciler takes
// a Settings value at call time rather than reading a hidden global, so an
// in-flight settlement is not affected by a concurrent settings change.
type Settings struct {
	// SettlementPercent (0-100) scales the inter-branch obligation.
	// Default 100: full value transferred.
	SettlementPercent decimal.Decimal

	// RevenuePercent (0-100) is used only by external reporting. Default 10.
	RevenuePercent decimal.Decimal
}

// DefaultSettings returns the system defaults applied when no settings
// record has been stored yet.
func DefaultSettings() Settings {
	return Settings{
		SettlementPercent: decimal.NewFromInt(100),
		RevenuePercent:    decimal.NewFromInt(10),
	}
}

// =============================================================================
// AUDIT ENTRY - Immutable record of an administrative override
// =============================================================================

// AuditEntry captures a before/after diff of an administrative override.
// Written only as a side effect of an admin adjustment; read by external
// reporting.
type AuditEntry struct {
	ID        string
	Entity    string // e.g. "membership"
	EntityID  string
	Action    string // e.g. "admin_adjust"
	ActorID   UserID
	Previous  map[string]any
	Updated   map[string]any
	CreatedAt time.Time
}

const (
	AuditEntityMembership = "membership"
	AuditActionAdjust     = "admin_adjust"
)
