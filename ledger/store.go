/*
store.go - Persistence interfaces for the ledger engine

PURPOSE:
  Defines the interface between the domain logic and the database. Different
  implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  MembershipStore: Membership rows with optimistic-concurrency updates
  UsageStore:      Append-only usage records
  SettlementStore: Settlement obligations, at most one per usage record
  LoyaltyStore:    Loyalty accounts (compare-and-swap) + transactions
  CatalogStore:    Branches, membership types, settings (reference data)
  TxStore:         Transactional composition of the above
  AuditLog:        Append-only administrative audit trail

APPEND-ONLY CONTRACT:
  Usage records, settlement obligations, loyalty transactions, and audit
  entries are append-only: no Update or Delete methods exist for them.
  Memberships and loyalty accounts are the only mutable rows, and their
  updates are compare-and-swap on a version token.

ATOMICITY:
  WithTx() gives all-or-nothing semantics for the consume path: the credit
  decrement, the usage record, and (for a remote redemption) the settlement
  obligation either all persist or none do.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production SQLite
  - ledger/store/memory.go: in-memory for testing

SEE ALSO:
  - consume.go: uses WithTx for the atomic redemption unit
  - store/sqlite/sqlite.go: concrete implementation
*/
package ledger

import "context"

// =============================================================================
// MEMBERSHIP STORE
// =============================================================================

// MembershipFilter narrows ListMemberships. Nil fields match everything.
type MembershipFilter struct {
	Branch   *BranchID
	Customer *CustomerID
	Status   *MembershipStatus
}

// MembershipStore persists membership ledger entries.
// Get returns (nil, nil) when the membership does not exist; callers decide
// whether that is a NotFoundError.
type MembershipStore interface {
	InsertMembership(ctx context.Context, m Membership) error

	GetMembership(ctx context.Context, id MembershipID) (*Membership, error)

	// UpdateMembership persists UsedCredits, Status, and ExpiryDate.
	// Compare-and-swap: the stored row must still be at m.Version; on success
	// the stored version becomes m.Version+1. A stale writer gets ErrConflict.
	UpdateMembership(ctx context.Context, m Membership) error

	ListMemberships(ctx context.Context, f MembershipFilter) ([]Membership, error)
}

// =============================================================================
// USAGE STORE - Append-only
// =============================================================================

type UsageStore interface {
	// AppendUsage persists a usage record. This is the only write operation.
	AppendUsage(ctx context.Context, u UsageRecord) error

	// UsagesByMembership returns a membership's usage history,
	// most recent first.
	UsagesByMembership(ctx context.Context, id MembershipID) ([]UsageRecord, error)

	// UsagesByBranch returns redemptions recorded at a branch,
	// most recent first.
	UsagesByBranch(ctx context.Context, branch BranchID, limit int) ([]UsageRecord, error)
}

// =============================================================================
// SETTLEMENT STORE
// =============================================================================

type SettlementStore interface {
	// InsertSettlement persists a new pending obligation. Returns
	// ErrDuplicateSettlement if one already exists for the same usage record;
	// uniqueness is enforced by the store, not recomputed by callers.
	InsertSettlement(ctx context.Context, s SettlementObligation) error

	// ListSettlements returns obligations, most recent first. When branch is
	// non-nil, only obligations with that branch on either side are returned.
	ListSettlements(ctx context.Context, branch *BranchID, limit int) ([]SettlementObligation, error)
}

// =============================================================================
// LOYALTY STORE
// =============================================================================

type LoyaltyStore interface {
	// GetLoyaltyAccount returns (nil, nil) when no account exists yet.
	GetLoyaltyAccount(ctx context.Context, customer CustomerID) (*LoyaltyAccount, error)

	// SaveLoyaltyAccount inserts the account when a.Version == 0 (failing
	// with ErrConflict if another writer created it first) and otherwise
	// compare-and-swaps on the version like UpdateMembership.
	SaveLoyaltyAccount(ctx context.Context, a LoyaltyAccount) error

	// AppendLoyaltyTransaction persists an immutable history entry.
	AppendLoyaltyTransaction(ctx context.Context, tx LoyaltyTransaction) error

	// LoyaltyTransactions returns a customer's history, most recent first.
	LoyaltyTransactions(ctx context.Context, customer CustomerID, limit int) ([]LoyaltyTransaction, error)
}

// =============================================================================
// CATALOG STORE - Reference data, read-only to the core engines
// =============================================================================

type CatalogStore interface {
	GetBranch(ctx context.Context, id BranchID) (*Branch, error)
	ListBranches(ctx context.Context) ([]Branch, error)
	SaveBranch(ctx context.Context, b Branch) error

	GetMembershipType(ctx context.Context, id MembershipTypeID) (*MembershipType, error)
	ListMembershipTypes(ctx context.Context, activeOnly bool) ([]MembershipType, error)
	SaveMembershipType(ctx context.Context, t MembershipType) error

	// GetSettings returns DefaultSettings() when nothing has been stored.
	GetSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}

// =============================================================================
// COMPOSED STORE
// =============================================================================

// Store is the full persistence surface the engines operate on.
type Store interface {
	MembershipStore
	UsageStore
	SettlementStore
	LoyaltyStore
	CatalogStore
}

// TxStore wraps Store with transaction support. Use this for the consume
// path, where the membership update, usage record, and settlement obligation
// must commit together.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back; otherwise it is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT LOG - Separate from the ledger, tracks who overrode what
// =============================================================================

type AuditFilter struct {
	Entity   *string
	EntityID *string
	Limit    int
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}
