/*
membership.go - Membership ledger lifecycle

PURPOSE:
  Owns the lifecycle of a purchased credit bundle: creation on sale with a
  price snapshot, read access with derived remaining credits, and audited
  administrative overrides. Consumption itself lives in consume.go.

LIFECYCLE:
  - Created on sale: one row per purchase, never merged with prior bundles
  - Mutated only by the consumption engine (usedCredits, status) or by an
    authorized administrative override (which writes an audit entry)
  - Never physically deleted; expiry is flipped by an external process

ADMIN OVERRIDES:
  AdjustByAdmin writes a before/after diff to the audit trail whenever
  usedCredits or status change. Audit-write failure is a warning on the
  successful result, never a failure of the adjustment itself.

SEE ALSO:
  - consume.go: the only other writer of usedCredits/status
  - audit.go: fire-and-forget audit policy
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMBERSHIP LEDGER
// =============================================================================

// MembershipLedger manages membership rows. It is the sole writer of
// usedCredits/status outside the consumption engine.
type MembershipLedger struct {
	store TxStore
	audit *AuditRecorder
}

func NewMembershipLedger(store TxStore, audit AuditLog) *MembershipLedger {
	return &MembershipLedger{
		store: store,
		audit: &AuditRecorder{Log: audit},
	}
}

// CreateMembershipInput carries the sale parameters. Either TypeID or
// PackagePrice must be present: an ad-hoc bundle without a catalog type needs
// its own snapshot price for later settlement math.
type CreateMembershipInput struct {
	CustomerID     CustomerID
	TypeID         MembershipTypeID
	TotalCredits   int
	SoldAtBranch   BranchID
	ExpiryDate     *time.Time
	PackagePrice   *decimal.Decimal
	PackageName    string
	DiscountAmount decimal.Decimal
}

// Create records a sale. Fails with a ValidationError when TotalCredits < 1,
// the selling branch is unresolved, or an ad-hoc bundle has no price snapshot.
func (l *MembershipLedger) Create(ctx context.Context, in CreateMembershipInput) (*Membership, error) {
	if in.CustomerID == "" {
		return nil, &ValidationError{Field: "customerId", Message: "customer is required"}
	}
	if in.TotalCredits < 1 {
		return nil, &ValidationError{Field: "totalCredits", Message: "must be at least 1"}
	}
	if in.SoldAtBranch == "" {
		return nil, &ValidationError{Field: "soldAtBranch", Message: "branch is required"}
	}
	if in.DiscountAmount.IsNegative() {
		return nil, &ValidationError{Field: "discountAmount", Message: "must not be negative"}
	}
	if in.PackagePrice != nil && in.PackagePrice.IsNegative() {
		return nil, &ValidationError{Field: "packagePrice", Message: "must not be negative"}
	}

	branch, err := l.store.GetBranch(ctx, in.SoldAtBranch)
	if err != nil {
		return nil, &DependencyError{Dependency: "branch", Err: err}
	}
	if branch == nil {
		return nil, &ValidationError{Field: "soldAtBranch", Message: "unknown branch"}
	}

	if in.TypeID != "" {
		t, err := l.store.GetMembershipType(ctx, in.TypeID)
		if err != nil {
			return nil, &DependencyError{Dependency: "membership type", Err: err}
		}
		if t == nil {
			return nil, &ValidationError{Field: "membershipTypeId", Message: "unknown membership type"}
		}
	} else if in.PackagePrice == nil {
		return nil, &ValidationError{Field: "packagePrice", Message: "ad-hoc bundle requires a price snapshot"}
	}

	m := Membership{
		ID:             MembershipID(uuid.NewString()),
		CustomerID:     in.CustomerID,
		TypeID:         in.TypeID,
		TotalCredits:   in.TotalCredits,
		UsedCredits:    0,
		SoldAtBranch:   in.SoldAtBranch,
		PurchaseDate:   time.Now().UTC(),
		ExpiryDate:     in.ExpiryDate,
		Status:         StatusActive,
		PackagePrice:   in.PackagePrice,
		PackageName:    in.PackageName,
		DiscountAmount: in.DiscountAmount,
		Version:        1,
		CreatedAt:      time.Now().UTC(),
	}
	if err := l.store.InsertMembership(ctx, m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Get loads a membership or returns a NotFoundError.
func (l *MembershipLedger) Get(ctx context.Context, id MembershipID) (*Membership, error) {
	m, err := l.store.GetMembership(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &NotFoundError{Entity: "membership", ID: string(id)}
	}
	return m, nil
}

// List returns memberships matching the filter, most recent purchase first.
func (l *MembershipLedger) List(ctx context.Context, f MembershipFilter) ([]Membership, error) {
	return l.store.ListMemberships(ctx, f)
}

// UsageHistory returns the membership's redemption history, most recent first.
func (l *MembershipLedger) UsageHistory(ctx context.Context, id MembershipID) ([]UsageRecord, error) {
	return l.store.UsagesByMembership(ctx, id)
}

// =============================================================================
// ADMINISTRATIVE OVERRIDE
// =============================================================================

// AdminAdjustment is a direct override of ledger state. Nil fields are left
// untouched.
type AdminAdjustment struct {
	UsedCredits *int
	Status      *MembershipStatus
	ExpiryDate  *time.Time
}

// AdjustResult is the outcome of an override. AuditWarning is non-empty when
// the audit entry could not be written; the adjustment itself still stands.
type AdjustResult struct {
	Membership   *Membership
	AuditWarning string
}

// AdjustByAdmin overrides usedCredits, status, or expiryDate directly,
// bypassing the consumption engine. When usedCredits or status change, a
// before/after diff is written to the audit trail.
//
// The used-status invariant is preserved: an explicit status that
// contradicts the credit count is rejected, and when only usedCredits is
// given the status is derived.
func (l *MembershipLedger) AdjustByAdmin(ctx context.Context, id MembershipID, adj AdminAdjustment, actor UserID) (*AdjustResult, error) {
	if adj.UsedCredits == nil && adj.Status == nil && adj.ExpiryDate == nil {
		return nil, &ValidationError{Field: "adjustment", Message: "no fields to update"}
	}

	m, err := l.store.GetMembership(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &NotFoundError{Entity: "membership", ID: string(id)}
	}

	previous := map[string]any{
		"usedCredits": m.UsedCredits,
		"status":      string(m.Status),
	}

	if adj.UsedCredits != nil {
		if *adj.UsedCredits < 0 || *adj.UsedCredits > m.TotalCredits {
			return nil, &ValidationError{Field: "usedCredits", Message: "must be between 0 and totalCredits"}
		}
		m.UsedCredits = *adj.UsedCredits
	}

	switch {
	case adj.Status != nil:
		s := *adj.Status
		if s != StatusActive && s != StatusUsed && s != StatusExpired {
			return nil, &ValidationError{Field: "status", Message: "unknown status"}
		}
		if s == StatusUsed && m.UsedCredits != m.TotalCredits {
			return nil, &ValidationError{Field: "status", Message: "status 'used' requires all credits consumed"}
		}
		if s == StatusActive && m.UsedCredits == m.TotalCredits {
			return nil, &ValidationError{Field: "status", Message: "status 'active' requires remaining credits"}
		}
		m.Status = s
	case adj.UsedCredits != nil:
		// Derive status from the new credit count; expired stays expired
		// unless explicitly overridden.
		if m.UsedCredits == m.TotalCredits {
			m.Status = StatusUsed
		} else if m.Status == StatusUsed {
			m.Status = StatusActive
		}
	}

	if adj.ExpiryDate != nil {
		m.ExpiryDate = adj.ExpiryDate
	}

	if err := l.store.UpdateMembership(ctx, *m); err != nil {
		return nil, err
	}
	m.Version++

	updated := map[string]any{
		"usedCredits": m.UsedCredits,
		"status":      string(m.Status),
	}

	result := &AdjustResult{Membership: m}
	if previous["usedCredits"] != updated["usedCredits"] || previous["status"] != updated["status"] {
		result.AuditWarning = l.audit.Record(ctx, AuditEntry{
			Entity:    AuditEntityMembership,
			EntityID:  string(m.ID),
			Action:    AuditActionAdjust,
			ActorID:   actor,
			Previous:  previous,
			Updated:   updated,
			CreatedAt: time.Now().UTC(),
		})
	}
	return result, nil
}
