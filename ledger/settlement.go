/*
settlement.go - Inter-branch settlement reconciler

PURPOSE:
  Derives the monetary obligation created when a membership credit is
  redeemed away from its selling branch. The selling branch received the
  money up front; the redeeming branch performed the service.

COMPUTATION:
  unitPrice  = membership's packagePrice snapshot when present,
               else the catalog type price (tagged choice, resolved once)
  baseAmount = (unitPrice / totalCredits) * creditsUsed
  amount     = round2(baseAmount * settlementPercent / 100)

  Rounding is half-up to two decimal places; this is money and must not
  silently truncate.

REPLAY SAFETY:
  Reconciling the same usage record twice is prevented by the store's
  uniqueness on the usage reference (ErrDuplicateSettlement), not relied on
  as an idempotent recomputation - float drift would otherwise diverge
  between calls.

SEE ALSO:
  - consume.go: invokes the reconciler in the same transaction as the usage
  - types.go: UnitPrice tagged choice, Settings snapshot
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SETTLEMENT RECONCILER
// =============================================================================

// SettlementReconciler is stateless; the settings snapshot is injected per
// call so an in-flight settlement never observes a settings change.
type SettlementReconciler struct{}

func NewSettlementReconciler() *SettlementReconciler {
	return &SettlementReconciler{}
}

// Reconcile computes and persists the obligation for a usage record.
// Returns (nil, nil) when the redemption happened at the selling branch.
// The store s must be the same transactional view the usage was written in.
func (r *SettlementReconciler) Reconcile(ctx context.Context, s Store, usage UsageRecord, m Membership, settings Settings) (*SettlementObligation, error) {
	if usage.Branch == m.SoldAtBranch {
		return nil, nil
	}

	price, bundleName, err := r.resolveUnitPrice(ctx, s, m)
	if err != nil {
		return nil, err
	}

	totalCredits := decimal.NewFromInt(int64(m.TotalCredits))
	creditsUsed := decimal.NewFromInt(int64(usage.CreditsUsed))
	baseAmount := price.Amount.Div(totalCredits).Mul(creditsUsed)
	amount := Round2(baseAmount.Mul(settings.SettlementPercent).Div(decimal.NewFromInt(100)))

	obligation := SettlementObligation{
		ID:         SettlementID(uuid.NewString()),
		FromBranch: m.SoldAtBranch,
		ToBranch:   usage.Branch,
		Amount:     amount,
		Reason:     fmt.Sprintf("Membership usage: %s - %d credit(s)", bundleName, usage.CreditsUsed),
		UsageID:    usage.ID,
		Status:     SettlementPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.InsertSettlement(ctx, obligation); err != nil {
		return nil, err
	}
	return &obligation, nil
}

// resolveUnitPrice picks the bundle price exactly once: the sale-time
// snapshot when present, else the catalog type price. Also returns the name
// used in the obligation reason.
func (r *SettlementReconciler) resolveUnitPrice(ctx context.Context, s Store, m Membership) (UnitPrice, string, error) {
	var t *MembershipType
	if m.TypeID != "" {
		var err error
		t, err = s.GetMembershipType(ctx, m.TypeID)
		if err != nil {
			return UnitPrice{}, "", &DependencyError{Dependency: "membership type", Err: err}
		}
	}

	name := m.PackageName
	if t != nil && t.Name != "" {
		name = t.Name
	}
	if name == "" {
		name = "Membership"
	}

	if m.PackagePrice != nil {
		return UnitPrice{Amount: *m.PackagePrice, Source: PriceFromSnapshot}, name, nil
	}
	if t == nil {
		return UnitPrice{}, "", &DependencyError{
			Dependency: "membership type",
			Err:        fmt.Errorf("membership %s has no price snapshot and no catalog type", m.ID),
		}
	}
	return UnitPrice{Amount: t.Price, Source: PriceFromCatalog}, name, nil
}
