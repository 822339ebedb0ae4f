/*
consume.go - The consumption engine

PURPOSE:
  Validates and applies a single redemption event against a membership:
  checks remaining credits, decrements, writes an immutable usage record,
  and hands off to the settlement reconciler when the redeeming branch
  differs from the selling branch.

ATOMICITY:
  The whole effect runs inside TxStore.WithTx: either the credit decrement,
  the usage record, and (when applicable) the settlement obligation all
  persist, or none do. A partial write is a correctness violation, not a
  degraded state.

CONCURRENCY:
  The remaining-credit check and the decrement are protected by the
  membership's version token. A writer that loses the race gets ErrConflict
  from the store; the engine re-reads and retries once, so two concurrent
  redemptions with enough headroom both succeed, while the loser of a
  last-credit race gets InsufficientCreditsError on the re-check. A second
  conflict surfaces as ErrConflict for the caller to retry.

NO PARTIAL CONSUMPTION:
  An over-request is rejected outright with the remaining count, never
  clamped.

SEE ALSO:
  - settlement.go: obligation math
  - store.go: WithTx contract
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONSUMPTION ENGINE
// =============================================================================

type ConsumptionEngine struct {
	store      TxStore
	reconciler *SettlementReconciler
}

func NewConsumptionEngine(store TxStore) *ConsumptionEngine {
	return &ConsumptionEngine{
		store:      store,
		reconciler: NewSettlementReconciler(),
	}
}

type ConsumeInput struct {
	MembershipID     MembershipID
	CreditsUsed      int
	RedeemedAtBranch BranchID
	StaffUser        UserID
	Notes            string
}

// ConsumeResult reports the full effect of one redemption. Settlement is nil
// when the redemption happened at the selling branch.
type ConsumeResult struct {
	Usage      *UsageRecord
	Membership *Membership
	Settlement *SettlementObligation
}

// Consume applies a redemption as a single atomic unit.
func (e *ConsumptionEngine) Consume(ctx context.Context, in ConsumeInput) (*ConsumeResult, error) {
	if in.CreditsUsed < 1 {
		return nil, &ValidationError{Field: "creditsUsed", Message: "must be at least 1"}
	}
	if in.RedeemedAtBranch == "" {
		return nil, &ValidationError{Field: "redeemedAtBranch", Message: "branch is required"}
	}

	branch, err := e.store.GetBranch(ctx, in.RedeemedAtBranch)
	if err != nil {
		return nil, &DependencyError{Dependency: "branch", Err: err}
	}
	if branch == nil {
		return nil, &ValidationError{Field: "redeemedAtBranch", Message: "unknown branch"}
	}

	// One retry on a version conflict: the retry re-reads fresh state, so
	// the remaining-credit check is repeated against the winner's write.
	var result *ConsumeResult
	for attempt := 0; ; attempt++ {
		result, err = e.consumeOnce(ctx, in)
		if errors.Is(err, ErrConflict) && attempt == 0 {
			continue
		}
		return result, err
	}
}

func (e *ConsumptionEngine) consumeOnce(ctx context.Context, in ConsumeInput) (*ConsumeResult, error) {
	var result ConsumeResult

	err := e.store.WithTx(ctx, func(s Store) error {
		m, err := s.GetMembership(ctx, in.MembershipID)
		if err != nil {
			return err
		}
		if m == nil {
			return &NotFoundError{Entity: "membership", ID: string(in.MembershipID)}
		}
		if m.Status == StatusExpired {
			return &ValidationError{Field: "membership", Message: "membership is expired"}
		}

		remaining := m.RemainingCredits()
		if in.CreditsUsed > remaining {
			return &InsufficientCreditsError{
				MembershipID: m.ID,
				Remaining:    remaining,
				Requested:    in.CreditsUsed,
			}
		}

		m.UsedCredits += in.CreditsUsed
		if m.UsedCredits == m.TotalCredits {
			m.Status = StatusUsed
		}
		if err := s.UpdateMembership(ctx, *m); err != nil {
			return err
		}
		m.Version++

		usage := UsageRecord{
			ID:           UsageID(uuid.NewString()),
			MembershipID: m.ID,
			Branch:       in.RedeemedAtBranch,
			StaffUser:    in.StaffUser,
			CreditsUsed:  in.CreditsUsed,
			UsedAt:       time.Now().UTC(),
			Notes:        in.Notes,
		}
		if err := s.AppendUsage(ctx, usage); err != nil {
			return err
		}

		result = ConsumeResult{Usage: &usage, Membership: m}

		if in.RedeemedAtBranch != m.SoldAtBranch {
			// Settings are read here, inside the same transaction, and
			// passed down as a snapshot.
			settings, err := s.GetSettings(ctx)
			if err != nil {
				return &DependencyError{Dependency: "settings", Err: err}
			}
			obligation, err := e.reconciler.Reconcile(ctx, s, usage, *m, settings)
			if err != nil {
				return err
			}
			result.Settlement = obligation
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
