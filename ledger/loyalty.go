/*
loyalty.go - Points-based loyalty ledger

PURPOSE:
  Independent per-customer points balance with an append-only transaction
  history. Earn adds points, redeem subtracts them, and the balance never
  goes negative. The loyalty ledger has no data dependency on the membership
  ledger; both are just invoked from the same customer-interaction surface.

INVARIANTS:
  - Points always equals the running sum of transaction deltas
    (earn: +points, redeem: -points)
  - A redeem that would drive the balance negative is rejected outright
    with the current balance; no partial redemption

CONCURRENCY:
  Balance update and history append run inside WithTx, with a
  compare-and-swap on the account version. One retry on conflict, same as
  the consumption engine.

SEE ALSO:
  - store.go: LoyaltyStore contract
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LOYALTY LEDGER
// =============================================================================

type LoyaltyLedger struct {
	store TxStore
}

func NewLoyaltyLedger(store TxStore) *LoyaltyLedger {
	return &LoyaltyLedger{store: store}
}

// LoyaltyInput carries one earn or redeem request.
type LoyaltyInput struct {
	CustomerID CustomerID
	Points     int64
	Reason     string
	Branch     BranchID
	ActingUser UserID
}

// Earn adds points, lazily creating the account at zero if absent.
// Returns the new balance.
func (l *LoyaltyLedger) Earn(ctx context.Context, in LoyaltyInput) (int64, error) {
	return l.apply(ctx, in, LoyaltyEarn)
}

// Redeem subtracts points. Fails with InsufficientPointsError (reporting the
// current balance) when the request exceeds it. Returns the new balance.
func (l *LoyaltyLedger) Redeem(ctx context.Context, in LoyaltyInput) (int64, error) {
	return l.apply(ctx, in, LoyaltyRedeem)
}

func (l *LoyaltyLedger) apply(ctx context.Context, in LoyaltyInput, txType LoyaltyTxType) (int64, error) {
	if in.CustomerID == "" {
		return 0, &ValidationError{Field: "customerId", Message: "customer is required"}
	}
	if in.Points <= 0 {
		return 0, &ValidationError{Field: "points", Message: "must be positive"}
	}

	var balance int64
	for attempt := 0; ; attempt++ {
		err := l.store.WithTx(ctx, func(s Store) error {
			acct, err := s.GetLoyaltyAccount(ctx, in.CustomerID)
			if err != nil {
				return err
			}
			if acct == nil {
				acct = &LoyaltyAccount{
					CustomerID: in.CustomerID,
					Points:     0,
					CreatedAt:  time.Now().UTC(),
				}
			}

			delta := in.Points
			if txType == LoyaltyRedeem {
				if in.Points > acct.Points {
					return &InsufficientPointsError{
						CustomerID: in.CustomerID,
						Balance:    acct.Points,
						Requested:  in.Points,
					}
				}
				delta = -in.Points
			}

			acct.Points += delta
			if err := s.SaveLoyaltyAccount(ctx, *acct); err != nil {
				return err
			}

			if err := s.AppendLoyaltyTransaction(ctx, LoyaltyTransaction{
				ID:         LoyaltyTxID(uuid.NewString()),
				CustomerID: in.CustomerID,
				Points:     delta,
				Type:       txType,
				Reason:     in.Reason,
				Branch:     in.Branch,
				CreatedBy:  in.ActingUser,
				CreatedAt:  time.Now().UTC(),
			}); err != nil {
				return err
			}

			balance = acct.Points
			return nil
		})
		if errors.Is(err, ErrConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			return 0, err
		}
		return balance, nil
	}
}

// GetLedger returns the current balance and history, most recent first.
// An absent account reads as a zero balance; reading does not create it.
func (l *LoyaltyLedger) GetLedger(ctx context.Context, customer CustomerID) (*LedgerView, error) {
	if customer == "" {
		return nil, &ValidationError{Field: "customerId", Message: "customer is required"}
	}

	view := &LedgerView{Transactions: []LoyaltyTransaction{}}
	acct, err := l.store.GetLoyaltyAccount(ctx, customer)
	if err != nil {
		return nil, err
	}
	if acct != nil {
		view.Points = acct.Points
	}

	txs, err := l.store.LoyaltyTransactions(ctx, customer, 50)
	if err != nil {
		return nil, err
	}
	if txs != nil {
		view.Transactions = txs
	}
	return view, nil
}
