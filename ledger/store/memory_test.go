/*
memory_test.go - In-memory store transaction semantics

Tests for:
- WithTx rollback restoring pre-transaction state
- Reads inside a transaction seeing their own writes
- Optimistic locking and settlement uniqueness
*/
package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/membership-ledger/ledger"
)

func seedMembership(t *testing.T, s *TxMemory) ledger.Membership {
	t.Helper()
	m := ledger.Membership{
		ID:             "m-1",
		CustomerID:     "cust-1",
		TotalCredits:   10,
		SoldAtBranch:   "branch-a",
		PurchaseDate:   time.Now().UTC(),
		Status:         ledger.StatusActive,
		DiscountAmount: decimal.Zero,
		Version:        1,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.InsertMembership(context.Background(), m))
	return m
}

func TestTxMemory_RollbackRestoresState(t *testing.T) {
	s := NewTxMemory()
	m := seedMembership(t, s)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		m.UsedCredits = 5
		if err := tx.UpdateMembership(ctx, m); err != nil {
			return err
		}
		if err := tx.AppendUsage(ctx, ledger.UsageRecord{
			ID: "u-1", MembershipID: m.ID, Branch: "branch-a", CreditsUsed: 5, UsedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetMembership(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UsedCredits, "rolled-back update must not be visible")
	assert.Equal(t, int64(1), got.Version)

	usages, err := s.UsagesByMembership(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, usages, "rolled-back usage must not be visible")
}

func TestTxMemory_ReadsSeeOwnWrites(t *testing.T) {
	s := NewTxMemory()
	m := seedMembership(t, s)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		m.UsedCredits = 4
		if err := tx.UpdateMembership(ctx, m); err != nil {
			return err
		}
		got, err := tx.GetMembership(ctx, m.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, 4, got.UsedCredits, "transaction must see its own write")
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetMembership(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.UsedCredits)
	assert.Equal(t, int64(2), got.Version)
}

func TestTxMemory_SettlementUniquePerUsage(t *testing.T) {
	s := NewTxMemory()
	ctx := context.Background()

	ob := ledger.SettlementObligation{
		ID:         "s-1",
		FromBranch: "branch-a",
		ToBranch:   "branch-b",
		Amount:     decimal.NewFromInt(50),
		UsageID:    "u-1",
		Status:     ledger.SettlementPending,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.InsertSettlement(ctx, ob))

	ob.ID = "s-2"
	err := s.InsertSettlement(ctx, ob)
	assert.ErrorIs(t, err, ledger.ErrDuplicateSettlement)
}

func TestMemory_LoyaltyAccountVersioning(t *testing.T) {
	s := NewTxMemory()
	ctx := context.Background()

	acct := ledger.LoyaltyAccount{CustomerID: "cust-1", Points: 10, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.SaveLoyaltyAccount(ctx, acct))

	// a second Version==0 insert conflicts
	err := s.SaveLoyaltyAccount(ctx, acct)
	assert.ErrorIs(t, err, ledger.ErrConflict)

	// stale CAS conflicts
	fresh, err := s.GetLoyaltyAccount(ctx, "cust-1")
	require.NoError(t, err)
	stale := *fresh

	fresh.Points = 20
	require.NoError(t, s.SaveLoyaltyAccount(ctx, *fresh))

	stale.Points = 30
	err = s.SaveLoyaltyAccount(ctx, stale)
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestMemory_GetSettingsDefaults(t *testing.T) {
	s := NewTxMemory()
	settings, err := s.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100", settings.SettlementPercent.String())
	assert.Equal(t, "10", settings.RevenuePercent.String())
}
