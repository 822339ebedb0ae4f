/*
settlement_test.go - Settlement reconciler tests

Tests for:
- Per-credit proration and percentage application
- Half-up rounding to two decimal places
- Price snapshot vs catalog price resolution
- At-most-one obligation per usage record
*/
package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/membership-ledger/ledger"
)

func settingsPct(pct int64) ledger.Settings {
	s := ledger.DefaultSettings()
	s.SettlementPercent = decimal.NewFromInt(pct)
	return s
}

func testUsage(m *ledger.Membership, credits int, branch ledger.BranchID) ledger.UsageRecord {
	return ledger.UsageRecord{
		ID:           ledger.UsageID("usage-" + string(branch)),
		MembershipID: m.ID,
		Branch:       branch,
		CreditsUsed:  credits,
		UsedAt:       time.Now().UTC(),
	}
}

func TestReconcile_ProratedAmount(t *testing.T) {
	// 500 / 10 credits * 3 used at 80 percent = 120.00
	s := newSeededStore(t)
	m := sellMembership(t, s, 10)
	r := ledger.NewSettlementReconciler()
	ctx := context.Background()

	ob, err := r.Reconcile(ctx, s, testUsage(m, 3, branchUptown), *m, settingsPct(80))
	require.NoError(t, err)
	require.NotNil(t, ob)

	assert.Equal(t, "120.00", ob.Amount.StringFixed(2))
	assert.Equal(t, branchDowntown, ob.FromBranch)
	assert.Equal(t, branchUptown, ob.ToBranch)
	assert.Equal(t, ledger.SettlementPending, ob.Status)
	assert.Contains(t, ob.Reason, "Gold")
	assert.Contains(t, ob.Reason, "3 credit(s)")
}

func TestReconcile_RoundsHalfUp(t *testing.T) {
	// 1.00 / 3 credits * 2 used at 100 percent = 0.666... -> 0.67
	s := newSeededStore(t)
	ml := ledger.NewMembershipLedger(s, s)
	ctx := context.Background()

	price := decimal.NewFromInt(1)
	m, err := ml.Create(ctx, ledger.CreateMembershipInput{
		CustomerID:   "cust-1",
		TotalCredits: 3,
		SoldAtBranch: branchDowntown,
		PackagePrice: &price,
	})
	require.NoError(t, err)

	r := ledger.NewSettlementReconciler()
	ob, err := r.Reconcile(ctx, s, testUsage(m, 2, branchUptown), *m, settingsPct(100))
	require.NoError(t, err)
	assert.Equal(t, "0.67", ob.Amount.StringFixed(2))
}

func TestReconcile_SameBranchIsNoop(t *testing.T) {
	s := newSeededStore(t)
	m := sellMembership(t, s, 10)
	r := ledger.NewSettlementReconciler()

	ob, err := r.Reconcile(context.Background(), s, testUsage(m, 1, branchDowntown), *m, settingsPct(100))
	require.NoError(t, err)
	assert.Nil(t, ob)
}

func TestReconcile_SnapshotPriceBeatsCatalog(t *testing.T) {
	// the catalog says 500, but this sale was snapshotted at 200
	s := newSeededStore(t)
	ml := ledger.NewMembershipLedger(s, s)
	ctx := context.Background()

	snapshot := decimal.NewFromInt(200)
	m, err := ml.Create(ctx, ledger.CreateMembershipInput{
		CustomerID:   "cust-1",
		TypeID:       typeGold,
		TotalCredits: 10,
		SoldAtBranch: branchDowntown,
		PackagePrice: &snapshot,
	})
	require.NoError(t, err)

	r := ledger.NewSettlementReconciler()
	ob, err := r.Reconcile(ctx, s, testUsage(m, 5, branchUptown), *m, settingsPct(100))
	require.NoError(t, err)
	// 200 / 10 * 5, not 500 / 10 * 5
	assert.Equal(t, "100.00", ob.Amount.StringFixed(2))
}

func TestReconcile_CatalogFallback(t *testing.T) {
	s := newSeededStore(t)
	m := sellMembership(t, s, 10)
	r := ledger.NewSettlementReconciler()

	ob, err := r.Reconcile(context.Background(), s, testUsage(m, 4, branchUptown), *m, settingsPct(50))
	require.NoError(t, err)
	// 500 / 10 * 4 = 200 at 50 percent
	assert.Equal(t, "100.00", ob.Amount.StringFixed(2))
}

func TestReconcile_NoPriceAnywhere(t *testing.T) {
	s := newSeededStore(t)
	r := ledger.NewSettlementReconciler()

	// hand-built membership with neither snapshot nor catalog type
	m := ledger.Membership{
		ID:           "m-orphan",
		CustomerID:   "cust-1",
		TotalCredits: 10,
		SoldAtBranch: branchDowntown,
		Status:       ledger.StatusActive,
	}
	_, err := r.Reconcile(context.Background(), s, testUsage(&m, 1, branchUptown), m, settingsPct(100))
	assert.ErrorIs(t, err, ledger.ErrDependency)
}

func TestReconcile_DuplicateUsageRejected(t *testing.T) {
	s := newSeededStore(t)
	m := sellMembership(t, s, 10)
	r := ledger.NewSettlementReconciler()
	ctx := context.Background()

	usage := testUsage(m, 2, branchUptown)
	_, err := r.Reconcile(ctx, s, usage, *m, settingsPct(100))
	require.NoError(t, err)

	_, err = r.Reconcile(ctx, s, usage, *m, settingsPct(100))
	assert.ErrorIs(t, err, ledger.ErrDuplicateSettlement)

	settlements, err := s.ListSettlements(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, settlements, 1, "a usage record settles at most once")
}

func TestRound2_HalfAwayFromZero(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1.005", "1.01"},
		{"1.004", "1.00"},
		{"0.125", "0.13"},
		{"120", "120.00"},
	}
	for _, tc := range cases {
		got := ledger.Round2(ledger.MustParseDecimal(tc.in))
		assert.Equal(t, tc.want, got.StringFixed(2), "round2(%s)", tc.in)
	}
}
