/*
membership_test.go - Membership lifecycle and admin override tests

Tests for:
- Sale validation (customer, credits, branch, ad-hoc price snapshot)
- Audited admin overrides and the used/credits status invariant
- Optimistic locking on direct store writes
*/
package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/membership-ledger/ledger"
	memstore "github.com/warp/membership-ledger/ledger/store"
)

const (
	branchDowntown = ledger.BranchID("branch-downtown")
	branchUptown   = ledger.BranchID("branch-uptown")
	typeGold       = ledger.MembershipTypeID("type-gold")
)

// newSeededStore returns an in-memory store with two branches and one
// catalog package (Gold: 10 credits at 500.00).
func newSeededStore(t *testing.T) *memstore.TxMemory {
	t.Helper()
	ctx := context.Background()
	s := memstore.NewTxMemory()

	require.NoError(t, s.SaveBranch(ctx, ledger.Branch{ID: branchDowntown, Name: "Downtown"}))
	require.NoError(t, s.SaveBranch(ctx, ledger.Branch{ID: branchUptown, Name: "Uptown"}))

	validity := 365
	require.NoError(t, s.SaveMembershipType(ctx, ledger.MembershipType{
		ID:           typeGold,
		Name:         "Gold",
		TotalCredits: 10,
		Price:        decimal.NewFromInt(500),
		ValidityDays: &validity,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}))
	return s
}

func sellMembership(t *testing.T, s *memstore.TxMemory, credits int) *ledger.Membership {
	t.Helper()
	ml := ledger.NewMembershipLedger(s, s)
	m, err := ml.Create(context.Background(), ledger.CreateMembershipInput{
		CustomerID:   "cust-1",
		TypeID:       typeGold,
		TotalCredits: credits,
		SoldAtBranch: branchDowntown,
	})
	require.NoError(t, err)
	return m
}

func TestMembershipLedger_Create_Valid(t *testing.T) {
	s := newSeededStore(t)
	m := sellMembership(t, s, 10)

	assert.Equal(t, ledger.StatusActive, m.Status)
	assert.Equal(t, 0, m.UsedCredits)
	assert.Equal(t, 10, m.RemainingCredits())
	assert.Equal(t, int64(1), m.Version)
}

func TestMembershipLedger_Create_Validation(t *testing.T) {
	s := newSeededStore(t)
	ml := ledger.NewMembershipLedger(s, s)
	ctx := context.Background()

	cases := []struct {
		name string
		in   ledger.CreateMembershipInput
	}{
		{"missing customer", ledger.CreateMembershipInput{
			TypeID: typeGold, TotalCredits: 10, SoldAtBranch: branchDowntown}},
		{"zero credits", ledger.CreateMembershipInput{
			CustomerID: "c", TypeID: typeGold, TotalCredits: 0, SoldAtBranch: branchDowntown}},
		{"unknown branch", ledger.CreateMembershipInput{
			CustomerID: "c", TypeID: typeGold, TotalCredits: 10, SoldAtBranch: "branch-nope"}},
		{"unknown type", ledger.CreateMembershipInput{
			CustomerID: "c", TypeID: "type-nope", TotalCredits: 10, SoldAtBranch: branchDowntown}},
		{"ad-hoc without price snapshot", ledger.CreateMembershipInput{
			CustomerID: "c", TotalCredits: 10, SoldAtBranch: branchDowntown}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ml.Create(ctx, tc.in)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestMembershipLedger_Create_AdHocWithSnapshot(t *testing.T) {
	s := newSeededStore(t)
	ml := ledger.NewMembershipLedger(s, s)

	price := decimal.NewFromInt(300)
	m, err := ml.Create(context.Background(), ledger.CreateMembershipInput{
		CustomerID:   "cust-1",
		TotalCredits: 5,
		SoldAtBranch: branchDowntown,
		PackagePrice: &price,
		PackageName:  "Spring promo",
	})
	require.NoError(t, err)
	assert.Empty(t, m.TypeID)
	assert.True(t, m.PackagePrice.Equal(price))
}

func TestAdjustByAdmin_DerivesStatusAndAudits(t *testing.T) {
	// GIVEN: an active membership with 10 credits
	s := newSeededStore(t)
	ml := ledger.NewMembershipLedger(s, s)
	m := sellMembership(t, s, 10)
	ctx := context.Background()

	// WHEN: an admin sets usedCredits to the full count
	full := 10
	result, err := ml.AdjustByAdmin(ctx, m.ID, ledger.AdminAdjustment{UsedCredits: &full}, "admin-1")
	require.NoError(t, err)

	// THEN: status is derived to used, and a diff lands in the audit trail
	assert.Equal(t, ledger.StatusUsed, result.Membership.Status)
	assert.Empty(t, result.AuditWarning)

	entries, err := s.QueryAudit(ctx, ledger.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "membership", entries[0].Entity)
	assert.Equal(t, string(m.ID), entries[0].EntityID)
	assert.Equal(t, ledger.UserID("admin-1"), entries[0].ActorID)
	assert.Equal(t, 0, entries[0].Previous["usedCredits"])
	assert.Equal(t, 10, entries[0].Updated["usedCredits"])
	assert.Equal(t, "used", entries[0].Updated["status"])
}

func TestAdjustByAdmin_RejectsContradictoryStatus(t *testing.T) {
	s := newSeededStore(t)
	ml := ledger.NewMembershipLedger(s, s)
	m := sellMembership(t, s, 10)
	ctx := context.Background()

	// status=used with remaining credits is a contradiction
	used := ledger.StatusUsed
	_, err := ml.AdjustByAdmin(ctx, m.ID, ledger.AdminAdjustment{Status: &used}, "admin-1")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	// consume everything, then active is the contradiction
	full := 10
	_, err = ml.AdjustByAdmin(ctx, m.ID, ledger.AdminAdjustment{UsedCredits: &full}, "admin-1")
	require.NoError(t, err)

	active := ledger.StatusActive
	_, err = ml.AdjustByAdmin(ctx, m.ID, ledger.AdminAdjustment{Status: &active}, "admin-1")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestAdjustByAdmin_NoFields(t *testing.T) {
	s := newSeededStore(t)
	ml := ledger.NewMembershipLedger(s, s)
	m := sellMembership(t, s, 10)

	_, err := ml.AdjustByAdmin(context.Background(), m.ID, ledger.AdminAdjustment{}, "admin-1")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestAdjustByAdmin_NotFound(t *testing.T) {
	s := newSeededStore(t)
	ml := ledger.NewMembershipLedger(s, s)

	one := 1
	_, err := ml.AdjustByAdmin(context.Background(), "missing", ledger.AdminAdjustment{UsedCredits: &one}, "admin-1")
	assert.True(t, ledger.IsNotFound(err))
}

// failingAuditLog rejects every write, to exercise the audit-warning path.
type failingAuditLog struct{}

func (failingAuditLog) AppendAudit(context.Context, ledger.AuditEntry) error {
	return errors.New("audit sink unavailable")
}

func (failingAuditLog) QueryAudit(context.Context, ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	return nil, nil
}

func TestAdjustByAdmin_AuditFailureIsWarningNotError(t *testing.T) {
	s := newSeededStore(t)
	ml := ledger.NewMembershipLedger(s, failingAuditLog{})
	m := sellMembership(t, s, 10)

	three := 3
	result, err := ml.AdjustByAdmin(context.Background(), m.ID, ledger.AdminAdjustment{UsedCredits: &three}, "admin-1")
	require.NoError(t, err, "adjustment must succeed even when the audit write fails")
	assert.NotEmpty(t, result.AuditWarning)

	// the override itself stuck
	got, err := ml.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.UsedCredits)
}

func TestUpdateMembership_StaleVersionConflicts(t *testing.T) {
	s := newSeededStore(t)
	m := sellMembership(t, s, 10)
	ctx := context.Background()

	stale := *m
	fresh := *m

	fresh.UsedCredits = 1
	require.NoError(t, s.UpdateMembership(ctx, fresh))

	stale.UsedCredits = 2
	err := s.UpdateMembership(ctx, stale)
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestMembershipLedger_ListFilters(t *testing.T) {
	s := newSeededStore(t)
	ml := ledger.NewMembershipLedger(s, s)
	ctx := context.Background()

	sellMembership(t, s, 10)
	price := decimal.NewFromInt(100)
	_, err := ml.Create(ctx, ledger.CreateMembershipInput{
		CustomerID:   "cust-2",
		TotalCredits: 5,
		SoldAtBranch: branchUptown,
		PackagePrice: &price,
	})
	require.NoError(t, err)

	branch := branchUptown
	got, err := ml.List(ctx, ledger.MembershipFilter{Branch: &branch})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ledger.CustomerID("cust-2"), got[0].CustomerID)

	customer := ledger.CustomerID("cust-1")
	got, err = ml.List(ctx, ledger.MembershipFilter{Customer: &customer})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, branchDowntown, got[0].SoldAtBranch)
}
