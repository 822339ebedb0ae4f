/*
handlers_test.go - HTTP handler tests against the SQLite store

Tests for:
- Membership sale, redemption, and cross-branch settlement over HTTP
- Domain-error to status-code mapping
- Loyalty earn/redeem endpoints with default reasons
- Settings patch and audit trail exposure
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/membership-ledger/store/sqlite"
)

type testEnv struct {
	router http.Handler
	store  *sqlite.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store, store)
	return &testEnv{router: NewRouter(h), store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, user string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

// seedCatalog registers two branches and one package, returns the type ID.
func (e *testEnv) seedCatalog(t *testing.T) string {
	t.Helper()
	for _, b := range []CreateBranchRequest{
		{ID: "branch-a", Name: "Downtown"},
		{ID: "branch-b", Name: "Uptown"},
	} {
		rec := e.do(t, http.MethodPost, "/api/branches", b, "")
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := e.do(t, http.MethodPost, "/api/membership-types", CreateMembershipTypeRequest{
		Name:         "Gold",
		TotalCredits: 10,
		Price:        "500.00",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[MembershipTypeDTO](t, rec).ID
}

func (e *testEnv) sell(t *testing.T, typeID string) MembershipDTO {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/memberships", CreateMembershipRequest{
		CustomerID:       "cust-1",
		MembershipTypeID: typeID,
		SoldAtBranchID:   "branch-a",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[MembershipDTO](t, rec)
}

func TestAPI_SellAndGetMembership(t *testing.T) {
	env := newTestEnv(t)
	typeID := env.seedCatalog(t)

	m := env.sell(t, typeID)
	assert.Equal(t, "active", m.Status)
	assert.Equal(t, 10, m.TotalCredits, "credits default from the catalog package")
	assert.Equal(t, 10, m.RemainingCredits)

	rec := env.do(t, http.MethodGet, "/api/memberships/"+m.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[MembershipDetailDTO](t, rec)
	assert.Equal(t, m.ID, detail.ID)
	assert.Empty(t, detail.Usages)
}

func TestAPI_SellValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t)

	// unknown branch
	rec := env.do(t, http.MethodPost, "/api/memberships", CreateMembershipRequest{
		CustomerID:     "cust-1",
		SoldAtBranchID: "branch-nope",
		TotalCredits:   5,
		PackagePrice:   strPtr("100"),
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode[ErrorResponse](t, rec).Code)

	// missing required fields caught by the validator
	rec = env.do(t, http.MethodPost, "/api/memberships", CreateMembershipRequest{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_UseMembership_SameBranch(t *testing.T) {
	env := newTestEnv(t)
	typeID := env.seedCatalog(t)
	m := env.sell(t, typeID)

	rec := env.do(t, http.MethodPost, "/api/memberships/"+m.ID+"/use", UseMembershipRequest{
		CreditsUsed:    3,
		UsedAtBranchID: "branch-a",
	}, "staff-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[UseMembershipResponse](t, rec)
	assert.Equal(t, 3, resp.Usage.CreditsUsed)
	assert.Equal(t, "staff-1", resp.Usage.UsedByUserID)
	assert.Equal(t, 7, resp.Membership.RemainingCredits)
	assert.Nil(t, resp.Settlement)
}

func TestAPI_UseMembership_CrossBranchSettles(t *testing.T) {
	env := newTestEnv(t)
	typeID := env.seedCatalog(t)
	m := env.sell(t, typeID)

	// 80 percent settlement rate
	rec := env.do(t, http.MethodPatch, "/api/settings", UpdateSettingsRequest{
		SettlementPercentage: strPtr("80"),
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/memberships/"+m.ID+"/use", UseMembershipRequest{
		CreditsUsed:    3,
		UsedAtBranchID: "branch-b",
	}, "staff-2")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[UseMembershipResponse](t, rec)
	require.NotNil(t, resp.Settlement)
	assert.Equal(t, "branch-a", resp.Settlement.FromBranchID)
	assert.Equal(t, "branch-b", resp.Settlement.ToBranchID)
	// 500 / 10 credits * 3 used at 80 percent
	assert.Equal(t, "120.00", resp.Settlement.Amount)
	assert.Equal(t, "pending", resp.Settlement.Status)

	// the settlement list shows it, with a per-direction total
	rec = env.do(t, http.MethodGet, "/api/settlements", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[SettlementListResponse](t, rec)
	require.Len(t, list.Settlements, 1)
	assert.Equal(t, "120.00", list.Summary["branch-a->branch-b"])
}

func TestAPI_UseMembership_DefaultsToOneCredit(t *testing.T) {
	env := newTestEnv(t)
	typeID := env.seedCatalog(t)
	m := env.sell(t, typeID)

	rec := env.do(t, http.MethodPost, "/api/memberships/"+m.ID+"/use", UseMembershipRequest{
		UsedAtBranchID: "branch-a",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[UseMembershipResponse](t, rec).Usage.CreditsUsed)
}

func TestAPI_UseMembership_ErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	typeID := env.seedCatalog(t)
	m := env.sell(t, typeID)

	// 404 for a missing membership
	rec := env.do(t, http.MethodPost, "/api/memberships/missing/use", UseMembershipRequest{
		CreditsUsed:    1,
		UsedAtBranchID: "branch-a",
	}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)

	// 409 for an over-request
	rec = env.do(t, http.MethodPost, "/api/memberships/"+m.ID+"/use", UseMembershipRequest{
		CreditsUsed:    11,
		UsedAtBranchID: "branch-a",
	}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_credits", decode[ErrorResponse](t, rec).Code)
}

func TestAPI_AdjustMembership_Audited(t *testing.T) {
	env := newTestEnv(t)
	typeID := env.seedCatalog(t)
	m := env.sell(t, typeID)

	used := 10
	rec := env.do(t, http.MethodPatch, "/api/memberships/"+m.ID, AdjustMembershipRequest{
		UsedCredits: &used,
	}, "admin-7")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[AdjustMembershipResponse](t, rec)
	assert.Equal(t, "used", resp.Membership.Status)
	assert.Empty(t, resp.Warning)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/audit?entity=membership&entity_id=%s", m.ID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]AuditEntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin_adjust", entries[0].Action)
	assert.Equal(t, "admin-7", entries[0].ActorID)
	assert.EqualValues(t, 0, entries[0].Previous["usedCredits"])
	assert.EqualValues(t, 10, entries[0].Updated["usedCredits"])
}

func TestAPI_Loyalty_EarnRedeemFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/loyalty/cust-9/earn", LoyaltyPointsRequest{Points: 100}, "staff-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(100), decode[LoyaltyPointsResponse](t, rec).Points)

	rec = env.do(t, http.MethodPost, "/api/loyalty/cust-9/redeem", LoyaltyPointsRequest{Points: 30}, "staff-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(70), decode[LoyaltyPointsResponse](t, rec).Points)

	// over-redeem maps to 409
	rec = env.do(t, http.MethodPost, "/api/loyalty/cust-9/redeem", LoyaltyPointsRequest{Points: 500}, "staff-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_points", decode[ErrorResponse](t, rec).Code)

	// ledger view carries default reasons, most recent first
	rec = env.do(t, http.MethodGet, "/api/loyalty/cust-9", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[LoyaltyLedgerDTO](t, rec)
	assert.Equal(t, int64(70), view.Points)
	require.Len(t, view.Transactions, 2)
	assert.Equal(t, "Redemption", view.Transactions[0].Reason)
	assert.Equal(t, "Visit / spend", view.Transactions[1].Reason)
}

func TestAPI_Loyalty_AbsentCustomerReadsZero(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/loyalty/cust-ghost", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[LoyaltyLedgerDTO](t, rec)
	assert.Equal(t, int64(0), view.Points)
	assert.Empty(t, view.Transactions)
}

func TestAPI_SettingsDefaultsAndPatch(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/settings", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	settings := decode[SettingsDTO](t, rec)
	assert.Equal(t, "100", settings.SettlementPercentage)
	assert.Equal(t, "10", settings.RevenuePercentage)

	rec = env.do(t, http.MethodPatch, "/api/settings", UpdateSettingsRequest{
		SettlementPercentage: strPtr("150"),
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPatch, "/api/settings", UpdateSettingsRequest{
		RevenuePercentage: strPtr("15"),
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	settings = decode[SettingsDTO](t, rec)
	assert.Equal(t, "100", settings.SettlementPercentage, "omitted field keeps its value")
	assert.Equal(t, "15", settings.RevenuePercentage)
}

func TestAPI_ListMembershipsFilters(t *testing.T) {
	env := newTestEnv(t)
	typeID := env.seedCatalog(t)
	env.sell(t, typeID)

	rec := env.do(t, http.MethodPost, "/api/memberships", CreateMembershipRequest{
		CustomerID:     "cust-2",
		TotalCredits:   5,
		SoldAtBranchID: "branch-b",
		PackagePrice:   strPtr("100"),
		PackageName:    "Promo 5-pack",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/memberships?branch_id=branch-b", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]MembershipDTO](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "cust-2", got[0].CustomerID)

	rec = env.do(t, http.MethodGet, "/api/memberships?status=active", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]MembershipDTO](t, rec), 2)
}

func TestAPI_BranchUsages(t *testing.T) {
	env := newTestEnv(t)
	typeID := env.seedCatalog(t)
	m := env.sell(t, typeID)

	rec := env.do(t, http.MethodPost, "/api/memberships/"+m.ID+"/use", UseMembershipRequest{
		CreditsUsed:    2,
		UsedAtBranchID: "branch-b",
	}, "staff-3")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/branches/branch-b/usages", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	usages := decode[[]UsageDTO](t, rec)
	require.Len(t, usages, 1)
	assert.Equal(t, m.ID, usages[0].MembershipID)

	rec = env.do(t, http.MethodGet, "/api/branches/branch-a/usages", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]UsageDTO](t, rec))
}

func TestAPI_Healthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func strPtr(s string) *string {
	return &s
}
