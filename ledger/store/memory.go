// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/membership-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	memberships map[ledger.MembershipID]ledger.Membership
	usages      []ledger.UsageRecord
	settlements []ledger.SettlementObligation
	settledUse  map[ledger.UsageID]bool

	loyaltyAccounts map[ledger.CustomerID]ledger.LoyaltyAccount
	loyaltyTxs      map[ledger.CustomerID][]ledger.LoyaltyTransaction

	branches map[ledger.BranchID]ledger.Branch
	types    map[ledger.MembershipTypeID]ledger.MembershipType
	settings *ledger.Settings

	audit []ledger.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		memberships:     make(map[ledger.MembershipID]ledger.Membership),
		settledUse:      make(map[ledger.UsageID]bool),
		loyaltyAccounts: make(map[ledger.CustomerID]ledger.LoyaltyAccount),
		loyaltyTxs:      make(map[ledger.CustomerID][]ledger.LoyaltyTransaction),
		branches:        make(map[ledger.BranchID]ledger.Branch),
		types:           make(map[ledger.MembershipTypeID]ledger.MembershipType),
	}
}

// =============================================================================
// MEMBERSHIPS
// =============================================================================

func (m *Memory) InsertMembership(_ context.Context, mem ledger.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertMembershipLocked(mem)
}

func (m *Memory) insertMembershipLocked(mem ledger.Membership) error {
	if _, ok := m.memberships[mem.ID]; ok {
		return ledger.ErrConflict
	}
	m.memberships[mem.ID] = mem
	return nil
}

func (m *Memory) GetMembership(_ context.Context, id ledger.MembershipID) (*ledger.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getMembershipLocked(id)
}

func (m *Memory) getMembershipLocked(id ledger.MembershipID) (*ledger.Membership, error) {
	mem, ok := m.memberships[id]
	if !ok {
		return nil, nil
	}
	cp := mem
	return &cp, nil
}

func (m *Memory) UpdateMembership(_ context.Context, mem ledger.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateMembershipLocked(mem)
}

func (m *Memory) updateMembershipLocked(mem ledger.Membership) error {
	current, ok := m.memberships[mem.ID]
	if !ok {
		return &ledger.NotFoundError{Entity: "membership", ID: string(mem.ID)}
	}
	if current.Version != mem.Version {
		return ledger.ErrConflict
	}
	mem.Version++
	m.memberships[mem.ID] = mem
	return nil
}

func (m *Memory) ListMemberships(_ context.Context, f ledger.MembershipFilter) ([]ledger.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listMembershipsLocked(f)
}

func (m *Memory) listMembershipsLocked(f ledger.MembershipFilter) ([]ledger.Membership, error) {
	var result []ledger.Membership
	for _, mem := range m.memberships {
		if f.Branch != nil && mem.SoldAtBranch != *f.Branch {
			continue
		}
		if f.Customer != nil && mem.CustomerID != *f.Customer {
			continue
		}
		if f.Status != nil && mem.Status != *f.Status {
			continue
		}
		result = append(result, mem)
	}
	// Most recent purchase first.
	sort.Slice(result, func(i, j int) bool {
		return result[i].PurchaseDate.After(result[j].PurchaseDate)
	})
	return result, nil
}

// =============================================================================
// USAGE RECORDS (append-only)
// =============================================================================

func (m *Memory) AppendUsage(_ context.Context, u ledger.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendUsageLocked(u)
}

func (m *Memory) appendUsageLocked(u ledger.UsageRecord) error {
	m.usages = append(m.usages, u)
	return nil
}

func (m *Memory) UsagesByMembership(_ context.Context, id ledger.MembershipID) ([]ledger.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usagesByMembershipLocked(id)
}

func (m *Memory) usagesByMembershipLocked(id ledger.MembershipID) ([]ledger.UsageRecord, error) {
	var result []ledger.UsageRecord
	// Appended chronologically; walk backwards for most-recent-first.
	for i := len(m.usages) - 1; i >= 0; i-- {
		if m.usages[i].MembershipID == id {
			result = append(result, m.usages[i])
		}
	}
	return result, nil
}

func (m *Memory) UsagesByBranch(_ context.Context, branch ledger.BranchID, limit int) ([]ledger.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.UsageRecord
	for i := len(m.usages) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		if m.usages[i].Branch == branch {
			result = append(result, m.usages[i])
		}
	}
	return result, nil
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func (m *Memory) InsertSettlement(_ context.Context, s ledger.SettlementObligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertSettlementLocked(s)
}

func (m *Memory) insertSettlementLocked(s ledger.SettlementObligation) error {
	if m.settledUse[s.UsageID] {
		return ledger.ErrDuplicateSettlement
	}
	m.settledUse[s.UsageID] = true
	m.settlements = append(m.settlements, s)
	return nil
}

func (m *Memory) ListSettlements(_ context.Context, branch *ledger.BranchID, limit int) ([]ledger.SettlementObligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.SettlementObligation
	for i := len(m.settlements) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		s := m.settlements[i]
		if branch != nil && s.FromBranch != *branch && s.ToBranch != *branch {
			continue
		}
		result = append(result, s)
	}
	return result, nil
}

// =============================================================================
// LOYALTY
// =============================================================================

func (m *Memory) GetLoyaltyAccount(_ context.Context, customer ledger.CustomerID) (*ledger.LoyaltyAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLoyaltyAccountLocked(customer)
}

func (m *Memory) getLoyaltyAccountLocked(customer ledger.CustomerID) (*ledger.LoyaltyAccount, error) {
	acct, ok := m.loyaltyAccounts[customer]
	if !ok {
		return nil, nil
	}
	cp := acct
	return &cp, nil
}

func (m *Memory) SaveLoyaltyAccount(_ context.Context, a ledger.LoyaltyAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLoyaltyAccountLocked(a)
}

func (m *Memory) saveLoyaltyAccountLocked(a ledger.LoyaltyAccount) error {
	current, ok := m.loyaltyAccounts[a.CustomerID]
	if a.Version == 0 {
		if ok {
			return ledger.ErrConflict
		}
	} else if !ok || current.Version != a.Version {
		return ledger.ErrConflict
	}
	a.Version++
	m.loyaltyAccounts[a.CustomerID] = a
	return nil
}

func (m *Memory) AppendLoyaltyTransaction(_ context.Context, tx ledger.LoyaltyTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLoyaltyTransactionLocked(tx)
}

func (m *Memory) appendLoyaltyTransactionLocked(tx ledger.LoyaltyTransaction) error {
	m.loyaltyTxs[tx.CustomerID] = append(m.loyaltyTxs[tx.CustomerID], tx)
	return nil
}

func (m *Memory) LoyaltyTransactions(_ context.Context, customer ledger.CustomerID, limit int) ([]ledger.LoyaltyTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txs := m.loyaltyTxs[customer]
	var result []ledger.LoyaltyTransaction
	for i := len(txs) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		result = append(result, txs[i])
	}
	return result, nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (m *Memory) GetBranch(_ context.Context, id ledger.BranchID) (*ledger.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBranchLocked(id)
}

func (m *Memory) getBranchLocked(id ledger.BranchID) (*ledger.Branch, error) {
	b, ok := m.branches[id]
	if !ok {
		return nil, nil
	}
	cp := b
	return &cp, nil
}

func (m *Memory) ListBranches(_ context.Context) ([]ledger.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.Branch
	for _, b := range m.branches {
		result = append(result, b)
	}
	return result, nil
}

func (m *Memory) SaveBranch(_ context.Context, b ledger.Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[b.ID] = b
	return nil
}

func (m *Memory) GetMembershipType(_ context.Context, id ledger.MembershipTypeID) (*ledger.MembershipType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getMembershipTypeLocked(id)
}

func (m *Memory) getMembershipTypeLocked(id ledger.MembershipTypeID) (*ledger.MembershipType, error) {
	t, ok := m.types[id]
	if !ok {
		return nil, nil
	}
	cp := t
	return &cp, nil
}

func (m *Memory) ListMembershipTypes(_ context.Context, activeOnly bool) ([]ledger.MembershipType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.MembershipType
	for _, t := range m.types {
		if activeOnly && !t.Active {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

func (m *Memory) SaveMembershipType(_ context.Context, t ledger.MembershipType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[t.ID] = t
	return nil
}

func (m *Memory) GetSettings(_ context.Context) (ledger.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSettingsLocked()
}

func (m *Memory) getSettingsLocked() (ledger.Settings, error) {
	if m.settings == nil {
		return ledger.DefaultSettings(), nil
	}
	return *m.settings, nil
}

func (m *Memory) SaveSettings(_ context.Context, s ledger.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &s
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, e ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.AuditEntry
	for i := len(m.audit) - 1; i >= 0 && (f.Limit <= 0 || len(result) < f.Limit); i-- {
		e := m.audit[i]
		if f.Entity != nil && e.Entity != *f.Entity {
			continue
		}
		if f.EntityID != nil && e.EntityID != *f.EntityID {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction. For the memory store this is
// simulated with a snapshot + rollback on error; the store mutex is held for
// the duration, which also serializes concurrent transactions.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm.Memory}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	memberships     map[ledger.MembershipID]ledger.Membership
	usages          []ledger.UsageRecord
	settlements     []ledger.SettlementObligation
	settledUse      map[ledger.UsageID]bool
	loyaltyAccounts map[ledger.CustomerID]ledger.LoyaltyAccount
	loyaltyTxs      map[ledger.CustomerID][]ledger.LoyaltyTransaction
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		memberships:     make(map[ledger.MembershipID]ledger.Membership, len(tm.memberships)),
		usages:          append([]ledger.UsageRecord{}, tm.usages...),
		settlements:     append([]ledger.SettlementObligation{}, tm.settlements...),
		settledUse:      make(map[ledger.UsageID]bool, len(tm.settledUse)),
		loyaltyAccounts: make(map[ledger.CustomerID]ledger.LoyaltyAccount, len(tm.loyaltyAccounts)),
		loyaltyTxs:      make(map[ledger.CustomerID][]ledger.LoyaltyTransaction, len(tm.loyaltyTxs)),
	}
	for k, v := range tm.memberships {
		s.memberships[k] = v
	}
	for k, v := range tm.settledUse {
		s.settledUse[k] = v
	}
	for k, v := range tm.loyaltyAccounts {
		s.loyaltyAccounts[k] = v
	}
	for k, v := range tm.loyaltyTxs {
		s.loyaltyTxs[k] = append([]ledger.LoyaltyTransaction{}, v...)
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.memberships = s.memberships
	tm.usages = s.usages
	tm.settlements = s.settlements
	tm.settledUse = s.settledUse
	tm.loyaltyAccounts = s.loyaltyAccounts
	tm.loyaltyTxs = s.loyaltyTxs
}

// txMemoryView routes calls to the parent's locked methods; the WithTx caller
// already holds the mutex.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) InsertMembership(_ context.Context, m ledger.Membership) error {
	return tv.parent.insertMembershipLocked(m)
}

func (tv *txMemoryView) GetMembership(_ context.Context, id ledger.MembershipID) (*ledger.Membership, error) {
	return tv.parent.getMembershipLocked(id)
}

func (tv *txMemoryView) UpdateMembership(_ context.Context, m ledger.Membership) error {
	return tv.parent.updateMembershipLocked(m)
}

func (tv *txMemoryView) ListMemberships(_ context.Context, f ledger.MembershipFilter) ([]ledger.Membership, error) {
	return tv.parent.listMembershipsLocked(f)
}

func (tv *txMemoryView) AppendUsage(_ context.Context, u ledger.UsageRecord) error {
	return tv.parent.appendUsageLocked(u)
}

func (tv *txMemoryView) UsagesByMembership(_ context.Context, id ledger.MembershipID) ([]ledger.UsageRecord, error) {
	return tv.parent.usagesByMembershipLocked(id)
}

func (tv *txMemoryView) UsagesByBranch(ctx context.Context, branch ledger.BranchID, limit int) ([]ledger.UsageRecord, error) {
	var result []ledger.UsageRecord
	for i := len(tv.parent.usages) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		if tv.parent.usages[i].Branch == branch {
			result = append(result, tv.parent.usages[i])
		}
	}
	return result, nil
}

func (tv *txMemoryView) InsertSettlement(_ context.Context, s ledger.SettlementObligation) error {
	return tv.parent.insertSettlementLocked(s)
}

func (tv *txMemoryView) ListSettlements(_ context.Context, branch *ledger.BranchID, limit int) ([]ledger.SettlementObligation, error) {
	var result []ledger.SettlementObligation
	for i := len(tv.parent.settlements) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		s := tv.parent.settlements[i]
		if branch != nil && s.FromBranch != *branch && s.ToBranch != *branch {
			continue
		}
		result = append(result, s)
	}
	return result, nil
}

func (tv *txMemoryView) GetLoyaltyAccount(_ context.Context, customer ledger.CustomerID) (*ledger.LoyaltyAccount, error) {
	return tv.parent.getLoyaltyAccountLocked(customer)
}

func (tv *txMemoryView) SaveLoyaltyAccount(_ context.Context, a ledger.LoyaltyAccount) error {
	return tv.parent.saveLoyaltyAccountLocked(a)
}

func (tv *txMemoryView) AppendLoyaltyTransaction(_ context.Context, tx ledger.LoyaltyTransaction) error {
	return tv.parent.appendLoyaltyTransactionLocked(tx)
}

func (tv *txMemoryView) LoyaltyTransactions(_ context.Context, customer ledger.CustomerID, limit int) ([]ledger.LoyaltyTransaction, error) {
	txs := tv.parent.loyaltyTxs[customer]
	var result []ledger.LoyaltyTransaction
	for i := len(txs) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		result = append(result, txs[i])
	}
	return result, nil
}

func (tv *txMemoryView) GetBranch(_ context.Context, id ledger.BranchID) (*ledger.Branch, error) {
	return tv.parent.getBranchLocked(id)
}

func (tv *txMemoryView) ListBranches(_ context.Context) ([]ledger.Branch, error) {
	var result []ledger.Branch
	for _, b := range tv.parent.branches {
		result = append(result, b)
	}
	return result, nil
}

func (tv *txMemoryView) SaveBranch(_ context.Context, b ledger.Branch) error {
	tv.parent.branches[b.ID] = b
	return nil
}

func (tv *txMemoryView) GetMembershipType(_ context.Context, id ledger.MembershipTypeID) (*ledger.MembershipType, error) {
	return tv.parent.getMembershipTypeLocked(id)
}

func (tv *txMemoryView) ListMembershipTypes(_ context.Context, activeOnly bool) ([]ledger.MembershipType, error) {
	var result []ledger.MembershipType
	for _, t := range tv.parent.types {
		if activeOnly && !t.Active {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

func (tv *txMemoryView) SaveMembershipType(_ context.Context, t ledger.MembershipType) error {
	tv.parent.types[t.ID] = t
	return nil
}

func (tv *txMemoryView) GetSettings(_ context.Context) (ledger.Settings, error) {
	return tv.parent.getSettingsLocked()
}

func (tv *txMemoryView) SaveSettings(_ context.Context, s ledger.Settings) error {
	tv.parent.settings = &s
	return nil
}
