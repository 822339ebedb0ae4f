/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (ledger.TxStore, ledger.AuditLog)
  using SQLite. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  Usage records, settlements, loyalty transactions, and audit entries have
  no UPDATE or DELETE statements. Memberships and loyalty accounts are the
  only mutable rows and both carry a version column for optimistic locking:
  UPDATE ... WHERE id = ? AND version = ? either bumps the version or
  affects zero rows, which maps to ledger.ErrConflict.

KEY TABLES:
  memberships:          Credit bundles with price snapshot + version token
  membership_usages:    Immutable redemption records
  settlements:          Inter-branch obligations; UNIQUE(usage_id) enforces
                        at most one obligation per usage record
  loyalty_accounts:     One row per customer, version token
  loyalty_transactions: Immutable points history
  branches, membership_types, settings: reference data
  audit_log:            Immutable admin-override diffs

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of SQLite. Reads inside a
  WithTx callback go through the open sql.Tx rather than the parent store,
  so a transaction sees its own writes and never re-enters the mutex.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/membership-ledger/ledger"
)

// Store implements ledger.TxStore and ledger.AuditLog using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent across the
	// pool; the store mutex serializes writers anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Memberships (mutable only via versioned compare-and-swap)
	CREATE TABLE IF NOT EXISTS memberships (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		membership_type_id TEXT,
		total_credits INTEGER NOT NULL,
		used_credits INTEGER NOT NULL DEFAULT 0,
		sold_at_branch_id TEXT NOT NULL,
		purchase_date TEXT NOT NULL,
		expiry_date TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		package_price TEXT,
		package_name TEXT,
		discount_amount TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memberships_customer
		ON memberships(customer_id);
	CREATE INDEX IF NOT EXISTS idx_memberships_branch
		ON memberships(sold_at_branch_id, purchase_date);
	CREATE INDEX IF NOT EXISTS idx_memberships_status_branch
		ON memberships(status, sold_at_branch_id);

	-- Usage records (append-only)
	CREATE TABLE IF NOT EXISTS membership_usages (
		id TEXT PRIMARY KEY,
		membership_id TEXT NOT NULL,
		used_at_branch_id TEXT NOT NULL,
		used_by_user_id TEXT,
		credits_used INTEGER NOT NULL,
		used_at TEXT NOT NULL,
		notes TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_usages_membership
		ON membership_usages(membership_id);
	CREATE INDEX IF NOT EXISTS idx_usages_branch_date
		ON membership_usages(used_at_branch_id, used_at DESC);

	-- Settlements (append-only within this core; status flip is external)
	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		from_branch_id TEXT NOT NULL,
		to_branch_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT,
		usage_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL
	);

	-- CRITICAL: at most one settlement obligation per usage record.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_settlements_usage
		ON settlements(usage_id);
	CREATE INDEX IF NOT EXISTS idx_settlements_branches
		ON settlements(from_branch_id, to_branch_id);

	-- Loyalty accounts (one per customer, versioned)
	CREATE TABLE IF NOT EXISTS loyalty_accounts (
		customer_id TEXT PRIMARY KEY,
		points INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- Loyalty transactions (append-only)
	CREATE TABLE IF NOT EXISTS loyalty_transactions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		points INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		reason TEXT,
		branch_id TEXT,
		created_by_user_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loyalty_tx_customer
		ON loyalty_transactions(customer_id, created_at DESC);

	-- Branches (reference)
	CREATE TABLE IF NOT EXISTS branches (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	-- Membership types (reference; deactivated, never deleted)
	CREATE TABLE IF NOT EXISTS membership_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		total_credits INTEGER NOT NULL,
		price TEXT NOT NULL DEFAULT '0',
		service_category TEXT,
		validity_days INTEGER,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	-- Single-row system settings
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		settlement_percentage TEXT NOT NULL,
		revenue_percentage TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor_id TEXT,
		previous_json TEXT,
		updated_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_created
		ON audit_log(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is the subset of *sql.DB and *sql.Tx the store needs, so the same
// helpers serve both direct calls and WithTx callbacks.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// MEMBERSHIP STORE (ledger.MembershipStore interface)
// =============================================================================

func (s *Store) InsertMembership(ctx context.Context, m ledger.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertMembership(ctx, s.db, m)
}

func insertMembership(ctx context.Context, db dbtx, m ledger.Membership) error {
	query := `
		INSERT INTO memberships
		(id, customer_id, membership_type_id, total_credits, used_credits, sold_at_branch_id,
		 purchase_date, expiry_date, status, package_price, package_name, discount_amount,
		 version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		m.ID,
		m.CustomerID,
		nullString(string(m.TypeID)),
		m.TotalCredits,
		m.UsedCredits,
		m.SoldAtBranch,
		m.PurchaseDate.UTC().Format(time.RFC3339),
		nullTime(m.ExpiryDate),
		m.Status,
		nullDecimal(m.PackagePrice),
		nullString(m.PackageName),
		m.DiscountAmount.String(),
		m.Version,
		m.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrConflict
		}
		return fmt.Errorf("failed to insert membership: %w", err)
	}
	return nil
}

func (s *Store) GetMembership(ctx context.Context, id ledger.MembershipID) (*ledger.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMembership(ctx, s.db, id)
}

const membershipColumns = `id, customer_id, membership_type_id, total_credits, used_credits,
	sold_at_branch_id, purchase_date, expiry_date, status, package_price, package_name,
	discount_amount, version, created_at`

func getMembership(ctx context.Context, db dbtx, id ledger.MembershipID) (*ledger.Membership, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query membership: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	m, err := scanMembership(rows)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMembership compare-and-swaps on the version column. Zero rows
// affected means another writer got there first.
func (s *Store) UpdateMembership(ctx context.Context, m ledger.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateMembership(ctx, s.db, m)
}

func updateMembership(ctx context.Context, db dbtx, m ledger.Membership) error {
	query := `
		UPDATE memberships
		SET used_credits = ?, status = ?, expiry_date = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	res, err := db.ExecContext(ctx, query,
		m.UsedCredits, m.Status, nullTime(m.ExpiryDate), m.ID, m.Version)
	if err != nil {
		return fmt.Errorf("failed to update membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrConflict
	}
	return nil
}

func (s *Store) ListMemberships(ctx context.Context, f ledger.MembershipFilter) ([]ledger.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listMemberships(ctx, s.db, f)
}

func listMemberships(ctx context.Context, db dbtx, f ledger.MembershipFilter) ([]ledger.Membership, error) {
	var conds []string
	var args []any
	if f.Branch != nil {
		conds = append(conds, "sold_at_branch_id = ?")
		args = append(args, *f.Branch)
	}
	if f.Customer != nil {
		conds = append(conds, "customer_id = ?")
		args = append(args, *f.Customer)
	}
	if f.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *f.Status)
	}

	query := `SELECT ` + membershipColumns + ` FROM memberships`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY purchase_date DESC, created_at DESC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	var memberships []ledger.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

func scanMembership(rows *sql.Rows) (ledger.Membership, error) {
	var (
		m              ledger.Membership
		typeID         sql.NullString
		purchaseDate   string
		expiryDate     sql.NullString
		packagePrice   sql.NullString
		packageName    sql.NullString
		discountAmount string
		createdAt      string
	)

	err := rows.Scan(
		&m.ID, &m.CustomerID, &typeID, &m.TotalCredits, &m.UsedCredits,
		&m.SoldAtBranch, &purchaseDate, &expiryDate, &m.Status, &packagePrice,
		&packageName, &discountAmount, &m.Version, &createdAt,
	)
	if err != nil {
		return m, fmt.Errorf("failed to scan membership: %w", err)
	}

	m.TypeID = ledger.MembershipTypeID(typeID.String)
	m.PurchaseDate, _ = time.Parse(time.RFC3339, purchaseDate)
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if expiryDate.Valid {
		t, _ := time.Parse(time.RFC3339, expiryDate.String)
		m.ExpiryDate = &t
	}
	if packagePrice.Valid {
		p := ledger.MustParseDecimal(packagePrice.String)
		m.PackagePrice = &p
	}
	m.PackageName = packageName.String
	m.DiscountAmount = ledger.MustParseDecimal(discountAmount)
	return m, nil
}

// =============================================================================
// USAGE STORE (ledger.UsageStore interface)
// =============================================================================

func (s *Store) AppendUsage(ctx context.Context, u ledger.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendUsage(ctx, s.db, u)
}

func appendUsage(ctx context.Context, db dbtx, u ledger.UsageRecord) error {
	query := `
		INSERT INTO membership_usages
		(id, membership_id, used_at_branch_id, used_by_user_id, credits_used, used_at, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		u.ID, u.MembershipID, u.Branch, nullString(string(u.StaffUser)),
		u.CreditsUsed, u.UsedAt.UTC().Format(time.RFC3339), nullString(u.Notes),
	)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

const usageColumns = `id, membership_id, used_at_branch_id, used_by_user_id, credits_used, used_at, notes`

func (s *Store) UsagesByMembership(ctx context.Context, id ledger.MembershipID) ([]ledger.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryUsages(ctx, s.db,
		`SELECT `+usageColumns+` FROM membership_usages WHERE membership_id = ? ORDER BY used_at DESC`, id)
}

func (s *Store) UsagesByBranch(ctx context.Context, branch ledger.BranchID, limit int) ([]ledger.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 500
	}
	return queryUsages(ctx, s.db,
		`SELECT `+usageColumns+` FROM membership_usages WHERE used_at_branch_id = ? ORDER BY used_at DESC LIMIT ?`,
		branch, limit)
}

func queryUsages(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.UsageRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var usages []ledger.UsageRecord
	for rows.Next() {
		var (
			u      ledger.UsageRecord
			staff  sql.NullString
			usedAt string
			notes  sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.MembershipID, &u.Branch, &staff, &u.CreditsUsed, &usedAt, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		u.StaffUser = ledger.UserID(staff.String)
		u.UsedAt, _ = time.Parse(time.RFC3339, usedAt)
		u.Notes = notes.String
		usages = append(usages, u)
	}
	return usages, rows.Err()
}

// =============================================================================
// SETTLEMENT STORE (ledger.SettlementStore interface)
// =============================================================================

func (s *Store) InsertSettlement(ctx context.Context, ob ledger.SettlementObligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertSettlement(ctx, s.db, ob)
}

func insertSettlement(ctx context.Context, db dbtx, ob ledger.SettlementObligation) error {
	query := `
		INSERT INTO settlements
		(id, from_branch_id, to_branch_id, amount, reason, usage_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		ob.ID, ob.FromBranch, ob.ToBranch, ob.Amount.String(),
		nullString(ob.Reason), ob.UsageID, ob.Status,
		ob.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateSettlement
		}
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

func (s *Store) ListSettlements(ctx context.Context, branch *ledger.BranchID, limit int) ([]ledger.SettlementObligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSettlements(ctx, s.db, branch, limit)
}

func listSettlements(ctx context.Context, db dbtx, branch *ledger.BranchID, limit int) ([]ledger.SettlementObligation, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT id, from_branch_id, to_branch_id, amount, reason, usage_id, status, created_at
		FROM settlements
	`
	var args []any
	if branch != nil {
		query += " WHERE from_branch_id = ? OR to_branch_id = ?"
		args = append(args, *branch, *branch)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var settlements []ledger.SettlementObligation
	for rows.Next() {
		var (
			ob        ledger.SettlementObligation
			amount    string
			reason    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&ob.ID, &ob.FromBranch, &ob.ToBranch, &amount, &reason, &ob.UsageID, &ob.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		ob.Amount = ledger.MustParseDecimal(amount)
		ob.Reason = reason.String
		ob.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		settlements = append(settlements, ob)
	}
	return settlements, rows.Err()
}

// =============================================================================
// LOYALTY STORE (ledger.LoyaltyStore interface)
// =============================================================================

func (s *Store) GetLoyaltyAccount(ctx context.Context, customer ledger.CustomerID) (*ledger.LoyaltyAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLoyaltyAccount(ctx, s.db, customer)
}

func getLoyaltyAccount(ctx context.Context, db dbtx, customer ledger.CustomerID) (*ledger.LoyaltyAccount, error) {
	var (
		a         ledger.LoyaltyAccount
		createdAt string
	)
	err := db.QueryRowContext(ctx,
		"SELECT customer_id, points, version, created_at FROM loyalty_accounts WHERE customer_id = ?",
		customer,
	).Scan(&a.CustomerID, &a.Points, &a.Version, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query loyalty account: %w", err)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &a, nil
}

func (s *Store) SaveLoyaltyAccount(ctx context.Context, a ledger.LoyaltyAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveLoyaltyAccount(ctx, s.db, a)
}

func saveLoyaltyAccount(ctx context.Context, db dbtx, a ledger.LoyaltyAccount) error {
	if a.Version == 0 {
		_, err := db.ExecContext(ctx,
			"INSERT INTO loyalty_accounts (customer_id, points, version, created_at) VALUES (?, ?, 1, ?)",
			a.CustomerID, a.Points, a.CreatedAt.UTC().Format(time.RFC3339))
		if err != nil {
			if isUniqueConstraintError(err) {
				return ledger.ErrConflict
			}
			return fmt.Errorf("failed to insert loyalty account: %w", err)
		}
		return nil
	}

	res, err := db.ExecContext(ctx,
		"UPDATE loyalty_accounts SET points = ?, version = version + 1 WHERE customer_id = ? AND version = ?",
		a.Points, a.CustomerID, a.Version)
	if err != nil {
		return fmt.Errorf("failed to update loyalty account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrConflict
	}
	return nil
}

func (s *Store) AppendLoyaltyTransaction(ctx context.Context, tx ledger.LoyaltyTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLoyaltyTransaction(ctx, s.db, tx)
}

func appendLoyaltyTransaction(ctx context.Context, db dbtx, tx ledger.LoyaltyTransaction) error {
	query := `
		INSERT INTO loyalty_transactions
		(id, customer_id, points, tx_type, reason, branch_id, created_by_user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		tx.ID, tx.CustomerID, tx.Points, tx.Type, nullString(tx.Reason),
		nullString(string(tx.Branch)), nullString(string(tx.CreatedBy)),
		tx.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append loyalty transaction: %w", err)
	}
	return nil
}

func (s *Store) LoyaltyTransactions(ctx context.Context, customer ledger.CustomerID, limit int) ([]ledger.LoyaltyTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loyaltyTransactions(ctx, s.db, customer, limit)
}

func loyaltyTransactions(ctx context.Context, db dbtx, customer ledger.CustomerID, limit int) ([]ledger.LoyaltyTransaction, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, customer_id, points, tx_type, reason, branch_id, created_by_user_id, created_at
		FROM loyalty_transactions
		WHERE customer_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, customer, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query loyalty transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.LoyaltyTransaction
	for rows.Next() {
		var (
			tx        ledger.LoyaltyTransaction
			reason    sql.NullString
			branch    sql.NullString
			createdBy sql.NullString
			createdAt string
		)
		if err := rows.Scan(&tx.ID, &tx.CustomerID, &tx.Points, &tx.Type, &reason, &branch, &createdBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan loyalty transaction: %w", err)
		}
		tx.Reason = reason.String
		tx.Branch = ledger.BranchID(branch.String)
		tx.CreatedBy = ledger.UserID(createdBy.String)
		tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// CATALOG STORE (ledger.CatalogStore interface)
// =============================================================================

func (s *Store) GetBranch(ctx context.Context, id ledger.BranchID) (*ledger.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBranch(ctx, s.db, id)
}

func getBranch(ctx context.Context, db dbtx, id ledger.BranchID) (*ledger.Branch, error) {
	var b ledger.Branch
	err := db.QueryRowContext(ctx, "SELECT id, name FROM branches WHERE id = ?", id).Scan(&b.ID, &b.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query branch: %w", err)
	}
	return &b, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]ledger.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM branches ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var branches []ledger.Branch
	for rows.Next() {
		var b ledger.Branch
		if err := rows.Scan(&b.ID, &b.Name); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

func (s *Store) SaveBranch(ctx context.Context, b ledger.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, b.ID, b.Name)
	return err
}

func (s *Store) GetMembershipType(ctx context.Context, id ledger.MembershipTypeID) (*ledger.MembershipType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMembershipType(ctx, s.db, id)
}

const membershipTypeColumns = `id, name, total_credits, price, service_category, validity_days, active, created_at`

func getMembershipType(ctx context.Context, db dbtx, id ledger.MembershipTypeID) (*ledger.MembershipType, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+membershipTypeColumns+` FROM membership_types WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query membership type: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	t, err := scanMembershipType(rows)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListMembershipTypes(ctx context.Context, activeOnly bool) ([]ledger.MembershipType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + membershipTypeColumns + ` FROM membership_types`
	if activeOnly {
		query += " WHERE active"
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query membership types: %w", err)
	}
	defer rows.Close()

	var types []ledger.MembershipType
	for rows.Next() {
		t, err := scanMembershipType(rows)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func scanMembershipType(rows *sql.Rows) (ledger.MembershipType, error) {
	var (
		t            ledger.MembershipType
		price        string
		category     sql.NullString
		validityDays sql.NullInt64
		createdAt    string
	)
	err := rows.Scan(&t.ID, &t.Name, &t.TotalCredits, &price, &category, &validityDays, &t.Active, &createdAt)
	if err != nil {
		return t, fmt.Errorf("failed to scan membership type: %w", err)
	}
	t.Price = ledger.MustParseDecimal(price)
	t.ServiceCategory = category.String
	if validityDays.Valid {
		d := int(validityDays.Int64)
		t.ValidityDays = &d
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return t, nil
}

func (s *Store) SaveMembershipType(ctx context.Context, t ledger.MembershipType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO membership_types
		(id, name, total_credits, price, service_category, validity_days, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			total_credits = excluded.total_credits,
			price = excluded.price,
			service_category = excluded.service_category,
			validity_days = excluded.validity_days,
			active = excluded.active
	`

	var validityDays any
	if t.ValidityDays != nil {
		validityDays = *t.ValidityDays
	}

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Name, t.TotalCredits, t.Price.String(),
		nullString(t.ServiceCategory), validityDays, t.Active,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetSettings(ctx context.Context) (ledger.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSettings(ctx, s.db)
}

func getSettings(ctx context.Context, db dbtx) (ledger.Settings, error) {
	var settlement, revenue string
	err := db.QueryRowContext(ctx,
		"SELECT settlement_percentage, revenue_percentage FROM settings WHERE id = 1",
	).Scan(&settlement, &revenue)
	if err == sql.ErrNoRows {
		return ledger.DefaultSettings(), nil
	}
	if err != nil {
		return ledger.Settings{}, fmt.Errorf("failed to query settings: %w", err)
	}
	return ledger.Settings{
		SettlementPercent: ledger.MustParseDecimal(settlement),
		RevenuePercent:    ledger.MustParseDecimal(revenue),
	}, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings ledger.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (id, settlement_percentage, revenue_percentage, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			settlement_percentage = excluded.settlement_percentage,
			revenue_percentage = excluded.revenue_percentage,
			updated_at = excluded.updated_at
	`, settings.SettlementPercent.String(), settings.RevenuePercent.String(),
		time.Now().UTC().Format(time.RFC3339))
	return err
}

// =============================================================================
// AUDIT LOG (ledger.AuditLog interface)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previousJSON, _ := json.Marshal(e.Previous)
	updatedJSON, _ := json.Marshal(e.Updated)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, entity, entity_id, action, actor_id, previous_json, updated_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Entity, e.EntityID, e.Action, nullString(string(e.ActorID)),
		string(previousJSON), string(updatedJSON),
		e.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, entity, entity_id, action, actor_id, previous_json, updated_json, created_at
		FROM audit_log
	`
	var conds []string
	var args []any
	if f.Entity != nil {
		conds = append(conds, "entity = ?")
		args = append(args, *f.Entity)
	}
	if f.EntityID != nil {
		conds = append(conds, "entity_id = ?")
		args = append(args, *f.EntityID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []ledger.AuditEntry
	for rows.Next() {
		var (
			e            ledger.AuditEntry
			actor        sql.NullString
			previousJSON sql.NullString
			updatedJSON  sql.NullString
			createdAt    string
		)
		if err := rows.Scan(&e.ID, &e.Entity, &e.EntityID, &e.Action, &actor, &previousJSON, &updatedJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ActorID = ledger.UserID(actor.String)
		if previousJSON.Valid && previousJSON.String != "" {
			json.Unmarshal([]byte(previousJSON.String), &e.Previous)
		}
		if updatedJSON.Valid && updatedJSON.String != "" {
			json.Unmarshal([]byte(updatedJSON.String), &e.Updated)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. Reads inside the
// callback go through the transaction, so the callback sees its own writes.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore routes every call through the open sql.Tx. It deliberately does
// not touch the parent mutex, which WithTx already holds.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) InsertMembership(ctx context.Context, m ledger.Membership) error {
	return insertMembership(ctx, ts.tx, m)
}

func (ts *txStore) GetMembership(ctx context.Context, id ledger.MembershipID) (*ledger.Membership, error) {
	return getMembership(ctx, ts.tx, id)
}

func (ts *txStore) UpdateMembership(ctx context.Context, m ledger.Membership) error {
	return updateMembership(ctx, ts.tx, m)
}

func (ts *txStore) ListMemberships(ctx context.Context, f ledger.MembershipFilter) ([]ledger.Membership, error) {
	return listMemberships(ctx, ts.tx, f)
}

func (ts *txStore) AppendUsage(ctx context.Context, u ledger.UsageRecord) error {
	return appendUsage(ctx, ts.tx, u)
}

func (ts *txStore) UsagesByMembership(ctx context.Context, id ledger.MembershipID) ([]ledger.UsageRecord, error) {
	return queryUsages(ctx, ts.tx,
		`SELECT `+usageColumns+` FROM membership_usages WHERE membership_id = ? ORDER BY used_at DESC`, id)
}

func (ts *txStore) UsagesByBranch(ctx context.Context, branch ledger.BranchID, limit int) ([]ledger.UsageRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	return queryUsages(ctx, ts.tx,
		`SELECT `+usageColumns+` FROM membership_usages WHERE used_at_branch_id = ? ORDER BY used_at DESC LIMIT ?`,
		branch, limit)
}

func (ts *txStore) InsertSettlement(ctx context.Context, ob ledger.SettlementObligation) error {
	return insertSettlement(ctx, ts.tx, ob)
}

func (ts *txStore) ListSettlements(ctx context.Context, branch *ledger.BranchID, limit int) ([]ledger.SettlementObligation, error) {
	return listSettlements(ctx, ts.tx, branch, limit)
}

func (ts *txStore) GetLoyaltyAccount(ctx context.Context, customer ledger.CustomerID) (*ledger.LoyaltyAccount, error) {
	return getLoyaltyAccount(ctx, ts.tx, customer)
}

func (ts *txStore) SaveLoyaltyAccount(ctx context.Context, a ledger.LoyaltyAccount) error {
	return saveLoyaltyAccount(ctx, ts.tx, a)
}

func (ts *txStore) AppendLoyaltyTransaction(ctx context.Context, tx ledger.LoyaltyTransaction) error {
	return appendLoyaltyTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) LoyaltyTransactions(ctx context.Context, customer ledger.CustomerID, limit int) ([]ledger.LoyaltyTransaction, error) {
	return loyaltyTransactions(ctx, ts.tx, customer, limit)
}

func (ts *txStore) GetBranch(ctx context.Context, id ledger.BranchID) (*ledger.Branch, error) {
	return getBranch(ctx, ts.tx, id)
}

func (ts *txStore) ListBranches(ctx context.Context) ([]ledger.Branch, error) {
	rows, err := ts.tx.QueryContext(ctx, "SELECT id, name FROM branches ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var branches []ledger.Branch
	for rows.Next() {
		var b ledger.Branch
		if err := rows.Scan(&b.ID, &b.Name); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

func (ts *txStore) SaveBranch(ctx context.Context, b ledger.Branch) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO branches (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, b.ID, b.Name)
	return err
}

func (ts *txStore) GetMembershipType(ctx context.Context, id ledger.MembershipTypeID) (*ledger.MembershipType, error) {
	return getMembershipType(ctx, ts.tx, id)
}

func (ts *txStore) ListMembershipTypes(ctx context.Context, activeOnly bool) ([]ledger.MembershipType, error) {
	query := `SELECT ` + membershipTypeColumns + ` FROM membership_types`
	if activeOnly {
		query += " WHERE active"
	}
	query += " ORDER BY name"

	rows, err := ts.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []ledger.MembershipType
	for rows.Next() {
		t, err := scanMembershipType(rows)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (ts *txStore) SaveMembershipType(ctx context.Context, t ledger.MembershipType) error {
	var validityDays any
	if t.ValidityDays != nil {
		validityDays = *t.ValidityDays
	}
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO membership_types
		(id, name, total_credits, price, service_category, validity_days, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			total_credits = excluded.total_credits,
			price = excluded.price,
			service_category = excluded.service_category,
			validity_days = excluded.validity_days,
			active = excluded.active
	`, t.ID, t.Name, t.TotalCredits, t.Price.String(),
		nullString(t.ServiceCategory), validityDays, t.Active,
		time.Now().UTC().Format(time.RFC3339))
	return err
}

func (ts *txStore) GetSettings(ctx context.Context) (ledger.Settings, error) {
	return getSettings(ctx, ts.tx)
}

func (ts *txStore) SaveSettings(ctx context.Context, settings ledger.Settings) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO settings (id, settlement_percentage, revenue_percentage, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			settlement_percentage = excluded.settlement_percentage,
			revenue_percentage = excluded.revenue_percentage,
			updated_at = excluded.updated_at
	`, settings.SettlementPercent.String(), settings.RevenuePercent.String(),
		time.Now().UTC().Format(time.RFC3339))
	return err
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"settlements", "membership_usages", "memberships",
		"loyalty_transactions", "loyalty_accounts",
		"membership_types", "branches", "settings", "audit_log",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
