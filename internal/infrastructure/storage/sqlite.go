package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/g-caf/receipt-match-backend/internal/domain/model"
)

// Storage provides SQLite database access for the matching core.
// It implements the Repository interface.
type Storage struct {
	db *sql.DB
}

// Compile-time check that Storage implements Repository
var _ Repository = (*Storage)(nil)

// NewStorage creates a new storage instance with a SQLite database.
func NewStorage(dbPath string) (*Storage, error) {
	// Transactions take the write lock at BEGIN, so concurrent activation
	// attempts queue up and each observes the previous writer's commit.
	db, err := sql.Open("sqlite3", dbPath+"?_txlock=immediate")
	if err != nil {
		return nil, err
	}

	// Enable foreign key constraints (SQLite-specific)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	// Serialize writers at the driver level; activation races are then
	// decided by the version check, not by SQLITE_BUSY errors.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Storage{db: db}

	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// SaveTransaction inserts or updates a transaction.
func (s *Storage) SaveTransaction(txn *model.Transaction) error {
	if err := txn.Validate(); err != nil {
		return err
	}
	locJSON, err := marshalLocation(txn.Location)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
	INSERT OR REPLACE INTO transactions
	(id, org_id, amount, currency, transaction_date, posted_date, description,
	 merchant_name, category, location_json, user_id, account_id, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		txn.ID.String(),
		txn.OrganizationID.String(),
		txn.Amount.String(),
		txn.Currency,
		txn.TransactionDate.UTC(),
		txn.PostedDate.UTC(),
		txn.Description,
		txn.MerchantName,
		txn.Category,
		locJSON,
		txn.UserID.String(),
		txn.AccountID.String(),
		string(txn.Status),
		nullableTime(txn.CreatedAt),
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (s *Storage) GetTransaction(id uuid.UUID) (*model.Transaction, error) {
	row := s.db.QueryRow(`
	SELECT id, org_id, amount, currency, transaction_date, posted_date, description,
	       merchant_name, category, location_json, user_id, account_id, status, created_at
	FROM transactions WHERE id = ?`, id.String())
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction %s: %w", id, model.ErrNotFound)
	}
	return txn, err
}

// UpdateTransactionStatus sets the matching-owned status field.
func (s *Storage) UpdateTransactionStatus(id uuid.UUID, status model.TransactionStatus) error {
	res, err := s.db.Exec("UPDATE transactions SET status = ? WHERE id = ?", string(status), id.String())
	if err != nil {
		return err
	}
	return requireRow(res, "transaction", id)
}

// TransactionsInWindow returns transactions without an active match inside
// the date and amount band. Amount filtering on the TEXT column happens in
// Go; the SQL filter bounds by date, which is indexed.
func (s *Storage) TransactionsInWindow(orgID uuid.UUID, from, to time.Time, minAmount, maxAmount decimal.Decimal) ([]*model.Transaction, error) {
	rows, err := s.db.Query(`
	SELECT id, org_id, amount, currency, transaction_date, posted_date, description,
	       merchant_name, category, location_json, user_id, account_id, status, created_at
	FROM transactions t
	WHERE t.org_id = ? AND t.transaction_date BETWEEN ? AND ?
	  AND NOT EXISTS (
	      SELECT 1 FROM matches m WHERE m.transaction_id = t.id AND m.active = 1
	  )
	ORDER BY t.transaction_date`, orgID.String(), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		abs := txn.AbsAmount()
		if abs.LessThan(minAmount) || abs.GreaterThan(maxAmount) {
			continue
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// UnmatchedTransactions lists transactions with no active match.
func (s *Storage) UnmatchedTransactions(orgID uuid.UUID, filters UnmatchedFilters) ([]*model.Transaction, error) {
	limit, offset, since := filters.bounds()
	rows, err := s.db.Query(`
	SELECT id, org_id, amount, currency, transaction_date, posted_date, description,
	       merchant_name, category, location_json, user_id, account_id, status, created_at
	FROM transactions t
	WHERE t.org_id = ? AND t.transaction_date >= ?
	  AND NOT EXISTS (
	      SELECT 1 FROM matches m WHERE m.transaction_id = t.id AND m.active = 1
	  )
	ORDER BY t.transaction_date DESC
	LIMIT ? OFFSET ?`, orgID.String(), since, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// SaveReceipt inserts or updates a receipt.
func (s *Storage) SaveReceipt(receipt *model.Receipt) error {
	if err := receipt.Validate(); err != nil {
		return err
	}
	locJSON, err := marshalLocation(receipt.Location)
	if err != nil {
		return err
	}
	fieldsJSON, err := json.Marshal(receipt.Fields)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
	INSERT OR REPLACE INTO receipts
	(id, org_id, total_amount, currency, receipt_date, merchant_name, merchant_id,
	 location_json, uploader_id, status, fields_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		receipt.ID.String(),
		receipt.OrganizationID.String(),
		receipt.TotalAmount.String(),
		receipt.Currency,
		receipt.ReceiptDate.UTC(),
		receipt.MerchantName,
		receipt.MerchantID,
		locJSON,
		receipt.UploaderID.String(),
		string(receipt.Status),
		string(fieldsJSON),
		nullableTime(receipt.CreatedAt),
	)
	return err
}

// GetReceipt retrieves a receipt by ID.
func (s *Storage) GetReceipt(id uuid.UUID) (*model.Receipt, error) {
	row := s.db.QueryRow(`
	SELECT id, org_id, total_amount, currency, receipt_date, merchant_name, merchant_id,
	       location_json, uploader_id, status, fields_json, created_at
	FROM receipts WHERE id = ?`, id.String())
	receipt, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("receipt %s: %w", id, model.ErrNotFound)
	}
	return receipt, err
}

// UpdateReceiptStatus sets the matching-owned status field.
func (s *Storage) UpdateReceiptStatus(id uuid.UUID, status model.ReceiptStatus) error {
	res, err := s.db.Exec("UPDATE receipts SET status = ? WHERE id = ?", string(status), id.String())
	if err != nil {
		return err
	}
	return requireRow(res, "receipt", id)
}

// ReceiptsInWindow returns receipts without an active match inside the date
// and amount band.
func (s *Storage) ReceiptsInWindow(orgID uuid.UUID, from, to time.Time, minAmount, maxAmount decimal.Decimal) ([]*model.Receipt, error) {
	rows, err := s.db.Query(`
	SELECT id, org_id, total_amount, currency, receipt_date, merchant_name, merchant_id,
	       location_json, uploader_id, status, fields_json, created_at
	FROM receipts r
	WHERE r.org_id = ? AND r.receipt_date BETWEEN ? AND ?
	  AND NOT EXISTS (
	      SELECT 1 FROM matches m WHERE m.receipt_id = r.id AND m.active = 1
	  )
	ORDER BY r.receipt_date`, orgID.String(), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Receipt
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		abs := receipt.TotalAmount.Abs()
		if abs.LessThan(minAmount) || abs.GreaterThan(maxAmount) {
			continue
		}
		out = append(out, receipt)
	}
	return out, rows.Err()
}

// UnmatchedReceipts lists receipts with no active match.
func (s *Storage) UnmatchedReceipts(orgID uuid.UUID, filters UnmatchedFilters) ([]*model.Receipt, error) {
	limit, offset, since := filters.bounds()
	rows, err := s.db.Query(`
	SELECT id, org_id, total_amount, currency, receipt_date, merchant_name, merchant_id,
	       location_json, uploader_id, status, fields_json, created_at
	FROM receipts r
	WHERE r.org_id = ? AND r.receipt_date >= ?
	  AND NOT EXISTS (
	      SELECT 1 FROM matches m WHERE m.receipt_id = r.id AND m.active = 1
	  )
	ORDER BY r.receipt_date DESC
	LIMIT ? OFFSET ?`, orgID.String(), since, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Receipt
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, receipt)
	}
	return out, rows.Err()
}

func (f UnmatchedFilters) bounds() (limit, offset int, since time.Time) {
	limit = f.Limit
	if limit <= 0 {
		limit = 50
	}
	since = time.Time{}
	if f.DaysBack > 0 {
		since = time.Now().UTC().AddDate(0, 0, -f.DaysBack)
	}
	return limit, f.Offset, since
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var (
		txn               model.Transaction
		id, orgID         string
		amount            string
		userID, accountID string
		status            string
		locJSON           sql.NullString
		postedDate        sql.NullTime
	)
	err := row.Scan(&id, &orgID, &amount, &txn.Currency, &txn.TransactionDate,
		&postedDate, &txn.Description, &txn.MerchantName, &txn.Category,
		&locJSON, &userID, &accountID, &status, &txn.CreatedAt)
	if err != nil {
		return nil, err
	}
	if txn.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if txn.OrganizationID, err = uuid.Parse(orgID); err != nil {
		return nil, err
	}
	if txn.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	txn.UserID = parseUUIDOrNil(userID)
	txn.AccountID = parseUUIDOrNil(accountID)
	txn.Status = model.TransactionStatus(status)
	if postedDate.Valid {
		txn.PostedDate = postedDate.Time
	}
	if txn.Location, err = unmarshalLocation(locJSON); err != nil {
		return nil, err
	}
	return &txn, nil
}

func scanReceipt(row rowScanner) (*model.Receipt, error) {
	var (
		receipt        model.Receipt
		id, orgID      string
		total          string
		uploaderID     string
		status         string
		locJSON        sql.NullString
		fieldsJSON     sql.NullString
	)
	err := row.Scan(&id, &orgID, &total, &receipt.Currency, &receipt.ReceiptDate,
		&receipt.MerchantName, &receipt.MerchantID, &locJSON, &uploaderID,
		&status, &fieldsJSON, &receipt.CreatedAt)
	if err != nil {
		return nil, err
	}
	if receipt.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if receipt.OrganizationID, err = uuid.Parse(orgID); err != nil {
		return nil, err
	}
	if receipt.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	receipt.UploaderID = parseUUIDOrNil(uploaderID)
	receipt.Status = model.ReceiptStatus(status)
	if receipt.Location, err = unmarshalLocation(locJSON); err != nil {
		return nil, err
	}
	if fieldsJSON.Valid && fieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &receipt.Fields); err != nil {
			return nil, err
		}
	}
	return &receipt, nil
}

func marshalLocation(loc *model.Location) (any, error) {
	if loc == nil {
		return nil, nil
	}
	data, err := json.Marshal(loc)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalLocation(raw sql.NullString) (*model.Location, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var loc model.Location
	if err := json.Unmarshal([]byte(raw.String), &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

func parseUUIDOrNil(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func requireRow(res sql.Result, kind string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
	}
	return nil
}
