package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"tradegate/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS attempts (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	state           TEXT NOT NULL,
	submitted_at    INTEGER NOT NULL,
	body            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS attempts_user ON attempts(user_id, submitted_at);

CREATE TABLE IF NOT EXISTS positions (
	user_id    TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	quantity   TEXT NOT NULL,
	cost_basis TEXT NOT NULL,
	version    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS fills (
	attempt_id  TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	quantity    TEXT NOT NULL,
	price       TEXT NOT NULL,
	executed_at INTEGER NOT NULL,
	reference   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	attempt_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	at         INTEGER NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_attempt ON audit(attempt_id, seq);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer keeps settlement transactions strictly serialized.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ---------------------------------------------------------------------------
// AttemptStore implementation
// ---------------------------------------------------------------------------

// SaveAttempt inserts or replaces an attempt snapshot.
func (s *SQLiteStore) SaveAttempt(ctx context.Context, a *domain.TradeAttempt) error {
	return saveAttempt(ctx, s.db, a)
}

func saveAttempt(ctx context.Context, db execer, a *domain.TradeAttempt) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding attempt %s: %w", a.ID, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO attempts (id, user_id, idempotency_key, state, submitted_at, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, body = excluded.body`,
		a.ID, a.UserID(), a.IdempotencyKey, string(a.State), a.Request.SubmittedAt.UnixNano(), string(body))
	return err
}

// GetAttempt retrieves a single attempt by its ID.
func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*domain.TradeAttempt, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM attempts WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var a domain.TradeAttempt
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, fmt.Errorf("decoding attempt %s: %w", id, err)
	}
	return &a, nil
}

// ListAttempts returns a user's most recent attempts, newest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, userID string, limit int) ([]domain.TradeAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM attempts WHERE user_id = ?
		ORDER BY submitted_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TradeAttempt
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var a domain.TradeAttempt
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// GetPosition returns the current position for (userID, symbol).
func (s *SQLiteStore) GetPosition(ctx context.Context, userID, symbol string) (domain.Position, error) {
	symbol = strings.ToUpper(symbol)
	row := s.db.QueryRowContext(ctx, `
		SELECT quantity, cost_basis, version, updated_at FROM positions
		WHERE user_id = ? AND symbol = ?`, userID, symbol)

	pos, err := scanPosition(row.Scan, userID, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{UserID: userID, Symbol: symbol}, nil
	}
	return pos, err
}

// ListPositions returns all recorded positions for a user, ordered by symbol.
func (s *SQLiteStore) ListPositions(ctx context.Context, userID string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, quantity, cost_basis, version, updated_at FROM positions
		WHERE user_id = ? ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var symbol string
		pos, err := scanPosition(func(dest ...any) error {
			return rows.Scan(append([]any{&symbol}, dest...)...)
		}, userID, "")
		if err != nil {
			return nil, err
		}
		pos.Symbol = symbol
		out = append(out, pos)
	}
	return out, rows.Err()
}

func scanPosition(scan func(dest ...any) error, userID, symbol string) (domain.Position, error) {
	var qty, basis string
	var version, updated int64
	if err := scan(&qty, &basis, &version, &updated); err != nil {
		return domain.Position{}, err
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position quantity %q: %w", qty, err)
	}
	b, err := decimal.NewFromString(basis)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position cost basis %q: %w", basis, err)
	}
	return domain.Position{
		UserID:    userID,
		Symbol:    symbol,
		Quantity:  q,
		CostBasis: b,
		Version:   version,
		UpdatedAt: time.Unix(0, updated).UTC(),
	}, nil
}

// Settle applies a settlement in a single transaction.
func (s *SQLiteStore) Settle(ctx context.Context, st Settlement) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM fills WHERE attempt_id = ?`, st.Fill.AttemptID).Scan(&exists)
	switch {
	case err == nil:
		return ErrDuplicateSettlement
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	pos := st.Position
	pos.Symbol = strings.ToUpper(pos.Symbol)
	var res sql.Result
	if st.PriorVersion == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO positions (user_id, symbol, quantity, cost_basis, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, symbol) DO NOTHING`,
			pos.UserID, pos.Symbol, pos.Quantity.String(), pos.CostBasis.String(), pos.Version, pos.UpdatedAt.UnixNano())
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE positions SET quantity = ?, cost_basis = ?, version = ?, updated_at = ?
			WHERE user_id = ? AND symbol = ? AND version = ?`,
			pos.Quantity.String(), pos.CostBasis.String(), pos.Version, pos.UpdatedAt.UnixNano(),
			pos.UserID, pos.Symbol, st.PriorVersion)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = ErrVersionConflict
		return err
	}

	f := st.Fill
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO fills (attempt_id, user_id, symbol, quantity, price, executed_at, reference)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.AttemptID, pos.UserID, pos.Symbol, f.Quantity.String(), f.Price.String(), f.At.UnixNano(), f.Reference); err != nil {
		return err
	}

	if err = appendAudit(ctx, tx, st.Audit); err != nil {
		return err
	}
	if st.Attempt != nil {
		if err = saveAttempt(ctx, tx, st.Attempt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// AuditLog implementation
// ---------------------------------------------------------------------------

// Append adds one audit record.
func (s *SQLiteStore) Append(ctx context.Context, rec domain.AuditRecord) error {
	return appendAudit(ctx, s.db, rec)
}

func appendAudit(ctx context.Context, db execer, rec domain.AuditRecord) error {
	rec.Seq = 0
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO audit (attempt_id, user_id, kind, at, body) VALUES (?, ?, ?, ?, ?)`,
		rec.AttemptID, rec.UserID, string(rec.Kind), rec.At.UnixNano(), string(body))
	return err
}

// ListAudit returns an attempt's records in append order.
func (s *SQLiteStore) ListAudit(ctx context.Context, attemptID string) ([]domain.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, body FROM audit WHERE attempt_id = ? ORDER BY seq`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var seq int64
		var body string
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, err
		}
		var rec domain.AuditRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, err
		}
		rec.Seq = seq
		out = append(out, rec)
	}
	return out, rows.Err()
}
