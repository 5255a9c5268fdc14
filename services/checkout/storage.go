package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

// ErrSessionNotFound is returned when no session exists for a reference.
var ErrSessionNotFound = errors.New("session not found")

// ErrPayerMismatch is returned when a session already belongs to another wallet.
var ErrPayerMismatch = fmt.Errorf("%w: session bound to another payer", types.ErrInvalidInput)

// SessionState is the lifecycle of a checkout session.
type SessionState string

const (
	SessionPending   SessionState = "pending"
	SessionConfirmed SessionState = "confirmed"
	SessionExhausted SessionState = "exhausted"
	SessionCancelled SessionState = "cancelled"
)

// Terminal reports whether the session can no longer change.
func (s SessionState) Terminal() bool {
	return s == SessionConfirmed || s == SessionExhausted || s == SessionCancelled
}

// Session is a checkout session as persisted in SQLite.
type Session struct {
	Reference string       `json:"reference"`
	Amount    string       `json:"amount"`
	Account   string       `json:"account,omitempty"`
	State     SessionState `json:"state"`
	Attempts  int          `json:"attempts"`
	Signature string       `json:"signature,omitempty"`
	Reward    string       `json:"reward,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Store persists sessions and the request audit log.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the SQLite database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at INTEGER NOT NULL,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS sessions (
            reference TEXT PRIMARY KEY,
            amount TEXT NOT NULL,
            account TEXT NOT NULL DEFAULT '',
            state TEXT NOT NULL,
            attempts INTEGER NOT NULL DEFAULT 0,
            signature TEXT NOT NULL DEFAULT '',
            reward TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS sessions_state ON sessions(state, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// InsertSession stores a new session. It reports false when the reference
// already exists; the stored row is left untouched.
func (s *Store) InsertSession(ctx context.Context, sess Session) (bool, error) {
	const stmt = `INSERT OR IGNORE INTO sessions(reference, amount, account, state, attempts, signature, reward, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, sess.Reference, sess.Amount, sess.Account, string(sess.State), sess.Attempts,
		sess.Signature, sess.Reward, sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateSessionState records watcher progress. Terminal rows are never
// rewritten.
func (s *Store) UpdateSessionState(ctx context.Context, ref string, state SessionState, attempts int, signature string, at time.Time) error {
	const stmt = `UPDATE sessions SET state = ?, attempts = ?, signature = ?, updated_at = ? WHERE reference = ? AND state = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(state), attempts, signature, at.UnixNano(), ref, string(SessionPending))
	if err != nil {
		return err
	}
	return s.expectRow(ctx, res, ref)
}

// BindSessionPayer records the wallet that first requested an envelope for
// ref. Later calls succeed only for the same wallet.
func (s *Store) BindSessionPayer(ctx context.Context, ref, account string, at time.Time) error {
	const stmt = `UPDATE sessions SET account = ?, updated_at = ? WHERE reference = ? AND (account = '' OR account = ?)`
	res, err := s.db.ExecContext(ctx, stmt, account, at.UnixNano(), ref, account)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetSession(ctx, ref); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrPayerMismatch, ref)
}

// SetSessionReward records the reward outcome of the latest envelope.
func (s *Store) SetSessionReward(ctx context.Context, ref, reward string, at time.Time) error {
	const stmt = `UPDATE sessions SET reward = ?, updated_at = ? WHERE reference = ?`
	res, err := s.db.ExecContext(ctx, stmt, reward, at.UnixNano(), ref)
	if err != nil {
		return err
	}
	return s.expectRow(ctx, res, ref)
}

func (s *Store) expectRow(ctx context.Context, res sql.Result, ref string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetSession(ctx, ref); err != nil {
		return err
	}
	return nil
}

const sessionColumns = `reference, amount, account, state, attempts, signature, reward, created_at, updated_at`

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, ref string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE reference = ?`, ref)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, ref)
	}
	return sess, err
}

// ListSessions returns sessions oldest first. An empty state matches all;
// limit <= 0 means no limit.
func (s *Store) ListSessions(ctx context.Context, state SessionState, limit int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at, reference`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess             Session
		state            string
		created, updated int64
	)
	if err := row.Scan(&sess.Reference, &sess.Amount, &sess.Account, &state, &sess.Attempts,
		&sess.Signature, &sess.Reward, &created, &updated); err != nil {
		return Session{}, err
	}
	sess.State = SessionState(state)
	sess.CreatedAt = time.Unix(0, created).UTC()
	sess.UpdatedAt = time.Unix(0, updated).UTC()
	return sess, nil
}

// AuditEntry captures request/response pairs.
type AuditEntry struct {
	Method         string
	Path           string
	RequestBody    []byte
	ResponseStatus int
	ResponseBody   []byte
	Timestamp      time.Time
}

// InsertAudit appends one entry to the audit log.
func (s *Store) InsertAudit(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(occurred_at, method, path, request_body, response_status, response_body) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.Timestamp.UnixNano(), entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody)
	return err
}

// AuditCount returns the number of audit entries for path.
func (s *Store) AuditCount(ctx context.Context, path string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE path = ?`, path).Scan(&n)
	return n, err
}
