package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"chatrelay/apperr"
	"chatrelay/models"
)

var ErrNoRows = errors.New("no rows found")

// DB is the SQLite backend. It holds both the user profile table and the
// pending message queue.
type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			ciphertext TEXT NOT NULL,
			created_at TEXT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_pair ON pending_messages(recipient, sender, id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate adds columns introduced after the first schema.
func (db *DB) migrate() error {
	now := time.Now().UTC().Format(time.RFC3339)

	// SQLite doesn't accept parameters in ALTER TABLE
	columns := []struct {
		name string
		ddl  string
	}{
		{"last_online", "ALTER TABLE users ADD COLUMN last_online TEXT DEFAULT '" + now + "'"},
		{"last_offline", "ALTER TABLE users ADD COLUMN last_offline TEXT DEFAULT '" + now + "'"},
		{"fields", "ALTER TABLE users ADD COLUMN fields TEXT NOT NULL DEFAULT '{}'"},
	}

	for _, col := range columns {
		if db.columnExists("users", col.name) {
			continue
		}
		if _, err := db.conn.Exec(col.ddl); err != nil {
			return err
		}
	}

	return nil
}

func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// User methods

func (db *DB) CreateUser(ctx context.Context, login, password string) error {
	return insertUser(ctx, db.conn, login, password)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertUser(ctx context.Context, q querier, login, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = q.ExecContext(ctx,
		"INSERT INTO users (login, password, last_online, last_offline) VALUES (?, ?, ?, ?)",
		login, string(hashed), now, now,
	)
	if isUniqueViolation(err) {
		return apperr.ErrUsernameExists
	}
	if err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

// UpsertProfile merges fields into the user's profile, creating the user with
// the given password when it does not exist yet. The merge runs inside one
// write transaction so concurrent upserts keep each other's fields.
func (db *DB) UpsertProfile(ctx context.Context, login, password string, fields map[string]any) (*models.User, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	defer tx.Rollback()

	user, err := getUser(ctx, tx, login)
	if errors.Is(err, ErrNoRows) {
		if password == "" {
			return nil, apperr.ErrInvalidParams.Wrapf("password required for new user %s", login)
		}
		// lost a registration race: merge into the winner's row
		if err := insertUser(ctx, tx, login, password); err != nil && !errors.Is(err, apperr.ErrUsernameExists) {
			return nil, err
		}
		user, err = getUser(ctx, tx, login)
	}
	if err != nil {
		return nil, err
	}

	if user.Fields == nil {
		user.Fields = make(map[string]any)
	}
	for k, v := range fields {
		user.Fields[k] = v
	}
	data, err := json.Marshal(user.Fields)
	if err != nil {
		return nil, apperr.ErrInvalidParams.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE users SET fields = ? WHERE login = ?", string(data), login); err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	return user, nil
}

func (db *DB) GetUser(ctx context.Context, login string) (*models.User, error) {
	return getUser(ctx, db.conn, login)
}

func getUser(ctx context.Context, q querier, login string) (*models.User, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, login, password, fields, COALESCE(last_online, ''), COALESCE(last_offline, '') FROM users WHERE login = ?",
		login,
	)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	return user, nil
}

func (db *DB) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, login, password, fields, COALESCE(last_online, ''), COALESCE(last_offline, '') FROM users ORDER BY id",
	)
	if err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, apperr.ErrStoreUnavailable.Wrap(err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	return users, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*models.User, error) {
	var u models.User
	var fields, online, offline string
	if err := s.Scan(&u.ID, &u.Login, &u.Password, &fields, &online, &offline); err != nil {
		return nil, err
	}
	if fields != "" {
		if err := json.Unmarshal([]byte(fields), &u.Fields); err != nil {
			return nil, err
		}
	}
	if online != "" {
		u.LastOnline, _ = time.Parse(time.RFC3339, online)
	}
	if offline != "" {
		u.LastOffline, _ = time.Parse(time.RFC3339, offline)
	}
	return &u, nil
}

// UpdateLastOnline updates user's last online timestamp
func (db *DB) UpdateLastOnline(ctx context.Context, login string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_online = ? WHERE login = ?",
		t.UTC().Format(time.RFC3339), login,
	)
	return err
}

// UpdateLastOffline updates user's last offline timestamp
func (db *DB) UpdateLastOffline(ctx context.Context, login string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_offline = ? WHERE login = ?",
		t.UTC().Format(time.RFC3339), login,
	)
	return err
}

func (db *DB) AuthenticateUser(ctx context.Context, login, password string) (bool, error) {
	var hashedPassword string
	err := db.conn.QueryRowContext(ctx, "SELECT password FROM users WHERE login = ?", login).Scan(&hashedPassword)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperr.ErrStoreUnavailable.Wrap(err)
	}

	err = bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	return err == nil, nil
}

func (db *DB) UserExists(ctx context.Context, login string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count)
	if err != nil {
		return false, apperr.ErrStoreUnavailable.Wrap(err)
	}
	return count > 0, nil
}

// Pending message methods

func (db *DB) Enqueue(ctx context.Context, msg models.PendingMessage) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO pending_messages (sender, recipient, ciphertext, created_at, delivered) VALUES (?, ?, ?, ?, 0)",
		msg.Sender, msg.Recipient, msg.Ciphertext, msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (db *DB) Drain(ctx context.Context, recipient, sender string) ([]models.PendingMessage, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender, recipient, ciphertext, created_at, delivered
		FROM pending_messages
		WHERE recipient = ? AND sender = ? AND delivered = 0
		ORDER BY id ASC
	`, recipient, sender)
	if err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	defer rows.Close()

	var messages []models.PendingMessage
	for rows.Next() {
		var m models.PendingMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Ciphertext, &createdAt, &m.Delivered); err != nil {
			return nil, apperr.ErrStoreUnavailable.Wrap(err)
		}
		m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, apperr.ErrStoreUnavailable.Wrap(err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	return messages, nil
}

func (db *DB) Purge(ctx context.Context, recipient, sender string) error {
	_, err := db.conn.ExecContext(ctx,
		"DELETE FROM pending_messages WHERE recipient = ? AND sender = ?",
		recipient, sender,
	)
	if err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

func (db *DB) PurgeThrough(ctx context.Context, recipient, sender string, lastID int64) error {
	_, err := db.conn.ExecContext(ctx,
		"DELETE FROM pending_messages WHERE recipient = ? AND sender = ? AND id <= ?",
		recipient, sender, lastID,
	)
	if err != nil {
		return apperr.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

// CountBySender returns the number of undelivered messages per sender.
func (db *DB) CountBySender(ctx context.Context, recipient string) (map[string]int, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT sender, COUNT(*)
		FROM pending_messages
		WHERE recipient = ? AND delivered = 0
		GROUP BY sender
	`, recipient)
	if err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sender string
		var count int
		if err := rows.Scan(&sender, &count); err != nil {
			return nil, apperr.ErrStoreUnavailable.Wrap(err)
		}
		counts[sender] = count
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	return counts, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
