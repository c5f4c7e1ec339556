// Package db is the SQLite-backed account directory: credentials, presence
// and friendships.
package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	"chtbx/models"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound       = errors.New("account not found")
	ErrUsernameTaken  = errors.New("username already taken")
	ErrAlreadyFriends = errors.New("already friends")
)

type DB struct {
	conn     *sql.DB
	hashCost int
}

type Option func(*DB)

// HashCost sets the bcrypt cost used for new passwords.
func HashCost(cost int) Option {
	return func(db *DB) {
		db.hashCost = cost
	}
}

func New(path string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers and keeps ":memory:" databases shared
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, hashCost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(db)
	}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			ip TEXT,
			port INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS friends (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			friend_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			UNIQUE(owner_id, friend_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_friends_owner ON friends(owner_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

const accountColumns = "id, username, password, ip, port"

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*models.Account, error) {
	var a models.Account
	var ip sql.NullString
	var port sql.NullInt64
	if err := row.Scan(&a.ID, &a.Username, &a.Password, &ip, &port); err != nil {
		return nil, err
	}
	if ip.Valid {
		a.Presence = &models.Presence{IP: ip.String, Port: uint16(port.Int64)}
	}
	return &a, nil
}

func (db *DB) FindByUsername(ctx context.Context, username string) (*models.Account, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE username = ?", username)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (db *DB) FindByID(ctx context.Context, id int64) (*models.Account, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// Create stores a new offline account with a bcrypt hash of password.
func (db *DB) Create(ctx context.Context, username, password string) (*models.Account, error) {
	hashed, err := bcrypt.GenerateFromPassword(prehash(password), db.hashCost)
	if err != nil {
		return nil, err
	}

	result, err := db.conn.ExecContext(ctx,
		"INSERT INTO accounts (username, password) VALUES (?, ?)",
		username, string(hashed),
	)
	if isUniqueViolation(err) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.Account{ID: id, Username: username, Password: string(hashed)}, nil
}

// CheckPassword reports whether password matches the stored hash.
func (db *DB) CheckPassword(account *models.Account, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(account.Password), prehash(password)) == nil
}

// prehash maps any password to 44 bytes, under bcrypt's 72-byte input limit.
func prehash(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(out, sum[:])
	return out
}

// SetPresence overwrites the presence of an account; nil marks it offline.
func (db *DB) SetPresence(ctx context.Context, id int64, presence *models.Presence) error {
	var ip sql.NullString
	var port sql.NullInt64
	if presence != nil {
		ip = sql.NullString{String: presence.IP, Valid: true}
		port = sql.NullInt64{Int64: int64(presence.Port), Valid: true}
	}
	result, err := db.conn.ExecContext(ctx, "UPDATE accounts SET ip = ?, port = ? WHERE id = ?", ip, port, id)
	if err != nil {
		return err
	}
	return expectOne(result)
}

// ClaimPresence sets the presence only if the account is offline. It reports
// whether this call took the account online; the check and the write are a
// single statement.
func (db *DB) ClaimPresence(ctx context.Context, id int64, presence models.Presence) (bool, error) {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE accounts SET ip = ?, port = ? WHERE id = ? AND ip IS NULL",
		presence.IP, int64(presence.Port), id,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClearAllPresence marks every account offline. Called at startup, when no
// session can exist yet.
func (db *DB) ClearAllPresence(ctx context.Context) (int64, error) {
	result, err := db.conn.ExecContext(ctx, "UPDATE accounts SET ip = NULL, port = NULL WHERE ip IS NOT NULL")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// AddFriend records a mutual friendship between two accounts.
func (db *DB) AddFriend(ctx context.Context, ownerID, friendID int64) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO friends (owner_id, friend_id) VALUES (?, ?), (?, ?)",
		ownerID, friendID, friendID, ownerID,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyFriends
	}
	return err
}

// Friends lists the friends of an account ordered by username.
func (db *DB) Friends(ctx context.Context, ownerID int64) ([]models.Account, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT a.id, a.username, a.password, a.ip, a.port
		FROM friends f
		JOIN accounts a ON a.id = f.friend_id
		WHERE f.owner_id = ?
		ORDER BY a.username ASC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		friends = append(friends, *a)
	}

	return friends, rows.Err()
}

func expectOne(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update presence: %w", ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
