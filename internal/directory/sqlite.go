package directory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// SQLDirectory is a directory backed by a SQLite database.
type SQLDirectory struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// embedded migrations. path ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLDirectory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path)
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := migrate(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLDirectory{db: db, logger: logger, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetLogger(logging.NewPrintfAdapter(logger.With(logging.Operation("directory.migrate"))))
	goose.SetBaseFS(migrationsFS)
	goose.SetTableName("schema_migrations")
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrEmailConflict):
		return err
	case strings.Contains(err.Error(), "UNIQUE constraint failed: users.email"):
		return fmt.Errorf("%w: %v", ErrEmailConflict, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateUser adds a user without any upstream identity.
func (d *SQLDirectory) CreateUser(ctx context.Context, email, name string) (*User, error) {
	u := &User{
		ID:        uuid.NewString(),
		Email:     normalizeEmail(email),
		Name:      name,
		CreatedAt: fromMillis(toMillis(d.now())),
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, toMillis(u.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create user: %w", classify(err))
	}
	return u, nil
}

// ProvisionUser returns the user linked to the identity, creating both the
// user and the link when neither exists.
func (d *SQLDirectory) ProvisionUser(ctx context.Context, id ExternalIdentity) (*User, error) {
	u, err := d.provision(ctx, id)
	if isUniqueViolation(err) && !errors.Is(err, ErrEmailConflict) {
		// Lost a race against a concurrent provision of the same identity.
		u, err = d.provision(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("provision %s/%s: %w", id.Provider, id.Subject, classify(err))
	}
	return u, nil
}

func (d *SQLDirectory) provision(ctx context.Context, id ExternalIdentity) (*User, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := scanUser(tx.QueryRowContext(ctx, `
SELECT u.id, u.email, u.name, u.created_at
FROM user_identities i JOIN users u ON u.id = i.user_id
WHERE i.provider = ? AND i.subject = ?`, id.Provider, id.Subject))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	email := normalizeEmail(id.Email)
	if email != "" {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE email = ?`, email).Scan(&existing)
		if err == nil {
			return nil, ErrEmailConflict
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	now := d.now()
	u = &User{ID: uuid.NewString(), Email: email, Name: id.Name, CreatedAt: fromMillis(toMillis(now))}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, toMillis(now)); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_identities (provider, subject, user_id, created_at) VALUES (?, ?, ?, ?)`,
		id.Provider, id.Subject, u.ID, toMillis(now)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u       User
		created int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

// FindUserByEmail looks a user up by normalized email.
func (d *SQLDirectory) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(d.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at FROM users WHERE email = ?`, normalizeEmail(email)))
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

// CreateTenant creates a tenant and, when ownerID is set, an owner membership.
func (d *SQLDirectory) CreateTenant(ctx context.Context, name, ownerID string) (*Tenant, *Membership, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := fromMillis(toMillis(d.now()))
	t := &Tenant{ID: uuid.NewString(), Name: name, CreatedAt: now}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)`,
		t.ID, t.Name, toMillis(now)); err != nil {
		return nil, nil, fmt.Errorf("create tenant: %w", classify(err))
	}

	var m *Membership
	if ownerID != "" {
		m, err = insertMembership(ctx, tx, t.ID, ownerID, RoleOwner, now)
		if err != nil {
			return nil, nil, fmt.Errorf("create tenant owner: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, classify(err)
	}
	return t, m, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertMembership(ctx context.Context, q execQuerier, tenantID, userID string, role Role, now time.Time) (*Membership, error) {
	var exists int
	if err := q.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, classify(err))
	}
	if err := q.QueryRowContext(ctx, `SELECT 1 FROM tenants WHERE id = ?`, tenantID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, classify(err))
	}

	m := &Membership{ID: uuid.NewString(), TenantID: tenantID, UserID: userID, Role: role, CreatedAt: now}
	_, err := q.ExecContext(ctx, `
INSERT INTO memberships (id, tenant_id, user_id, role, created_at, seq)
VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM memberships))
ON CONFLICT (tenant_id, user_id) DO UPDATE SET role = excluded.role`,
		m.ID, tenantID, userID, string(role), toMillis(now))
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// AddMembership binds a user to a tenant. An existing membership has its
// role replaced.
func (d *SQLDirectory) AddMembership(ctx context.Context, tenantID, userID string, role Role) (*Membership, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("add membership: invalid role %q", role)
	}
	if _, err := insertMembership(ctx, d.db, tenantID, userID, role, fromMillis(toMillis(d.now()))); err != nil {
		return nil, fmt.Errorf("add membership: %w", err)
	}
	return d.FindMembership(ctx, tenantID, userID)
}

const membershipColumns = `id, tenant_id, user_id, role, created_at`

func scanMembership(row rowScanner) (*Membership, error) {
	var (
		m       Membership
		role    string
		created int64
	)
	if err := row.Scan(&m.ID, &m.TenantID, &m.UserID, &role, &created); err != nil {
		return nil, err
	}
	m.Role = Role(role)
	m.CreatedAt = fromMillis(created)
	return &m, nil
}

// FindMembership returns the membership of userID in tenantID.
func (d *SQLDirectory) FindMembership(ctx context.Context, tenantID, userID string) (*Membership, error) {
	m, err := scanMembership(d.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE tenant_id = ? AND user_id = ?`,
		tenantID, userID))
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// ListMemberships returns a user's memberships, oldest first.
func (d *SQLDirectory) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE user_id = ? ORDER BY created_at, seq`,
		userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// StoreAPIKey persists a key record. ID and CreatedAt are filled in when
// empty.
func (d *SQLDirectory) StoreAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = fromMillis(toMillis(d.now()))
	}
	_, err := d.db.ExecContext(ctx, `
INSERT INTO api_keys (id, prefix, key_hash, user_id, tenant_id, name, scopes, created_at, expires_at, revoked_at, last_used_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Prefix, key.KeyHash, key.UserID, key.TenantID, key.Name, joinScopes(key.Scopes),
		toMillis(key.CreatedAt), nullMillis(key.ExpiresAt), nullMillis(key.RevokedAt), nullMillis(key.LastUsedAt))
	if err != nil {
		return fmt.Errorf("store api key: %w", classify(err))
	}
	return nil
}

// FindAPIKey looks a key up by prefix and secret hash.
func (d *SQLDirectory) FindAPIKey(ctx context.Context, prefix, hash string) (*APIKey, error) {
	var (
		k                          APIKey
		scopes                     string
		created                    int64
		expires, revoked, lastUsed sql.NullInt64
	)
	err := d.db.QueryRowContext(ctx, `
SELECT id, prefix, key_hash, user_id, tenant_id, name, scopes, created_at, expires_at, revoked_at, last_used_at
FROM api_keys WHERE prefix = ? AND key_hash = ?`, prefix, hash).Scan(
		&k.ID, &k.Prefix, &k.KeyHash, &k.UserID, &k.TenantID, &k.Name, &scopes,
		&created, &expires, &revoked, &lastUsed)
	if err != nil {
		return nil, classify(err)
	}
	k.Scopes = splitScopes(scopes)
	k.CreatedAt = fromMillis(created)
	k.ExpiresAt = fromNullMillis(expires)
	k.RevokedAt = fromNullMillis(revoked)
	k.LastUsedAt = fromNullMillis(lastUsed)
	return &k, nil
}

// TouchAPIKey records the last time a key was used.
func (d *SQLDirectory) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	return d.updateKeyTime(ctx, "last_used_at", id, at)
}

// RevokeAPIKey marks a key revoked.
func (d *SQLDirectory) RevokeAPIKey(ctx context.Context, id string) error {
	return d.updateKeyTime(ctx, "revoked_at", id, d.now())
}

func (d *SQLDirectory) updateKeyTime(ctx context.Context, column, id string, at time.Time) error {
	res, err := d.db.ExecContext(ctx, `UPDATE api_keys SET `+column+` = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks that the database is reachable.
func (d *SQLDirectory) Ping(ctx context.Context) error {
	return classify(d.db.PingContext(ctx))
}

// Close releases the database.
func (d *SQLDirectory) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}
