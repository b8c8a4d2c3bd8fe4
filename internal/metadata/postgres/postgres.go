// Package postgres provides the PostgreSQL-backed file catalog and
// provider descriptor source.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/provsync/internal/catalog"
	"github.com/fruitsalade/provsync/internal/logging"
	"github.com/fruitsalade/provsync/internal/metrics"
	"github.com/fruitsalade/provsync/internal/models"
)

// ErrNameTaken is returned when a record would duplicate an owner's
// file name on a provider.
var ErrNameTaken = catalog.ErrNameTaken

// Store is a PostgreSQL catalog.
type Store struct {
	db *sql.DB
}

// New opens and pings the database.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate runs the *.up.sql files in migrationsDir in name order.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// parseID maps a FileID onto the userfiles primary key. IDs that are
// not numbers cannot exist.
func parseID(id models.FileID) (int64, error) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("file %s: %w", id, catalog.ErrNotFound)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const selectRecord = `SELECT f.id, f.name, f.data_provider_id, f.user_id, u.login, f.size, f.mod_time, f.is_collection
	 FROM userfiles f JOIN users u ON u.id = f.user_id`

func (s *Store) Lookup(ctx context.Context, id models.FileID) (*models.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("lookup_file", time.Since(start)) }()

	n, err := parseID(id)
	if err != nil {
		return nil, err
	}
	var rec models.FileRecord
	var key int64
	err = s.db.QueryRowContext(ctx, selectRecord+` WHERE f.id = $1`, n).
		Scan(&key, &rec.Name, &rec.ProviderID, &rec.OwnerID, &rec.OwnerLogin,
			&rec.Size, &rec.ModTime, &rec.IsCollection)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("file %s: %w", id, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup file %s: %w", id, err)
	}
	rec.ID = models.FileID(strconv.FormatInt(key, 10))
	return &rec, nil
}

func (s *Store) NameExists(ctx context.Context, providerID, ownerID int, name string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("name_exists", time.Since(start)) }()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM userfiles WHERE data_provider_id = $1 AND user_id = $2 AND name = $3)`,
		providerID, ownerID, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("name exists: %w", err)
	}
	return exists, nil
}

func (s *Store) Register(ctx context.Context, rec models.FileRecord) (*models.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("register_file", time.Since(start)) }()

	if rec.ModTime.IsZero() {
		rec.ModTime = time.Now()
	}
	var key int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO userfiles (name, data_provider_id, user_id, size, mod_time, is_collection)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		rec.Name, rec.ProviderID, rec.OwnerID, rec.Size, rec.ModTime, rec.IsCollection).Scan(&key)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("register %q on provider %d: %w", rec.Name, rec.ProviderID, ErrNameTaken)
	}
	if err != nil {
		return nil, fmt.Errorf("register %q: %w", rec.Name, err)
	}
	rec.ID = models.FileID(strconv.FormatInt(key, 10))

	logging.Debug("registered file",
		logging.FileID(string(rec.ID)),
		zap.String("name", rec.Name),
		zap.Int("provider_id", rec.ProviderID))
	return &rec, nil
}

// update runs a single-row UPDATE or DELETE on id.
func (s *Store) update(ctx context.Context, op string, id models.FileID, query string, args ...interface{}) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(op, time.Since(start)) }()

	n, err := parseID(id)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, query, append([]interface{}{n}, args...)...)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s %s: %w", op, id, ErrNameTaken)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("file %s: %w", id, catalog.ErrNotFound)
	}
	return nil
}

func (s *Store) Relocate(ctx context.Context, id models.FileID, providerID int) error {
	return s.update(ctx, "relocate_file", id,
		`UPDATE userfiles SET data_provider_id = $2, updated_at = NOW() WHERE id = $1`, providerID)
}

func (s *Store) Rename(ctx context.Context, id models.FileID, name string) error {
	return s.update(ctx, "rename_file", id,
		`UPDATE userfiles SET name = $2, updated_at = NOW() WHERE id = $1`, name)
}

func (s *Store) UpdateContent(ctx context.Context, id models.FileID, size int64, mod time.Time) error {
	return s.update(ctx, "update_file_content", id,
		`UPDATE userfiles SET size = $2, mod_time = $3, updated_at = NOW() WHERE id = $1`, size, mod)
}

func (s *Store) Remove(ctx context.Context, id models.FileID) error {
	return s.update(ctx, "remove_file", id, `DELETE FROM userfiles WHERE id = $1`)
}

// HasAccess grants owner access to the file's owner and to admins;
// other users need a row in userfile_permissions. Unknown principals
// have no access.
func (s *Store) HasAccess(ctx context.Context, principal string, id models.FileID, level catalog.AccessLevel) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("has_access", time.Since(start)) }()

	n, err := parseID(id)
	if err != nil {
		return false, err
	}
	var fileExists, isAdmin, isOwner bool
	var granted sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT TRUE, COALESCE(u.is_admin, FALSE), COALESCE(f.user_id = u.id, FALSE), p.level
		 FROM userfiles f
		 LEFT JOIN users u ON u.login = $2
		 LEFT JOIN userfile_permissions p ON p.userfile_id = f.id AND p.user_id = u.id
		 WHERE f.id = $1`, n, principal).
		Scan(&fileExists, &isAdmin, &isOwner, &granted)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("file %s: %w", id, catalog.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("has access: %w", err)
	}
	if isAdmin || isOwner {
		return true, nil
	}
	if !granted.Valid {
		return false, nil
	}
	switch granted.String {
	case "owner":
		return true, nil
	case "read":
		return level == catalog.AccessRead, nil
	}
	return false, nil
}

// Grant records level access to id for the user named login.
func (s *Store) Grant(ctx context.Context, id models.FileID, login string, level catalog.AccessLevel) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("grant_access", time.Since(start)) }()

	n, err := parseID(id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO userfile_permissions (userfile_id, user_id, level)
		 SELECT $1, id, $3 FROM users WHERE login = $2
		 ON CONFLICT (userfile_id, user_id) DO UPDATE SET level = EXCLUDED.level`,
		n, login, level.String())
	if err != nil {
		return fmt.Errorf("grant %s on %s: %w", level, id, err)
	}
	return nil
}
