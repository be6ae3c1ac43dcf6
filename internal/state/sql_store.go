package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/driveindex/internal/reconcile"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlCheckpointTable  = "driveindex_checkpoints"
	sqlIdentityTable    = "driveindex_identities"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type dialect struct {
	name   string
	driver string
}

var (
	postgresDialect = dialect{name: "postgres", driver: "postgres"}
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite"}
)

// bind numbers placeholders for postgres and leaves ? for sqlite.
func (d dialect) bind(query string) string {
	if d.name != postgresDialect.name {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore serves both checkpoints and identity records from one database.
type SQLStore struct {
	dialect         dialect
	dsn             string
	checkpointTable string
	identityTable   string
	openDB          sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(postgresDialect, dsn)
}

// NewSQLiteStore opens a SQLite database file. "file::memory:" gives a
// private in-memory database.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	return newSQLStore(sqliteDialect, dsn)
}

func newSQLStore(d dialect, dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dialect:         d,
		dsn:             dsn,
		checkpointTable: sqlCheckpointTable,
		identityTable:   sqlIdentityTable,
		openDB:          sql.Open,
	}, nil
}

func (s *SQLStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.name == sqliteDialect.name {
			// One connection keeps in-memory databases alive and serializes writers.
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					collection_id TEXT PRIMARY KEY,
					change_cursor TEXT NOT NULL,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`, quoteIdentifier(s.checkpointTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					item_id TEXT PRIMARY KEY,
					item_kind TEXT NOT NULL,
					local_path TEXT NOT NULL,
					content_checksum TEXT NOT NULL DEFAULT '',
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`, quoteIdentifier(s.identityTable)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (local_path)",
				quoteIdentifier(s.identityTable+"_local_path_idx"), quoteIdentifier(s.identityTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) Load(ctx context.Context, collectionID string) (string, error) {
	if err := s.ensureReady(ctx); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.dialect.bind(fmt.Sprintf("SELECT change_cursor FROM %s WHERE collection_id = ?", quoteIdentifier(s.checkpointTable)))
	var cursor string
	err := s.db.QueryRowContext(ctx, query, collectionID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return reconcile.NeverSynced, nil
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cursor) == "" {
		return reconcile.NeverSynced, nil
	}
	return cursor, nil
}

func (s *SQLStore) Save(ctx context.Context, collectionID, cursor string) error {
	if strings.TrimSpace(collectionID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.dialect.bind(fmt.Sprintf(`
		INSERT INTO %s (collection_id, change_cursor, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (collection_id)
		DO UPDATE SET change_cursor = excluded.change_cursor, updated_at = CURRENT_TIMESTAMP`, quoteIdentifier(s.checkpointTable)))
	_, err := s.db.ExecContext(ctx, query, collectionID, cursor)
	return err
}

func (s *SQLStore) All(ctx context.Context) (map[string]string, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT collection_id, change_cursor FROM %s", quoteIdentifier(s.checkpointTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, cursor string
		if err := rows.Scan(&id, &cursor); err != nil {
			return nil, err
		}
		out[id] = cursor
	}
	return out, rows.Err()
}

func (s *SQLStore) Get(ctx context.Context, id string) (reconcile.IdentityRecord, bool, error) {
	if err := s.ensureReady(ctx); err != nil {
		return reconcile.IdentityRecord{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.dialect.bind(fmt.Sprintf(
		"SELECT item_kind, local_path, content_checksum FROM %s WHERE item_id = ?", quoteIdentifier(s.identityTable)))
	var kind string
	var record reconcile.IdentityRecord
	err := s.db.QueryRowContext(ctx, query, id).Scan(&kind, &record.LocalPath, &record.ContentChecksum)
	if errors.Is(err, sql.ErrNoRows) {
		return reconcile.IdentityRecord{}, false, nil
	}
	if err != nil {
		return reconcile.IdentityRecord{}, false, err
	}
	record.Folder = kind == kindFolder
	return record, true, nil
}

func (s *SQLStore) Put(ctx context.Context, id string, record reconcile.IdentityRecord) error {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(record.LocalPath) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.dialect.bind(fmt.Sprintf(`
		INSERT INTO %s (item_id, item_kind, local_path, content_checksum, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (item_id)
		DO UPDATE SET item_kind = excluded.item_kind, local_path = excluded.local_path,
			content_checksum = excluded.content_checksum, updated_at = CURRENT_TIMESTAMP`, quoteIdentifier(s.identityTable)))
	_, err := s.db.ExecContext(ctx, query, id, recordKind(record), record.LocalPath, record.ContentChecksum)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.dialect.bind(fmt.Sprintf("DELETE FROM %s WHERE item_id = ?", quoteIdentifier(s.identityTable)))
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// ListUnder narrows with LIKE and then filters exactly, since SQLite's LIKE
// ignores ASCII case.
func (s *SQLStore) ListUnder(ctx context.Context, prefix string) ([]reconcile.IdentityEntry, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	prefix = strings.TrimRight(prefix, "/")
	query := s.dialect.bind(fmt.Sprintf(
		`SELECT item_id, item_kind, local_path, content_checksum FROM %s WHERE local_path = ? OR local_path LIKE ? ESCAPE '\'`,
		quoteIdentifier(s.identityTable)))
	rows, err := s.db.QueryContext(ctx, query, prefix, escapeLike(prefix)+"/%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]reconcile.IdentityEntry, 0)
	for rows.Next() {
		var entry reconcile.IdentityEntry
		var kind string
		if err := rows.Scan(&entry.ID, &kind, &entry.LocalPath, &entry.ContentChecksum); err != nil {
			return nil, err
		}
		if !reconcile.IsUnder(entry.LocalPath, prefix) {
			continue
		}
		entry.Folder = kind == kindFolder
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortEntries(entries)
	return entries, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
