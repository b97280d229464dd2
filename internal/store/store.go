// Package store is the embedded versioned record store.
//
// One SQLite database file holds every collection. A collection is a table
// of JSON documents keyed by a string primary key extracted from each
// document's key path. The schema version is SQLite's user_version and is
// bumped by every structural change (collection creation or deletion).
//
// # Concurrency
//
// Structural operations (Open, CreateCollection, DeleteCollection) are
// serialized through a FIFO hold queue, so one caller's close/reopen/upgrade
// sequence never interleaves with another's. CRUD operations take a read
// lock on the connection and wait while an upgrade swaps it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/ionicresearchlabs/ionic/internal/logging"
	"github.com/ionicresearchlabs/ionic/internal/otel"

	_ "modernc.org/sqlite"
)

var (
	ErrStorageUnavailable = errors.New("store: persistent storage unavailable")
	ErrVersionMismatch    = errors.New("store: requested version below on-disk version")
	ErrNotReady           = errors.New("store: not open")
	ErrDuplicateKey       = errors.New("store: duplicate key")
	ErrNotFound           = errors.New("store: record not found")
	ErrNoCollection       = errors.New("store: no such collection")
	ErrStillOpen          = errors.New("store: must be closed first")
	ErrInvalidName        = errors.New("store: invalid name")
	ErrMissingKey         = errors.New("store: record has no key")
	ErrKeyMismatch        = errors.New("store: record key does not match id")
)

// metaTable records each collection's key path and indexes.
const metaTable = "_collections"

var (
	namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]{0,63}$`)
	pathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

type collection struct {
	name    string
	keyPath string
	indexes []Index
}

// Store is a handle on one versioned database. Safe for concurrent use.
type Store struct {
	dir    string
	log    *log.Logger
	events *otel.Logger

	hold *semaphore.Weighted // FIFO for waiters

	mu          sync.RWMutex
	db          *sql.DB
	name        string
	defaultColl string
	version     int
	collections map[string]collection
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the component logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithEvents sets the pipeline event log.
func WithEvents(e *otel.Logger) Option {
	return func(s *Store) { s.events = e }
}

// New returns a closed store rooted at dir.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		dir:         dir,
		log:         logging.WithPrefix("store"),
		hold:        semaphore.NewWeighted(1),
		collections: make(map[string]collection),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path is the database file for name under dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".db")
}

// Open opens database name. A non-zero version below the on-disk version
// fails with ErrVersionMismatch; above it, the database is upgraded with no
// new collections. defaultCollection is used by CRUD calls that pass "".
func (s *Store) Open(ctx context.Context, name, defaultCollection string, version int) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("database %q: %w", name, ErrInvalidName)
	}
	if err := s.hold.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.hold.Release(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(ctx, name, version); err != nil {
		return err
	}
	s.defaultColl = defaultCollection
	if len(s.collections) == 0 {
		s.log.Warn("database opened with no collections", "db", name, "version", s.version)
	}
	return nil
}

// openLocked (re)opens the connection. Caller holds s.mu for writing.
func (s *Store) openLocked(ctx context.Context, name string, version int) error {
	s.closeLocked()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create %s: %v: %w", s.dir, err, ErrStorageUnavailable)
	}

	db, err := sql.Open("sqlite", Path(s.dir, name))
	if err != nil {
		return fmt.Errorf("open %s: %v: %w", name, err, ErrStorageUnavailable)
	}
	// One connection keeps user_version reads and pragmas consistent.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping %s: %v: %w", name, err, ErrStorageUnavailable)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return fmt.Errorf("%s: %v: %w", pragma, err, ErrStorageUnavailable)
		}
	}

	current, err := userVersion(ctx, db)
	if err != nil {
		db.Close()
		return err
	}
	if version > 0 && version < current {
		db.Close()
		return fmt.Errorf("open %s at %d (on disk %d): %w", name, version, current, ErrVersionMismatch)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+metaTable+` (
		name TEXT PRIMARY KEY,
		key_path TEXT NOT NULL,
		indexes TEXT NOT NULL DEFAULT '[]'
	)`); err != nil {
		db.Close()
		return fmt.Errorf("create meta table: %w", err)
	}

	if version > current {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			db.Close()
			return fmt.Errorf("upgrade %s to %d: %w", name, version, err)
		}
		s.log.Info("database upgraded", "db", name, "from", current, "to", version)
		current = version
	}

	colls, err := loadCollections(ctx, db)
	if err != nil {
		db.Close()
		return err
	}

	s.db = db
	s.name = name
	s.version = current
	s.collections = colls
	s.events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindStoreOpen, Comp: "store", Count: len(colls), Msg: name})
	return nil
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

func loadCollections(ctx context.Context, db *sql.DB) (map[string]collection, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, key_path, indexes FROM `+metaTable)
	if err != nil {
		return nil, fmt.Errorf("load collections: %w", err)
	}
	defer rows.Close()

	out := make(map[string]collection)
	for rows.Next() {
		var c collection
		var idx string
		if err := rows.Scan(&c.name, &c.keyPath, &idx); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		if err := json.Unmarshal([]byte(idx), &c.indexes); err != nil {
			return nil, fmt.Errorf("collection %s indexes: %w", c.name, err)
		}
		out[c.name] = c
	}
	return out, rows.Err()
}

// Close releases the connection. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Store) closeLocked() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ready reports whether the connection is open.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

// Version is the schema version seen at the last open or upgrade.
func (s *Store) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Name is the database name of the last Open.
func (s *Store) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Dir is the directory holding database files.
func (s *Store) Dir() string { return s.dir }

// Collections returns the collection names, sorted.
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for n := range s.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasCollection reports whether name exists.
func (s *Store) HasCollection(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok
}

// reader takes the read lock and resolves the target collection.
// The returned release func must be called when done with db.
func (s *Store) reader(name string) (*sql.DB, collection, func(), error) {
	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return nil, collection{}, nil, ErrNotReady
	}
	if name == "" {
		name = s.defaultColl
	}
	if name == "" {
		s.mu.RUnlock()
		return nil, collection{}, nil, fmt.Errorf("no collection given and no default: %w", ErrNoCollection)
	}
	c, ok := s.collections[name]
	if !ok {
		s.mu.RUnlock()
		return nil, collection{}, nil, fmt.Errorf("collection %q: %w", name, ErrNoCollection)
	}
	return s.db, c, s.mu.RUnlock, nil
}

func quote(ident string) string {
	return `"` + ident + `"`
}
