package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/ionicresearchlabs/ionic/internal/otel"
)

// Index is a secondary index over a document field.
type Index struct {
	Name   string `json:"name"`
	Field  string `json:"field"`
	Unique bool   `json:"unique,omitempty"`
}

// CreateCollection makes sure collection exists in database dbName with the
// given key path and indexes. It reports created=false, with no error, when
// the collection already exists. Otherwise it closes the connection,
// reopens, creates the collection and its indexes in one upgrade
// transaction at version+1, and leaves the connection open.
func (s *Store) CreateCollection(ctx context.Context, dbName, name, keyPath string, indexes ...Index) (bool, error) {
	if !namePattern.MatchString(dbName) {
		return false, fmt.Errorf("database %q: %w", dbName, ErrInvalidName)
	}
	if !namePattern.MatchString(name) || name == metaTable {
		return false, fmt.Errorf("collection %q: %w", name, ErrInvalidName)
	}
	if !pathPattern.MatchString(keyPath) {
		return false, fmt.Errorf("key path %q: %w", keyPath, ErrInvalidName)
	}
	indexes = slices.Clone(indexes)
	for i, idx := range indexes {
		if idx.Name == "" {
			indexes[i].Name = idx.Field
		}
		if !pathPattern.MatchString(idx.Field) || !namePattern.MatchString(indexes[i].Name) {
			return false, fmt.Errorf("index %q on %q: %w", idx.Name, idx.Field, ErrInvalidName)
		}
	}

	if err := s.hold.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer s.hold.Release(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(ctx, dbName, 0); err != nil {
		return false, err
	}
	if _, ok := s.collections[name]; ok {
		s.log.Debug("collection already exists", "collection", name)
		return false, nil
	}

	next := s.version + 1
	if err := s.upgrade(ctx, next, func(exec execer) error {
		if _, err := exec.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE %s (id TEXT PRIMARY KEY NOT NULL, doc TEXT NOT NULL)`, quote(name))); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
		for _, idx := range indexes {
			unique := ""
			if idx.Unique {
				unique = "UNIQUE "
			}
			stmt := fmt.Sprintf(`CREATE %sINDEX %s ON %s (json_extract(doc, '$.%s'))`,
				unique, quote(name+"__"+idx.Name), quote(name), idx.Field)
			if _, err := exec.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create index %s: %w", idx.Name, err)
			}
		}
		idxJSON, err := json.Marshal(indexes)
		if err != nil {
			return err
		}
		if idxJSON == nil || string(idxJSON) == "null" {
			idxJSON = []byte("[]")
		}
		_, err = exec.ExecContext(ctx,
			`INSERT INTO `+metaTable+` (name, key_path, indexes) VALUES (?, ?, ?)`,
			name, keyPath, string(idxJSON))
		return err
	}); err != nil {
		return false, fmt.Errorf("create collection %s: %w", name, err)
	}

	s.collections[name] = collection{name: name, keyPath: keyPath, indexes: indexes}
	s.log.Info("collection created", "collection", name, "version", next)
	s.events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindStoreUpgrade, Comp: "store", Collection: name, Count: next})
	return true, nil
}

// DeleteCollection drops a collection. The store must be closed first and
// is left closed; the schema version is bumped.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	if err := s.hold.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.hold.Release(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return fmt.Errorf("delete collection %s: %w", name, ErrStillOpen)
	}
	if s.name == "" {
		return fmt.Errorf("delete collection %s: never opened: %w", name, ErrNotReady)
	}
	if err := s.openLocked(ctx, s.name, 0); err != nil {
		return err
	}
	defer s.closeLocked()

	if _, ok := s.collections[name]; !ok {
		return fmt.Errorf("collection %q: %w", name, ErrNoCollection)
	}

	next := s.version + 1
	if err := s.upgrade(ctx, next, func(exec execer) error {
		if _, err := exec.ExecContext(ctx, `DROP TABLE `+quote(name)); err != nil {
			return err
		}
		_, err := exec.ExecContext(ctx, `DELETE FROM `+metaTable+` WHERE name = ?`, name)
		return err
	}); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	delete(s.collections, name)
	s.log.Info("collection deleted", "collection", name, "version", next)
	return nil
}

// upgrade runs fn and sets user_version to next in one transaction.
// Caller holds s.mu for writing with an open connection.
func (s *Store) upgrade(ctx context.Context, next int, fn func(execer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upgrade: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", next)); err != nil {
		return fmt.Errorf("set version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upgrade: %w", err)
	}
	s.version = next
	return nil
}

// DeleteDatabase removes the database file for name and its WAL files.
// A missing database is not an error.
func DeleteDatabase(dir, name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("database %q: %w", name, ErrInvalidName)
	}
	base := Path(dir, name)
	for _, p := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// Drop closes the store and deletes its database.
func (s *Store) Drop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.closeLocked(); err != nil {
		return err
	}
	if s.name == "" {
		return nil
	}
	if err := DeleteDatabase(s.dir, s.name); err != nil {
		return err
	}
	s.collections = make(map[string]collection)
	s.version = 0
	return nil
}
