package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert adds records to collection in one transaction. If any key already
// exists (or repeats within the batch) nothing is written and the error
// wraps ErrDuplicateKey.
func (s *Store) Insert(ctx context.Context, coll string, records ...any) error {
	db, c, release, err := s.reader(coll)
	if err != nil {
		return err
	}
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES (?, ?)`, quote(c.name))
	for _, rec := range records {
		doc, key, err := encode(rec, c.keyPath)
		if err != nil {
			return fmt.Errorf("insert into %s: %w", c.name, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, key, doc); err != nil {
			if isConstraint(err) {
				return fmt.Errorf("insert %s/%s: %w", c.name, key, ErrDuplicateKey)
			}
			return fmt.Errorf("insert %s/%s: %w", c.name, key, err)
		}
	}
	return tx.Commit()
}

// GetByID decodes the record with id into dst. Absence is reported as
// found=false with a nil error.
func (s *Store) GetByID(ctx context.Context, coll, id string, dst any) (bool, error) {
	db, c, release, err := s.reader(coll)
	if err != nil {
		return false, err
	}
	defer release()

	var doc string
	err = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = ?`, quote(c.name)), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", c.name, id, err)
	}
	if err := json.Unmarshal([]byte(doc), dst); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", c.name, id, err)
	}
	return true, nil
}

// Get is GetByID returning a typed value.
func Get[T any](ctx context.Context, s *Store, coll, id string) (T, bool, error) {
	var v T
	ok, err := s.GetByID(ctx, coll, id, &v)
	return v, ok, err
}

// UpdateByID replaces the stored record with record. Fields are not
// merged: record becomes the whole document. The key inside record must
// equal id.
func (s *Store) UpdateByID(ctx context.Context, coll, id string, record any) error {
	db, c, release, err := s.reader(coll)
	if err != nil {
		return err
	}
	defer release()

	doc, key, err := encode(record, c.keyPath)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", c.name, id, err)
	}
	if key != id {
		return fmt.Errorf("update %s/%s with key %s: %w", c.name, id, key, ErrKeyMismatch)
	}
	res, err := db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET doc = ? WHERE id = ?`, quote(c.name)), doc, id)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", c.name, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update %s/%s: %w", c.name, id, ErrNotFound)
	}
	return nil
}

// DeleteByID removes the record with id. A missing id is not an error.
func (s *Store) DeleteByID(ctx context.Context, coll, id string) error {
	db, c, release, err := s.reader(coll)
	if err != nil {
		return err
	}
	defer release()

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, quote(c.name)), id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", c.name, id, err)
	}
	return nil
}

// Count returns the number of records in collection.
func (s *Store) Count(ctx context.Context, coll string) (int, error) {
	db, c, release, err := s.reader(coll)
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quote(c.name)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return n, nil
}

// encode marshals rec and extracts its key at keyPath.
func encode(rec any, keyPath string) (string, string, error) {
	var data []byte
	switch v := rec.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		var err error
		if data, err = marshal(rec); err != nil {
			return "", "", fmt.Errorf("encode record: %w", err)
		}
	}
	key, err := keyAt(data, keyPath)
	if err != nil {
		return "", "", err
	}
	return string(data), key, nil
}

// marshal is json.Marshal without HTML escaping. Stored documents keep
// <, > and & as written.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// keyAt reads the dotted path from a JSON object and renders it as a
// string key. Numbers keep their JSON spelling.
func keyAt(data []byte, path string) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("decode record: %w", err)
	}
	v, ok := lookup(doc, path)
	if !ok {
		return "", fmt.Errorf("key path %s: %w", path, ErrMissingKey)
	}
	switch k := v.(type) {
	case string:
		if k == "" {
			return "", fmt.Errorf("key path %s: %w", path, ErrMissingKey)
		}
		return k, nil
	case json.Number:
		return k.String(), nil
	default:
		return "", fmt.Errorf("key path %s has type %T: %w", path, v, ErrMissingKey)
	}
}

// lookup walks a dotted path through decoded JSON objects.
func lookup(doc any, path string) (any, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
