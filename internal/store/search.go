package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AllFields searches the whole serialized document.
const AllFields = "*"

// SearchOptions tunes Search.
type SearchOptions struct {
	Limit         int  // 0 means unbounded
	CaseSensitive bool // default is case-insensitive
}

// Search scans collection in key order and returns documents whose fields
// contain term. fields of nil or ["*"] matches against the whole JSON
// document; otherwise each named field (dotted paths allowed) is tried in
// order and the first match includes the record. The scan stops once
// Limit matches are found.
func (s *Store) Search(ctx context.Context, coll, term string, fields []string, opts SearchOptions) ([]json.RawMessage, error) {
	db, c, release, err := s.reader(coll)
	if err != nil {
		return nil, err
	}
	defer release()

	whole := len(fields) == 0 || (len(fields) == 1 && fields[0] == AllFields)
	needle := term
	if !opts.CaseSensitive {
		needle = strings.ToLower(term)
	}
	contains := func(hay string) bool {
		if !opts.CaseSensitive {
			hay = strings.ToLower(hay)
		}
		return strings.Contains(hay, needle)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s ORDER BY id`, quote(c.name)))
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c.name, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("search %s: %w", c.name, err)
		}
		if whole {
			if !contains(doc) {
				continue
			}
		} else if !fieldsMatch(doc, fields, contains) {
			continue
		}
		out = append(out, json.RawMessage(doc))
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, rows.Err()
}

func fieldsMatch(doc string, fields []string, contains func(string) bool) bool {
	var m map[string]any
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return false
	}
	for _, f := range fields {
		v, ok := lookup(m, f)
		if !ok {
			continue
		}
		if contains(fieldText(v)) {
			return true
		}
	}
	return false
}

// fieldText renders a decoded JSON value for substring matching.
func fieldText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := marshal(t)
		return string(b)
	}
}

// SearchAs is Search decoding each match into T.
func SearchAs[T any](ctx context.Context, s *Store, coll, term string, fields []string, opts SearchOptions) ([]T, error) {
	docs, err := s.Search(ctx, coll, term, fields, opts)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := json.Unmarshal(d, &v); err != nil {
			return nil, fmt.Errorf("decode search result: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
