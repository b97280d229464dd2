package incidentlist

import (
	"fmt"
	"strings"
	"time"

	"github.com/ionicresearchlabs/ionic/internal/incident"
)

// FilterKind selects the visibility predicate.
type FilterKind int

const (
	FilterNone FilterKind = iota
	FilterHasDetails
	FilterByType
)

func (k FilterKind) String() string {
	switch k {
	case FilterHasDetails:
		return "hasDetails"
	case FilterByType:
		return "byType"
	}
	return "none"
}

// ParseFilterKind is the inverse of FilterKind.String. Unknown names map
// to FilterNone.
func ParseFilterKind(s string) FilterKind {
	switch strings.ToLower(s) {
	case "hasdetails", "details":
		return FilterHasDetails
	case "bytype", "type":
		return FilterByType
	}
	return FilterNone
}

// Filter is a pure predicate over one record.
type Filter struct {
	Kind FilterKind
	Type string // for FilterByType
}

// Match reports whether r is visible under f.
func (f Filter) Match(r *incident.Record) bool {
	if r == nil {
		return false
	}
	switch f.Kind {
	case FilterHasDetails:
		return r.HasDetails()
	case FilterByType:
		return r.Type == f.Type
	}
	return true
}

func (f Filter) String() string {
	if f.Kind == FilterByType {
		return fmt.Sprintf("type=%s", f.Type)
	}
	return f.Kind.String()
}

// Order is the list's sort direction on event time.
type Order int

const (
	SortDesc Order = iota
	SortAsc
)

func (o Order) String() string {
	if o == SortAsc {
		return "oldest first"
	}
	return "newest first"
}

// before reports whether a belongs ahead of b. Zero times go last in
// either direction.
func (o Order) before(a, b time.Time) bool {
	if o == SortAsc {
		switch {
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		}
		return a.Before(b)
	}
	return incident.Newer(a, b)
}
