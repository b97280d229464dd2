// Package incident defines the canonical incident record shared by every
// feed, the store and the list controller.
package incident

import (
	"encoding/json"
	"slices"
	"sort"
	"time"
)

// Unresolved is the sentinel coordinate for a location that has not been
// resolved yet.
const Unresolved = -1.0

// Location is a point in decimal degrees plus the raw address fragments
// used to geocode it later.
type Location struct {
	Latitude  float64           `json:"latitude"`
	Longitude float64           `json:"longitude"`
	Details   map[string]string `json:"details,omitempty"`
}

// UnresolvedLocation returns a Location at the sentinel (-1,-1).
func UnresolvedLocation() Location {
	return Location{Latitude: Unresolved, Longitude: Unresolved}
}

// Resolved reports whether the location carries real coordinates.
func (l Location) Resolved() bool {
	return !(l.Latitude == Unresolved && l.Longitude == Unresolved)
}

// DetailSource records one secondary contribution merged into a record.
type DetailSource struct {
	Feed     string    `json:"feed"`
	ID       string    `json:"id"`
	MergedAt time.Time `json:"mergedAt"`
}

// Record is the canonical incident. ID is unique within SourceCollection.
type Record struct {
	ID               string          `json:"id"`
	CaseKey          string          `json:"caseKey,omitempty"`
	SourceCollection string          `json:"sourceCollection"`
	Type             string          `json:"type"`
	EventTime        time.Time       `json:"eventTime"`
	ReceivedTime     time.Time       `json:"receivedTime"`
	Location         Location        `json:"location"`
	Summary          string          `json:"summaryHTML"`
	Details          string          `json:"detailsHTML,omitempty"`
	DetailSources    []DetailSource  `json:"detailSources,omitempty"`
	Items            map[string]any  `json:"items,omitempty"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

// New returns a record with an unresolved location and ReceivedTime set.
func New(collection, id string, eventTime time.Time) *Record {
	return &Record{
		ID:               id,
		SourceCollection: collection,
		EventTime:        eventTime,
		ReceivedTime:     time.Now().UTC(),
		Location:         UnresolvedLocation(),
	}
}

// SetLocation updates the coordinates. An unresolved location never
// replaces a resolved one; it returns false in that case.
func (r *Record) SetLocation(lat, lon float64) bool {
	next := Location{Latitude: lat, Longitude: lon, Details: r.Location.Details}
	if !next.Resolved() && r.Location.Resolved() {
		return false
	}
	r.Location = next
	return true
}

// HasDetailSource reports whether item id of feed was already merged.
// Ids are only unique within their feed.
func (r *Record) HasDetailSource(feed, id string) bool {
	return slices.ContainsFunc(r.DetailSources, func(d DetailSource) bool { return d.Feed == feed && d.ID == id })
}

// HasDetails reports whether any extended detail was merged.
func (r *Record) HasDetails() bool {
	return r.Details != "" || len(r.DetailSources) > 0
}

// Clone returns a deep enough copy for independent mutation of the
// detail fields and location.
func (r *Record) Clone() *Record {
	c := *r
	c.DetailSources = slices.Clone(r.DetailSources)
	if r.Location.Details != nil {
		c.Location.Details = make(map[string]string, len(r.Location.Details))
		for k, v := range r.Location.Details {
			c.Location.Details[k] = v
		}
	}
	return &c
}

// SortNewestFirst orders records by EventTime descending. Records with a
// zero EventTime sort last.
func SortNewestFirst(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return Newer(recs[i].EventTime, recs[j].EventTime)
	})
}

// Newer reports whether a sorts before b in newest-first order, treating
// the zero time as oldest.
func Newer(a, b time.Time) bool {
	switch {
	case a.IsZero():
		return false
	case b.IsZero():
		return true
	}
	return a.After(b)
}
