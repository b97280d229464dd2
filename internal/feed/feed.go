// Package feed defines the polymorphic feed source contract and the
// machinery shared by every concrete feed: the poll cycle, the recurring
// poller, cross-feed reconciliation and the hub that answers bus requests.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ionicresearchlabs/ionic/internal/incident"
)

// ErrParseFailure marks a malformed upstream payload. It aborts only the
// current poll cycle.
var ErrParseFailure = errors.New("feed: parse failure")

// ParseError wraps ErrParseFailure with the offending feed.
func ParseError(feed string, err error) error {
	return fmt.Errorf("%s: %w: %v", feed, ErrParseFailure, err)
}

// Descriptor is a feed's static configuration. Immutable after startup.
type Descriptor struct {
	Collection      string
	Kind            string
	URL             string
	DisplayInTicker bool
	PollInterval    time.Duration
	MapMarker       string
	UseProxy        bool
	// Transient feeds keep no collection of their own.
	Transient bool
}

// State is a feed's position in its poll cycle.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateParsing
	StatePersisting
	StateReconciling
	StateScheduled
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateParsing:
		return "parsing"
	case StatePersisting:
		return "persisting"
	case StateReconciling:
		return "reconciling"
	case StateScheduled:
		return "scheduled"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// DetailLevel selects a rendering of a record.
type DetailLevel string

const (
	LevelSummary DetailLevel = "summary"
	LevelDetails DetailLevel = "details"
)

// LoadOptions tunes one Load call.
type LoadOptions struct {
	// CustomURL replaces the feed's endpoint for this chain of cycles.
	CustomURL string
	// NoBypassCache leaves out the random timeStamp query parameter.
	NoBypassCache bool
	// Detached reports completion only through the OnCycle hook; the
	// channel returned by Load is closed immediately.
	Detached bool
}

// Source is implemented by every feed.
type Source interface {
	Descriptor() Descriptor
	// CheckCollection makes sure the feed's collection exists. Safe to
	// call concurrently for every feed.
	CheckCollection(ctx context.Context) error
	// Load runs one fetch/parse/persist/notify cycle and keeps polling
	// until Stop or until ctx is done. The channel yields the first
	// cycle's result.
	Load(ctx context.Context, opts LoadOptions) <-chan error
	ResolveLatLon(ctx context.Context, rec *incident.Record, update bool) (incident.Location, error)
	ResolveExternalURL(ctx context.Context, rec *incident.Record) (string, error)
	ResolveDetailsHTML(ctx context.Context, rec *incident.Record, level DetailLevel) (string, error)
	// GetItemByID looks in the store first and falls back to LatestData
	// when the store errors.
	GetItemByID(ctx context.Context, id string) (*incident.Record, bool, error)
	LatestData() []*incident.Record
	State() State
	Stop()
}
