// Package otel records structured pipeline events for ionic.
//
// Events are serialized as JSONL by an async Logger and optionally mirrored
// into a RingBuffer that the HTTP debug endpoint and the TUI read from.
package otel

import (
	"encoding/json"
	"time"
)

// Level is event severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventKind is "<subsystem>.<action>".
type EventKind string

const (
	// Poll cycle
	KindPollStart    EventKind = "poll.start"
	KindPollComplete EventKind = "poll.complete"
	KindPollError    EventKind = "poll.error"
	KindParseError   EventKind = "poll.parse_error"

	// Store
	KindStoreOpen      EventKind = "store.open"
	KindStoreUpgrade   EventKind = "store.upgrade"
	KindStoreDuplicate EventKind = "store.duplicate"
	KindStoreError     EventKind = "store.error"

	// Reconciliation
	KindReconcileMerge EventKind = "reconcile.merge"
	KindReconcileSkip  EventKind = "reconcile.skip"
	KindReconcileMiss  EventKind = "reconcile.miss"

	// Bus
	KindBusSend    EventKind = "bus.send"
	KindBusReceive EventKind = "bus.receive"

	// List controller
	KindListRebuild EventKind = "list.rebuild"
	KindListDrain   EventKind = "list.drain"

	// System
	KindStartup  EventKind = "sys.startup"
	KindReady    EventKind = "sys.ready"
	KindShutdown EventKind = "sys.shutdown"
	KindError    EventKind = "sys.error"
)

// Event is one JSONL record. Only Kind is required.
type Event struct {
	Time       time.Time      `json:"t"`
	Level      Level          `json:"level,omitempty"`
	Kind       EventKind      `json:"kind"`
	Comp       string         `json:"comp,omitempty"` // "store", "bus", "feed", "list", "http"
	SessionID  string         `json:"session_id,omitempty"`
	Collection string         `json:"collection,omitempty"`
	ID         string         `json:"id,omitempty"` // record id or message id
	Dur        time.Duration  `json:"-"`
	DurMs      float64        `json:"dur_ms,omitempty"`
	Count      int            `json:"count,omitempty"`
	Err        string         `json:"err,omitempty"`
	Msg        string         `json:"msg,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// MarshalJSON fills DurMs from Dur.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	p := plain(e)
	if e.Dur > 0 {
		p.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(p)
}
