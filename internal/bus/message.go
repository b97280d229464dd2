// Package bus delivers JSON payloads to every subscriber of a named channel.
//
// A Bus is bound to one channel and one Transport. Transports decide how
// messages cross context boundaries: Hub delivers inside one process, and
// StorageTransport relays through a shared directory so separate processes
// on the same host see each other's broadcasts. Both deliver at least once,
// with no ordering guarantee across senders, and never echo a message back
// to the Bus that sent it.
package bus

import (
	"encoding/json"
	"time"
)

// MessageType tags every envelope written by this package.
const MessageType = "Messaging"

// Channel names used by ionic.
const (
	ChannelFeeds = "Feeds"
	ChannelMap   = "Map"
)

// Kind is a status or request name carried in a payload.
type Kind string

// Feeds channel statuses.
const (
	StatusReady              Kind = "ready"
	StatusNewItem            Kind = "newItem"
	StatusUpdateItem         Kind = "updateItem"
	StatusResolveDetailsHTML Kind = "resolveDetailsHTML"
	StatusExternalURL        Kind = "externalURL"
)

// Feeds channel requests.
const (
	RequestIsReady            Kind = "isReady"
	RequestResolveDetailsHTML Kind = "resolveDetailsHTML"
	RequestShowItemOnMap      Kind = "showItemOnMap"
	RequestRefresh            Kind = "refresh"
)

// Map channel requests.
const (
	RequestAddMarker            Kind = "addMarker"
	RequestAddMarkers           Kind = "addMarkers"
	RequestFly                  Kind = "fly"
	RequestZoom                 Kind = "zoom"
	RequestAddScript            Kind = "addScript"
	RequestOpenStreetViewWindow Kind = "openStreetViewWindow"
)

// Envelope is the wire form of one broadcast.
type Envelope struct {
	ID      string          `json:"id"`
	Time    time.Time       `json:"datetime"`
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Origin  string          `json:"origin"`
	Data    json.RawMessage `json:"data"`
}

// Message is a received broadcast.
type Message struct {
	ID      string
	Channel string
	Time    time.Time
	Data    json.RawMessage

	status  Kind
	request Kind
}

func newMessage(env Envelope) Message {
	m := Message{ID: env.ID, Channel: env.Channel, Time: env.Time, Data: env.Data}
	var head struct {
		Status  Kind `json:"status"`
		Request Kind `json:"request"`
	}
	if json.Unmarshal(env.Data, &head) == nil {
		m.status = head.Status
		m.request = head.Request
	}
	return m
}

// Status is the payload's "status" field, if any.
func (m Message) Status() Kind { return m.status }

// Request is the payload's "request" field, if any.
func (m Message) Request() Kind { return m.request }

// Kind is the status, or the request when the payload carries no status.
func (m Message) Kind() Kind {
	if m.status != "" {
		return m.status
	}
	return m.request
}

// IsStatus reports whether the payload is a status of kind k.
func (m Message) IsStatus(k Kind) bool { return m.status == k }

// IsRequest reports whether the payload is a request of kind k.
func (m Message) IsRequest(k Kind) bool { return m.request == k }

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}
