package feed

import (
	"github.com/ionicresearchlabs/ionic/internal/bus"
	"github.com/ionicresearchlabs/ionic/internal/incident"
)

// ItemNotice announces a new or updated record on the Feeds channel.
type ItemNotice struct {
	Status   bus.Kind         `json:"status"`
	Source   string           `json:"source"`
	DataItem *incident.Record `json:"dataItem"`
}

// FeedInfo describes a feed in a ready notice.
type FeedInfo struct {
	Collection string `json:"collection"`
	Kind       string `json:"kind"`
	Ticker     bool   `json:"ticker"`
	MapMarker  string `json:"mapMarker,omitempty"`
	Transient  bool   `json:"transient,omitempty"`
}

// ReadyNotice tells consumers the database and feeds are available.
type ReadyNotice struct {
	Status      bus.Kind   `json:"status"`
	Database    string     `json:"database"`
	FeedSources []FeedInfo `json:"feedSources"`
}

// DetailsRequest asks the hub to render a record.
type DetailsRequest struct {
	Request     bus.Kind         `json:"request"`
	RequestID   string           `json:"requestId,omitempty"`
	Source      string           `json:"source"`
	DataItem    *incident.Record `json:"dataItem"`
	DetailLevel DetailLevel      `json:"detailLevel"`
}

// DetailsResponse answers a DetailsRequest.
type DetailsResponse struct {
	Status      bus.Kind         `json:"status"`
	RequestID   string           `json:"requestId,omitempty"`
	Source      string           `json:"source"`
	DataItem    *incident.Record `json:"dataItem"`
	DetailLevel DetailLevel      `json:"detailLevel"`
	DetailHTML  string           `json:"detailHTML"`
}

// ShowOnMapRequest asks the hub to focus the map on a record.
type ShowOnMapRequest struct {
	Request bus.Kind `json:"request"`
	Source  string   `json:"source"`
	ID      string   `json:"id"`
}

// ExternalURLNotice is sent instead of map requests when a record has no
// coordinates but does have a link.
type ExternalURLNotice struct {
	Status bus.Kind `json:"status"`
	Source string   `json:"source"`
	ID     string   `json:"id"`
	URL    string   `json:"url"`
}

// MarkerRequest is a Map channel addMarker request.
type MarkerRequest struct {
	Request   bus.Kind `json:"request"`
	Layer     string   `json:"layer"`
	Icon      string   `json:"icon,omitempty"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Content   string   `json:"content"`
}

// FlyRequest is a Map channel fly request.
type FlyRequest struct {
	Request    bus.Kind `json:"request"`
	Type       string   `json:"type"`
	Category   string   `json:"category"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	Zoom       int      `json:"zoom"`
	ZoomHeight int      `json:"zoomHeight"`
	Duration   int      `json:"duration"` // milliseconds
}
