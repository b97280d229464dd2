// Package ui is the Bubble Tea terminal view of the incident list and the
// ticker.
package ui

import (
	"github.com/ionicresearchlabs/ionic/internal/feed"
	"github.com/ionicresearchlabs/ionic/internal/incidentlist"
)

// PageLoaded carries the entries of the current page.
type PageLoaded struct {
	Page    int
	Entries []incidentlist.Entry
	Visible int
	Filter  incidentlist.Filter
	Order   incidentlist.Order
}

// ListChanged is sent when the list controller mirrored a change. Bursts
// are coalesced into one message.
type ListChanged struct {
	Stage       string
	Done, Total int
}

// TickerLoaded carries the current ticker lines.
type TickerLoaded struct {
	Lines []feed.TickerLine
}

// TickerTick asks the app to reload the ticker.
type TickerTick struct{}

// RefreshDone is sent when a manual refresh request returns.
type RefreshDone struct {
	Err error
}

// ListError reports a failed filter or sort change.
type ListError struct {
	Err error
}

// CycleDone reports one finished poll cycle.
type CycleDone struct {
	Collection string
	Inserted   int
	Err        error
}
