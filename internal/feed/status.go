package feed

import (
	"fmt"
	"time"
)

// FeedStatus is one feed's place in its poll cycle.
type FeedStatus struct {
	FeedInfo
	State     string    `json:"state"`
	Items     int       `json:"items"`
	LastRun   time.Time `json:"lastRun,omitzero"`
	NextRun   time.Time `json:"nextRun,omitzero"`
	LastError string    `json:"lastError,omitempty"`
}

type cycleStatus interface {
	LastRun() time.Time
	LastError() error
}

// upstreamClock is implemented by feeds whose payload carries its own
// update time.
type upstreamClock interface {
	UpdatedAt() time.Time
}

func infoOf(d Descriptor) FeedInfo {
	return FeedInfo{Collection: d.Collection, Kind: d.Kind, Ticker: d.DisplayInTicker, MapMarker: d.MapMarker, Transient: d.Transient}
}

// StatusOf reports src. LastRun prefers the upstream update time when the
// feed has one.
func StatusOf(src Source) FeedStatus {
	d := src.Descriptor()
	st := FeedStatus{FeedInfo: infoOf(d), State: src.State().String(), Items: len(src.LatestData())}
	if cs, ok := src.(cycleStatus); ok {
		st.LastRun = cs.LastRun()
		if err := cs.LastError(); err != nil {
			st.LastError = err.Error()
		}
	}
	if uc, ok := src.(upstreamClock); ok {
		if t := uc.UpdatedAt(); !t.IsZero() {
			st.LastRun = t
		}
	}
	if !st.LastRun.IsZero() && d.PollInterval > 0 {
		st.NextRun = st.LastRun.Add(d.PollInterval)
	}
	return st
}

// Statuses reports every registered feed.
func Statuses(env *Env) []FeedStatus {
	srcs := env.Sources()
	out := make([]FeedStatus, 0, len(srcs))
	for _, src := range srcs {
		out = append(out, StatusOf(src))
	}
	return out
}

// Header is the one-line ticker banner for the feed, e.g.
// "TorontoFireFeed updated 10:25:31 AM / next 10:30:31 AM, 2 items".
func (s FeedStatus) Header() string {
	if s.LastRun.IsZero() {
		return fmt.Sprintf("%s loading", s.Collection)
	}
	h := s.Collection + " updated " + s.LastRun.In(Local).Format(clock)
	if !s.NextRun.IsZero() {
		h += " / next " + s.NextRun.In(Local).Format(clock)
	}
	if s.Items == 1 {
		return h + ", 1 item"
	}
	return fmt.Sprintf("%s, %d items", h, s.Items)
}

const clock = "3:04:05 PM"
