package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/ionicresearchlabs/ionic/internal/bus"
	"github.com/ionicresearchlabs/ionic/internal/incident"
	"github.com/ionicresearchlabs/ionic/internal/otel"
)

// ErrThrottled is returned by a manual refresh inside the throttle window.
var ErrThrottled = errors.New("feed: refresh throttled")

const (
	// DefaultRefreshThrottle spaces manual refreshes.
	DefaultRefreshThrottle = 10 * time.Minute
	// DefaultTickerWindow is how far back ticker lines reach.
	DefaultTickerWindow = time.Hour
	// maxConcurrentChecks limits parallel collection checks at startup.
	maxConcurrentChecks = 4
	// mapLayer is the map layer incident markers are added to.
	mapLayer = "incidents"
)

// TickerLine is one summary shown in the ticker.
type TickerLine struct {
	Source    string
	ID        string
	EventTime time.Time
	HTML      string
	Header    bool // feed status banner, not a record
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRefreshThrottle overrides DefaultRefreshThrottle.
func WithRefreshThrottle(d time.Duration) HubOption {
	return func(h *Hub) { h.throttle = d }
}

// WithTickerWindow overrides DefaultTickerWindow.
func WithTickerWindow(d time.Duration) HubOption {
	return func(h *Hub) { h.window = d }
}

// Hub starts every registered feed and answers requests on the Feeds
// channel on their behalf.
type Hub struct {
	env      *Env
	log      *log.Logger
	throttle time.Duration
	window   time.Duration
	now      func() time.Time

	mu          sync.Mutex
	ready       bool
	cancel      context.CancelFunc
	unsubscribe func()
	lastRefresh time.Time
}

// NewHub returns a hub over env's registry.
func NewHub(env *Env, opts ...HubOption) *Hub {
	h := &Hub{
		env:      env,
		log:      env.Logger("hub"),
		throttle: DefaultRefreshThrottle,
		window:   DefaultTickerWindow,
		now:      time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Start checks every collection, begins polling and announces ready.
// Collection failures are logged; the feed still polls.
func (h *Hub) Start(ctx context.Context) error {
	h.env.Events.Info(otel.KindStartup, "hub", "starting feeds")

	var g errgroup.Group
	g.SetLimit(maxConcurrentChecks)
	for _, src := range h.env.Sources() {
		g.Go(func() error {
			if err := src.CheckCollection(ctx); err != nil {
				h.log.Error("collection unavailable", "feed", src.Descriptor().Collection, "err", err)
				h.env.Events.Error(otel.KindStoreError, "hub", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	var unsub func()
	if h.env.Feeds != nil {
		unsub = h.env.Feeds.OnMessage(func(m bus.Message) { h.handle(runCtx, m) })
	}

	h.mu.Lock()
	h.cancel = cancel
	h.unsubscribe = unsub
	h.ready = true
	h.lastRefresh = h.now()
	h.mu.Unlock()

	for _, src := range h.env.Sources() {
		src.Load(runCtx, LoadOptions{Detached: true})
	}

	h.announce(runCtx)
	h.env.Events.Info(otel.KindReady, "hub", h.env.DBName)
	return nil
}

// Ready reports whether Start has completed.
func (h *Hub) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// Stop halts polling and stops answering requests.
func (h *Hub) Stop() {
	h.mu.Lock()
	cancel, unsub := h.cancel, h.unsubscribe
	h.cancel, h.unsubscribe = nil, nil
	h.ready = false
	h.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, src := range h.env.Sources() {
		src.Stop()
	}
	if cancel != nil {
		cancel()
	}
	h.env.Events.Info(otel.KindShutdown, "hub", "feeds stopped")
}

// FeedInfos describes every registered feed.
func (h *Hub) FeedInfos() []FeedInfo {
	srcs := h.env.Sources()
	out := make([]FeedInfo, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, infoOf(s.Descriptor()))
	}
	return out
}

func (h *Hub) announce(ctx context.Context) {
	if h.env.Feeds == nil {
		return
	}
	n := ReadyNotice{Status: bus.StatusReady, Database: h.env.DBName, FeedSources: h.FeedInfos()}
	if err := h.env.Feeds.Broadcast(ctx, n, true); err != nil {
		h.log.Warn("ready broadcast failed", "err", err)
	}
}

// Refresh restarts every feed's poll chain now. A manual refresh inside
// the throttle window returns ErrThrottled.
func (h *Hub) Refresh(ctx context.Context, manual bool) error {
	h.mu.Lock()
	if manual && h.throttle > 0 && h.now().Sub(h.lastRefresh) < h.throttle {
		h.mu.Unlock()
		return ErrThrottled
	}
	h.lastRefresh = h.now()
	h.mu.Unlock()

	h.log.Info("refreshing feeds", "manual", manual)
	for _, src := range h.env.Sources() {
		src.Load(ctx, LoadOptions{Detached: true})
	}
	return nil
}

// Ticker returns one status banner per ticker feed that has polled, then
// the summaries of ticker feeds newer than the ticker window, newest first.
func (h *Hub) Ticker() []TickerLine {
	cutoff := h.now().Add(-h.window)
	var headers, lines []TickerLine
	for _, src := range h.env.Sources() {
		d := src.Descriptor()
		if !d.DisplayInTicker {
			continue
		}
		if st := StatusOf(src); !st.LastRun.IsZero() {
			headers = append(headers, TickerLine{Source: d.Collection, EventTime: st.LastRun, HTML: st.Header(), Header: true})
		}
		for _, rec := range src.LatestData() {
			if rec.EventTime.Before(cutoff) {
				continue
			}
			lines = append(lines, TickerLine{Source: d.Collection, ID: rec.ID, EventTime: rec.EventTime, HTML: rec.Summary})
		}
	}
	sort.SliceStable(lines, func(i, j int) bool { return incident.Newer(lines[i].EventTime, lines[j].EventTime) })
	return append(headers, lines...)
}

func (h *Hub) handle(ctx context.Context, m bus.Message) {
	switch {
	case m.IsRequest(bus.RequestIsReady):
		if h.Ready() {
			h.announce(ctx)
		}
	case m.IsRequest(bus.RequestResolveDetailsHTML):
		var req DetailsRequest
		if err := m.Decode(&req); err != nil {
			h.log.Warn("bad details request", "err", err)
			return
		}
		h.resolveDetails(ctx, req)
	case m.IsRequest(bus.RequestShowItemOnMap):
		var req ShowOnMapRequest
		if err := m.Decode(&req); err != nil {
			h.log.Warn("bad map request", "err", err)
			return
		}
		if err := h.ShowItemOnMap(ctx, req.Source, req.ID); err != nil {
			h.log.Warn("show on map failed", "source", req.Source, "id", req.ID, "err", err)
		}
	case m.IsRequest(bus.RequestRefresh):
		if err := h.Refresh(ctx, true); err != nil {
			h.log.Info("refresh request ignored", "err", err)
		}
	}
}

func (h *Hub) resolveDetails(ctx context.Context, req DetailsRequest) {
	src, ok := h.env.Lookup(req.Source)
	if !ok || req.DataItem == nil {
		h.log.Warn("details requested for unknown feed", "source", req.Source)
		return
	}
	html, err := src.ResolveDetailsHTML(ctx, req.DataItem, req.DetailLevel)
	if err != nil {
		h.log.Warn("resolve details failed", "source", req.Source, "id", req.DataItem.ID, "err", err)
		return
	}
	resp := DetailsResponse{
		Status:      bus.StatusResolveDetailsHTML,
		RequestID:   req.RequestID,
		Source:      req.Source,
		DataItem:    req.DataItem,
		DetailLevel: req.DetailLevel,
		DetailHTML:  html,
	}
	if err := h.env.Feeds.Broadcast(ctx, resp, false); err != nil {
		h.log.Warn("details broadcast failed", "err", err)
	}
}

// ShowItemOnMap adds a marker for the record and flies to it. A record
// without coordinates announces its external link instead, if it has one.
func (h *Hub) ShowItemOnMap(ctx context.Context, source, id string) error {
	src, ok := h.env.Lookup(source)
	if !ok {
		return fmt.Errorf("unknown feed %q", source)
	}
	rec, found, err := src.GetItemByID(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: no record %q", source, id)
	}
	loc, err := src.ResolveLatLon(ctx, rec, true)
	if err != nil {
		h.log.Debug("location unresolved", "id", id, "err", err)
	}
	if err != nil || !loc.Resolved() {
		link, lerr := src.ResolveExternalURL(ctx, rec)
		if lerr != nil || strings.TrimSpace(link) == "" {
			return fmt.Errorf("%s: no location or link for %q", source, id)
		}
		if h.env.Feeds == nil {
			return nil
		}
		return h.env.Feeds.Broadcast(ctx, ExternalURLNotice{Status: bus.StatusExternalURL, Source: source, ID: id, URL: link}, true)
	}
	if h.env.Map == nil {
		return nil
	}

	content, err := src.ResolveDetailsHTML(ctx, rec, LevelDetails)
	if err != nil {
		content = rec.Summary
	}
	marker := MarkerRequest{
		Request:   bus.RequestAddMarker,
		Layer:     mapLayer,
		Icon:      src.Descriptor().MapMarker,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Content:   content,
	}
	if err := h.env.Map.Broadcast(ctx, marker, false); err != nil {
		return err
	}
	return h.env.Map.Broadcast(ctx, NewFly(loc), false)
}

// NewFly returns the standard fly-to request for an incident.
func NewFly(loc incident.Location) FlyRequest {
	return FlyRequest{
		Request:    bus.RequestFly,
		Type:       "point",
		Category:   "incident",
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		Zoom:       15,
		ZoomHeight: 12,
		Duration:   2000,
	}
}
