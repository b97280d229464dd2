package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ionicresearchlabs/ionic/internal/bus"
	"github.com/ionicresearchlabs/ionic/internal/incident"
)

func startHub(t *testing.T, env *Env, opts ...HubOption) *Hub {
	t.Helper()
	h := NewHub(env, opts...)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

// cycled returns a hook and a func that waits for n cycles.
func cycled(t *testing.T) (BaseOption, func(n int)) {
	ch := make(chan CycleReport, 16)
	wait := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			select {
			case <-ch:
			case <-time.After(3 * time.Second):
				t.Fatal("timed out waiting for poll cycle")
			}
		}
	}
	return WithCycleHook(func(r CycleReport) { ch <- r }), wait
}

func TestHubAnnouncesReady(t *testing.T) {
	env, tr := newTestEnv(t)
	w := watch(t, tr, bus.ChannelFeeds)
	newFakeFeed(env, Descriptor{Collection: policeColl, Kind: "police", DisplayInTicker: true}, func() []*incident.Record { return nil })

	h := startHub(t, env)
	if !h.Ready() {
		t.Fatal("hub not ready after Start")
	}
	var n ReadyNotice
	if err := w.next(t, bus.StatusReady).Decode(&n); err != nil {
		t.Fatal(err)
	}
	if n.Database != "ionic" || len(n.FeedSources) != 1 || n.FeedSources[0].Collection != policeColl {
		t.Errorf("ready notice = %+v", n)
	}
	if !env.Store.HasCollection(policeColl) {
		t.Error("collection not created at startup")
	}

	if err := w.b.Broadcast(context.Background(), map[string]any{"request": bus.RequestIsReady}, false); err != nil {
		t.Fatal(err)
	}
	w.next(t, bus.StatusReady)
}

func TestRemoteRendererRoundTrip(t *testing.T) {
	env, tr := newTestEnv(t)
	newFakeFeed(env, Descriptor{Collection: policeColl}, func() []*incident.Record { return nil })
	startHub(t, env)

	client := watch(t, tr, bus.ChannelFeeds)
	rr := NewRemoteRenderer(client.b)
	defer rr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r := rec("2024-1", time.Now())
	r.Details = "<p>more</p>"

	got, err := rr.Resolve(ctx, policeColl, r, LevelSummary)
	if err != nil || got != r.Summary {
		t.Fatalf("summary = %q, %v", got, err)
	}
	got, err = rr.Resolve(ctx, policeColl, r, LevelDetails)
	if err != nil || !strings.Contains(got, "<p>more</p>") {
		t.Fatalf("details = %q, %v", got, err)
	}
	if rr.Pending() != 0 {
		t.Errorf("Pending = %d", rr.Pending())
	}
}

func TestRemoteRendererTimesOut(t *testing.T) {
	_, tr := newTestEnv(t)
	client := watch(t, tr, bus.ChannelFeeds)
	rr := NewRemoteRenderer(client.b)
	defer rr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := rr.Resolve(ctx, policeColl, rec("a", time.Now()), LevelSummary); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
	if rr.Pending() != 0 {
		t.Error("timed out request left pending")
	}
}

func TestShowItemOnMap(t *testing.T) {
	env, tr := newTestEnv(t)
	hook, wait := cycled(t)
	f := newFakeFeed(env, Descriptor{Collection: policeColl, MapMarker: "police.png"}, func() []*incident.Record {
		located := rec("located", time.Now())
		located.SetLocation(43.65, -79.38)
		return []*incident.Record{located, rec("nowhere", time.Now())}
	}, hook)
	f.link = "https://example.invalid/item"
	mapW := watch(t, tr, bus.ChannelMap)
	feedW := watch(t, tr, bus.ChannelFeeds)
	startHub(t, env)
	wait(1)

	req := ShowOnMapRequest{Request: bus.RequestShowItemOnMap, Source: policeColl, ID: "located"}
	if err := feedW.b.Broadcast(context.Background(), req, false); err != nil {
		t.Fatal(err)
	}
	var m MarkerRequest
	if err := mapW.next(t, bus.RequestAddMarker).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m.Latitude != 43.65 || m.Longitude != -79.38 || m.Icon != "police.png" || m.Layer != mapLayer {
		t.Errorf("marker = %+v", m)
	}
	var fly FlyRequest
	mapW.next(t, bus.RequestFly).Decode(&fly)
	if fly.Zoom != 15 || fly.Latitude != 43.65 {
		t.Errorf("fly = %+v", fly)
	}

	req.ID = "nowhere"
	feedW.b.Broadcast(context.Background(), req, false)
	var ext ExternalURLNotice
	feedW.next(t, bus.StatusExternalURL).Decode(&ext)
	if ext.URL != f.link || ext.ID != "nowhere" {
		t.Errorf("external url notice = %+v", ext)
	}
}

func TestShowItemOnMapWithoutLocationOrLink(t *testing.T) {
	env, _ := newTestEnv(t)
	hook, wait := cycled(t)
	newFakeFeed(env, Descriptor{Collection: policeColl}, func() []*incident.Record {
		return []*incident.Record{rec("nowhere", time.Now())}
	}, hook)
	h := startHub(t, env)
	wait(1)

	if err := h.ShowItemOnMap(context.Background(), policeColl, "nowhere"); err == nil {
		t.Error("expected error without location or link")
	}
	if err := h.ShowItemOnMap(context.Background(), "Unknown", "x"); err == nil {
		t.Error("expected error for unknown feed")
	}
}

func TestRefreshThrottle(t *testing.T) {
	env, _ := newTestEnv(t)
	hook, wait := cycled(t)
	newFakeFeed(env, Descriptor{Collection: policeColl}, func() []*incident.Record { return nil }, hook)

	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := NewHub(env)
	h.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()
	wait(1)

	if err := h.Refresh(context.Background(), true); !errors.Is(err, ErrThrottled) {
		t.Fatalf("early manual refresh = %v", err)
	}
	if err := h.Refresh(context.Background(), false); err != nil {
		t.Fatalf("scheduled refresh = %v", err)
	}
	wait(1)

	mu.Lock()
	now = now.Add(DefaultRefreshThrottle + time.Second)
	mu.Unlock()
	if err := h.Refresh(context.Background(), true); err != nil {
		t.Fatalf("manual refresh after window = %v", err)
	}
	wait(1)
}

func TestTickerWindow(t *testing.T) {
	env, _ := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()
	ticker := newFakeFeed(env, Descriptor{Collection: policeColl, DisplayInTicker: true}, func() []*incident.Record {
		return []*incident.Record{rec("recent", now.Add(-10*time.Minute)), rec("stale", now.Add(-2*time.Hour)), rec("newest", now.Add(-time.Minute))}
	})
	quiet := newFakeFeed(env, Descriptor{Collection: "TorontoPoliceNewsFeed"}, func() []*incident.Record {
		return []*incident.Record{rec("news", now)}
	})
	for _, f := range []*fakeFeed{ticker, quiet} {
		f.CheckCollection(ctx)
		if err := <-f.Load(ctx, LoadOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	lines := NewHub(env).Ticker()
	if len(lines) != 3 || !lines[0].Header || lines[0].Source != policeColl {
		t.Fatalf("ticker = %+v", lines)
	}
	if lines[1].ID != "newest" || lines[2].ID != "recent" {
		t.Errorf("ticker = %+v", lines)
	}
	if !strings.HasPrefix(lines[0].HTML, policeColl+" updated ") || !strings.HasSuffix(lines[0].HTML, ", 3 items") {
		t.Errorf("banner = %q", lines[0].HTML)
	}
}

func TestFeedStatusHeader(t *testing.T) {
	run := time.Date(2024, 5, 1, 10, 25, 31, 0, Local)
	st := FeedStatus{FeedInfo: FeedInfo{Collection: "TorontoFireFeed"}, Items: 2, LastRun: run, NextRun: run.Add(5 * time.Minute)}
	if got, want := st.Header(), "TorontoFireFeed updated 10:25:31 AM / next 10:30:31 AM, 2 items"; got != want {
		t.Errorf("Header = %q, want %q", got, want)
	}
	st.NextRun, st.Items = time.Time{}, 1
	if got, want := st.Header(), "TorontoFireFeed updated 10:25:31 AM, 1 item"; got != want {
		t.Errorf("Header = %q, want %q", got, want)
	}
	if got := (FeedStatus{FeedInfo: FeedInfo{Collection: "x"}}).Header(); got != "x loading" {
		t.Errorf("Header before first poll = %q", got)
	}
}

func TestStatusesReportPollClock(t *testing.T) {
	env, _ := newTestEnv(t)
	ctx := context.Background()
	f := newFakeFeed(env, Descriptor{Collection: policeColl, PollInterval: time.Minute}, func() []*incident.Record {
		return []*incident.Record{rec("a", time.Now())}
	})
	if got := Statuses(env); len(got) != 1 || !got[0].LastRun.IsZero() || got[0].Items != 0 {
		t.Fatalf("before poll = %+v", got)
	}
	f.CheckCollection(ctx)
	if err := <-f.Load(ctx, LoadOptions{}); err != nil {
		t.Fatal(err)
	}
	defer f.Stop()

	got := Statuses(env)
	if len(got) != 1 || got[0].Items != 1 || got[0].LastError != "" {
		t.Fatalf("after poll = %+v", got)
	}
	if d := got[0].NextRun.Sub(got[0].LastRun); d != time.Minute {
		t.Errorf("next run %v after last run, want 1m", d)
	}
}
