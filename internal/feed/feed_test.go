package feed

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ionicresearchlabs/ionic/internal/bus"
	"github.com/ionicresearchlabs/ionic/internal/incident"
	"github.com/ionicresearchlabs/ionic/internal/logging"
	"github.com/ionicresearchlabs/ionic/internal/otel"
	"github.com/ionicresearchlabs/ionic/internal/store"
)

const policeColl = "TorontoPoliceFeed"

// newTestEnv returns an env over a fresh store and an in-process bus.
func newTestEnv(t *testing.T) (*Env, bus.Transport) {
	t.Helper()
	quiet := logging.New(io.Discard)
	st := store.New(t.TempDir(), store.WithLogger(quiet))
	if err := st.Open(context.Background(), "ionic", "", 0); err != nil {
		t.Fatalf("Open: %v", err)
	}
	tr := bus.NewHub()
	feeds, err := bus.New(bus.ChannelFeeds, tr, bus.WithLogger(quiet))
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	mp, err := bus.New(bus.ChannelMap, tr, bus.WithLogger(quiet))
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	env := &Env{DBName: "ionic", Store: st, Feeds: feeds, Map: mp, Log: quiet, Events: otel.NewNullLogger()}
	t.Cleanup(func() {
		feeds.Close()
		mp.Close()
		tr.Close()
		st.Close()
	})
	return env, tr
}

// fakeFeed serves canned records without touching the network.
type fakeFeed struct {
	*Base

	mu      sync.Mutex
	records func() []*incident.Record
	err     error
	urls    []string
	link    string
}

func newFakeFeed(env *Env, desc Descriptor, records func() []*incident.Record, opts ...BaseOption) *fakeFeed {
	f := &fakeFeed{records: records}
	f.Base = NewBase(env, desc, f, opts...)
	env.Register(f)
	return f
}

func (f *fakeFeed) Fetch(_ context.Context, target string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, target)
	return []byte("{}"), nil
}

func (f *fakeFeed) Parse(context.Context, []byte) ([]*incident.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.records(), nil
}

func (f *fakeFeed) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFeed) ResolveExternalURL(context.Context, *incident.Record) (string, error) {
	return f.link, nil
}

// watcher records messages seen by its own Bus.
type watcher struct {
	mu   sync.Mutex
	msgs []bus.Message
	got  chan bus.Message
	b    *bus.Bus
}

func watch(t *testing.T, tr bus.Transport, channel string) *watcher {
	t.Helper()
	b, err := bus.New(channel, tr, bus.WithLogger(logging.New(io.Discard)))
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	w := &watcher{got: make(chan bus.Message, 256), b: b}
	b.OnMessage(func(m bus.Message) {
		w.mu.Lock()
		w.msgs = append(w.msgs, m)
		w.mu.Unlock()
		select {
		case w.got <- m:
		default:
		}
	})
	return w
}

// next waits for a message of kind k, skipping others.
func (w *watcher) next(t *testing.T, k bus.Kind) bus.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-w.got:
			if m.Kind() == k {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", k)
		}
	}
}

func (w *watcher) count(k bus.Kind) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, m := range w.msgs {
		if m.Kind() == k {
			n++
		}
	}
	return n
}

func rec(id string, at time.Time) *incident.Record {
	r := incident.New(policeColl, id, at)
	r.Type = "ASSAULT"
	r.Summary = "<b>" + id + "</b>"
	return r
}

func TestCycleInsertsOnceAndNotifiesOnce(t *testing.T) {
	env, tr := newTestEnv(t)
	w := watch(t, tr, bus.ChannelFeeds)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reports := make(chan CycleReport, 4)
	f := newFakeFeed(env, Descriptor{Collection: policeColl, URL: "http://feed.invalid/x"}, func() []*incident.Record {
		return []*incident.Record{rec("old", base), rec("new", base.Add(time.Hour))}
	}, WithCycleHook(func(r CycleReport) { reports <- r }))

	if err := f.CheckCollection(ctx); err != nil {
		t.Fatalf("CheckCollection: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := <-f.Load(ctx, LoadOptions{}); err != nil {
			t.Fatalf("Load %d: %v", i, err)
		}
	}

	first, second := <-reports, <-reports
	if first.Inserted != 2 || first.Duplicates != 0 {
		t.Errorf("first cycle = %+v", first)
	}
	if second.Inserted != 0 || second.Duplicates != 2 {
		t.Errorf("second cycle = %+v", second)
	}
	n, err := env.Store.Count(ctx, policeColl)
	if err != nil || n != 2 {
		t.Fatalf("Count = %d, %v; want 2", n, err)
	}

	w.next(t, bus.StatusNewItem)
	w.next(t, bus.StatusNewItem)
	time.Sleep(50 * time.Millisecond)
	if got := w.count(bus.StatusNewItem); got != 2 {
		t.Errorf("newItem broadcasts = %d, want 2", got)
	}

	latest := f.LatestData()
	if len(latest) != 2 || latest[0].ID != "new" || latest[1].ID != "old" {
		t.Errorf("LatestData order = %v", ids(latest))
	}
	if f.State() != StateScheduled {
		t.Errorf("State = %s, want scheduled", f.State())
	}
}

func TestCycleSkipsRecordsWithoutEventTime(t *testing.T) {
	env, _ := newTestEnv(t)
	ctx := context.Background()
	reports := make(chan CycleReport, 1)
	f := newFakeFeed(env, Descriptor{Collection: policeColl, URL: "http://feed.invalid/x"}, func() []*incident.Record {
		return []*incident.Record{rec("good", time.Now()), rec("undated", time.Time{})}
	}, WithCycleHook(func(r CycleReport) { reports <- r }))
	f.CheckCollection(ctx)

	if err := <-f.Load(ctx, LoadOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := <-reports
	if r.Skipped != 1 || r.Inserted != 1 {
		t.Errorf("report = %+v", r)
	}
	if _, found, _ := f.GetItemByID(ctx, "undated"); found {
		t.Error("undated record should not be stored")
	}
}

func TestParseFailureKeepsFeedScheduled(t *testing.T) {
	env, _ := newTestEnv(t)
	ctx := context.Background()
	f := newFakeFeed(env, Descriptor{Collection: policeColl, URL: "http://feed.invalid/x"}, func() []*incident.Record {
		return []*incident.Record{rec("a", time.Now())}
	})
	f.CheckCollection(ctx)
	f.setErr(errors.New("truncated payload"))

	err := <-f.Load(ctx, LoadOptions{})
	if !errors.Is(err, ErrParseFailure) {
		t.Fatalf("Load err = %v, want ErrParseFailure", err)
	}
	if f.State() != StateScheduled || f.LastError() == nil {
		t.Errorf("state=%s lastErr=%v", f.State(), f.LastError())
	}

	f.setErr(nil)
	if err := <-f.Load(ctx, LoadOptions{}); err != nil {
		t.Fatalf("recovery Load: %v", err)
	}
	if len(f.LatestData()) != 1 {
		t.Error("expected data after recovery")
	}
}

func TestGetItemByIDFallsBackToLatestData(t *testing.T) {
	env, _ := newTestEnv(t)
	ctx := context.Background()
	f := newFakeFeed(env, Descriptor{Collection: policeColl, URL: "http://feed.invalid/x"}, func() []*incident.Record {
		return []*incident.Record{rec("a", time.Now())}
	})
	f.CheckCollection(ctx)
	if err := <-f.Load(ctx, LoadOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	env.Store.Close()
	got, found, err := f.GetItemByID(ctx, "a")
	if err != nil || !found || got.ID != "a" {
		t.Fatalf("GetItemByID = %v, %v, %v", got, found, err)
	}
	if _, found, _ := f.GetItemByID(ctx, "missing"); found {
		t.Error("missing id reported found")
	}
}

func TestTransientFeedKeepsNoCollection(t *testing.T) {
	env, _ := newTestEnv(t)
	ctx := context.Background()
	f := newFakeFeed(env, Descriptor{Collection: "TorontoPoliceTwitterFeed", URL: "http://feed.invalid/x", Transient: true}, func() []*incident.Record {
		return []*incident.Record{rec("t1", time.Now())}
	})
	if err := f.CheckCollection(ctx); err != nil {
		t.Fatalf("CheckCollection: %v", err)
	}
	if env.Store.HasCollection("TorontoPoliceTwitterFeed") {
		t.Error("transient feed created a collection")
	}
	if err := <-f.Load(ctx, LoadOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, found, _ := f.GetItemByID(ctx, "t1"); !found {
		t.Error("transient record not found in latest data")
	}
}

func TestDetachedLoadReportsThroughHook(t *testing.T) {
	env, _ := newTestEnv(t)
	reports := make(chan CycleReport, 1)
	f := newFakeFeed(env, Descriptor{Collection: policeColl, URL: "http://feed.invalid/x"}, func() []*incident.Record {
		return nil
	}, WithCycleHook(func(r CycleReport) { reports <- r }))
	f.CheckCollection(context.Background())

	ch := f.Load(context.Background(), LoadOptions{Detached: true})
	if _, open := <-ch; open {
		t.Error("detached channel should be closed")
	}
	select {
	case r := <-reports:
		if r.Collection != policeColl {
			t.Errorf("report collection = %q", r.Collection)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no cycle report")
	}
}

func TestEndpoint(t *testing.T) {
	env, _ := newTestEnv(t)
	f := newFakeFeed(env, Descriptor{Collection: policeColl, URL: "http://feed.invalid/x?a=1"}, nil)

	got, err := f.endpoint(LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(got)
	if u.Query().Get("timeStamp") == "" || u.Query().Get("a") != "1" {
		t.Errorf("cache-bypassed url = %s", got)
	}

	if got, _ := f.endpoint(LoadOptions{NoBypassCache: true}); got != "http://feed.invalid/x?a=1" {
		t.Errorf("NoBypassCache url = %s", got)
	}
	if got, _ := f.endpoint(LoadOptions{CustomURL: "http://other.invalid/"}); got != "http://other.invalid/" {
		t.Errorf("CustomURL = %s", got)
	}

	env.Proxies = NewProxyList(Proxy{URL: "https://relay.invalid/?u=", Action: "append", Encode: true})
	f.desc.UseProxy = true
	got, _ = f.endpoint(LoadOptions{NoBypassCache: true})
	if got != "https://relay.invalid/?u="+url.QueryEscape("http://feed.invalid/x?a=1") {
		t.Errorf("proxied url = %s", got)
	}
}

func TestProxyListRotates(t *testing.T) {
	l := NewProxyList(
		Proxy{URL: "https://one.invalid/", Action: "append"},
		Proxy{URL: "https://two.invalid/", Action: "append"},
	)
	var got []string
	for i := 0; i < 3; i++ {
		u, err := l.Proxify("x")
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, u)
	}
	want := []string{"https://one.invalid/x", "https://two.invalid/x", "https://one.invalid/x"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Proxify #%d = %s, want %s", i, got[i], want[i])
		}
	}

	var empty *ProxyList
	if u, _ := empty.Proxify("x"); u != "x" {
		t.Errorf("nil list rewrote url to %s", u)
	}
	bad := NewProxyList(Proxy{URL: "https://bad.invalid/", Action: "prepend"})
	if _, err := bad.Proxify("x"); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestPollerSerializesAndSurvivesErrors(t *testing.T) {
	p := NewPoller(5 * time.Millisecond)
	var running, maxRunning, runs atomic.Int32
	fn := func(context.Context) error {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		runs.Add(1)
		return errors.New("upstream down")
	}

	ctx := context.Background()
	p.Start(ctx, fn)
	p.Start(ctx, fn)

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 5 {
		t.Fatalf("only %d runs", runs.Load())
	}
	p.Stop()
	stopped := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if after := runs.Load(); after > stopped+1 {
		t.Errorf("runs continued after Stop: %d -> %d", stopped, after)
	}
	if maxRunning.Load() != 1 {
		t.Errorf("max concurrent runs = %d, want 1", maxRunning.Load())
	}
	if p.Pending() {
		t.Error("Pending after Stop")
	}
}

func TestPollerFirstResult(t *testing.T) {
	p := NewPoller(0)
	boom := errors.New("boom")
	if err := <-p.Start(context.Background(), func(context.Context) error { return boom }); err != boom {
		t.Errorf("first result = %v", err)
	}
	if p.Pending() {
		t.Error("zero interval should not re-arm")
	}
}

func TestResolveDetailsHTMLDefault(t *testing.T) {
	env, _ := newTestEnv(t)
	f := newFakeFeed(env, Descriptor{Collection: policeColl}, nil)
	r := rec("a", time.Now())

	if got, _ := f.ResolveDetailsHTML(context.Background(), r, LevelSummary); got != r.Summary {
		t.Errorf("summary = %q", got)
	}
	got, _ := f.ResolveDetailsHTML(context.Background(), r, LevelDetails)
	if !strings.Contains(got, NoDetails) || !strings.HasPrefix(got, "<details><summary>"+r.Summary) {
		t.Errorf("details = %q", got)
	}
}

func TestLockRecordSerializesSameKey(t *testing.T) {
	var env Env
	var inside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := env.LockRecord(policeColl, "k")
			if inside.Add(1) != 1 {
				t.Error("two holders of the same record lock")
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if len(env.locks) != 0 {
		t.Errorf("%d record locks leaked", len(env.locks))
	}
}

func ids(recs []*incident.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
