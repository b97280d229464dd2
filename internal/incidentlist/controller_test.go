package incidentlist

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ionicresearchlabs/ionic/internal/bus"
	"github.com/ionicresearchlabs/ionic/internal/feed"
	"github.com/ionicresearchlabs/ionic/internal/incident"
	"github.com/ionicresearchlabs/ionic/internal/logging"
	"github.com/ionicresearchlabs/ionic/internal/store"
)

const police = "TorontoPoliceFeed"

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func rec(id string, minutes int) *incident.Record {
	var at time.Time
	if minutes >= 0 {
		at = t0.Add(time.Duration(minutes) * time.Minute)
	}
	r := incident.New(police, id, at)
	r.Type = "COLLISION"
	r.Summary = "<b>" + id + "</b>"
	return r
}

func notice(r *incident.Record) feed.ItemNotice {
	return feed.ItemNotice{Status: bus.StatusNewItem, Source: police, DataItem: r}
}

func newStore(t *testing.T, recs ...*incident.Record) *store.Store {
	t.Helper()
	ctx := context.Background()
	st := store.New(t.TempDir(), store.WithLogger(logging.New(io.Discard)))
	if err := st.Open(ctx, "ionic", "", 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if _, err := st.CreateCollection(ctx, "ionic", police, "id"); err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if err := st.Insert(ctx, police, r); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func newController(st *store.Store, opts ...Option) *Controller {
	return New(st, append([]Option{WithLogger(logging.New(io.Discard))}, opts...)...)
}

func ids(es []Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Record.ID
	}
	return out
}

func sameIDs(t *testing.T, got []Entry, want ...string) {
	t.Helper()
	g := ids(got)
	if fmt.Sprint(g) != fmt.Sprint(want) {
		t.Errorf("ids = %v, want %v", g, want)
	}
}

func TestInsertKeepsSortOrder(t *testing.T) {
	c := newController(newStore(t))
	for _, r := range []*incident.Record{rec("b", 20), rec("zero", -1), rec("a", 10), rec("d", 40), rec("c", 30)} {
		c.Apply(notice(r))
	}
	sameIDs(t, c.Entries(), "d", "c", "b", "a", "zero")

	if err := c.SetSort(context.Background(), SortAsc); err != nil {
		t.Fatal(err)
	}
	sameIDs(t, c.Entries(), "a", "b", "c", "d", "zero")

	c.Apply(notice(rec("mid", 25)))
	sameIDs(t, c.Entries(), "a", "b", "mid", "c", "d", "zero")
}

func TestNewItemForCachedEntryIsAnUpdate(t *testing.T) {
	c := newController(newStore(t))
	c.Apply(notice(rec("a", 10)))
	c.Apply(notice(rec("b", 20)))

	moved := rec("a", 30)
	moved.Details = "<p>more</p>"
	c.Apply(notice(moved))

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	es := c.Entries()
	sameIDs(t, es, "a", "b")
	if es[0].Record.Details != "<p>more</p>" {
		t.Errorf("update not applied: %+v", es[0].Record)
	}
}

func TestLoadBuffersNoticesUntilRebuildEnds(t *testing.T) {
	st := newStore(t, rec("s1", 10), rec("s2", 20), rec("s3", 30))
	c := newController(st)

	// Notices that arrive while the load is running.
	c.beginRebuild()
	c.Apply(notice(rec("n1", 15)))
	c.Apply(notice(rec("n2", 40)))
	updated := rec("s2", 20)
	updated.Details = "<p>merged</p>"
	c.Apply(notice(updated))
	if c.Len() != 0 {
		t.Fatalf("notices applied during rebuild: Len = %d", c.Len())
	}

	if err := c.Load(context.Background(), []string{police}); err != nil {
		t.Fatal(err)
	}
	es := c.Entries()
	sameIDs(t, es, "n2", "s3", "s2", "n1", "s1")
	if es[2].Record.Details != "<p>merged</p>" {
		t.Errorf("queued update lost: %q", es[2].Record.Details)
	}

	c.Apply(notice(rec("after", 50)))
	if c.Len() != 6 {
		t.Errorf("Len after rebuild = %d, want 6", c.Len())
	}
}

func TestLoadReportsMissingCollection(t *testing.T) {
	c := newController(newStore(t, rec("s1", 10)))
	err := c.Load(context.Background(), []string{police, "Nope"})
	if err == nil {
		t.Fatal("expected error for missing collection")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestFilterRoundTrip(t *testing.T) {
	c := newController(newStore(t))
	ctx := context.Background()
	a, b, d := rec("a", 10), rec("b", 20), rec("c", 30)
	b.Details = "<p>x</p>"
	d.Type = "FIRE"
	for _, r := range []*incident.Record{a, b, d} {
		c.Apply(notice(r))
	}

	c.SetFilter(ctx, Filter{Kind: FilterHasDetails})
	if c.VisibleCount() != 1 || c.Len() != 3 {
		t.Errorf("hasDetails: visible=%d len=%d", c.VisibleCount(), c.Len())
	}
	c.SetFilter(ctx, Filter{Kind: FilterByType, Type: "FIRE"})
	sameIDs(t, c.Page(0, 10), "c")

	c.Apply(notice(rec("e", 5)))
	if c.VisibleCount() != 1 {
		t.Errorf("new COLLISION entry should be hidden under type=FIRE")
	}

	c.SetFilter(ctx, Filter{})
	if c.VisibleCount() != 4 {
		t.Errorf("none: visible=%d", c.VisibleCount())
	}
	if got := c.Types(); fmt.Sprint(got) != "[COLLISION FIRE]" {
		t.Errorf("Types = %v", got)
	}
}

func TestSetFilterHonorsCancellation(t *testing.T) {
	c := newController(newStore(t))
	c.Apply(notice(rec("a", 10)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.SetFilter(ctx, Filter{Kind: FilterHasDetails}); err == nil {
		t.Fatal("expected context error")
	}
	if c.Filter().Kind != FilterNone || c.VisibleCount() != 1 {
		t.Error("cancelled filter change was applied")
	}
	c.Apply(notice(rec("b", 20)))
	if c.Len() != 2 {
		t.Error("controller stuck in rebuild after cancellation")
	}
}

func TestPage(t *testing.T) {
	c := newController(newStore(t))
	for i := 1; i <= 5; i++ {
		c.Apply(notice(rec(fmt.Sprint(i), i)))
	}
	sameIDs(t, c.Page(0, 2), "5", "4")
	sameIDs(t, c.Page(2, 2), "1")
	if got := c.Page(3, 2); len(got) != 0 {
		t.Errorf("page past end = %v", ids(got))
	}
	if c.Page(-1, 2) != nil || c.Page(0, 0) != nil {
		t.Error("invalid page arguments should return nil")
	}
}

type recordingView struct {
	mu       sync.Mutex
	inserted []int
	updated  int
	visible  int
	done     []string
}

func (v *recordingView) Inserted(i int, e Entry) any {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inserted = append(v.inserted, i)
	return e.Record.ID
}

func (v *recordingView) Updated(int, Entry) {
	v.mu.Lock()
	v.updated++
	v.mu.Unlock()
}

func (v *recordingView) Visibility(n int) {
	v.mu.Lock()
	v.visible = n
	v.mu.Unlock()
}

func (v *recordingView) Progress(stage string, done, total int) {
	if done == total {
		v.mu.Lock()
		v.done = append(v.done, stage)
		v.mu.Unlock()
	}
}

func TestViewMirrorsChanges(t *testing.T) {
	v := &recordingView{}
	c := newController(newStore(t), WithView(v), WithRenderer(func(src string, r *incident.Record) string {
		return src + ":" + r.ID
	}))
	c.Apply(notice(rec("a", 10)))
	c.Apply(notice(rec("b", 20)))
	c.Apply(notice(rec("a", 10)))
	c.SetSort(context.Background(), SortAsc)

	v.mu.Lock()
	defer v.mu.Unlock()
	if fmt.Sprint(v.inserted) != "[0 0]" {
		t.Errorf("inserted at %v, want [0 0]", v.inserted)
	}
	if v.updated != 1 || v.visible != 2 {
		t.Errorf("updated=%d visible=%d", v.updated, v.visible)
	}
	if fmt.Sprint(v.done) != "[sort]" {
		t.Errorf("progress = %v", v.done)
	}
	es := c.Entries()
	if es[0].Ref != "a" || es[0].HTML != police+":a" {
		t.Errorf("entry = %+v", es[0])
	}
}

func TestReadyNoticeTriggersLoad(t *testing.T) {
	st := newStore(t, rec("s1", 10), rec("s2", 20))
	tr := bus.NewHub()
	defer tr.Close()
	sender, _ := bus.New(bus.ChannelFeeds, tr)
	receiver, _ := bus.New(bus.ChannelFeeds, tr)

	c := newController(st)
	ctx := context.Background()
	cancel := c.Attach(ctx, receiver)
	defer cancel()

	ready := feed.ReadyNotice{Status: bus.StatusReady, Database: "ionic", FeedSources: []feed.FeedInfo{
		{Collection: police, Ticker: true},
		{Collection: "TorontoPoliceTwitterFeed", Ticker: true, Transient: true},
		{Collection: "Hidden", Ticker: false},
	}}
	if err := sender.Broadcast(ctx, ready, false); err != nil {
		t.Fatal(err)
	}
	if err := sender.Broadcast(ctx, notice(rec("n1", 30)), false); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for c.Len() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.Wait()
	sameIDs(t, c.Entries(), "n1", "s2", "s1")
}

func TestQueryLeavesActiveFilterAlone(t *testing.T) {
	c := newController(newStore(t))
	a, b := rec("a", 10), rec("b", 20)
	b.Type = "FIRE"
	c.Apply(notice(a))
	c.Apply(notice(b))

	page, total := c.Query(Filter{Kind: FilterByType, Type: "FIRE"}, 0, 10)
	sameIDs(t, page, "b")
	if total != 1 {
		t.Errorf("total = %d", total)
	}
	if c.Filter().Kind != FilterNone || c.VisibleCount() != 2 {
		t.Error("Query changed the active filter")
	}
	page, total = c.Query(Filter{}, 1, 1)
	sameIDs(t, page, "a")
	if total != 2 {
		t.Errorf("total = %d", total)
	}
}
