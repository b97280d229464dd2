// Package incidentlist keeps the ordered, filterable incident cache behind
// the list views.
//
// The controller consumes Feeds channel notices. While a rebuild is running
// (the startup load, a re-sort, or a filter change) incoming notices are
// queued and applied in arrival order once the rebuild finishes, so nothing
// is lost to a load that races a poll.
package incidentlist

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/ionicresearchlabs/ionic/internal/bus"
	"github.com/ionicresearchlabs/ionic/internal/feed"
	"github.com/ionicresearchlabs/ionic/internal/incident"
	"github.com/ionicresearchlabs/ionic/internal/logging"
	"github.com/ionicresearchlabs/ionic/internal/otel"
	"github.com/ionicresearchlabs/ionic/internal/store"
)

// Entry is one cached record and its rendering.
type Entry struct {
	Record  *incident.Record
	Source  string
	HTML    string
	Visible bool
	// Ref is whatever handle the view returned from Inserted.
	Ref any

	mirrored bool
}

// View mirrors the cache. Calls are made with the controller locked and
// must not call back into it.
type View interface {
	// Inserted reports a new entry at index and returns the view's handle.
	Inserted(index int, e Entry) (ref any)
	Updated(index int, e Entry)
	// Visibility reports that the set or order of visible entries changed.
	Visibility(visible int)
	// Progress reports rebuild progress. done == total ends the rebuild.
	Progress(stage string, done, total int)
}

// NopView discards every change.
type NopView struct{}

func (NopView) Inserted(int, Entry) any { return nil }

func (NopView) Updated(int, Entry) {}

func (NopView) Visibility(int) {}

func (NopView) Progress(string, int, int) {}

// Renderer produces the list HTML for a record.
type Renderer func(source string, r *incident.Record) string

type key struct{ source, id string }

// Option configures a Controller.
type Option func(*Controller)

// WithView sets the mirrored view.
func WithView(v View) Option { return func(c *Controller) { c.view = v } }

// WithRenderer replaces the default summary renderer.
func WithRenderer(r Renderer) Option { return func(c *Controller) { c.render = r } }

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(c *Controller) { c.log = l } }

// WithEvents sets the pipeline event log.
func WithEvents(e *otel.Logger) Option { return func(c *Controller) { c.events = e } }

// WithOrder sets the initial sort direction.
func WithOrder(o Order) Option { return func(c *Controller) { c.order = o } }

// Controller is safe for concurrent use. Rebuilds are serialized.
type Controller struct {
	st     *store.Store
	view   View
	render Renderer
	log    *log.Logger
	events *otel.Logger

	rebuildMu sync.Mutex
	loads     sync.WaitGroup

	mu         sync.Mutex
	entries    []*Entry
	index      map[key]*Entry
	order      Order
	filter     Filter
	rebuilding bool
	overflow   []feed.ItemNotice
}

// New returns a controller reading from st.
func New(st *store.Store, opts ...Option) *Controller {
	c := &Controller{
		st:     st,
		view:   NopView{},
		render: func(_ string, r *incident.Record) string { return r.Summary },
		log:    logging.WithPrefix("incidentlist"),
		index:  make(map[key]*Entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Attach subscribes the controller to b. Loads triggered by a ready
// notice run under ctx.
func (c *Controller) Attach(ctx context.Context, b *bus.Bus) (cancel func()) {
	return b.OnMessage(func(m bus.Message) { c.HandleMessage(ctx, m) })
}

// HandleMessage applies one Feeds channel message. A ready notice starts
// a background Load of every ticker collection it lists.
func (c *Controller) HandleMessage(ctx context.Context, m bus.Message) {
	switch {
	case m.IsStatus(bus.StatusReady):
		var n feed.ReadyNotice
		if err := m.Decode(&n); err != nil {
			c.log.Warn("bad ready notice", "err", err)
			return
		}
		var cols []string
		for _, fi := range n.FeedSources {
			if fi.Ticker && !fi.Transient {
				cols = append(cols, fi.Collection)
			}
		}
		c.loads.Add(1)
		go func() {
			defer c.loads.Done()
			if err := c.Load(ctx, cols); err != nil {
				c.log.Error("initial load failed", "err", err)
			}
		}()

	case m.IsStatus(bus.StatusNewItem), m.IsStatus(bus.StatusUpdateItem):
		var n feed.ItemNotice
		if err := m.Decode(&n); err != nil || n.DataItem == nil {
			c.log.Warn("bad item notice", "status", m.Status(), "err", err)
			return
		}
		c.Apply(n)
	}
}

// Wait blocks until loads started by HandleMessage finish.
func (c *Controller) Wait() { c.loads.Wait() }

// Apply inserts or updates the entry for n, or queues it while a rebuild
// is running.
func (c *Controller) Apply(n feed.ItemNotice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rebuilding {
		c.overflow = append(c.overflow, n)
		return
	}
	c.applyLocked(n.Source, n.DataItem)
}

func (c *Controller) applyLocked(source string, r *incident.Record) {
	if source == "" {
		source = r.SourceCollection
	}
	k := key{source, r.ID}
	if e, ok := c.index[k]; ok {
		c.updateLocked(e, r)
		return
	}
	e := &Entry{Record: r, Source: source, HTML: c.render(source, r), Visible: c.filter.Match(r)}
	i := c.insertAt(r)
	c.entries = slices.Insert(c.entries, i, e)
	c.index[k] = e
	e.Ref = c.view.Inserted(i, *e)
	e.mirrored = true
	if e.Visible {
		c.view.Visibility(c.visibleLocked())
	}
}

func (c *Controller) updateLocked(e *Entry, r *incident.Record) {
	wasVisible := e.Visible
	moved := !r.EventTime.Equal(e.Record.EventTime)
	e.Record = r
	e.HTML = c.render(e.Source, r)
	e.Visible = c.filter.Match(r)

	i := slices.Index(c.entries, e)
	if moved {
		c.entries = slices.Delete(c.entries, i, i+1)
		i = c.insertAt(r)
		c.entries = slices.Insert(c.entries, i, e)
	}
	c.view.Updated(i, *e)
	if moved || wasVisible != e.Visible {
		c.view.Visibility(c.visibleLocked())
	}
}

// insertAt finds the first entry the record does not sort after.
func (c *Controller) insertAt(r *incident.Record) int {
	for i, e := range c.entries {
		if !c.order.before(e.Record.EventTime, r.EventTime) {
			return i
		}
	}
	return len(c.entries)
}

// beginRebuild starts queuing notices. The caller holds rebuildMu.
func (c *Controller) beginRebuild() {
	c.mu.Lock()
	c.rebuilding = true
	c.mu.Unlock()
}

// endRebuildLocked drains the queue in arrival order and resumes direct
// application. The caller holds mu.
func (c *Controller) endRebuildLocked(stage string) {
	c.events.Emit(otel.Event{Kind: otel.KindListRebuild, Comp: "list", Msg: stage, Count: len(c.entries)})
	if n := len(c.overflow); n > 0 {
		c.events.Emit(otel.Event{Kind: otel.KindListDrain, Comp: "list", Msg: stage, Count: n})
	}
	for len(c.overflow) > 0 {
		n := c.overflow[0]
		c.overflow = c.overflow[1:]
		c.applyLocked(n.Source, n.DataItem)
	}
	c.overflow = nil
	c.rebuilding = false
}

// Load bulk-loads every record of collections from the store. Records
// already cached are updated in place.
func (c *Controller) Load(ctx context.Context, collections []string) error {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()
	c.beginRebuild()

	type batch struct {
		source string
		recs   []incident.Record
	}
	var (
		loaded []batch
		errs   []error
	)
	for i, coll := range collections {
		c.progress("load", i, len(collections))
		recs, err := store.SearchAs[incident.Record](ctx, c.st, coll, "", nil, store.SearchOptions{})
		if err != nil {
			errs = append(errs, err)
			c.log.Warn("load collection failed", "collection", coll, "err", err)
			continue
		}
		loaded = append(loaded, batch{coll, recs})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range loaded {
		for i := range b.recs {
			r := &b.recs[i]
			k := key{b.source, r.ID}
			if e, ok := c.index[k]; ok {
				e.Record = r
				e.HTML = c.render(b.source, r)
				e.Visible = c.filter.Match(r)
				continue
			}
			e := &Entry{Record: r, Source: b.source, HTML: c.render(b.source, r), Visible: c.filter.Match(r)}
			c.entries = append(c.entries, e)
			c.index[k] = e
		}
	}
	c.sortLocked()
	for i, e := range c.entries {
		if !e.mirrored {
			e.Ref = c.view.Inserted(i, *e)
			e.mirrored = true
		} else {
			c.view.Updated(i, *e)
		}
	}
	c.view.Visibility(c.visibleLocked())
	c.view.Progress("load", len(collections), len(collections))
	c.log.Debug("list loaded", "collections", len(collections), "entries", len(c.entries), "queued", len(c.overflow))
	c.endRebuildLocked("load")
	return errors.Join(errs...)
}

func (c *Controller) progress(stage string, done, total int) {
	c.mu.Lock()
	c.view.Progress(stage, done, total)
	c.mu.Unlock()
}

func (c *Controller) sortLocked() {
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.order.before(c.entries[i].Record.EventTime, c.entries[j].Record.EventTime)
	})
}

// SetFilter re-evaluates visibility of every cached entry under f.
func (c *Controller) SetFilter(ctx context.Context, f Filter) error {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()
	c.beginRebuild()

	c.mu.Lock()
	snapshot := slices.Clone(c.entries)
	c.mu.Unlock()

	vis := make([]bool, len(snapshot))
	var err error
	for i, e := range snapshot {
		if err = ctx.Err(); err != nil {
			break
		}
		vis[i] = f.Match(e.Record)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.filter = f
		for i, e := range snapshot {
			e.Visible = vis[i]
		}
		c.view.Visibility(c.visibleLocked())
	}
	c.view.Progress("filter", 1, 1)
	c.endRebuildLocked("filter")
	return err
}

// SetSort re-sorts the cache in order o.
func (c *Controller) SetSort(ctx context.Context, o Order) error {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.beginRebuild()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = o
	c.sortLocked()
	c.view.Visibility(c.visibleLocked())
	c.view.Progress("sort", 1, 1)
	c.endRebuildLocked("sort")
	return nil
}

// Filter is the active filter.
func (c *Controller) Filter() Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// Order is the active sort direction.
func (c *Controller) Order() Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order
}

// Len is the number of cached entries, visible or not.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// VisibleCount is the number of entries passing the active filter.
func (c *Controller) VisibleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visibleLocked()
}

func (c *Controller) visibleLocked() int {
	n := 0
	for _, e := range c.entries {
		if e.Visible {
			n++
		}
	}
	return n
}

// Entries returns a copy of every cached entry in list order.
func (c *Controller) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = *e
	}
	return out
}

// Page returns visible page n (zero-based) of size entries.
func (c *Controller) Page(n, size int) []Entry {
	if n < 0 || size <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	skip := n * size
	var out []Entry
	for _, e := range c.entries {
		if !e.Visible {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, *e)
		if len(out) == size {
			break
		}
	}
	return out
}

// Types lists the distinct record types in the cache, sorted.
func (c *Controller) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range c.entries {
		if t := e.Record.Type; t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Query pages the cache under f without changing the active filter. total
// counts every entry matching f.
func (c *Controller) Query(f Filter, n, size int) (page []Entry, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	skip := n * size
	for _, e := range c.entries {
		if !f.Match(e.Record) {
			continue
		}
		total++
		if n < 0 || size <= 0 {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		if len(page) < size {
			page = append(page, *e)
		}
	}
	return page, total
}
