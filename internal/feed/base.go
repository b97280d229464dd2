package feed

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ionicresearchlabs/ionic/internal/bus"
	"github.com/ionicresearchlabs/ionic/internal/httpclient"
	"github.com/ionicresearchlabs/ionic/internal/incident"
	"github.com/ionicresearchlabs/ionic/internal/otel"
	"github.com/ionicresearchlabs/ionic/internal/store"
)

// Parser turns one raw payload into normalized records. Records it cannot
// normalize are skipped; an error means the whole payload is unusable.
type Parser interface {
	Parse(ctx context.Context, payload []byte) ([]*incident.Record, error)
}

// URLBuilder adds feed-specific query parameters to the endpoint.
type URLBuilder interface {
	BuildURL(endpoint string) (string, error)
}

// Fetcher replaces the default HTTP GET for a feed.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Reconciling feeds merge their parsed records into another feed's
// canonical records after persisting their own.
type Reconciling interface {
	Reconcile(ctx context.Context, parsed []*incident.Record) error
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	Collection string
	Started    time.Time
	Dur        time.Duration
	Parsed     int
	Inserted   int
	Duplicates int
	Skipped    int
	Err        error
}

// BaseOption configures a Base.
type BaseOption func(*Base)

// WithCycleHook registers fn to run after every cycle.
func WithCycleHook(fn func(CycleReport)) BaseOption {
	return func(b *Base) { b.onCycle = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) BaseOption {
	return func(b *Base) { b.now = now }
}

// Base implements the parts of Source every feed shares. Concrete feeds
// embed *Base and supply a Parser.
type Base struct {
	desc    Descriptor
	env     *Env
	log     *log.Logger
	parser  Parser
	poller  *Poller
	onCycle func(CycleReport)
	now     func() time.Time

	mu      sync.RWMutex
	latest  []*incident.Record
	state   State
	lastErr error
	lastRun time.Time
}

// NewBase wires a feed's parser to env.
func NewBase(env *Env, desc Descriptor, parser Parser, opts ...BaseOption) *Base {
	b := &Base{
		desc:   desc,
		env:    env,
		log:    env.Logger(desc.Collection),
		parser: parser,
		poller: NewPoller(desc.PollInterval),
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Descriptor implements Source.
func (b *Base) Descriptor() Descriptor { return b.desc }

// Env is the shared context this feed was built with.
func (b *Base) Env() *Env { return b.env }

// Log is the feed's logger.
func (b *Base) Log() *log.Logger { return b.log }

// Now is the feed's clock.
func (b *Base) Now() time.Time { return b.now() }

// State implements Source.
func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// LastError is the error of the most recent cycle, if any.
func (b *Base) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// LastRun is when the most recent cycle finished.
func (b *Base) LastRun() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastRun
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// LatestData implements Source. The slice is a copy, newest first.
func (b *Base) LatestData() []*incident.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*incident.Record(nil), b.latest...)
}

// CheckCollection implements Source.
func (b *Base) CheckCollection(ctx context.Context) error {
	if b.desc.Transient {
		return nil
	}
	created, err := b.env.Store.CreateCollection(ctx, b.env.DBName, b.desc.Collection, "id",
		store.Index{Field: "caseKey"}, store.Index{Field: "type"})
	if err != nil {
		b.log.Error("collection check failed", "db", b.env.DBName, "err", err)
		return fmt.Errorf("check collection %s: %w", b.desc.Collection, err)
	}
	b.log.Info("collection ready", "db", b.env.DBName, "created", created)
	return nil
}

// Load implements Source.
func (b *Base) Load(ctx context.Context, opts LoadOptions) <-chan error {
	first := b.poller.Start(ctx, func(ctx context.Context) error {
		return b.cycle(ctx, opts)
	})
	if opts.Detached {
		done := make(chan error)
		close(done)
		return done
	}
	return first
}

// Stop implements Source.
func (b *Base) Stop() {
	b.poller.Stop()
	b.setState(StateStopped)
}

func (b *Base) cycle(ctx context.Context, opts LoadOptions) (err error) {
	rep := CycleReport{Collection: b.desc.Collection, Started: b.now()}
	b.env.Events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindPollStart, Comp: "feed", Collection: b.desc.Collection})
	defer func() {
		rep.Err = err
		rep.Dur = b.now().Sub(rep.Started)
		b.mu.Lock()
		b.state = StateScheduled
		b.lastErr = err
		b.lastRun = b.now()
		b.mu.Unlock()
		b.report(rep)
	}()

	b.setState(StateLoading)
	target, err := b.endpoint(opts)
	if err != nil {
		return err
	}
	payload, err := b.fetch(ctx, target)
	if err != nil {
		return err
	}

	b.setState(StateParsing)
	recs, err := b.parser.Parse(ctx, payload)
	if err != nil {
		if !errors.Is(err, ErrParseFailure) {
			err = ParseError(b.desc.Collection, err)
		}
		return err
	}
	recs = b.normalize(recs, &rep)
	rep.Parsed = len(recs)

	b.setState(StatePersisting)
	if !b.desc.Transient {
		for _, rec := range recs {
			b.persist(ctx, rec, &rep)
		}
	}
	incident.SortNewestFirst(recs)
	b.mu.Lock()
	b.latest = recs
	b.mu.Unlock()

	if r, ok := b.parser.(Reconciling); ok {
		b.setState(StateReconciling)
		if err := r.Reconcile(ctx, recs); err != nil {
			return fmt.Errorf("reconcile %s: %w", b.desc.Collection, err)
		}
	}
	return nil
}

// normalize drops records without an event time and fills defaults.
func (b *Base) normalize(recs []*incident.Record, rep *CycleReport) []*incident.Record {
	out := recs[:0]
	for _, rec := range recs {
		if rec == nil || rec.ID == "" || rec.EventTime.IsZero() {
			rep.Skipped++
			id := ""
			if rec != nil {
				id = rec.ID
			}
			b.log.Warn("skipping record without id or event time", "id", id)
			b.env.Events.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindParseError, Comp: "feed", Collection: b.desc.Collection, ID: id, Msg: "missing id or event time"})
			continue
		}
		if rec.SourceCollection == "" {
			rec.SourceCollection = b.desc.Collection
		}
		if rec.ReceivedTime.IsZero() {
			rec.ReceivedTime = b.now().UTC()
		}
		out = append(out, rec)
	}
	return out
}

// persist inserts rec and announces it. Duplicates are expected on every
// re-poll and only counted.
func (b *Base) persist(ctx context.Context, rec *incident.Record, rep *CycleReport) {
	err := b.env.Store.Insert(ctx, b.desc.Collection, rec)
	switch {
	case errors.Is(err, store.ErrDuplicateKey):
		rep.Duplicates++
		if otel.TraceEnabled() {
			b.env.Events.Record(otel.KindStoreDuplicate, "feed", b.desc.Collection, rec.ID)
		}
		return
	case err != nil:
		b.log.Warn("insert failed", "id", rec.ID, "err", err)
		b.env.Events.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindStoreError, Comp: "feed", Collection: b.desc.Collection, ID: rec.ID, Err: err.Error()})
		return
	}
	rep.Inserted++
	b.log.Debug("record added", "id", rec.ID)
	b.Notify(ctx, bus.StatusNewItem, b.desc.Collection, rec)
}

// Notify broadcasts an item notice on the Feeds channel.
func (b *Base) Notify(ctx context.Context, status bus.Kind, source string, rec *incident.Record) {
	if b.env.Feeds == nil {
		return
	}
	if err := b.env.Feeds.Broadcast(ctx, ItemNotice{Status: status, Source: source, DataItem: rec}, false); err != nil {
		b.log.Warn("broadcast failed", "status", status, "id", rec.ID, "err", err)
	}
}

func (b *Base) report(rep CycleReport) {
	ev := otel.Event{
		Level:      otel.LevelInfo,
		Kind:       otel.KindPollComplete,
		Comp:       "feed",
		Collection: rep.Collection,
		Dur:        rep.Dur,
		Count:      rep.Inserted,
		Extra:      map[string]any{"parsed": rep.Parsed, "duplicates": rep.Duplicates, "skipped": rep.Skipped},
	}
	if rep.Err != nil {
		ev.Level = otel.LevelError
		ev.Kind = otel.KindPollError
		if errors.Is(rep.Err, ErrParseFailure) {
			ev.Kind = otel.KindParseError
		}
		ev.Err = rep.Err.Error()
		b.log.Error("poll cycle failed", "err", rep.Err)
	} else {
		b.log.Info("poll cycle complete", "parsed", rep.Parsed, "new", rep.Inserted, "dur", rep.Dur.Round(time.Millisecond))
	}
	b.env.Events.Emit(ev)
	if b.onCycle != nil {
		b.onCycle(rep)
	}
}

// endpoint builds the URL for one cycle.
func (b *Base) endpoint(opts LoadOptions) (string, error) {
	if opts.CustomURL != "" {
		return opts.CustomURL, nil
	}
	target := b.desc.URL
	if ub, ok := b.parser.(URLBuilder); ok {
		var err error
		if target, err = ub.BuildURL(target); err != nil {
			return "", fmt.Errorf("build url: %w", err)
		}
	}
	if !opts.NoBypassCache {
		u, err := url.Parse(target)
		if err != nil {
			return "", fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		q.Set("timeStamp", strconv.FormatInt(rand.Int64N(1<<53), 10))
		u.RawQuery = q.Encode()
		target = u.String()
	}
	if b.desc.UseProxy {
		return b.env.Proxies.Proxify(target)
	}
	return target, nil
}

func (b *Base) fetch(ctx context.Context, target string) ([]byte, error) {
	if f, ok := b.parser.(Fetcher); ok {
		return f.Fetch(ctx, target)
	}
	return httpclient.Get(ctx, b.env.Client, target, nil)
}

// GetItemByID implements Source.
func (b *Base) GetItemByID(ctx context.Context, id string) (*incident.Record, bool, error) {
	if !b.desc.Transient {
		var rec incident.Record
		found, err := b.env.Store.GetByID(ctx, b.desc.Collection, id, &rec)
		if err == nil {
			if !found {
				return nil, false, nil
			}
			return &rec, true, nil
		}
		b.log.Debug("store lookup failed, using latest data", "id", id, "err", err)
	}
	for _, rec := range b.LatestData() {
		if rec.ID == id {
			return rec.Clone(), true, nil
		}
	}
	return nil, false, nil
}

// PatchRecord re-reads id under its record lock, applies fn to the stored
// copy and writes it back. fn returning false skips the write. Transient
// feeds store nothing and get nil, nil. The caller must not hold the lock.
func (b *Base) PatchRecord(ctx context.Context, id string, fn func(*incident.Record) bool) (*incident.Record, error) {
	if b.desc.Transient {
		return nil, nil
	}
	unlock := b.env.LockRecord(b.desc.Collection, id)
	defer unlock()

	var rec incident.Record
	found, err := b.env.Store.GetByID(ctx, b.desc.Collection, id, &rec)
	if err != nil {
		return nil, fmt.Errorf("patch %s/%s: %w", b.desc.Collection, id, err)
	}
	if !found {
		return nil, fmt.Errorf("patch %s/%s: %w", b.desc.Collection, id, store.ErrNotFound)
	}
	if !fn(&rec) {
		return &rec, nil
	}
	if err := b.env.Store.UpdateByID(ctx, b.desc.Collection, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ResolveLatLon returns the record's own location; unresolved records stay
// at the sentinel.
func (b *Base) ResolveLatLon(_ context.Context, rec *incident.Record, _ bool) (incident.Location, error) {
	return rec.Location, nil
}

// ResolveExternalURL has no link by default.
func (b *Base) ResolveExternalURL(context.Context, *incident.Record) (string, error) {
	return "", nil
}

// ResolveDetailsHTML renders the summary, or the summary framed with the
// merged details.
func (b *Base) ResolveDetailsHTML(_ context.Context, rec *incident.Record, level DetailLevel) (string, error) {
	if level != LevelDetails {
		return rec.Summary, nil
	}
	return DetailsFrame(rec.Summary, "", rec.Details), nil
}

// NoDetails is shown when nothing has been merged yet.
const NoDetails = "<p>No additional details available at this time.</p>"

// DetailsFrame wraps summary and details in a collapsible block.
func DetailsFrame(summary, prefix, details string) string {
	if details == "" {
		details = NoDetails
	}
	return "<details><summary>" + summary + "</summary>" + prefix + details + "</details>"
}
