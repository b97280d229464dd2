package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ionicresearchlabs/ionic/internal/bus"
	"github.com/ionicresearchlabs/ionic/internal/incident"
	"github.com/ionicresearchlabs/ionic/internal/otel"
)

// Contribution is one secondary feed's detail for a canonical record.
type Contribution struct {
	Feed    string // contributing collection
	ID      string // contributing record id, unique per Feed
	CaseKey string // canonical record id
	HTML    string
}

// Outcome is the result of one merge attempt.
type Outcome int

const (
	OutcomeMerged Outcome = iota
	OutcomeAlreadyMerged
	OutcomeCorrelationMiss
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMerged:
		return "merged"
	case OutcomeAlreadyMerged:
		return "already merged"
	case OutcomeCorrelationMiss:
		return "correlation miss"
	}
	return "unknown"
}

// Reconciler merges contributions into records of one canonical feed.
// Merging the same contribution twice is a no-op.
type Reconciler struct {
	env       *Env
	canonical string
	log       *log.Logger
	now       func() time.Time
}

// NewReconciler merges into the feed registered for canonical.
func NewReconciler(env *Env, canonical string) *Reconciler {
	return &Reconciler{
		env:       env,
		canonical: canonical,
		log:       env.Logger("reconcile"),
		now:       time.Now,
	}
}

// Canonical is the target collection.
func (r *Reconciler) Canonical() string { return r.canonical }

// Merge appends c to its canonical record. A missing record is a
// correlation miss and not an error.
func (r *Reconciler) Merge(ctx context.Context, c Contribution) (Outcome, error) {
	target, ok := r.env.Lookup(r.canonical)
	if !ok {
		return OutcomeCorrelationMiss, fmt.Errorf("reconcile: no feed for %s", r.canonical)
	}
	if c.CaseKey == "" {
		r.miss(c)
		return OutcomeCorrelationMiss, nil
	}

	unlock := r.env.LockRecord(r.canonical, c.CaseKey)
	defer unlock()

	rec, found, err := target.GetItemByID(ctx, c.CaseKey)
	if err != nil {
		return OutcomeCorrelationMiss, fmt.Errorf("reconcile %s: %w", c.CaseKey, err)
	}
	if !found {
		r.miss(c)
		return OutcomeCorrelationMiss, nil
	}
	if rec.HasDetailSource(c.Feed, c.ID) {
		r.env.Events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindReconcileSkip, Comp: "reconcile", Collection: r.canonical, ID: c.CaseKey, Msg: c.ID})
		return OutcomeAlreadyMerged, nil
	}

	merged := rec.Clone()
	if merged.Details != "" {
		merged.Details += "<hr>"
	}
	merged.Details += c.HTML
	merged.DetailSources = append(merged.DetailSources, detailSource(c, r.now()))

	if err := r.env.Store.UpdateByID(ctx, r.canonical, merged.ID, merged); err != nil {
		return OutcomeCorrelationMiss, fmt.Errorf("reconcile %s: %w", c.CaseKey, err)
	}
	r.log.Info("details merged", "id", merged.ID, "from", c.Feed, "source", c.ID)
	r.env.Events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindReconcileMerge, Comp: "reconcile", Collection: r.canonical, ID: merged.ID, Extra: map[string]any{"feed": c.Feed, "source": c.ID}})

	if r.env.Feeds != nil {
		if err := r.env.Feeds.Broadcast(ctx, ItemNotice{Status: bus.StatusUpdateItem, Source: r.canonical, DataItem: merged}, false); err != nil {
			r.log.Warn("broadcast failed", "id", merged.ID, "err", err)
		}
	}
	return OutcomeMerged, nil
}

func (r *Reconciler) miss(c Contribution) {
	r.log.Debug("no canonical record", "case", c.CaseKey, "from", c.Feed, "source", c.ID)
	r.env.Events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindReconcileMiss, Comp: "reconcile", Collection: r.canonical, ID: c.CaseKey, Msg: c.Feed + "/" + c.ID})
}

func detailSource(c Contribution, at time.Time) incident.DetailSource {
	return incident.DetailSource{Feed: c.Feed, ID: c.ID, MergedAt: at.UTC()}
}
