// Package pressrelease reads the police news release RSS feed and merges
// each release into the dispatch incident it refers to.
package pressrelease

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"github.com/ionicresearchlabs/ionic/internal/feed"
	"github.com/ionicresearchlabs/ionic/internal/httpclient"
	"github.com/ionicresearchlabs/ionic/internal/incident"
)

const (
	// Collection is the press release feed's collection.
	Collection = "TorontoPoliceNewsFeed"
	// Type is the record type of every release.
	Type = "TorontoPoliceNews"
	// DefaultCanonical is the collection releases are merged into.
	DefaultCanonical = "TorontoPoliceFeed"
	// DefaultDetailDelay spaces detail page requests.
	DefaultDetailDelay = time.Second
)

var caseNumber = regexp.MustCompile(`Case #:\s*([0-9]{4}-[0-9]+)`)

var mapLinks = `a[href*="google.com/maps/"], a[href*="google.ca/maps/"]`

// Option configures the feed.
type Option func(*Feed)

// WithCanonical sets the collection releases are merged into.
func WithCanonical(collection string) Option {
	return func(f *Feed) { f.canonical = collection }
}

// WithDetailDelay sets the spacing between detail page requests.
// Zero or less disables the delay.
func WithDetailDelay(d time.Duration) Option {
	return func(f *Feed) { f.delay = d }
}

// WithBase passes options through to the shared poll cycle.
func WithBase(opts ...feed.BaseOption) Option {
	return func(f *Feed) { f.baseOpts = append(f.baseOpts, opts...) }
}

// Feed is the news release feed.
type Feed struct {
	*feed.Base

	canonical  string
	delay      time.Duration
	baseOpts   []feed.BaseOption
	limiter    *rate.Limiter
	reconciler *feed.Reconciler

	mu      sync.Mutex
	generic map[string]bool // releases known to carry no case number
}

// New registers the feed with env.
func New(env *feed.Env, desc feed.Descriptor, opts ...Option) *Feed {
	if desc.Collection == "" {
		desc.Collection = Collection
	}
	f := &Feed{canonical: DefaultCanonical, delay: DefaultDetailDelay, generic: make(map[string]bool)}
	for _, o := range opts {
		o(f)
	}
	limit := rate.Inf
	if f.delay > 0 {
		limit = rate.Every(f.delay)
	}
	f.limiter = rate.NewLimiter(limit, 1)
	f.reconciler = feed.NewReconciler(env, f.canonical)
	f.Base = feed.NewBase(env, desc, f, f.baseOpts...)
	env.Register(f)
	return f
}

// Parse reads the RSS document.
func (f *Feed) Parse(_ context.Context, payload []byte) ([]*incident.Record, error) {
	doc, err := gofeed.NewParser().Parse(bytes.NewReader(payload))
	if err != nil {
		return nil, feed.ParseError(Collection, err)
	}
	out := make([]*incident.Record, 0, len(doc.Items))
	for _, item := range doc.Items {
		if rec := f.record(item); rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *Feed) record(item *gofeed.Item) *incident.Record {
	id := ItemID(item.Link)
	if id == "" {
		return nil
	}
	var at time.Time
	if item.PublishedParsed != nil {
		at = item.PublishedParsed.UTC()
	}
	coll := f.Descriptor().Collection
	rec := incident.New(coll, id, at)
	rec.Type = Type
	rec.Items = map[string]any{
		"title":       item.Title,
		"link":        item.Link,
		"description": item.Description,
		"guid":        item.GUID,
	}
	if raw, err := json.Marshal(item); err == nil {
		rec.Raw = raw
	}

	link := feed.ExternalLink(item.Link, item.Title)
	if street := Street(item.Description); street != "" {
		rec.Location.Details = map[string]string{"street": street}
		link = feed.ItemLink(coll, id, item.Title)
	}
	posted := "an unknown date"
	if !at.IsZero() {
		posted = at.In(feed.Local).Format("Monday, January 2, 3:04:05 PM")
	}
	rec.Summary = fmt.Sprintf(`<span class="event-icon">&#x1F6A8;</span>&nbsp;%s published on %s`, link, posted)
	return rec
}

// ItemID is the last path segment of a release link.
func ItemID(link string) string {
	link = strings.TrimRight(strings.TrimSpace(link), "/")
	if i := strings.LastIndex(link, "/"); i >= 0 {
		return link[i+1:]
	}
	return link
}

// Street is the label of the first maps link in a release description.
func Street(description string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(description))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find(mapLinks).First().Text())
}

// Details extracts the case number and byline from a release page and
// renders them with the release description.
func Details(page []byte, description string) (caseKey, html string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", "", err
	}
	m := caseNumber.FindStringSubmatch(doc.Text())
	if m == nil {
		return "", "", fmt.Errorf("no case number")
	}
	caseKey = m[1]

	var byline strings.Builder
	if hr := doc.Find("hr").First(); hr.Length() > 0 {
		after := false
		hr.Parent().Contents().Each(func(_ int, s *goquery.Selection) {
			if after {
				h, _ := goquery.OuterHtml(s)
				byline.WriteString(h)
			}
			if goquery.NodeName(s) == "hr" {
				after = true
			}
		})
	}
	clean := strings.NewReplacer("\r", "", "\n", "")
	html = "Case #: " + caseKey + "<br/>" + clean.Replace(description) + "<br/>" + strings.TrimSpace(clean.Replace(byline.String()))
	return caseKey, html, nil
}

// Reconcile fetches the detail page of each release not yet resolved and
// merges it into the canonical incident with the same case number.
func (f *Feed) Reconcile(ctx context.Context, parsed []*incident.Record) error {
	for _, rec := range parsed {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec = rec.Clone()
		if f.isGeneric(rec.ID) {
			continue
		}
		stored, found, err := f.GetItemByID(ctx, rec.ID)
		if err == nil && found && stored.CaseKey != "" {
			rec = stored
		} else if err := f.resolve(ctx, rec); err != nil {
			f.Log().Debug("release not linked to a case", "id", rec.ID, "err", err)
			continue
		}

		out, err := f.reconciler.Merge(ctx, feed.Contribution{
			Feed:    f.Descriptor().Collection,
			ID:      rec.ID,
			CaseKey: rec.CaseKey,
			HTML:    "<p>" + rec.Details + "</p>",
		})
		if err != nil {
			f.Log().Warn("merge failed", "id", rec.ID, "case", rec.CaseKey, "err", err)
			continue
		}
		f.Log().Debug("release reconciled", "id", rec.ID, "case", rec.CaseKey, "outcome", out)
	}
	return nil
}

// resolve loads rec's detail page and saves the case number and details
// onto the stored release, leaving its other fields as stored.
func (f *Feed) resolve(ctx context.Context, rec *incident.Record) error {
	link, _ := rec.Items["link"].(string)
	if link == "" {
		return fmt.Errorf("no link")
	}
	if f.Descriptor().UseProxy {
		var err error
		if link, err = f.Env().Proxies.Proxify(link); err != nil {
			return err
		}
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	page, err := httpclient.Get(ctx, f.Env().Client, link, nil)
	if err != nil {
		return err
	}
	desc, _ := rec.Items["description"].(string)
	caseKey, html, err := Details(page, desc)
	if err != nil {
		f.markGeneric(rec.ID)
		return err
	}
	rec.CaseKey = caseKey
	rec.Details = html
	if _, err := f.PatchRecord(ctx, rec.ID, func(r *incident.Record) bool {
		r.CaseKey = caseKey
		r.Details = html
		return true
	}); err != nil {
		f.Log().Warn("release details not saved", "id", rec.ID, "err", err)
	}
	return nil
}

func (f *Feed) isGeneric(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generic[id]
}

func (f *Feed) markGeneric(id string) {
	f.mu.Lock()
	f.generic[id] = true
	f.mu.Unlock()
}

// ResolveLatLon geocodes the street named in the release.
func (f *Feed) ResolveLatLon(ctx context.Context, rec *incident.Record, update bool) (incident.Location, error) {
	if rec.Location.Resolved() {
		return rec.Location, nil
	}
	street := strings.Split(rec.Location.Details["street"], ",")[0]
	if street == "" || f.Env().Geocoder == nil {
		return rec.Location, nil
	}
	res, err := f.Env().Geocoder.Lookup(ctx, street)
	if err != nil {
		return rec.Location, fmt.Errorf("geocode %q: %w", street, err)
	}
	loc := rec.Clone()
	loc.SetLocation(res.Latitude, res.Longitude)
	if update {
		rec.SetLocation(res.Latitude, res.Longitude)
		if _, err := f.PatchRecord(ctx, rec.ID, func(r *incident.Record) bool {
			return r.SetLocation(res.Latitude, res.Longitude)
		}); err != nil {
			f.Log().Warn("location not saved", "id", rec.ID, "err", err)
		}
	}
	return loc.Location, nil
}

// ResolveExternalURL is the release page.
func (f *Feed) ResolveExternalURL(_ context.Context, rec *incident.Record) (string, error) {
	link, _ := rec.Items["link"].(string)
	return link, nil
}
