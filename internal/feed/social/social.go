// Package social scrapes the police operations timeline and merges posts
// that cite a case number into the matching dispatch incident. Posts are
// not stored on their own.
package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ionicresearchlabs/ionic/internal/feed"
	"github.com/ionicresearchlabs/ionic/internal/incident"
)

const (
	// Collection names the feed; it has no collection in the store.
	Collection = "TorontoPoliceTwitterFeed"
	// Type is the record type of every post.
	Type = "TorontoPoliceTwitter"
	// DefaultCanonical is the collection posts are merged into.
	DefaultCanonical = "TorontoPoliceFeed"
)

// goToken matches a "#GO<number>" case reference.
var goToken = regexp.MustCompile(`#GO(\d+)`)

// Post is one parsed timeline entry.
type Post struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Author    string    `json:"author,omitempty"`
	HTML      string    `json:"html"`
	Text      string    `json:"text"`
	Published time.Time `json:"published"`
}

// CaseKey derives the incident id a post refers to, or "".
func (p Post) CaseKey() string {
	m := goToken.FindStringSubmatch(p.Text)
	if m == nil {
		return ""
	}
	year := time.Now().In(feed.Local).Year()
	if !p.Published.IsZero() {
		year = p.Published.In(feed.Local).Year()
	}
	return fmt.Sprintf("%d-%s", year, m[1])
}

// Option configures the feed.
type Option func(*Feed)

// WithCanonical sets the collection posts are merged into.
func WithCanonical(collection string) Option {
	return func(f *Feed) { f.canonical = collection }
}

// WithBase passes options through to the shared poll cycle.
func WithBase(opts ...feed.BaseOption) Option {
	return func(f *Feed) { f.baseOpts = append(f.baseOpts, opts...) }
}

// Feed is the timeline feed.
type Feed struct {
	*feed.Base

	canonical  string
	baseOpts   []feed.BaseOption
	reconciler *feed.Reconciler
}

// New registers the feed with env. The feed is always transient.
func New(env *feed.Env, desc feed.Descriptor, opts ...Option) *Feed {
	if desc.Collection == "" {
		desc.Collection = Collection
	}
	desc.Transient = true
	f := &Feed{canonical: DefaultCanonical}
	for _, o := range opts {
		o(f)
	}
	f.reconciler = feed.NewReconciler(env, f.canonical)
	f.Base = feed.NewBase(env, desc, f, f.baseOpts...)
	env.Register(f)
	return f
}

// timelineEnvelope is the JSON form of the timeline endpoint.
type timelineEnvelope struct {
	Body string `json:"body"`
}

// ParseTimeline extracts posts from timeline HTML, or from the JSON (or
// JSONP) envelope carrying it.
func ParseTimeline(payload []byte) ([]Post, error) {
	body := feed.StripJSONP(payload)
	if len(body) > 0 && body[0] == '{' {
		var env timelineEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, err
		}
		body = []byte(env.Body)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var posts []Post
	doc.Find(".timeline-Tweet").Each(func(_ int, s *goquery.Selection) {
		id, _ := s.Attr("data-tweet-id")
		if id == "" {
			return
		}
		textSel := s.Find(".timeline-Tweet-text").First()
		html, _ := textSel.Html()
		p := Post{
			ID:     id,
			URL:    s.AttrOr("data-click-to-open-target", ""),
			Author: strings.TrimSpace(s.Find(".TweetAuthor-screenName").First().Text()),
			HTML:   strings.TrimSpace(html),
			Text:   strings.TrimSpace(textSel.Text()),
		}
		if dt, ok := s.Find(".timeline-Tweet-metadata time").First().Attr("datetime"); ok {
			if t, err := time.Parse(time.RFC3339, dt); err == nil {
				p.Published = t.UTC()
			}
		}
		posts = append(posts, p)
	})
	return posts, nil
}

// Parse turns timeline posts into records.
func (f *Feed) Parse(_ context.Context, payload []byte) ([]*incident.Record, error) {
	posts, err := ParseTimeline(payload)
	if err != nil {
		return nil, feed.ParseError(Collection, err)
	}
	out := make([]*incident.Record, 0, len(posts))
	for _, p := range posts {
		rec := incident.New(f.Descriptor().Collection, p.ID, p.Published)
		rec.Type = Type
		rec.CaseKey = p.CaseKey()
		rec.Summary = p.HTML
		rec.Details = MergeHTML(p)
		rec.Items = map[string]any{"url": p.URL, "author": p.Author, "text": p.Text}
		if raw, err := json.Marshal(p); err == nil {
			rec.Raw = raw
		}
		out = append(out, rec)
	}
	return out, nil
}

// MergeHTML renders a post for the details of an incident.
func MergeHTML(p Post) string {
	when := ""
	if !p.Published.IsZero() {
		when = p.Published.In(feed.Local).Format("Mon, Jan 2, 2006, 3:04:05 PM")
	}
	return when + "<br/>" + feed.ExternalLink(p.URL, p.URL) + "<br/><br/>" + p.HTML
}

// Reconcile merges every post that cites a case number.
func (f *Feed) Reconcile(ctx context.Context, parsed []*incident.Record) error {
	for _, rec := range parsed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.CaseKey == "" {
			continue
		}
		out, err := f.reconciler.Merge(ctx, feed.Contribution{
			Feed:    f.Descriptor().Collection,
			ID:      rec.ID,
			CaseKey: rec.CaseKey,
			HTML:    rec.Details,
		})
		if err != nil {
			f.Log().Warn("merge failed", "id", rec.ID, "case", rec.CaseKey, "err", err)
			continue
		}
		f.Log().Debug("post reconciled", "id", rec.ID, "case", rec.CaseKey, "outcome", out)
	}
	return nil
}

// ResolveExternalURL is the post's own link.
func (f *Feed) ResolveExternalURL(_ context.Context, rec *incident.Record) (string, error) {
	u, _ := rec.Items["url"].(string)
	return u, nil
}
