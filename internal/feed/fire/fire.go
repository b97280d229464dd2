// Package fire reads the Toronto Fire Services active incident CAD feed.
package fire

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ionicresearchlabs/ionic/internal/feed"
	"github.com/ionicresearchlabs/ionic/internal/incident"
)

// Collection is the fire feed's collection.
const Collection = "TorontoFireFeed"

// dispatchLayouts are the timestamp forms seen in the feed, local time.
var dispatchLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
}

// Station is one fire hall.
type Station struct {
	ID        json.Number `json:"stationId"`
	Name      string      `json:"name,omitempty"`
	Address   string      `json:"address,omitempty"`
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
}

type cad struct {
	UpdatedAt string     `xml:"update_from_db_time"`
	Events    []cadEvent `xml:"event"`
}

type cadEvent struct {
	Fields []struct {
		XMLName xml.Name
		Value   string `xml:",chardata"`
	} `xml:",any"`
}

func (e cadEvent) values() map[string]string {
	m := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		m[f.XMLName.Local] = strings.TrimSpace(f.Value)
	}
	return m
}

// Option configures the fire feed.
type Option func(*Feed)

// WithStationsFile loads the station table from a JSON file on first use.
func WithStationsFile(path string) Option {
	return func(f *Feed) { f.stationsFile = path }
}

// WithStations sets the station table directly.
func WithStations(stations []Station) Option {
	return func(f *Feed) {
		f.stationsOnce.Do(func() {})
		f.stations = indexStations(stations)
	}
}

// WithBase passes options through to the shared poll cycle.
func WithBase(opts ...feed.BaseOption) Option {
	return func(f *Feed) { f.baseOpts = append(f.baseOpts, opts...) }
}

// Feed is the fire CAD feed.
type Feed struct {
	*feed.Base

	baseOpts     []feed.BaseOption
	stationsFile string
	stationsOnce sync.Once
	stations     map[string]Station

	mu        sync.RWMutex
	updatedAt time.Time
}

// New registers the fire feed with env.
func New(env *feed.Env, desc feed.Descriptor, opts ...Option) *Feed {
	if desc.Collection == "" {
		desc.Collection = Collection
	}
	f := &Feed{}
	for _, o := range opts {
		o(f)
	}
	f.Base = feed.NewBase(env, desc, f, f.baseOpts...)
	env.Register(f)
	return f
}

func indexStations(stations []Station) map[string]Station {
	m := make(map[string]Station, len(stations))
	for _, s := range stations {
		m[s.ID.String()] = s
	}
	return m
}

// Station looks up the hall for a beat.
func (f *Feed) Station(beat string) (Station, bool) {
	f.stationsOnce.Do(func() {
		if f.stationsFile == "" {
			return
		}
		data, err := os.ReadFile(f.stationsFile)
		if err != nil {
			f.Log().Warn("station table unavailable", "path", f.stationsFile, "err", err)
			return
		}
		var list []Station
		if err := json.Unmarshal(data, &list); err != nil {
			f.Log().Warn("station table unreadable", "path", f.stationsFile, "err", err)
			return
		}
		f.stations = indexStations(list)
	})
	beat = strings.TrimLeft(strings.TrimSpace(beat), "0")
	s, ok := f.stations[beat]
	return s, ok
}

// UpdatedAt is the feed's own last update time from the latest payload.
func (f *Feed) UpdatedAt() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.updatedAt
}

// Parse reads the CAD XML document.
func (f *Feed) Parse(_ context.Context, payload []byte) ([]*incident.Record, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, feed.ParseError(Collection, fmt.Errorf("response was empty"))
	}
	var doc cad
	if err := xml.Unmarshal(payload, &doc); err != nil {
		return nil, feed.ParseError(Collection, err)
	}
	if t, err := parseTime(doc.UpdatedAt); err == nil {
		f.mu.Lock()
		f.updatedAt = t
		f.mu.Unlock()
	}

	out := make([]*incident.Record, 0, len(doc.Events))
	for _, ev := range doc.Events {
		v := ev.values()
		if v["event_num"] == "" {
			f.Log().Warn("event without number", "type", v["event_type"])
			continue
		}
		at, err := parseTime(v["dispatch_time"])
		if err != nil {
			f.Log().Warn("bad dispatch time", "event", v["event_num"], "value", v["dispatch_time"])
			at = time.Time{}
		}
		out = append(out, f.record(v, at))
	}
	return out, nil
}

func (f *Feed) record(v map[string]string, at time.Time) *incident.Record {
	id := v["event_num"]
	rec := incident.New(f.Descriptor().Collection, id, at)
	rec.Type = v["event_type"]

	items := make(map[string]any, len(v))
	for k, val := range v {
		items[k] = val
	}
	rec.Items = items
	if raw, err := json.Marshal(v); err == nil {
		rec.Raw = raw
	}

	details := map[string]string{}
	if prime := v["prime_street"]; len(prime) == 3 {
		details["postalCode"] = prime
	} else if prime != "" {
		details["street"] = prime
	}
	if cross := v["cross_streets"]; cross != "" {
		details["intersection"] = cross
	}
	if st, ok := f.Station(v["beat"]); ok {
		details["station"] = st.ID.String()
		details["stationLatitude"] = strconv.FormatFloat(st.Latitude, 'f', -1, 64)
		details["stationLongitude"] = strconv.FormatFloat(st.Longitude, 'f', -1, 64)
	}
	rec.Location.Details = details

	where := v["prime_street"] + " - " + v["cross_streets"]
	rec.Summary = fmt.Sprintf(`<span class="event-icon">&#128293;</span>&nbsp;%s&nbsp;%s on %s;&nbsp;%s dispatched at %s`,
		rec.Type,
		AlarmLevelHTML(v["alarm_lev"]),
		feed.ItemLink(f.Descriptor().Collection, id, where),
		UnitsHTML(v["units_disp"]),
		at.In(feed.Local).Format("3:04:05 PM"))
	return rec
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dispatchLayouts {
		if t, err := time.ParseInLocation(layout, s, feed.Local); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// ResolveLatLon geocodes the street and falls back to the dispatching
// station. With update set, a resolved location is persisted.
func (f *Feed) ResolveLatLon(ctx context.Context, rec *incident.Record, update bool) (incident.Location, error) {
	if rec.Location.Resolved() {
		return rec.Location, nil
	}
	d := rec.Location.Details
	lat, lon, ok := 0.0, 0.0, false

	if street := d["street"]; street != "" && f.Env().Geocoder != nil {
		street = strings.Split(street, ",")[0]
		res, err := f.Env().Geocoder.Lookup(ctx, street)
		if err == nil {
			lat, lon, ok = res.Latitude, res.Longitude, true
		} else {
			f.Log().Debug("geocode failed", "id", rec.ID, "street", street, "err", err)
		}
	}
	if !ok {
		slat, err1 := strconv.ParseFloat(d["stationLatitude"], 64)
		slon, err2 := strconv.ParseFloat(d["stationLongitude"], 64)
		if err1 != nil || err2 != nil {
			return rec.Location, nil
		}
		lat, lon = slat, slon
	}

	resolved := rec.Clone()
	resolved.SetLocation(lat, lon)
	if update {
		rec.SetLocation(lat, lon)
		if _, err := f.PatchRecord(ctx, rec.ID, func(r *incident.Record) bool {
			return r.SetLocation(lat, lon)
		}); err != nil {
			f.Log().Warn("location not saved", "id", rec.ID, "err", err)
		}
	}
	return resolved.Location, nil
}

// ResolveDetailsHTML adds the incident number and a street view link.
func (f *Feed) ResolveDetailsHTML(_ context.Context, rec *incident.Record, level feed.DetailLevel) (string, error) {
	if level != feed.LevelDetails {
		return rec.Summary, nil
	}
	prefix := `<p>Incident <span style="font-weight:bold;">` + rec.ID + `</span></p>` +
		feed.StreetViewHTML(rec.Location.Latitude, rec.Location.Longitude)
	return feed.DetailsFrame(rec.Summary, prefix, rec.Details), nil
}
