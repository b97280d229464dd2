// Package police reads the Toronto Police Service calls-for-service feed,
// an ArcGIS feature query returning JSON (optionally JSONP wrapped).
package police

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ionicresearchlabs/ionic/internal/feed"
	"github.com/ionicresearchlabs/ionic/internal/incident"
)

// Collection is the canonical incident collection other feeds merge into.
const Collection = "TorontoPoliceFeed"

// payloadSchema is the part of the ArcGIS response the parser relies on.
const payloadSchema = `{
  "type": "object",
  "required": ["features"],
  "properties": {
    "features": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["attributes"],
        "properties": {
          "attributes": {
            "type": "object",
            "required": ["OCCURRENCE_TIME_AGOL", "CALL_TYPE"],
            "properties": {
              "OCCURRENCE_TIME_AGOL": {"type": "number"},
              "CALL_TYPE": {"type": "string"},
              "DIVISION": {"type": ["string", "null"]},
              "CROSS_STREETS": {"type": ["string", "null"]}
            }
          },
          "geometry": {
            "type": ["object", "null"],
            "properties": {
              "x": {"type": "number"},
              "y": {"type": "number"}
            }
          }
        }
      }
    }
  }
}`

var schema = compileSchema()

func compileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("police.json", doc); err != nil {
		panic(err)
	}
	return c.MustCompile("police.json")
}

type response struct {
	Features []feature `json:"features"`
}

type feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"geometry"`
}

// Feed is the police dispatch feed.
type Feed struct {
	*feed.Base
}

// New registers the police feed with env.
func New(env *feed.Env, desc feed.Descriptor, opts ...feed.BaseOption) *Feed {
	if desc.Collection == "" {
		desc.Collection = Collection
	}
	f := &Feed{}
	f.Base = feed.NewBase(env, desc, f, opts...)
	env.Register(f)
	return f
}

// BuildURL adds the ArcGIS query parameters.
func (f *Feed) BuildURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("f", "json")
	q.Set("where", "1=1")
	q.Set("returnGeometry", "true")
	q.Set("outFields", "*")
	q.Set("inSR", "102100")
	q.Set("outSR", "4326")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Parse validates the payload and converts every feature.
func (f *Feed) Parse(_ context.Context, payload []byte) ([]*incident.Record, error) {
	body := feed.StripJSONP(payload)
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, feed.ParseError(Collection, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, feed.ParseError(Collection, err)
	}

	var resp response
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, feed.ParseError(Collection, err)
	}
	if len(resp.Features) == 0 {
		return nil, feed.ParseError(Collection, fmt.Errorf("no results in response"))
	}

	out := make([]*incident.Record, 0, len(resp.Features))
	for _, ft := range resp.Features {
		rec, err := f.record(ft)
		if err != nil {
			f.Log().Warn("skipping feature", "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *Feed) record(ft feature) (*incident.Record, error) {
	a := ft.Attributes
	ms, err := number(a["OCCURRENCE_TIME_AGOL"])
	if err != nil {
		return nil, fmt.Errorf("occurrence time: %w", err)
	}
	at := time.UnixMilli(ms).UTC()

	id := "c4s-" + strconv.FormatInt(ms, 10)
	caseKey := ""
	if ev := text(a["EVENT_NUMBER"]); ev != "" {
		id = fmt.Sprintf("%d-%s", at.In(feed.Local).Year(), ev)
		caseKey = id
	}

	rec := incident.New(f.Descriptor().Collection, id, at)
	rec.CaseKey = caseKey
	rec.Type = text(a["CALL_TYPE"])
	rec.Items = a
	if raw, err := json.Marshal(ft); err == nil {
		rec.Raw = raw
	}
	if ft.Geometry != nil {
		rec.SetLocation(ft.Geometry.Y, ft.Geometry.X)
	}
	streets := text(a["CROSS_STREETS"])
	if streets != "" {
		rec.Location.Details = map[string]string{"intersection": streets}
	}

	rec.Summary = fmt.Sprintf(`<span class="event-icon">&#x1F6A8;</span>&nbsp;%s on %s in %s at %s`,
		rec.Type,
		feed.ItemLink(f.Descriptor().Collection, id, streets),
		divisionLink(text(a["DIVISION"])),
		at.In(feed.Local).Format("3:04:05 PM"))
	return rec, nil
}

// divisionLink links to the division's page. Highway Patrol and the
// Public Safety Unit have their own pages.
func divisionLink(division string) string {
	d := strings.ReplaceAll(division, "D", "")
	switch d {
	case "HP":
		return feed.ExternalLink("http://www.torontopolice.on.ca/traffic/hp.php", "Highway Patrol Jurisdiction")
	case "PSU":
		return feed.ExternalLink("https://www.torontopolice.on.ca/publicsafetyoperations/", "Public Safety Unit Jurisdiction")
	case "":
		return "unknown division"
	}
	return feed.ExternalLink("http://www.torontopolice.on.ca/d"+d+"/", d+" division")
}

// ResolveDetailsHTML adds a street view link to the details.
func (f *Feed) ResolveDetailsHTML(_ context.Context, rec *incident.Record, level feed.DetailLevel) (string, error) {
	if level != feed.LevelDetails {
		return rec.Summary, nil
	}
	return feed.DetailsFrame(rec.Summary, feed.StreetViewHTML(rec.Location.Latitude, rec.Location.Longitude), rec.Details), nil
}

func number(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		fl, err := n.Float64()
		return int64(fl), err
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("not a number: %v", v)
}

func text(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	}
	return fmt.Sprint(v)
}
