package police

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/ionicresearchlabs/ionic/internal/feed"
	"github.com/ionicresearchlabs/ionic/internal/feed/feedtest"
)

func serve(t *testing.T, body []byte) (*httptest.Server, <-chan url.Values) {
	t.Helper()
	queries := make(chan url.Values, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case queries <- r.URL.Query():
		default:
		}
		w.Header().Set("Content-Type", "application/javascript")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, queries
}

func TestLoadParsesAndStores(t *testing.T) {
	body, err := os.ReadFile("testdata/c4s.jsonp")
	if err != nil {
		t.Fatal(err)
	}
	srv, queries := serve(t, body)
	env := feedtest.NewEnv(t)
	ctx := context.Background()

	f := New(env.Env, feed.Descriptor{URL: srv.URL + "/query"})
	if err := f.CheckCollection(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-f.Load(ctx, feed.LoadOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	q := <-queries
	if q.Get("f") != "json" || q.Get("outSR") != "4326" || q.Get("where") != "1=1" || q.Get("timeStamp") == "" {
		t.Errorf("query = %v", q)
	}

	latest := f.LatestData()
	if len(latest) != 2 {
		t.Fatalf("LatestData = %d records", len(latest))
	}
	withEvent, plain := latest[0], latest[1]
	if withEvent.ID != "2024-1234567" || withEvent.CaseKey != withEvent.ID {
		t.Errorf("event-numbered record id=%q caseKey=%q", withEvent.ID, withEvent.CaseKey)
	}
	if plain.ID != "c4s-1714570200000" || plain.CaseKey != "" {
		t.Errorf("plain record id=%q caseKey=%q", plain.ID, plain.CaseKey)
	}
	if plain.Type != "ASSAULT" || plain.Location.Latitude != 43.6478 || plain.Location.Longitude != -79.4032 {
		t.Errorf("plain record = %+v", plain)
	}
	if !strings.Contains(plain.Summary, "/d14/") || !strings.Contains(withEvent.Summary, "Highway Patrol") {
		t.Errorf("division links: %q / %q", plain.Summary, withEvent.Summary)
	}

	got, found, err := f.GetItemByID(ctx, "2024-1234567")
	if err != nil || !found || got.Type != "COLLISION" {
		t.Fatalf("GetItemByID = %+v, %v, %v", got, found, err)
	}
}

func TestParseRejectsMalformedPayloads(t *testing.T) {
	env := feedtest.NewEnv(t)
	f := New(env.Env, feed.Descriptor{})
	for name, body := range map[string]string{
		"not json":         "<html>",
		"missing features": `{"error": {"code": 400}}`,
		"bad attributes":   `{"features": [{"attributes": {"CALL_TYPE": 7}}]}`,
		"empty":            `{"features": []}`,
	} {
		if _, err := f.Parse(context.Background(), []byte(body)); !errors.Is(err, feed.ErrParseFailure) {
			t.Errorf("%s: err = %v, want ErrParseFailure", name, err)
		}
	}
}

func TestBuildURLKeepsEndpointQuery(t *testing.T) {
	env := feedtest.NewEnv(t)
	f := New(env.Env, feed.Descriptor{})
	got, err := f.BuildURL("https://services.invalid/FeatureServer/0/query?token=abc")
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(got)
	if u.Query().Get("token") != "abc" || u.Query().Get("returnGeometry") != "true" {
		t.Errorf("BuildURL = %s", got)
	}
}

func TestDetailsIncludeStreetView(t *testing.T) {
	env := feedtest.NewEnv(t)
	f := New(env.Env, feed.Descriptor{})
	recs, err := f.Parse(context.Background(), []byte(`{"features":[{"attributes":{"OCCURRENCE_TIME_AGOL":1714570200000,"CALL_TYPE":"FIRE","DIVISION":"D52"},"geometry":{"x":-79.38,"y":43.65}}]}`))
	if err != nil || len(recs) != 1 {
		t.Fatalf("Parse = %v, %v", recs, err)
	}
	html, _ := f.ResolveDetailsHTML(context.Background(), recs[0], feed.LevelDetails)
	if !strings.Contains(html, "viewpoint=43.65,-79.38") || !strings.Contains(html, feed.NoDetails) {
		t.Errorf("details = %q", html)
	}
}
