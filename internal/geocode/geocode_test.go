package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestLookupPicksMostImportantAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got := r.URL.Query().Get("q"); got != "Yonge St and Bloor St, Toronto" {
			t.Errorf("q = %q", got)
		}
		w.Write([]byte(`[
			{"display_name":"low","category":"highway","lat":"43.1","lon":"-79.1","importance":0.2},
			{"display_name":"high","category":"highway","lat":"43.67","lon":"-79.38","importance":0.8},
			{"display_name":"bad","lat":"x","lon":"y","importance":0.9}
		]`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithSuffix(", Toronto"), WithRate(0))
	for i := 0; i < 2; i++ {
		r, err := c.Lookup(context.Background(), "Yonge St and Bloor St")
		if err != nil {
			t.Fatal(err)
		}
		if r.Name != "high" || r.Latitude != 43.67 || r.Longitude != -79.38 {
			t.Errorf("best = %+v", r)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1 (cached)", hits.Load())
	}
}

func TestLookupNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithRate(0))
	if _, err := c.Lookup(context.Background(), "nowhere"); !errors.Is(err, ErrNoResults) {
		t.Errorf("err = %v, want ErrNoResults", err)
	}
}

func TestDistance(t *testing.T) {
	// Toronto City Hall to CN Tower is roughly 1.2 km.
	d := Distance(43.6534, -79.3839, 43.6426, -79.3871, Kilometres, 1)
	if d < 1.1 || d > 1.3 {
		t.Errorf("distance = %v km", d)
	}
	mi := Distance(43.6534, -79.3839, 43.6426, -79.3871, Miles, 2)
	if mi < 0.68 || mi > 0.8 {
		t.Errorf("distance = %v mi", mi)
	}
	if Distance(1, 1, 1, 1, Kilometres, 2) != 0 {
		t.Error("same point should be zero")
	}
}
