// Package geocode resolves free-form addresses to coordinates through a
// Nominatim-compatible search endpoint and computes distances.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ionicresearchlabs/ionic/internal/httpclient"
)

// ErrNoResults means the provider returned nothing for the query.
var ErrNoResults = errors.New("geocode: no results")

// Result is one geocoding match.
type Result struct {
	Name       string          `json:"name"`
	Category   string          `json:"category"`
	Latitude   float64         `json:"latitude"`
	Longitude  float64         `json:"longitude"`
	Confidence float64         `json:"confidence"` // 0..1, higher is better
	Data       json.RawMessage `json:"data,omitempty"`
}

// Resolver is what feeds need from a geocoder.
type Resolver interface {
	Lookup(ctx context.Context, query string) (Result, error)
}

// Client queries a Nominatim search endpoint. Requests are rate limited and
// successful lookups are cached for the life of the client.
type Client struct {
	endpoint string
	suffix   string
	doer     httpclient.Doer
	limiter  *rate.Limiter

	mu    sync.Mutex
	cache map[string]Result
}

// Option configures a Client.
type Option func(*Client)

// WithSuffix appends s to every query (", Toronto, Ontario, Canada").
func WithSuffix(s string) Option { return func(c *Client) { c.suffix = s } }

// WithDoer replaces the HTTP client.
func WithDoer(d httpclient.Doer) Option { return func(c *Client) { c.doer = d } }

// WithRate sets the request rate. Zero or less disables limiting.
func WithRate(perSec float64) Option {
	return func(c *Client) {
		if perSec <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	}
}

// New returns a client for endpoint. Nominatim's usage policy allows one
// request per second, which is the default rate.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		doer:     httpclient.Default(),
		limiter:  rate.NewLimiter(rate.Limit(1), 1),
		cache:    make(map[string]Result),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type nominatimPlace struct {
	DisplayName string  `json:"display_name"`
	Category    string  `json:"category"`
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	Importance  float64 `json:"importance"`
}

// Search returns every match for query and the one with the highest
// confidence.
func (c *Client) Search(ctx context.Context, query string) (Result, []Result, error) {
	q := strings.TrimSpace(query) + c.suffix
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return Result{}, nil, fmt.Errorf("geocode endpoint: %w", err)
	}
	params := u.Query()
	params.Set("q", q)
	params.Set("format", "jsonv2")
	params.Set("addressdetails", "1")
	params.Set("polygon_geojson", "0")
	u.RawQuery = params.Encode()

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, nil, err
	}
	body, err := httpclient.Get(ctx, c.doer, u.String(), nil)
	if err != nil {
		return Result{}, nil, fmt.Errorf("geocode %q: %w", q, err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Result{}, nil, fmt.Errorf("geocode %q: decode: %w", q, err)
	}
	var best Result
	results := make([]Result, 0, len(raw))
	for _, r := range raw {
		var p nominatimPlace
		if err := json.Unmarshal(r, &p); err != nil {
			continue
		}
		lat, err1 := strconv.ParseFloat(p.Lat, 64)
		lon, err2 := strconv.ParseFloat(p.Lon, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		res := Result{Name: p.DisplayName, Category: p.Category, Latitude: lat, Longitude: lon, Confidence: p.Importance, Data: r}
		results = append(results, res)
		if len(results) == 1 || res.Confidence > best.Confidence {
			best = res
		}
	}
	if len(results) == 0 {
		return Result{}, nil, fmt.Errorf("geocode %q: %w", q, ErrNoResults)
	}
	return best, results, nil
}

// Lookup returns the best match for query, from cache when possible.
func (c *Client) Lookup(ctx context.Context, query string) (Result, error) {
	key := strings.ToLower(strings.TrimSpace(query))
	c.mu.Lock()
	if r, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	best, _, err := c.Search(ctx, query)
	if err != nil {
		return Result{}, err
	}
	c.mu.Lock()
	c.cache[key] = best
	c.mu.Unlock()
	return best, nil
}

// Unit is a distance unit.
type Unit string

const (
	Kilometres Unit = "km"
	Miles      Unit = "mi"
)

const (
	earthRadiusKm = 6371.0
	kmPerMile     = 1.609344
)

// Distance is the great-circle distance between two points, rounded to
// precision decimal places.
func Distance(lat1, lon1, lat2, lon2 float64, unit Unit, precision int) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	d := earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	if unit == Miles {
		d /= kmPerMile
	}
	scale := math.Pow(10, float64(precision))
	return math.Round(d*scale) / scale
}
