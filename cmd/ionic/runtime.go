package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ionicresearchlabs/ionic/internal/bus"
	"github.com/ionicresearchlabs/ionic/internal/config"
	"github.com/ionicresearchlabs/ionic/internal/feed"
	"github.com/ionicresearchlabs/ionic/internal/feed/fire"
	"github.com/ionicresearchlabs/ionic/internal/feed/police"
	"github.com/ionicresearchlabs/ionic/internal/feed/pressrelease"
	"github.com/ionicresearchlabs/ionic/internal/feed/social"
	"github.com/ionicresearchlabs/ionic/internal/geocode"
	"github.com/ionicresearchlabs/ionic/internal/httpclient"
	"github.com/ionicresearchlabs/ionic/internal/incidentlist"
	"github.com/ionicresearchlabs/ionic/internal/logging"
	"github.com/ionicresearchlabs/ionic/internal/otel"
	"github.com/ionicresearchlabs/ionic/internal/store"
)

// ringSize is how many pipeline events the debug views keep in memory.
const ringSize = 2000

// loadConfig reads path, or the default config path when empty, or fatals.
func loadConfig(path string) *config.Config {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFrom(path)
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}
	return cfg
}

// eventDir is where the JSONL event log lives.
func eventDir(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "events")
}

// openStore opens the configured database or fatals.
func openStore(ctx context.Context, cfg *config.Config, events *otel.Logger) *store.Store {
	st := store.New(cfg.DatabaseDir(), store.WithLogger(logging.WithPrefix("store")), store.WithEvents(events))
	if err := st.Open(ctx, cfg.Database.Name, "", 0); err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	return st
}

type runtimeOptions struct {
	view      incidentlist.View
	cycleHook func(feed.CycleReport)
}

// runtime is everything one ionic process shares: store, buses, feeds,
// hub and the incident list.
type runtime struct {
	cfg       *config.Config
	env       *feed.Env
	transport bus.Transport
	hub       *feed.Hub
	list      *incidentlist.Controller
	kv        *config.KV
	events    *otel.Logger
	ring      *otel.RingBuffer

	eventFile   *os.File
	cancelWatch func()
}

// openRuntime wires the process. Logging must already be initialized.
func openRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	events, f, err := otel.OpenFile(eventDir(cfg))
	if err != nil {
		return nil, err
	}
	ring := otel.NewRingBuffer(ringSize)
	events.SetRingBuffer(ring)

	rt := &runtime{cfg: cfg, events: events, ring: ring, eventFile: f}
	rt.kv = config.NewKV(config.DefaultKVPath(cfg.DataDir))

	st := openStore(ctx, cfg, events)

	tr, err := bus.Select(cfg.Messaging.SharedDir,
		bus.WithRetention(time.Duration(cfg.Messaging.RetentionSec)*time.Second),
		bus.WithStorageLogger(logging.WithPrefix("bus")))
	if err != nil {
		st.Close()
		rt.closeEvents()
		return nil, fmt.Errorf("bus transport: %w", err)
	}
	rt.transport = tr

	feeds, err := bus.New(bus.ChannelFeeds, tr, bus.WithLogger(logging.WithPrefix("bus")), bus.WithEvents(events))
	if err != nil {
		tr.Close()
		st.Close()
		rt.closeEvents()
		return nil, fmt.Errorf("feeds bus: %w", err)
	}
	mp, err := bus.New(bus.ChannelMap, tr, bus.WithLogger(logging.WithPrefix("bus")), bus.WithEvents(events))
	if err != nil {
		feeds.Close()
		tr.Close()
		st.Close()
		rt.closeEvents()
		return nil, fmt.Errorf("map bus: %w", err)
	}

	rt.env = &feed.Env{
		DBName:  cfg.Database.Name,
		Store:   st,
		Feeds:   feeds,
		Map:     mp,
		Log:     logging.Logger,
		Events:  events,
		Client:  httpclient.Default(),
		Proxies: proxyList(cfg.Proxies),
	}
	if cfg.Geocoder.Enabled && cfg.Geocoder.URL != "" {
		rt.env.Geocoder = geocode.New(cfg.Geocoder.URL,
			geocode.WithSuffix(cfg.Geocoder.Suffix),
			geocode.WithRate(cfg.Geocoder.RatePerSec),
			geocode.WithDoer(httpclient.Default()))
	}

	var baseOpts []feed.BaseOption
	if opts.cycleHook != nil {
		baseOpts = append(baseOpts, feed.WithCycleHook(opts.cycleHook))
	}
	if err := buildFeeds(rt.env, cfg.EnabledFeeds(), baseOpts...); err != nil {
		rt.Close()
		return nil, err
	}

	rt.hub = feed.NewHub(rt.env,
		feed.WithRefreshThrottle(time.Duration(cfg.UI.RefreshThrottleSec)*time.Second),
		feed.WithTickerWindow(time.Duration(cfg.UI.TickerWindowMinutes)*time.Minute))

	listOpts := []incidentlist.Option{
		incidentlist.WithLogger(logging.WithPrefix("list")),
		incidentlist.WithEvents(events),
	}
	if cfg.UI.SortAscending {
		listOpts = append(listOpts, incidentlist.WithOrder(incidentlist.SortAsc))
	}
	if opts.view != nil {
		listOpts = append(listOpts, incidentlist.WithView(opts.view))
	}
	rt.list = incidentlist.New(st, listOpts...)
	rt.cancelWatch = rt.list.Attach(ctx, feeds)

	return rt, nil
}

// buildFeeds registers one feed per config entry with env.
func buildFeeds(env *feed.Env, feeds []config.FeedConfig, baseOpts ...feed.BaseOption) error {
	for _, fc := range feeds {
		desc := feed.Descriptor{
			Collection:      fc.Collection,
			Kind:            fc.Kind,
			URL:             fc.URL,
			DisplayInTicker: fc.Ticker,
			PollInterval:    fc.PollInterval(),
			MapMarker:       fc.MapMarker,
			UseProxy:        fc.UseProxy,
		}
		switch fc.Kind {
		case config.KindPolice:
			police.New(env, desc, baseOpts...)
		case config.KindFire:
			opts := []fire.Option{fire.WithBase(baseOpts...)}
			if fc.StationsFile != "" {
				opts = append(opts, fire.WithStationsFile(fc.StationsFile))
			}
			fire.New(env, desc, opts...)
		case config.KindPressRelease:
			opts := []pressrelease.Option{
				pressrelease.WithBase(baseOpts...),
				pressrelease.WithDetailDelay(time.Duration(fc.DetailDelayMs) * time.Millisecond),
			}
			if fc.Reconciles != "" {
				opts = append(opts, pressrelease.WithCanonical(fc.Reconciles))
			}
			pressrelease.New(env, desc, opts...)
		case config.KindSocial:
			opts := []social.Option{social.WithBase(baseOpts...)}
			if fc.Reconciles != "" {
				opts = append(opts, social.WithCanonical(fc.Reconciles))
			}
			social.New(env, desc, opts...)
		default:
			return fmt.Errorf("feed %s: unknown kind %q", fc.Collection, fc.Kind)
		}
	}
	return nil
}

func proxyList(cfgs []config.ProxyConfig) *feed.ProxyList {
	proxies := make([]feed.Proxy, 0, len(cfgs))
	for _, p := range cfgs {
		proxies = append(proxies, feed.Proxy{URL: p.URL, Action: p.Action, Encode: p.Encode})
	}
	return feed.NewProxyList(proxies...)
}

// Close stops feeds and releases everything in reverse order.
func (rt *runtime) Close() error {
	if rt.hub != nil {
		rt.hub.Stop()
	}
	if rt.cancelWatch != nil {
		rt.cancelWatch()
	}
	if rt.list != nil {
		rt.list.Wait()
	}
	var errs []error
	if rt.env != nil {
		errs = append(errs, rt.env.Feeds.Close(), rt.env.Map.Close())
	}
	if rt.transport != nil {
		errs = append(errs, rt.transport.Close())
	}
	if rt.env != nil {
		errs = append(errs, rt.env.Store.Close())
	}
	rt.closeEvents()
	return errors.Join(errs...)
}

func (rt *runtime) closeEvents() {
	rt.events.Close()
	if rt.eventFile != nil {
		rt.eventFile.Close()
		rt.eventFile = nil
	}
}
