// Package feedtest builds feed environments for tests.
package feedtest

import (
	"context"
	"io"
	"testing"

	"github.com/ionicresearchlabs/ionic/internal/bus"
	"github.com/ionicresearchlabs/ionic/internal/feed"
	"github.com/ionicresearchlabs/ionic/internal/logging"
	"github.com/ionicresearchlabs/ionic/internal/otel"
	"github.com/ionicresearchlabs/ionic/internal/store"
)

// Env is a feed environment over a temporary store and an in-process bus.
type Env struct {
	*feed.Env
	Transport bus.Transport
}

// NewEnv opens a fresh "ionic" store under t.TempDir. Everything is closed
// when the test ends.
func NewEnv(t testing.TB) *Env {
	t.Helper()
	quiet := logging.New(io.Discard)
	st := store.New(t.TempDir(), store.WithLogger(quiet))
	if err := st.Open(context.Background(), "ionic", "", 0); err != nil {
		t.Fatalf("open store: %v", err)
	}
	tr := bus.NewHub()
	feeds, err := bus.New(bus.ChannelFeeds, tr, bus.WithLogger(quiet))
	if err != nil {
		t.Fatalf("feeds bus: %v", err)
	}
	mp, err := bus.New(bus.ChannelMap, tr, bus.WithLogger(quiet))
	if err != nil {
		t.Fatalf("map bus: %v", err)
	}
	t.Cleanup(func() {
		feeds.Close()
		mp.Close()
		tr.Close()
		st.Close()
	})
	return &Env{
		Env:       &feed.Env{DBName: "ionic", Store: st, Feeds: feeds, Map: mp, Log: quiet, Events: otel.NewNullLogger()},
		Transport: tr,
	}
}

// Listen joins channel with a new Bus and returns every message it
// receives on the returned channel.
func (e *Env) Listen(t testing.TB, channel string) (<-chan bus.Message, *bus.Bus) {
	t.Helper()
	b, err := bus.New(channel, e.Transport, bus.WithLogger(logging.New(io.Discard)))
	if err != nil {
		t.Fatalf("listen %s: %v", channel, err)
	}
	t.Cleanup(func() { b.Close() })
	ch := make(chan bus.Message, 256)
	b.OnMessage(func(m bus.Message) {
		select {
		case ch <- m:
		default:
		}
	})
	return ch, b
}
