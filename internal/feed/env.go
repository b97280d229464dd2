package feed

import (
	"sync"

	"github.com/charmbracelet/log"

	"github.com/ionicresearchlabs/ionic/internal/bus"
	"github.com/ionicresearchlabs/ionic/internal/geocode"
	"github.com/ionicresearchlabs/ionic/internal/httpclient"
	"github.com/ionicresearchlabs/ionic/internal/logging"
	"github.com/ionicresearchlabs/ionic/internal/otel"
	"github.com/ionicresearchlabs/ionic/internal/store"
)

// Env is the context shared by every feed: one store, one Feeds bus and
// one Map bus, passed explicitly at construction.
type Env struct {
	DBName   string
	Store    *store.Store
	Feeds    *bus.Bus
	Map      *bus.Bus
	Log      *log.Logger
	Events   *otel.Logger
	Geocoder geocode.Resolver // nil disables geocoding
	Client   httpclient.Doer
	Proxies  *ProxyList

	mu      sync.RWMutex
	order   []string
	sources map[string]Source

	lockMu sync.Mutex
	locks  map[string]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

// LockRecord serializes read-modify-write on one stored record across
// feeds. Call the returned func to release.
func (e *Env) LockRecord(collection, id string) (unlock func()) {
	key := collection + "/" + id
	e.lockMu.Lock()
	if e.locks == nil {
		e.locks = make(map[string]*recordLock)
	}
	l := e.locks[key]
	if l == nil {
		l = &recordLock{}
		e.locks[key] = l
	}
	l.refs++
	e.lockMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.lockMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, key)
		}
		e.lockMu.Unlock()
	}
}

// Logger returns a logger for component, falling back to the global one.
func (e *Env) Logger(component string) *log.Logger {
	if e.Log != nil {
		return e.Log.WithPrefix(component)
	}
	return logging.WithPrefix(component)
}

// Register adds s to the registry under its collection name.
func (e *Env) Register(s Source) {
	name := s.Descriptor().Collection
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sources == nil {
		e.sources = make(map[string]Source)
	}
	if _, ok := e.sources[name]; !ok {
		e.order = append(e.order, name)
	}
	e.sources[name] = s
}

// Lookup returns the feed owning collection.
func (e *Env) Lookup(collection string) (Source, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sources[collection]
	return s, ok
}

// Sources returns every registered feed in registration order.
func (e *Env) Sources() []Source {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Source, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.sources[name])
	}
	return out
}
