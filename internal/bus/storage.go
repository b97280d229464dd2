package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/ionicresearchlabs/ionic/internal/logging"
)

const (
	msgSuffix = ".msg"

	// DefaultRetention is how long a message file stays in the shared
	// directory for late readers.
	DefaultRetention = 30 * time.Second

	seenLimit = 4096
)

// StorageTransport relays envelopes through a shared directory. Each
// broadcast is written atomically as one file named <channel>~<id>.msg;
// every process watching the directory reads it, filters by channel and
// type, and drops ids it has already seen.
type StorageTransport struct {
	dir       string
	retention time.Duration
	log       *log.Logger
	watcher   *fsnotify.Watcher

	mu   sync.RWMutex
	subs map[string]map[int]*hubSub
	next int

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// StorageOption configures a StorageTransport.
type StorageOption func(*StorageTransport)

// WithRetention sets how long message files are kept.
func WithRetention(d time.Duration) StorageOption {
	return func(t *StorageTransport) { t.retention = d }
}

// WithStorageLogger sets the transport logger.
func WithStorageLogger(l *log.Logger) StorageOption {
	return func(t *StorageTransport) { t.log = l }
}

// NewStorageTransport watches dir, creating it if needed.
func NewStorageTransport(dir string, opts ...StorageOption) (*StorageTransport, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create shared dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	t := &StorageTransport{
		dir:       dir,
		retention: DefaultRetention,
		log:       logging.WithPrefix("bus.storage"),
		watcher:   w,
		subs:      make(map[string]map[int]*hubSub),
		seen:      make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if t.retention <= 0 {
		t.retention = DefaultRetention
	}
	t.sweep()

	t.wg.Add(1)
	go t.watch()
	return t, nil
}

// Select returns a StorageTransport on sharedDir, or an in-process Hub
// when sharedDir is empty.
func Select(sharedDir string, opts ...StorageOption) (Transport, error) {
	if sharedDir == "" {
		return NewHub(), nil
	}
	return NewStorageTransport(sharedDir, opts...)
}

// Publish writes env to the shared directory.
func (t *StorageTransport) Publish(_ context.Context, env Envelope) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	name := env.Channel + "~" + env.ID + msgSuffix
	final := filepath.Join(t.dir, name)
	tmp := filepath.Join(t.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish message: %w", err)
	}
	time.AfterFunc(t.retention, func() { os.Remove(final) })
	return nil
}

// Subscribe implements Transport.
func (t *StorageTransport) Subscribe(channel, origin string, fn func(Envelope)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return nil, ErrClosed
	default:
	}
	id := t.next
	t.next++
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[int]*hubSub)
	}
	s := &hubSub{origin: origin, box: newMailbox(fn)}
	t.subs[channel][id] = s
	return func() {
		t.mu.Lock()
		delete(t.subs[channel], id)
		t.mu.Unlock()
		s.box.stop()
	}, nil
}

func (t *StorageTransport) watch() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.retention)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				t.receive(ev.Name)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.log.Warn("watcher error", "dir", t.dir, "err", err)
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *StorageTransport) receive(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, msgSuffix) {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		// Already swept, or still being renamed in.
		return
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.log.Debug("ignoring unreadable message", "file", base, "err", err)
		return
	}
	if env.Type != MessageType || env.ID == "" || !t.markSeen(env.ID) {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.subs[env.Channel] {
		if s.origin != env.Origin {
			s.box.put(env)
		}
	}
}

// markSeen records id and reports whether it was new.
func (t *StorageTransport) markSeen(id string) bool {
	t.seenMu.Lock()
	defer t.seenMu.Unlock()
	if _, ok := t.seen[id]; ok {
		return false
	}
	t.seen[id] = struct{}{}
	t.seenOrder = append(t.seenOrder, id)
	if len(t.seenOrder) > seenLimit {
		delete(t.seen, t.seenOrder[0])
		t.seenOrder = t.seenOrder[1:]
	}
	return true
}

// sweep removes message files older than twice the retention, left behind
// by processes that exited before their removal timers fired.
func (t *StorageTransport) sweep() {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-2 * t.retention)
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), msgSuffix) && !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(t.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				t.log.Debug("sweep failed", "file", e.Name(), "err", err)
			}
		}
	}
}

// Close stops watching and delivery.
func (t *StorageTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.watcher.Close()
		t.wg.Wait()
		t.mu.Lock()
		for _, byID := range t.subs {
			for _, s := range byID {
				s.box.stop()
			}
		}
		t.subs = nil
		t.mu.Unlock()
	})
	return err
}
