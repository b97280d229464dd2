package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ionicresearchlabs/ionic/internal/logging"
	"github.com/ionicresearchlabs/ionic/internal/otel"
)

// ErrClosed is returned by Broadcast after Close.
var ErrClosed = errors.New("bus: closed")

// Handler receives messages. Handlers run on a transport goroutine and must
// not block for long.
type Handler func(Message)

// Transport moves envelopes between Bus instances.
type Transport interface {
	// Publish delivers env to every subscriber of env.Channel whose origin
	// differs from env.Origin.
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers fn for channel on behalf of origin.
	Subscribe(channel, origin string, fn func(Envelope)) (cancel func(), err error)
	Close() error
}

// Bus is one participant on a channel.
type Bus struct {
	channel string
	origin  string
	t       Transport
	log     *log.Logger
	events  *otel.Logger

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	unsub    func()
	closed   bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *log.Logger) Option { return func(b *Bus) { b.log = l } }

// WithEvents sets the pipeline event log.
func WithEvents(e *otel.Logger) Option { return func(b *Bus) { b.events = e } }

// New joins channel over t.
func New(channel string, t Transport, opts ...Option) (*Bus, error) {
	b := &Bus{
		channel:  channel,
		origin:   uuid.NewString(),
		t:        t,
		log:      logging.WithPrefix("bus"),
		handlers: make(map[int]Handler),
	}
	for _, o := range opts {
		o(b)
	}
	unsub, err := t.Subscribe(channel, b.origin, b.dispatch)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	b.unsub = unsub
	return b, nil
}

// Channel is the channel name.
func (b *Bus) Channel() string { return b.channel }

// Broadcast sends payload to every other subscriber of the channel. When
// includeSelf is set the message is also raised on this Bus's handlers
// before Broadcast returns. Payloads that cannot be encoded as JSON are
// sent as a lossy copy with the unsupported values dropped.
func (b *Bus) Broadcast(ctx context.Context, payload any, includeSelf bool) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := Encode(payload)
	if err != nil {
		return fmt.Errorf("broadcast on %s: %w", b.channel, err)
	}
	env := Envelope{
		ID:      uuid.NewString(),
		Time:    time.Now().UTC(),
		Type:    MessageType,
		Channel: b.channel,
		Origin:  b.origin,
		Data:    data,
	}
	if otel.TraceEnabled() {
		b.events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindBusSend, Comp: "bus", ID: env.ID, Msg: b.channel})
	}
	if err := b.t.Publish(ctx, env); err != nil {
		return fmt.Errorf("broadcast on %s: %w", b.channel, err)
	}
	if includeSelf {
		b.dispatch(env)
	}
	return nil
}

// OnMessage registers h. The returned func removes it.
func (b *Bus) OnMessage(h Handler) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) dispatch(env Envelope) {
	if env.Type != MessageType || env.Channel != b.channel {
		return
	}
	msg := newMessage(env)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	hs := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	if otel.TraceEnabled() {
		b.events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindBusReceive, Comp: "bus", ID: env.ID, Msg: b.channel})
	}
	for _, h := range hs {
		h(msg)
	}
}

// Close leaves the channel. The transport stays open for other buses.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	unsub := b.unsub
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	return nil
}

// Encode renders payload as JSON. When plain encoding fails, payload is
// copied with unsupported values (funcs, channels, NaN) dropped and the
// copy is encoded instead.
func Encode(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid raw payload")
		}
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err == nil {
		return data, nil
	}
	data, err2 := json.Marshal(sanitize(payload))
	if err2 != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
