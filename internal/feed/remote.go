package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ionicresearchlabs/ionic/internal/bus"
	"github.com/ionicresearchlabs/ionic/internal/incident"
)

// RemoteRenderer asks whichever hub owns the feeds to render details over
// the bus and waits for the matching response.
type RemoteRenderer struct {
	b      *bus.Bus
	cancel func()

	mu     sync.Mutex
	active map[string]chan DetailsResponse
}

// NewRemoteRenderer listens for responses on b until Close.
func NewRemoteRenderer(b *bus.Bus) *RemoteRenderer {
	r := &RemoteRenderer{b: b, active: make(map[string]chan DetailsResponse)}
	r.cancel = b.OnMessage(r.receive)
	return r
}

func (r *RemoteRenderer) receive(m bus.Message) {
	if !m.IsStatus(bus.StatusResolveDetailsHTML) {
		return
	}
	var resp DetailsResponse
	if err := m.Decode(&resp); err != nil || resp.RequestID == "" {
		return
	}
	r.mu.Lock()
	ch, ok := r.active[resp.RequestID]
	delete(r.active, resp.RequestID)
	r.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// Resolve requests the rendering of rec from source at level. It blocks
// until a response arrives or ctx is done.
func (r *RemoteRenderer) Resolve(ctx context.Context, source string, rec *incident.Record, level DetailLevel) (string, error) {
	id := uuid.NewString()
	ch := make(chan DetailsResponse, 1)
	r.mu.Lock()
	r.active[id] = ch
	r.mu.Unlock()

	req := DetailsRequest{
		Request:     bus.RequestResolveDetailsHTML,
		RequestID:   id,
		Source:      source,
		DataItem:    rec,
		DetailLevel: level,
	}
	if err := r.b.Broadcast(ctx, req, false); err != nil {
		r.forget(id)
		return "", err
	}

	select {
	case resp := <-ch:
		return resp.DetailHTML, nil
	case <-ctx.Done():
		r.forget(id)
		return "", fmt.Errorf("resolve details %s/%s: %w", source, rec.ID, ctx.Err())
	}
}

// Pending is the number of requests awaiting a response.
func (r *RemoteRenderer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *RemoteRenderer) forget(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// Close stops listening. Requests in flight wait for their context.
func (r *RemoteRenderer) Close() {
	r.cancel()
}
