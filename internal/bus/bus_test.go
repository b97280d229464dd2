package bus

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"
)

// collector gathers messages delivered to a Bus.
type collector struct {
	mu   sync.Mutex
	msgs []Message
	got  chan struct{}
}

func newCollector(b *Bus) *collector {
	c := &collector{got: make(chan struct{}, 64)}
	b.OnMessage(func(m Message) {
		c.mu.Lock()
		c.msgs = append(c.msgs, m)
		c.mu.Unlock()
		c.got <- struct{}{}
	})
	return c
}

func (c *collector) wait(t *testing.T, n int) []Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-deadline:
			t.Fatalf("timed out waiting for message %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type notice struct {
	Status Kind   `json:"status"`
	Source string `json:"source"`
}

func testTransports(t *testing.T) map[string]func() Transport {
	return map[string]func() Transport{
		"hub": func() Transport { return NewHub() },
		"storage": func() Transport {
			st, err := NewStorageTransport(t.TempDir(), WithRetention(time.Second))
			if err != nil {
				t.Fatalf("NewStorageTransport: %v", err)
			}
			return st
		},
	}
}

func TestBroadcastReachesOthersNotSelf(t *testing.T) {
	for name, mk := range testTransports(t) {
		t.Run(name, func(t *testing.T) {
			tr := mk()
			defer tr.Close()

			sender, err := New(ChannelFeeds, tr)
			if err != nil {
				t.Fatal(err)
			}
			receiver, _ := New(ChannelFeeds, tr)
			other, _ := New(ChannelMap, tr)
			self := newCollector(sender)
			got := newCollector(receiver)
			wrongChannel := newCollector(other)

			if err := sender.Broadcast(context.Background(), notice{Status: StatusNewItem, Source: "police"}, false); err != nil {
				t.Fatal(err)
			}

			msgs := got.wait(t, 1)
			if !msgs[0].IsStatus(StatusNewItem) {
				t.Errorf("status = %q", msgs[0].Status())
			}
			var n notice
			if err := msgs[0].Decode(&n); err != nil || n.Source != "police" {
				t.Errorf("decode: %+v %v", n, err)
			}

			time.Sleep(100 * time.Millisecond)
			if self.count() != 0 {
				t.Error("sender received its own broadcast")
			}
			if wrongChannel.count() != 0 {
				t.Error("other channel received the broadcast")
			}
		})
	}
}

func TestIncludeSelfIsSynchronous(t *testing.T) {
	tr := NewHub()
	defer tr.Close()
	b, _ := New(ChannelFeeds, tr)

	var got []Kind
	b.OnMessage(func(m Message) { got = append(got, m.Request()) })
	if err := b.Broadcast(context.Background(), map[string]string{"request": "isReady"}, true); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != RequestIsReady {
		t.Errorf("local delivery = %v", got)
	}
}

func TestStorageTransportAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	a, err := NewStorageTransport(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewStorageTransport(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	sender, _ := New(ChannelFeeds, a)
	receiver, _ := New(ChannelFeeds, b)
	got := newCollector(receiver)

	for i := 0; i < 3; i++ {
		if err := sender.Broadcast(context.Background(), notice{Status: StatusUpdateItem}, false); err != nil {
			t.Fatal(err)
		}
	}
	msgs := got.wait(t, 3)
	ids := map[string]bool{}
	for _, m := range msgs {
		ids[m.ID] = true
	}
	if len(ids) != 3 {
		t.Errorf("distinct ids = %d, want 3", len(ids))
	}
}

func TestStorageTransportIgnoresForeignFiles(t *testing.T) {
	st, err := NewStorageTransport(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	var called bool
	st.Subscribe(ChannelFeeds, "me", func(Envelope) { called = true })
	env, _ := json.Marshal(Envelope{ID: "1", Type: "Other", Channel: ChannelFeeds})
	path := st.dir + "/Feeds~1.msg"
	if err := writeFile(path, env); err != nil {
		t.Fatal(err)
	}
	st.receive(path)
	time.Sleep(50 * time.Millisecond)
	if called {
		t.Error("envelope with foreign type was delivered")
	}
}

func TestMarkSeenDeduplicates(t *testing.T) {
	st, err := NewStorageTransport(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if !st.markSeen("a") {
		t.Error("first sight should be new")
	}
	if st.markSeen("a") {
		t.Error("second sight should be a repeat")
	}
}

func TestBroadcastAfterClose(t *testing.T) {
	tr := NewHub()
	defer tr.Close()
	b, _ := New(ChannelFeeds, tr)
	b.Close()
	if err := b.Broadcast(context.Background(), "x", false); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestCancelHandler(t *testing.T) {
	tr := NewHub()
	defer tr.Close()
	b, _ := New(ChannelFeeds, tr)
	calls := 0
	cancel := b.OnMessage(func(Message) { calls++ })
	cancel()
	cancel()
	b.Broadcast(context.Background(), "x", true)
	if calls != 0 {
		t.Errorf("cancelled handler called %d times", calls)
	}
}

func TestEncodeDropsUnsupportedValues(t *testing.T) {
	type payload struct {
		Status   string         `json:"status"`
		Callback func()         `json:"callback"`
		Nested   map[string]any `json:"nested"`
		List     []any          `json:"list"`
		hidden   int
	}
	p := payload{
		Status:   "newItem",
		Callback: func() {},
		Nested:   map[string]any{"ok": 1, "ch": make(chan int), "nan": math.NaN()},
		List:     []any{"a", func() {}},
	}
	data, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["status"] != "newItem" {
		t.Errorf("status = %v", got["status"])
	}
	if _, ok := got["callback"]; ok {
		t.Error("func field should be dropped")
	}
	nested := got["nested"].(map[string]any)
	if _, ok := nested["ch"]; ok {
		t.Error("chan value should be dropped")
	}
	if nested["ok"] != float64(1) || nested["nan"] != nil {
		t.Errorf("nested = %v", nested)
	}
	list := got["list"].([]any)
	if len(list) != 2 || list[0] != "a" || list[1] != nil {
		t.Errorf("list = %v", list)
	}
}

func TestSelectTransport(t *testing.T) {
	tr, err := Select("")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.(*Hub); !ok {
		t.Errorf("empty dir: got %T, want *Hub", tr)
	}
	tr.Close()

	tr, err = Select(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.(*StorageTransport); !ok {
		t.Errorf("shared dir: got %T, want *StorageTransport", tr)
	}
	tr.Close()
}
