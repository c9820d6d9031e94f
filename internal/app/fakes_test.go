package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/voicerelay/voicerelay/internal/rtc"
)

// fakeProvider is an in-memory stand-in for the media router. Hooks
// let tests interleave other work with the "async" provider call.
type fakeProvider struct {
	mu         sync.Mutex
	ready      bool
	canConsume bool
	nextID     int

	createTransportHook func()
	produceHook         func()
	consumeHook         func()

	lastTransport *fakeTransport
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{ready: true, canConsume: true}
}

func (f *fakeProvider) id(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeProvider) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeProvider) Capabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"}]}`)
}

func (f *fakeProvider) CreateTransport(context.Context) (rtc.Transport, error) {
	if hook := f.createTransportHook; hook != nil {
		hook()
	}
	tr := &fakeTransport{provider: f, tid: f.id("t")}
	f.mu.Lock()
	f.lastTransport = tr
	f.mu.Unlock()
	return tr, nil
}

func (f *fakeProvider) CanConsume(string, json.RawMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canConsume
}

func (f *fakeProvider) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = false
}

type fakeTransport struct {
	provider *fakeProvider
	tid      string
	closed   bool
	mu       sync.Mutex
}

func (t *fakeTransport) ID() string { return t.tid }

func (t *fakeTransport) Parameters() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q}`, t.tid))
}

func (t *fakeTransport) Connect(context.Context, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"connected":true}`), nil
}

func (t *fakeTransport) Produce(_ context.Context, kind string, _ json.RawMessage) (rtc.Producer, error) {
	if hook := t.provider.produceHook; hook != nil {
		hook()
	}
	return &fakeProducer{pid: t.provider.id("p"), kind: kind}, nil
}

func (t *fakeTransport) Consume(_ context.Context, producerID string, _ json.RawMessage) (rtc.Consumer, error) {
	if hook := t.provider.consumeHook; hook != nil {
		hook()
	}
	if !t.provider.CanConsume(producerID, nil) {
		return nil, rtc.ErrCannotConsume
	}
	return &fakeConsumer{cid: t.provider.id("c"), producerID: producerID}, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeProducer struct {
	pid  string
	kind string

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func (p *fakeProducer) ID() string   { return p.pid }
func (p *fakeProducer) Kind() string { return p.kind }

func (p *fakeProducer) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	callbacks := p.onClose
	p.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

func (p *fakeProducer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeConsumer struct {
	cid        string
	producerID string

	mu     sync.Mutex
	closed bool
}

func (c *fakeConsumer) ID() string         { return c.cid }
func (c *fakeConsumer) Kind() string       { return "audio" }
func (c *fakeConsumer) ProducerID() string { return c.producerID }

func (c *fakeConsumer) Parameters() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"producerId":%q}`, c.cid, c.producerID))
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("already closed")
	}
	c.closed = true
	return nil
}

func (c *fakeConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeSink records every frame delivered to a peer, decoded into its
// event envelope.
type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
}

type recordedEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (s *fakeSink) TrySend(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *fakeSink) events(t interface{ Fatalf(string, ...any) }) []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedEvent, 0, len(s.frames))
	for _, f := range s.frames {
		var ev recordedEvent
		if err := json.Unmarshal(f, &ev); err != nil {
			t.Fatalf("bad event frame %s: %v", f, err)
		}
		out = append(out, ev)
	}
	return out
}

func (s *fakeSink) countEvents(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		var ev recordedEvent
		if json.Unmarshal(f, &ev) == nil && ev.Event == name {
			n++
		}
	}
	return n
}
