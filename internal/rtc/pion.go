package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type codecCapability struct {
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}

type routerCapabilities struct {
	Codecs []codecCapability `json:"codecs"`
}

type receiverCapabilities struct {
	Codecs []codecCapability `json:"codecs"`
}

// PionProvider is the process-wide media router built on pion/webrtc.
// One instance lives for the lifetime of the process.
type PionProvider struct {
	api  *webrtc.API
	cfg  webrtc.Configuration
	caps json.RawMessage

	ready atomic.Bool

	mu         sync.RWMutex
	transports map[string]*pionTransport
	producers  map[string]*pionProducer
}

// NewPionProvider builds the shared router. The provider is Ready as
// soon as this returns without error.
func NewPionProvider(iceURLs []string) (*PionProvider, error) {
	me := &webrtc.MediaEngine{}
	opus := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}
	if err := me.RegisterCodec(opus, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	caps, err := json.Marshal(routerCapabilities{
		Codecs: []codecCapability{{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}},
	})
	if err != nil {
		return nil, err
	}

	cfg := webrtc.Configuration{}
	if len(iceURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceURLs}}
	}

	p := &PionProvider{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(me)),
		cfg:        cfg,
		caps:       caps,
		transports: make(map[string]*pionTransport),
		producers:  make(map[string]*pionProducer),
	}
	p.ready.Store(true)
	log.Info().Str("module", "rtc").Strs("ice_urls", iceURLs).Msg("media router ready")
	return p, nil
}

func (p *PionProvider) Ready() bool { return p.ready.Load() }

func (p *PionProvider) Capabilities() json.RawMessage { return p.caps }

func (p *PionProvider) CreateTransport(ctx context.Context) (Transport, error) {
	if !p.Ready() {
		return nil, ErrProviderShutdown
	}
	pc, err := p.api.NewPeerConnection(p.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	tr := newPionTransport(uuid.NewString(), pc, p)

	p.mu.Lock()
	p.transports[tr.id] = tr
	p.mu.Unlock()

	log.Info().Str("module", "rtc").Str("transport", tr.id).Msg("transport created")
	return tr, nil
}

// CanConsume checks that the producer exists and that the receiver
// either declares no codec preference or includes the producer's codec.
func (p *PionProvider) CanConsume(producerID string, receiverCaps json.RawMessage) bool {
	p.mu.RLock()
	prod, ok := p.producers[producerID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	if len(receiverCaps) == 0 {
		return true
	}
	var rc receiverCapabilities
	if err := json.Unmarshal(receiverCaps, &rc); err != nil {
		return false
	}
	if len(rc.Codecs) == 0 {
		return true
	}
	for _, c := range rc.Codecs {
		if c.MimeType == prod.mimeType() {
			return true
		}
	}
	return false
}

// Shutdown tears the router down, closing every outstanding transport.
func (p *PionProvider) Shutdown() {
	if !p.ready.CompareAndSwap(true, false) {
		return
	}
	p.mu.Lock()
	transports := make([]*pionTransport, 0, len(p.transports))
	for _, tr := range p.transports {
		transports = append(transports, tr)
	}
	p.mu.Unlock()

	for _, tr := range transports {
		if err := tr.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("transport", tr.id).Msg("shutdown close")
		}
	}
	log.Info().Str("module", "rtc").Int("transports", len(transports)).Msg("media router shut down")
}

func (p *PionProvider) registerProducer(prod *pionProducer) {
	p.mu.Lock()
	p.producers[prod.id] = prod
	p.mu.Unlock()
}

func (p *PionProvider) unregisterProducer(id string) {
	p.mu.Lock()
	delete(p.producers, id)
	p.mu.Unlock()
}

func (p *PionProvider) producer(id string) (*pionProducer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prod, ok := p.producers[id]
	return prod, ok
}

func (p *PionProvider) removeTransport(id string) {
	p.mu.Lock()
	delete(p.transports, id)
	p.mu.Unlock()
}
