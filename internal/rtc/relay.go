package rtc

import (
	"encoding/json"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type trackState int32

const (
	trackStateOk trackState = iota
	trackStateDelete
)

// outTrack is a single outgoing track to one subscriber.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32 // zero value is trackStateOk
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP) *outTrack {
	return &outTrack{track: track}
}

func (ot *outTrack) getState() trackState { return trackState(ot.state.Load()) }
func (ot *outTrack) markDelete()          { ot.state.Store(int32(trackStateDelete)) }

// pionProducer owns one inbound stream and fans its packets out to
// subscriber tracks. The source track may arrive after the producer is
// created; consumers registered in the meantime start receiving once it
// binds.
type pionProducer struct {
	id        string
	kind      string
	transport *pionTransport

	mu     sync.RWMutex
	src    *webrtc.TrackRemote
	outs   map[string]*outTrack
	closed bool

	onClose []func()
}

func newPionProducer(id, kind string, tr *pionTransport) *pionProducer {
	return &pionProducer{
		id:        id,
		kind:      kind,
		transport: tr,
		outs:      make(map[string]*outTrack),
	}
}

func (p *pionProducer) ID() string   { return p.id }
func (p *pionProducer) Kind() string { return p.kind }

func (p *pionProducer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *pionProducer) mimeType() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.src != nil {
		return p.src.Codec().MimeType
	}
	return webrtc.MimeTypeOpus
}

// bind attaches the source track and starts the forwarding loop.
// Caller must hold the transport lock.
func (p *pionProducer) bind(track *webrtc.TrackRemote) {
	p.mu.Lock()
	p.src = track
	p.mu.Unlock()
	go p.loop(track)
}

func (p *pionProducer) tryBind(track *webrtc.TrackRemote) bool {
	p.mu.Lock()
	if p.closed || p.src != nil {
		p.mu.Unlock()
		return false
	}
	p.src = track
	p.mu.Unlock()
	go p.loop(track)
	return true
}

func (p *pionProducer) addOutTrack(consumerID string, ot *outTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outs[consumerID] = ot
}

// loop reads RTP packets from the source track and forwards them to
// every live subscriber track.
func (p *pionProducer) loop(src *webrtc.TrackRemote) {
	logger := log.With().
		Str("module", "rtc.relay").
		Str("producer", p.id).
		Logger()
	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay read ended")
			return
		}
		p.forward(pkt, &logger)
	}
}

func (p *pionProducer) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	p.mu.RLock()
	snapshot := make(map[string]*outTrack, len(p.outs))
	maps.Copy(snapshot, p.outs)
	p.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for id, ot := range snapshot {
		switch ot.getState() {
		case trackStateDelete:
			dirty = append(dirty, id)
		case trackStateOk:
			if err := ot.track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("consumer", id).Msg("relay write error, dropping out track")
				ot.markDelete()
				dirty = append(dirty, id)
			}
		}
	}

	// Cleanup happens outside the read lock.
	if len(dirty) > 0 {
		p.mu.Lock()
		for _, id := range dirty {
			delete(p.outs, id)
		}
		p.mu.Unlock()
	}
}

func (p *pionProducer) removeOutTrack(consumerID string) {
	p.mu.RLock()
	ot, ok := p.outs[consumerID]
	p.mu.RUnlock()
	if ok {
		ot.markDelete()
	}
}

func (p *pionProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, ot := range p.outs {
		ot.markDelete()
	}
	callbacks := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	p.transport.provider.unregisterProducer(p.id)
	for _, fn := range callbacks {
		fn()
	}
	log.Info().Str("module", "rtc").Str("producer", p.id).Msg("producer closed")
	return nil
}

// pionConsumer delivers one producer's stream to one subscriber.
type pionConsumer struct {
	id         string
	kind       string
	producerID string
	transport  *pionTransport
	producer   *pionProducer
	sender     *webrtc.RTPSender
	out        *outTrack

	closed atomic.Bool
}

func (c *pionConsumer) ID() string         { return c.id }
func (c *pionConsumer) Kind() string       { return c.kind }
func (c *pionConsumer) ProducerID() string { return c.producerID }

func (c *pionConsumer) Parameters() json.RawMessage {
	b, _ := json.Marshal(consumerParameters{
		ID:         c.id,
		ProducerID: c.producerID,
		Kind:       c.kind,
		MimeType:   c.producer.mimeType(),
		ClockRate:  48000,
		Channels:   2,
	})
	return b
}

func (c *pionConsumer) drainRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := c.sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *pionConsumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.producer.removeOutTrack(c.id)
	c.transport.removeConsumer(c.id)
	err := c.transport.pc.RemoveTrack(c.sender)
	log.Info().Str("module", "rtc").Str("consumer", c.id).Msg("consumer closed")
	return err
}
