package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type transportParameters struct {
	ID         string   `json:"id"`
	ICEServers []string `json:"iceServers,omitempty"`
}

type connectParameters struct {
	SDP string `json:"sdp"`
}

type consumerParameters struct {
	ID         string `json:"id"`
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
	MimeType   string `json:"mimeType"`
	ClockRate  uint32 `json:"clockRate"`
	Channels   uint16 `json:"channels,omitempty"`
}

// pionTransport wraps one PeerConnection. Remote tracks arriving on the
// connection are claimed by producers in arrival order per kind.
type pionTransport struct {
	id       string
	pc       *webrtc.PeerConnection
	provider *PionProvider

	mu        sync.Mutex
	closed    bool
	pending   []*webrtc.TrackRemote
	producers map[string]*pionProducer
	consumers map[string]*pionConsumer
}

func newPionTransport(id string, pc *webrtc.PeerConnection, provider *PionProvider) *pionTransport {
	tr := &pionTransport{
		id:        id,
		pc:        pc,
		provider:  provider,
		producers: make(map[string]*pionProducer),
		consumers: make(map[string]*pionConsumer),
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("transport", id).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track arrived")
		tr.handleRemoteTrack(track)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("transport", id).Str("state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			_ = tr.Close()
		}
	})

	return tr
}

func (tr *pionTransport) ID() string { return tr.id }

func (tr *pionTransport) Parameters() json.RawMessage {
	var urls []string
	for _, s := range tr.provider.cfg.ICEServers {
		urls = append(urls, s.URLs...)
	}
	b, _ := json.Marshal(transportParameters{ID: tr.id, ICEServers: urls})
	return b
}

// Connect applies the client's SDP offer and answers it. Gathering is
// bounded by ctx so a stuck ICE agent cannot wedge the caller.
func (tr *pionTransport) Connect(ctx context.Context, remote json.RawMessage) (json.RawMessage, error) {
	var params connectParameters
	if err := json.Unmarshal(remote, &params); err != nil {
		return nil, fmt.Errorf("bad remote parameters: %w", err)
	}
	if params.SDP == "" {
		return nil, fmt.Errorf("remote parameters missing sdp")
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: params.SDP}
	if err := tr.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := tr.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(tr.pc)
	if err := tr.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	local := tr.pc.LocalDescription()
	b, err := json.Marshal(connectParameters{SDP: local.SDP})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (tr *pionTransport) Produce(_ context.Context, kind string, _ json.RawMessage) (Producer, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return nil, ErrTransportClosed
	}

	prod := newPionProducer(uuid.NewString(), kind, tr)
	tr.producers[prod.id] = prod

	// Claim a track that arrived before the produce request, if any.
	for i, track := range tr.pending {
		if track.Kind().String() == kind {
			tr.pending = append(tr.pending[:i], tr.pending[i+1:]...)
			prod.bind(track)
			break
		}
	}

	tr.provider.registerProducer(prod)
	return prod, nil
}

func (tr *pionTransport) Consume(_ context.Context, producerID string, receiverCaps json.RawMessage) (Consumer, error) {
	prod, ok := tr.provider.producer(producerID)
	if !ok {
		return nil, ErrUnknownProducer
	}
	if !tr.provider.CanConsume(producerID, receiverCaps) {
		return nil, fmt.Errorf("%w: producer %s", ErrCannotConsume, producerID)
	}

	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return nil, ErrTransportClosed
	}
	tr.mu.Unlock()

	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: prod.mimeType(), ClockRate: 48000, Channels: 2},
		id, tr.id,
	)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := tr.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	cons := &pionConsumer{
		id:         id,
		kind:       prod.kind,
		producerID: producerID,
		transport:  tr,
		producer:   prod,
		sender:     sender,
		out:        newOutTrack(local),
	}
	prod.addOutTrack(id, cons.out)

	tr.mu.Lock()
	tr.consumers[id] = cons
	tr.mu.Unlock()

	// Drain RTCP so interceptors keep running.
	go cons.drainRTCP()

	return cons, nil
}

// handleRemoteTrack hands an inbound track to a producer waiting for
// its kind, or parks it until one shows up.
func (tr *pionTransport) handleRemoteTrack(track *webrtc.TrackRemote) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, prod := range tr.producers {
		if prod.kind == track.Kind().String() && prod.tryBind(track) {
			return
		}
	}
	tr.pending = append(tr.pending, track)
}

func (tr *pionTransport) removeConsumer(id string) {
	tr.mu.Lock()
	delete(tr.consumers, id)
	tr.mu.Unlock()
}

// Close tears down the PeerConnection and everything created from it.
// Producers close first so their close callbacks see a consistent view.
func (tr *pionTransport) Close() error {
	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return nil
	}
	tr.closed = true
	producers := make([]*pionProducer, 0, len(tr.producers))
	for _, p := range tr.producers {
		producers = append(producers, p)
	}
	consumers := make([]*pionConsumer, 0, len(tr.consumers))
	for _, c := range tr.consumers {
		consumers = append(consumers, c)
	}
	tr.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}

	tr.provider.removeTransport(tr.id)
	err := tr.pc.Close()
	log.Info().Str("module", "rtc").Str("transport", tr.id).Msg("transport closed")
	return err
}
