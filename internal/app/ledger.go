package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/voicerelay/voicerelay/internal/domain"
	"github.com/voicerelay/voicerelay/internal/rtc"
)

// closeTask is one handle detached from the ledger, closed outside the
// lock. A close failure is logged and skipped, never retried.
type closeTask struct {
	kind  domain.ResourceKind
	id    string
	close func() error
}

// vacatedRoom carries everything needed to finish a leave/disconnect
// after the lock is released: handles to close and events to fan out.
type vacatedRoom struct {
	roomID  domain.RoomID
	peerID  domain.ConnID
	closers []closeTask
}

// CreateTransport allocates a media transport for a peer joined to
// roomID and returns its connection parameters.
func (m *Manager) CreateTransport(ctx context.Context, conn domain.ConnID, roomID domain.RoomID) (json.RawMessage, error) {
	m.mu.Lock()
	if _, ok := m.joinedLocked(conn, roomID); !ok {
		m.mu.Unlock()
		return nil, ErrNotJoined
	}
	if !m.provider.Ready() {
		m.mu.Unlock()
		return nil, ErrProviderNotReady
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	tr, err := m.provider.CreateTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	// The peer may have vanished while the provider call was in
	// flight; a transport nobody owns must not be retained.
	m.mu.Lock()
	p, ok := m.joinedLocked(conn, roomID)
	if !ok {
		m.mu.Unlock()
		closeLogged(domain.KindTransport, tr.ID(), tr.Close)
		return nil, ErrNotJoined
	}
	p.transports[tr.ID()] = tr
	m.resourceGauge(domain.KindTransport, 1)
	m.mu.Unlock()

	return tr.Parameters(), nil
}

// ConnectTransport applies the remote end's parameters to a transport
// owned by the peer. The provider's response travels back opaquely.
func (m *Manager) ConnectTransport(ctx context.Context, conn domain.ConnID, roomID domain.RoomID, transportID string, remote json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	p, ok := m.joinedLocked(conn, roomID)
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotJoined
	}
	tr, ok := p.transports[transportID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrTransportNotFound
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	resp, err := tr.Connect(ctx, remote)
	if err != nil {
		return nil, fmt.Errorf("connect transport: %w", err)
	}
	return resp, nil
}

// Produce creates a producer on one of the peer's transports, records
// its attribution, and announces it to the rest of the room.
func (m *Manager) Produce(ctx context.Context, conn domain.ConnID, roomID domain.RoomID, transportID, kind string, codecParams json.RawMessage) (string, error) {
	m.mu.Lock()
	p, ok := m.joinedLocked(conn, roomID)
	if !ok {
		m.mu.Unlock()
		return "", ErrNotJoined
	}
	tr, ok := p.transports[transportID]
	if !ok {
		m.mu.Unlock()
		return "", ErrTransportNotFound
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	prod, err := tr.Produce(ctx, kind, codecParams)
	if err != nil {
		return "", fmt.Errorf("produce: %w", err)
	}

	m.mu.Lock()
	p, ok = m.joinedLocked(conn, roomID)
	if !ok || p.transports[transportID] == nil {
		m.mu.Unlock()
		closeLogged(domain.KindProducer, prod.ID(), prod.Close)
		return "", ErrNotJoined
	}
	p.producers[prod.ID()] = prod
	m.producerOwner[prod.ID()] = conn
	m.resourceGauge(domain.KindProducer, 1)
	others := m.sinksLocked(roomID, conn)
	m.mu.Unlock()

	// Provider-side closes (a transport dying out-of-band) only remove
	// the now-invalid entry; releasePeerResources stays the
	// authoritative cleanup path.
	producerID := prod.ID()
	prod.OnClose(func() { m.dropProducer(conn, producerID) })

	deliver(others, marshalEvent(eventNewProducer, newProducerEvent{
		RoomID:     roomID,
		ProducerID: producerID,
		PeerID:     conn,
	}))
	log.Info().Str("module", "app.ledger").Str("conn", string(conn)).Str("producer", producerID).Msg("producer created")
	return producerID, nil
}

// ConsumeResult describes a newly created consumer, attributed to the
// peer whose stream it carries.
type ConsumeResult struct {
	ConsumerID string          `json:"consumerId"`
	ProducerID string          `json:"producerId"`
	PeerID     domain.ConnID   `json:"peerId"`
	Kind       string          `json:"kind"`
	Parameters json.RawMessage `json:"parameters"`
}

// Consume subscribes the peer to producerID through one of its own
// transports.
func (m *Manager) Consume(ctx context.Context, conn domain.ConnID, roomID domain.RoomID, transportID, producerID string, receiverCaps json.RawMessage) (ConsumeResult, error) {
	m.mu.Lock()
	p, ok := m.joinedLocked(conn, roomID)
	if !ok {
		m.mu.Unlock()
		return ConsumeResult{}, ErrNotJoined
	}
	tr, ok := p.transports[transportID]
	if !ok {
		m.mu.Unlock()
		return ConsumeResult{}, ErrTransportNotFound
	}
	m.mu.Unlock()

	if !m.provider.CanConsume(producerID, receiverCaps) {
		return ConsumeResult{}, ErrCannotConsume
	}

	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	cons, err := tr.Consume(ctx, producerID, receiverCaps)
	if err != nil {
		if errors.Is(err, rtc.ErrCannotConsume) || errors.Is(err, rtc.ErrUnknownProducer) {
			return ConsumeResult{}, ErrCannotConsume
		}
		return ConsumeResult{}, fmt.Errorf("consume: %w", err)
	}

	m.mu.Lock()
	p, ok = m.joinedLocked(conn, roomID)
	if !ok || p.transports[transportID] == nil {
		m.mu.Unlock()
		closeLogged(domain.KindConsumer, cons.ID(), cons.Close)
		return ConsumeResult{}, ErrNotJoined
	}
	owner := m.producerOwner[producerID]
	if owner == "" {
		// A live producer always has an attribution entry.
		log.Warn().Str("module", "app.ledger").Str("producer", producerID).Msg("consume: producer has no attributed peer")
	}
	p.consumers[cons.ID()] = cons
	m.resourceGauge(domain.KindConsumer, 1)
	m.mu.Unlock()

	return ConsumeResult{
		ConsumerID: cons.ID(),
		ProducerID: producerID,
		PeerID:     owner,
		Kind:       cons.Kind(),
		Parameters: cons.Parameters(),
	}, nil
}

// ReleasePeerResources closes and forgets every media resource the
// peer owns, in dependency order. Idempotent; the peer keeps its room
// membership and registry entry.
func (m *Manager) ReleasePeerResources(conn domain.ConnID) {
	m.mu.Lock()
	p, ok := m.peers[conn]
	if !ok {
		m.mu.Unlock()
		return
	}
	tasks := m.detachResourcesLocked(p)
	m.mu.Unlock()
	runCloseTasks(tasks)
}

// detachResourcesLocked strips every resource owned by p from the
// ledger and returns close tasks in dependency order: p's consumers,
// other peers' consumers of p's producers, p's producers (with their
// attribution entries), then p's transports.
func (m *Manager) detachResourcesLocked(p *peerState) []closeTask {
	var tasks []closeTask

	for id, c := range p.consumers {
		tasks = append(tasks, closeTask{domain.KindConsumer, id, c.Close})
		m.resourceGauge(domain.KindConsumer, -1)
	}
	p.consumers = make(map[string]rtc.Consumer)

	// Subscribers elsewhere in the process hold consumers fed by this
	// peer's producers; those die with the producers.
	if len(p.producers) > 0 {
		for _, other := range m.peers {
			if other == p {
				continue
			}
			for id, c := range other.consumers {
				if _, owned := p.producers[c.ProducerID()]; owned {
					tasks = append(tasks, closeTask{domain.KindConsumer, id, c.Close})
					delete(other.consumers, id)
					m.resourceGauge(domain.KindConsumer, -1)
				}
			}
		}
	}

	for id, prod := range p.producers {
		tasks = append(tasks, closeTask{domain.KindProducer, id, prod.Close})
		delete(m.producerOwner, id)
		m.resourceGauge(domain.KindProducer, -1)
	}
	p.producers = make(map[string]rtc.Producer)

	for id, tr := range p.transports {
		tasks = append(tasks, closeTask{domain.KindTransport, id, tr.Close})
		m.resourceGauge(domain.KindTransport, -1)
	}
	p.transports = make(map[string]rtc.Transport)

	return tasks
}

// detachLocked is the shared leave/disconnect path: resources out of
// the ledger, peer out of its room.
func (m *Manager) detachLocked(p *peerState) *vacatedRoom {
	tasks := m.detachResourcesLocked(p)
	roomID := m.leaveRoomLocked(p)
	return &vacatedRoom{roomID: roomID, peerID: p.conn, closers: tasks}
}

// finishVacated closes detached handles and notifies the room the peer
// left behind. Runs without the lock held.
func (m *Manager) finishVacated(v *vacatedRoom) {
	if v == nil {
		return
	}
	runCloseTasks(v.closers)
	if v.roomID == "" {
		return
	}

	m.mu.Lock()
	sinks := m.sinksLocked(v.roomID, v.peerID)
	presence := m.presenceFrameLocked(v.roomID)
	m.mu.Unlock()

	deliver(sinks, marshalEvent(eventPeerLeft, peerLeftEvent{RoomID: v.roomID, PeerID: v.peerID}))
	m.deliverPresence(v.roomID, presence)
}

// dropProducer is the defensive path for provider-initiated closes: it
// removes a producer entry that no longer has a live handle behind it.
func (m *Manager) dropProducer(conn domain.ConnID, producerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[conn]
	if !ok {
		return
	}
	if _, ok := p.producers[producerID]; !ok {
		return
	}
	delete(p.producers, producerID)
	delete(m.producerOwner, producerID)
	m.resourceGauge(domain.KindProducer, -1)
	log.Info().Str("module", "app.ledger").Str("producer", producerID).Msg("producer dropped by provider close")
}

func runCloseTasks(tasks []closeTask) {
	for _, t := range tasks {
		closeLogged(t.kind, t.id, t.close)
	}
}

func closeLogged(kind domain.ResourceKind, id string, close func() error) {
	if err := close(); err != nil {
		log.Error().Err(err).Str("module", "app.ledger").Str("kind", string(kind)).Str("id", id).Msg("release failed, skipping")
	}
}
