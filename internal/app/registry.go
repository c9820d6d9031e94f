package app

import (
	"github.com/rs/zerolog/log"

	"github.com/voicerelay/voicerelay/internal/domain"
	"github.com/voicerelay/voicerelay/internal/metrics"
)

// Register creates the peer record for a connection, or refreshes its
// identity and sink if it already exists. Fields the caller does not
// supply are preserved. Always succeeds.
func (m *Manager) Register(conn domain.ConnID, identity domain.Identity, sink Sink) {
	m.mu.Lock()
	p, ok := m.peers[conn]
	if !ok {
		p = newPeerState(conn)
		m.peers[conn] = p
		metrics.Peers.Inc()
	}
	p.identity = p.identity.Merge(identity)
	if sink != nil {
		p.sink = sink
	}
	m.mu.Unlock()

	if !ok {
		log.Info().Str("module", "app.registry").Str("conn", string(conn)).Msg("peer registered")
	}
}

// Identity returns the peer's current identity, if the peer exists.
func (m *Manager) Identity(conn domain.ConnID) (domain.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[conn]
	if !ok {
		return domain.Identity{}, false
	}
	return p.identity, true
}

// SetSpeaking updates the peer's speaking flag and fans the change out
// to the rest of the room.
func (m *Manager) SetSpeaking(conn domain.ConnID, speaking bool) error {
	return m.setFlag(conn, func(p *peerState) { p.speaking = speaking }, func(roomID domain.RoomID) []byte {
		return marshalEvent(eventSpeaking, speakingEvent{RoomID: roomID, PeerID: conn, Speaking: speaking})
	})
}

// SetMuted updates the peer's mic-enabled flag. Presence picks up the
// new value on the broadcast this triggers.
func (m *Manager) SetMuted(conn domain.ConnID, muted bool) error {
	return m.setFlag(conn, func(p *peerState) { p.micOn = !muted }, nil)
}

func (m *Manager) setFlag(conn domain.ConnID, apply func(*peerState), event func(domain.RoomID) []byte) error {
	m.mu.Lock()
	p, ok := m.peers[conn]
	if !ok {
		m.mu.Unlock()
		return ErrNotJoined
	}
	apply(p)
	roomID := p.roomID
	var others []Sink
	var presence []byte
	if roomID != "" {
		others = m.sinksLocked(roomID, conn)
		presence = m.presenceFrameLocked(roomID)
	}
	m.mu.Unlock()

	if roomID == "" {
		return nil
	}
	if event != nil {
		deliver(others, event(roomID))
	}
	m.deliverPresence(roomID, presence)
	return nil
}
