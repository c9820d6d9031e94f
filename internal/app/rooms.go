package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/voicerelay/voicerelay/internal/domain"
	"github.com/voicerelay/voicerelay/internal/metrics"
)

// ProducerInfo pairs a live producer with the peer it belongs to.
type ProducerInfo struct {
	ProducerID string        `json:"producerId"`
	PeerID     domain.ConnID `json:"peerId"`
}

// JoinResult is the reply to a join: the room, the router's capability
// descriptor, and every producer already live in the room.
type JoinResult struct {
	RoomID       domain.RoomID   `json:"roomId"`
	Capabilities json.RawMessage `json:"routerCapabilities"`
	Producers    []ProducerInfo  `json:"producers"`
}

// Join puts the connection into roomID, leaving any previous room
// first. The identity overlay is merged into the peer record. Join
// itself cannot fail beyond identity validation; the peer record is
// created here if this is the connection's first action.
func (m *Manager) Join(conn domain.ConnID, roomID domain.RoomID, identity domain.Identity) (JoinResult, error) {
	if err := identity.Validate(); err != nil {
		return JoinResult{}, err
	}
	if len(roomID) > domain.MaxRoomIDLen {
		roomID = roomID[:domain.MaxRoomIDLen]
	}

	m.mu.Lock()
	p, ok := m.peers[conn]
	if !ok {
		p = newPeerState(conn)
		m.peers[conn] = p
		metrics.Peers.Inc()
	}
	p.identity = p.identity.Merge(identity)

	var vacated *vacatedRoom
	if p.roomID != "" && p.roomID != roomID {
		vacated = m.detachLocked(p)
	}

	if p.roomID != roomID {
		members, ok := m.rooms[roomID]
		if !ok {
			members = make(map[domain.ConnID]struct{})
			m.rooms[roomID] = members
			metrics.Rooms.Inc()
			log.Info().Str("module", "app.rooms").Str("room", string(roomID)).Msg("room created")
		}
		members[conn] = struct{}{}
		p.roomID = roomID
	}

	res := JoinResult{
		RoomID:       roomID,
		Capabilities: m.provider.Capabilities(),
		Producers:    m.producersExcludingLocked(roomID, conn),
	}
	presence := m.presenceFrameLocked(roomID)
	m.mu.Unlock()

	m.finishVacated(vacated)
	m.deliverPresence(roomID, presence)

	log.Info().Str("module", "app.rooms").Str("conn", string(conn)).Str("room", string(roomID)).Msg("joined")
	return res, nil
}

// Leave removes the connection from its room and releases every media
// resource it owns. Safe to call when not joined; returns the vacated
// room id, or empty.
func (m *Manager) Leave(conn domain.ConnID) domain.RoomID {
	m.mu.Lock()
	p, ok := m.peers[conn]
	if !ok || p.roomID == "" {
		m.mu.Unlock()
		return ""
	}
	vacated := m.detachLocked(p)
	m.mu.Unlock()

	m.finishVacated(vacated)
	log.Info().Str("module", "app.rooms").Str("conn", string(conn)).Str("room", string(vacated.roomID)).Msg("left")
	return vacated.roomID
}

// Disconnect is the terminal event for a connection. It runs the same
// cleanup as Leave, then removes the peer record. Idempotent: a second
// call for the same connection is a no-op.
func (m *Manager) Disconnect(conn domain.ConnID) {
	m.mu.Lock()
	p, ok := m.peers[conn]
	if !ok {
		m.mu.Unlock()
		return
	}
	vacated := m.detachLocked(p)
	delete(m.peers, conn)
	metrics.Peers.Dec()
	m.mu.Unlock()

	m.finishVacated(vacated)
	log.Info().Str("module", "app.rooms").Str("conn", string(conn)).Msg("disconnected")
}

// leaveRoomLocked removes conn from its room's member set, evicting the
// room if it becomes empty. Returns the room that was left.
func (m *Manager) leaveRoomLocked(p *peerState) domain.RoomID {
	roomID := p.roomID
	if roomID == "" {
		return ""
	}
	if members, ok := m.rooms[roomID]; ok {
		delete(members, p.conn)
		if len(members) == 0 {
			delete(m.rooms, roomID)
			metrics.Rooms.Dec()
			log.Info().Str("module", "app.rooms").Str("room", string(roomID)).Msg("room evicted")
		}
	}
	p.roomID = ""
	return roomID
}

// membersExcludingLocked lists room members other than conn.
func (m *Manager) membersExcludingLocked(roomID domain.RoomID, conn domain.ConnID) []domain.ConnID {
	members := m.rooms[roomID]
	out := make([]domain.ConnID, 0, len(members))
	for id := range members {
		if id != conn {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) producersExcludingLocked(roomID domain.RoomID, conn domain.ConnID) []ProducerInfo {
	out := make([]ProducerInfo, 0)
	for _, id := range m.membersExcludingLocked(roomID, conn) {
		member := m.peers[id]
		if member == nil {
			continue
		}
		for producerID := range member.producers {
			out = append(out, ProducerInfo{ProducerID: producerID, PeerID: id})
		}
	}
	return out
}

func (m *Manager) sinksLocked(roomID domain.RoomID, exclude domain.ConnID) []Sink {
	var out []Sink
	for id := range m.rooms[roomID] {
		if id == exclude {
			continue
		}
		if p := m.peers[id]; p != nil && p.sink != nil {
			out = append(out, p.sink)
		}
	}
	return out
}
