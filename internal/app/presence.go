package app

import (
	"github.com/rs/zerolog/log"

	"github.com/voicerelay/voicerelay/internal/domain"
)

// Participant is one row of a room's presence view.
type Participant struct {
	PeerID   domain.ConnID `json:"peerId"`
	UserID   domain.UserID `json:"userId"`
	Username string        `json:"username"`
	Contact  string        `json:"contact,omitempty"`
	Speaking bool          `json:"speaking"`
	Muted    bool          `json:"muted"`
}

// EmitPresence recomputes the room's participant list and delivers it
// to every current member. Best-effort: a member that joined or left
// during the fan-out sees the next broadcast instead.
func (m *Manager) EmitPresence(roomID domain.RoomID) {
	if roomID == "" {
		return
	}
	m.mu.Lock()
	frame := m.presenceFrameLocked(roomID)
	m.mu.Unlock()
	m.deliverPresence(roomID, frame)
}

func (m *Manager) participantsLocked(roomID domain.RoomID) []Participant {
	members := m.rooms[roomID]
	out := make([]Participant, 0, len(members))
	for id := range members {
		p := m.peers[id]
		if p == nil {
			continue
		}
		out = append(out, Participant{
			PeerID:   id,
			UserID:   p.identity.UserID,
			Username: p.identity.Username,
			Contact:  p.identity.Contact,
			Speaking: p.speaking,
			Muted:    !p.micOn,
		})
	}
	return out
}

func (m *Manager) presenceFrameLocked(roomID domain.RoomID) []byte {
	return marshalEvent(eventPresence, presenceEvent{
		RoomID:       roomID,
		Participants: m.participantsLocked(roomID),
	})
}

// deliverPresence sends an already-marshaled presence frame to the
// room's current members.
func (m *Manager) deliverPresence(roomID domain.RoomID, frame []byte) {
	if frame == nil {
		return
	}
	m.mu.Lock()
	sinks := m.sinksLocked(roomID, "")
	m.mu.Unlock()
	deliver(sinks, frame)
}

func deliver(sinks []Sink, frame []byte) {
	if frame == nil {
		return
	}
	for _, s := range sinks {
		if err := s.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "app.presence").Msg("event dropped")
		}
	}
}
