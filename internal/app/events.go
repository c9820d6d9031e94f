package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/voicerelay/voicerelay/internal/domain"
)

// Server-initiated events, delivered outside any request/response
// correlation.
const (
	eventPresence    = "presence"
	eventNewProducer = "newProducer"
	eventPeerLeft    = "peerLeft"
	eventSpeaking    = "speaking"
)

type eventEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type presenceEvent struct {
	RoomID       domain.RoomID `json:"roomId"`
	Participants []Participant `json:"participants"`
}

type newProducerEvent struct {
	RoomID     domain.RoomID `json:"roomId"`
	ProducerID string        `json:"producerId"`
	PeerID     domain.ConnID `json:"peerId"`
}

type peerLeftEvent struct {
	RoomID domain.RoomID `json:"roomId"`
	PeerID domain.ConnID `json:"peerId"`
}

type speakingEvent struct {
	RoomID   domain.RoomID `json:"roomId"`
	PeerID   domain.ConnID `json:"peerId"`
	Speaking bool          `json:"speaking"`
}

func marshalEvent(name string, data any) []byte {
	b, err := json.Marshal(eventEnvelope{Event: name, Data: data})
	if err != nil {
		log.Error().Err(err).Str("module", "app.events").Str("event", name).Msg("marshal event")
		return nil
	}
	return b
}
