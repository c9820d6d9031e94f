// Package app owns the room and media-resource lifecycle: which peers
// are in which rooms, which transport/producer/consumer handles each
// peer holds, and who a producer belongs to. All mutable state lives
// behind one mutex; the only thing that happens mid-action outside the
// lock is the delegated call into the media provider, after which
// ownership is re-validated before anything is committed.
package app

import (
	"sync"
	"time"

	"github.com/voicerelay/voicerelay/internal/domain"
	"github.com/voicerelay/voicerelay/internal/metrics"
	"github.com/voicerelay/voicerelay/internal/rtc"
)

// Sink is where a peer's unsolicited events are written. Owned by the
// signaling adapter; the manager only ever TrySends.
type Sink interface {
	TrySend([]byte) error
}

// peerState is everything the manager tracks for one connection:
// identity, presence flags, room membership, and the media handles the
// ledger holds on the peer's behalf.
type peerState struct {
	conn     domain.ConnID
	identity domain.Identity
	roomID   domain.RoomID
	speaking bool
	micOn    bool
	sink     Sink

	transports map[string]rtc.Transport
	producers  map[string]rtc.Producer
	consumers  map[string]rtc.Consumer
}

func newPeerState(conn domain.ConnID) *peerState {
	return &peerState{
		conn:       conn,
		micOn:      true,
		transports: make(map[string]rtc.Transport),
		producers:  make(map[string]rtc.Producer),
		consumers:  make(map[string]rtc.Consumer),
	}
}

// Manager is the single owner of peers, rooms and resource attribution.
type Manager struct {
	provider    rtc.Provider
	callTimeout time.Duration

	mu            sync.Mutex
	peers         map[domain.ConnID]*peerState
	rooms         map[domain.RoomID]map[domain.ConnID]struct{}
	producerOwner map[string]domain.ConnID
}

func NewManager(provider rtc.Provider, callTimeout time.Duration) *Manager {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Manager{
		provider:      provider,
		callTimeout:   callTimeout,
		peers:         make(map[domain.ConnID]*peerState),
		rooms:         make(map[domain.RoomID]map[domain.ConnID]struct{}),
		producerOwner: make(map[string]domain.ConnID),
	}
}

// Capabilities exposes the provider's capability descriptor verbatim.
func (m *Manager) Capabilities() []byte {
	return m.provider.Capabilities()
}

// joinedLocked returns the peer if it is currently a member of roomID.
func (m *Manager) joinedLocked(conn domain.ConnID, roomID domain.RoomID) (*peerState, bool) {
	p, ok := m.peers[conn]
	if !ok || roomID == "" || p.roomID != roomID {
		return nil, false
	}
	return p, true
}

func (m *Manager) resourceGauge(kind domain.ResourceKind, delta float64) {
	metrics.Resources.WithLabelValues(string(kind)).Add(delta)
}
