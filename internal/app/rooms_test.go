package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicerelay/voicerelay/internal/domain"
)

func newTestManager() (*Manager, *fakeProvider) {
	provider := newFakeProvider()
	return NewManager(provider, 0), provider
}

// checkRoomAgreement asserts that the room index and every peer's room
// field describe the same membership.
func checkRoomAgreement(t *testing.T, m *Manager) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for roomID, members := range m.rooms {
		require.NotEmpty(t, members, "room %s should have been evicted", roomID)
		for conn := range members {
			p, ok := m.peers[conn]
			require.True(t, ok, "room %s lists unknown peer %s", roomID, conn)
			require.Equal(t, roomID, p.roomID)
		}
	}
	for conn, p := range m.peers {
		if p.roomID == "" {
			continue
		}
		members, ok := m.rooms[p.roomID]
		require.True(t, ok, "peer %s points at missing room %s", conn, p.roomID)
		_, ok = members[conn]
		require.True(t, ok, "peer %s not in member set of %s", conn, p.roomID)
	}
}

func TestJoinCreatesRoomLazily(t *testing.T) {
	m, _ := newTestManager()
	m.Register("a", domain.Identity{Username: "alice"}, &fakeSink{})

	res, err := m.Join("a", "r1", domain.Identity{})
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("r1"), res.RoomID)
	assert.NotNil(t, res.Capabilities)
	assert.Empty(t, res.Producers)
	checkRoomAgreement(t, m)
}

func TestJoinSwitchesRoomsLeavingFirst(t *testing.T) {
	m, _ := newTestManager()
	m.Register("a", domain.Identity{}, &fakeSink{})

	_, err := m.Join("a", "r1", domain.Identity{})
	require.NoError(t, err)
	_, err = m.Join("a", "r2", domain.Identity{})
	require.NoError(t, err)

	m.mu.Lock()
	_, r1Exists := m.rooms["r1"]
	members := m.rooms["r2"]
	m.mu.Unlock()

	assert.False(t, r1Exists, "empty r1 should be evicted")
	assert.Contains(t, members, domain.ConnID("a"))
	checkRoomAgreement(t, m)
}

func TestJoinSameRoomIsIdempotent(t *testing.T) {
	m, _ := newTestManager()
	m.Register("a", domain.Identity{}, &fakeSink{})

	_, err := m.Join("a", "r1", domain.Identity{})
	require.NoError(t, err)
	_, err = m.Join("a", "r1", domain.Identity{})
	require.NoError(t, err)

	m.mu.Lock()
	members := m.rooms["r1"]
	m.mu.Unlock()
	assert.Len(t, members, 1)
	checkRoomAgreement(t, m)
}

func TestLeaveEvictsEmptyRoom(t *testing.T) {
	m, _ := newTestManager()
	m.Register("a", domain.Identity{}, &fakeSink{})
	m.Register("b", domain.Identity{}, &fakeSink{})
	_, _ = m.Join("a", "r1", domain.Identity{})
	_, _ = m.Join("b", "r1", domain.Identity{})

	assert.Equal(t, domain.RoomID("r1"), m.Leave("a"))
	m.mu.Lock()
	_, exists := m.rooms["r1"]
	m.mu.Unlock()
	assert.True(t, exists, "room still has b")

	assert.Equal(t, domain.RoomID("r1"), m.Leave("b"))
	m.mu.Lock()
	_, exists = m.rooms["r1"]
	m.mu.Unlock()
	assert.False(t, exists, "no orphan rooms")
	checkRoomAgreement(t, m)
}

func TestLeaveWhenNotJoinedIsSafe(t *testing.T) {
	m, _ := newTestManager()
	m.Register("a", domain.Identity{}, &fakeSink{})

	assert.Equal(t, domain.RoomID(""), m.Leave("a"))
	assert.Equal(t, domain.RoomID(""), m.Leave("ghost"))
}

func TestJoinMergesIdentityPreservingOldFields(t *testing.T) {
	m, _ := newTestManager()
	m.Register("a", domain.Identity{UserID: "u1", Username: "alice"}, &fakeSink{})

	_, err := m.Join("a", "r1", domain.Identity{Contact: "alice@example.com"})
	require.NoError(t, err)

	id, ok := m.Identity("a")
	require.True(t, ok)
	assert.Equal(t, domain.UserID("u1"), id.UserID)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, "alice@example.com", id.Contact)
}

func TestJoinRejectsOversizedIdentity(t *testing.T) {
	m, _ := newTestManager()
	m.Register("a", domain.Identity{}, &fakeSink{})

	long := make([]byte, domain.MaxUsernameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err := m.Join("a", "r1", domain.Identity{Username: string(long)})
	assert.ErrorIs(t, err, domain.ErrUsernameTooLong)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m, _ := newTestManager()
	sinkB := &fakeSink{}
	m.Register("a", domain.Identity{}, &fakeSink{})
	m.Register("b", domain.Identity{}, sinkB)
	_, _ = m.Join("a", "r1", domain.Identity{})
	_, _ = m.Join("b", "r1", domain.Identity{})

	m.Disconnect("a")
	m.Disconnect("a")

	assert.Equal(t, 1, sinkB.countEvents("peerLeft"), "peerLeft delivered exactly once")
	_, ok := m.Identity("a")
	assert.False(t, ok, "peer record removed")
	checkRoomAgreement(t, m)
}
