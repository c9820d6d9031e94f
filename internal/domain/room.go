package domain

const MaxRoomIDLen = 36

type (
	// RoomID names a voice channel. Rooms are created lazily on first
	// join and evicted when the last member leaves.
	RoomID string

	// ConnID identifies one signaling connection. It is distinct from
	// the user id: the same user on two connections is two peers.
	ConnID string
)
