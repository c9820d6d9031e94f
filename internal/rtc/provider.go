// Package rtc defines the media transport provider boundary and its
// pion-backed implementation. The rest of the server treats every
// negotiation payload as opaque JSON and never inspects codec or RTP
// internals.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrTransportClosed  = errors.New("transport closed")
	ErrProviderShutdown = errors.New("provider shut down")
	ErrUnknownProducer  = errors.New("unknown producer")
	ErrCannotConsume    = errors.New("receiver capabilities do not match producer")
)

// Provider is the process-wide media router. It is initialized once at
// startup and torn down once at shutdown; no request may run before
// Ready reports true.
type Provider interface {
	// Ready reports whether the shared router finished initializing
	// and has not begun shutting down.
	Ready() bool
	// Capabilities describes what the router can negotiate. Delivered
	// verbatim to joining clients.
	Capabilities() json.RawMessage
	// CreateTransport allocates a bidirectional media path for one peer.
	CreateTransport(ctx context.Context) (Transport, error)
	// CanConsume reports whether a receiver with the given capabilities
	// can subscribe to the named producer.
	CanConsume(producerID string, receiverCaps json.RawMessage) bool
	// Shutdown closes every outstanding transport and rejects further
	// calls.
	Shutdown()
}

// Transport is one peer's media path. All handles created from it are
// closed when it closes.
type Transport interface {
	ID() string
	// Parameters returns the connection parameters the client needs to
	// start negotiating against this transport.
	Parameters() json.RawMessage
	// Connect applies the remote end's parameters. The returned payload
	// is the provider's response to the remote parameters (an SDP
	// answer, for engines negotiated that way) and is forwarded to the
	// client unexamined.
	Connect(ctx context.Context, remote json.RawMessage) (json.RawMessage, error)
	// Produce begins accepting one outgoing stream of the given kind
	// from the peer behind this transport.
	Produce(ctx context.Context, kind string, codecParams json.RawMessage) (Producer, error)
	// Consume delivers the named producer's stream to the peer behind
	// this transport.
	Consume(ctx context.Context, producerID string, receiverCaps json.RawMessage) (Consumer, error)
	Close() error
}

// Producer is one outgoing stream published by a peer.
type Producer interface {
	ID() string
	Kind() string
	// OnClose registers a callback fired when the producer is closed,
	// including out-of-band closes caused by its transport going away.
	OnClose(func())
	Close() error
}

// Consumer is one incoming stream delivered to a peer, sourced from
// exactly one producer.
type Consumer interface {
	ID() string
	Kind() string
	ProducerID() string
	// Parameters returns what the receiving client needs to attach the
	// stream.
	Parameters() json.RawMessage
	Close() error
}
