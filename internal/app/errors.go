package app

import "errors"

// All manager errors are local to the request that triggered them.
// None terminate the connection or affect other peers.
var (
	ErrNotJoined         = errors.New("not joined to the requested room")
	ErrProviderNotReady  = errors.New("media provider not ready")
	ErrTransportNotFound = errors.New("transport not found")
	ErrCannotConsume     = errors.New("cannot consume producer")
)
