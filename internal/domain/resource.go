package domain

// ResourceKind classifies a media handle held on behalf of a peer.
// Cleanup order is dependents first: Consumer, then Producer, then
// Transport.
type ResourceKind string

const (
	KindTransport ResourceKind = "transport"
	KindProducer  ResourceKind = "producer"
	KindConsumer  ResourceKind = "consumer"
)
