package models

import "time"

// PublisherRecord is the distributed registry entry guaranteeing a single
// publisher per StreamKey. Stored with a TTL and refreshed by heartbeats
// from the owning node.
type PublisherRecord struct {
	NodeID    string
	NodeAddr  string // gRPC address pullers dial
	App       string
	Stream    string
	UserID    string
	Epoch     uint64
	StartedAt time.Time
}
