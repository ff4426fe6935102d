// Package stream consumes envelopes from the upstream pub/sub system.
package stream

import (
	"context"
	"time"
)

// Message is one upstream record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	// EnqueuedAt is the broker timestamp.
	EnqueuedAt time.Time
}

// PartitionHandler processes one partition's messages strictly in order.
// Handle never fails: per-message outcomes are the handler's concern. Close
// runs once when the partition is revoked, lost, or the consumer stops, and
// must deliver anything buffered before returning.
type PartitionHandler interface {
	Handle(ctx context.Context, msg *Message)
	Close(ctx context.Context) error
}

// Committer marks a partition position as processed. Offsets up to and
// including offset become eligible for commit.
type Committer func(offset int64)

// HandlerFactory builds the handler for a newly assigned partition. commit
// is bound to that partition.
type HandlerFactory func(topic string, partition int32, commit Committer) (PartitionHandler, error)
