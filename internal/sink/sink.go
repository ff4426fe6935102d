// Package sink delivers batches of verified records to durable storage.
package sink

//go:generate mockgen -source=sink.go -destination=mocks/sink_mock.go -package=mocks Sink

import (
	"context"
	"errors"

	"myco/internal/normalize"
)

// ErrSink marks a failed delivery. Implementations wrap the underlying cause.
var ErrSink = errors.New("sink delivery failed")

// Sink accepts ordered batches. Send returns only after the batch is durably
// accepted or has failed; a failed batch may be resent whole, so
// implementations should make redelivery of the same records harmless.
type Sink interface {
	Send(ctx context.Context, batch []normalize.Record) error
	Close() error
}
