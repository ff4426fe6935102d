package sink

import (
	"context"
	"slices"
	"sync"

	"myco/internal/normalize"
)

// Memory records every batch it receives. It backs tests and local runs.
type Memory struct {
	mu      sync.Mutex
	batches [][]normalize.Record
	failing error
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Send implements Sink.
func (m *Memory) Send(_ context.Context, batch []normalize.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	m.batches = append(m.batches, slices.Clone(batch))
	return nil
}

// FailWith makes subsequent sends return err; nil restores delivery.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = err
}

// Batches returns a copy of the delivered batches in delivery order.
func (m *Memory) Batches() [][]normalize.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.batches)
}

// Records returns every delivered record in delivery order.
func (m *Memory) Records() []normalize.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []normalize.Record
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

// Close implements Sink.
func (m *Memory) Close() error { return nil }
