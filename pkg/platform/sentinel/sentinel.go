package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, caches and sinks return
// these (optionally wrapped) so the pipeline can decide whether to retry,
// fall back, or give up.
//
// - ErrNotFound: entity does not exist in store
// - ErrInvalidState: component in wrong state for requested operation
// - ErrUnavailable: backing service temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
