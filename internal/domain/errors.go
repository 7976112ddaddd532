package domain

import "errors"

var (
	// ErrInvalidTransition rejects lifecycle transitions not allowed in current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrMalformedUpdate marks inbound payloads that cannot be decoded or validated.
	ErrMalformedUpdate = errors.New("malformed update")
	// ErrDuplicateTransmission marks updates already applied within dedup TTL.
	ErrDuplicateTransmission = errors.New("duplicate transmission")
	// ErrPersistenceFailure marks repository saves that were rejected.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrDeliveryFailure marks notifier calls that did not deliver.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrWorkerFailure marks unexpected errors or panics inside worker loop bodies.
	ErrWorkerFailure = errors.New("worker failure")
)
