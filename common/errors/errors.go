package errors

import "github.com/pkg/errors"

var (
	// ErrStateConflict is returned by a compare-and-swap transition whose
	// expected source state no longer matches the persisted state. Losing a
	// CAS race is expected behavior for concurrent workers, not a fault.
	ErrStateConflict = errors.New("transfer state conflict")

	// ErrTransferNotFound is returned when no record exists for a transfer id.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrIllegalTransition is returned for a transition that is not part of
	// the transfer state machine, regardless of the persisted state.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrNoCheckpoint is returned at startup when no durable checkpoint exists
	// and no explicit start height is configured. Guessing a start height
	// silently is how transfers get lost, so startup must abort instead.
	ErrNoCheckpoint = errors.New("no durable checkpoint and no start height configured")

	ErrClientNotInitialized = errors.New("client not initialized")
	ErrSignerNotInitialized = errors.New("signer not initialized")
	ErrInvalidConfig        = errors.New("invalid relayer configuration")
	ErrDatabaseConnect      = errors.New("failed to connect to database")
)
