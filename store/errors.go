package store

import "errors"

var (
	// ErrUnauthorized is returned if the channel is password protected and the credential does not match
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotProtected is returned if a credential was presented for a channel without a password
	ErrNotProtected = errors.New("channel is not password protected")

	// ErrLocked is returned if another receiver currently holds the channel
	ErrLocked = errors.New("channel locked by another receiver")

	// ErrEmpty is returned by Pop if no chunk arrived before the context was done
	ErrEmpty = errors.New("channel empty")

	// ErrGone is returned if the channel expired or was deleted while a transfer was in progress
	ErrGone = errors.New("channel gone")

	// ErrNotFound is returned by Query for channels that do not exist
	ErrNotFound = errors.New("channel not found")

	// ErrConflict is returned for out-of-order chunks, foreign streams, or data consumed by another receiver
	ErrConflict = errors.New("conflict")

	// ErrFull is returned if the channel or the store has reached its size limit; retrying later may succeed
	ErrFull = errors.New("channel full")

	// ErrTooMany is returned if the max. number of channels is reached
	ErrTooMany = errors.New("too many channels")

	// ErrTooLarge is returned if a single chunk can never fit into a channel
	ErrTooLarge = errors.New("chunk too large")

	// ErrInvalidName is returned for channel names that are not allowed
	ErrInvalidName = errors.New("invalid channel name")
)
