package database

import "errors"

var (
	// ErrIntegrity is returned when deleting an authority that is still
	// referenced without the allow-delete flag.
	ErrIntegrity = errors.New("integrity error")

	// ErrNotFound is returned when an entity cannot be located.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedEntity is returned by writers given a value they do not persist.
	ErrUnsupportedEntity = errors.New("unsupported entity")

	// ErrWriterClosed is returned when a writer is used after commit or rollback.
	ErrWriterClosed = errors.New("writer already committed or rolled back")
)
