package wasp

import (
	"errors"

	waspErrors "wasp/internal/errors"
)

// Error types returned by the client. Use errors.As to inspect them.
type (
	TransportError       = waspErrors.TransportError
	StatusError          = waspErrors.StatusError
	RecordNotFoundError  = waspErrors.RecordNotFoundError
	RecordImmutableError = waspErrors.RecordImmutableError
	ActionFailedError    = waspErrors.ActionFailedError
	ConfigurationError   = waspErrors.ConfigurationError
	LocalResourceError   = waspErrors.LocalResourceError
)

var (
	// ErrUnknownTag is returned by SystemInfo lookups for tags the collection
	// does not define.
	ErrUnknownTag = errors.New("wasp: tag not defined for collection")
	// ErrFileClosed is returned when reading a FileValue after Close.
	ErrFileClosed = errors.New("wasp: file value is closed")
	// ErrMissingID is returned when a record without _id is used as a reference target.
	ErrMissingID = errors.New("wasp: record has no _id")
)
