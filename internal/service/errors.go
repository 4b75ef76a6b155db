package service

import "errors"

var (
	// ErrNoSnapshot is returned before the first snapshot of a site exists
	ErrNoSnapshot = errors.New("no snapshot available")

	// ErrUnknownSource is returned for a data source name that is not refreshed
	ErrUnknownSource = errors.New("unknown data source")

	// ErrInvalidPayload is returned for messages that cannot be ingested
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidSite is returned for an empty site id
	ErrInvalidSite = errors.New("invalid site id")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("already started")
)
