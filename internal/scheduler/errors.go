package scheduler

import "errors"

var (
	// ErrAlreadyRunning is returned when Start is called on a running refresher
	ErrAlreadyRunning = errors.New("refresher already running")

	// ErrNotRunning is returned when an operation needs a running refresher
	ErrNotRunning = errors.New("refresher not running")

	// ErrNilProducer is returned when a refresher is started without a producer
	ErrNilProducer = errors.New("producer is nil")

	// ErrInvalidInterval is returned for non-positive refresh intervals
	ErrInvalidInterval = errors.New("refresh interval must be positive")

	// ErrJobNotFound is returned when a housekeeping job is not found
	ErrJobNotFound = errors.New("job not found")

	// ErrNilJobFunc is returned when a housekeeping job has nothing to run
	ErrNilJobFunc = errors.New("job function is nil")
)
