package core

import "errors"

var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrAtCapacity        = errors.New("host at capacity")
	ErrShuttingDown      = errors.New("host shutting down")
	ErrInvalidJob        = errors.New("invalid job")
)

var (
	// ErrRegistrationRejected means the coordinator refused the host registration.
	ErrRegistrationRejected = errors.New("registration rejected")
	// ErrReportRejected means the coordinator will never accept the job report.
	ErrReportRejected = errors.New("job report rejected")
)
