package domain

import "errors"

var (
	// ErrInvalidInput is returned when a submission is malformed, e.g. it has no items
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a job id is unknown or has already been evicted
	ErrNotFound = errors.New("job not found")

	// ErrJobTerminal is returned when a transition is attempted on a finished job
	ErrJobTerminal = errors.New("job is in a terminal phase")

	// ErrInvalidTransition is returned when a phase change does not follow the job lifecycle
	ErrInvalidTransition = errors.New("invalid job phase transition")
)
