package training

import "errors"

// Failure classes for the training loop. Every error returned from this
// package wraps exactly one of these, and all of them abort the run.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrResumption    = errors.New("resumption error")
	ErrComputation   = errors.New("computation error")
)
