package repositories

import "errors"

var ErrJobNotFound = errors.New("job not found")

// ErrJobTerminal is returned by writes against a SUCCEEDED or FAILED job.
var ErrJobTerminal = errors.New("job already finished")
