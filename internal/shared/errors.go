package shared

import "errors"

// ErrRunInProgress occurs when another worker holds the run lock.
var ErrRunInProgress = errors.New("run already in progress")
