package orchestrator

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by operations. Their text is what observers see
// in State.Err.
var (
	ErrAlreadyInProgress = errors.New("operation already in progress")
	ErrOperationTimeout  = errors.New("operation timed out")
	ErrConflictingState  = errors.New("device state contradicts operation")
	ErrClosed            = errors.New("orchestrator: not running")
)

// TransientIOError is a backend failure during an operation action. The
// operation is abandoned; the next operation may succeed.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }
