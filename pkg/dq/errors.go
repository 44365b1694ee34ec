package dq

import (
	"errors"
	"fmt"
)

var (
	ErrClassNotFound        = errors.New("flag class not found")
	ErrMultipleClassesFound = errors.New("multiple flag classes found")
	ErrEntityNotFound       = errors.New("entity not found")
	ErrFlagNotFound         = errors.New("flag not found")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrMaxDepthExceeded     = errors.New("class hierarchy exceeds maximum depth")
	ErrCycleSuspected       = errors.New("cycle in class hierarchy")
	ErrBatchFailure         = errors.New("batch deletion failed")
)

// MultipleClassesError reports a label shared by more than one class node.
// It satisfies errors.Is(err, ErrMultipleClassesFound).
type MultipleClassesError struct {
	Label string
	Count int
}

func (e *MultipleClassesError) Error() string {
	return fmt.Sprintf("%d flag classes with label %q", e.Count, e.Label)
}

// Is lets errors.Is match ErrMultipleClassesFound.
func (e *MultipleClassesError) Is(target error) bool {
	return target == ErrMultipleClassesFound
}

// BatchError reports a batch deletion that stopped part way. Batches before
// the failing one stay committed; Committed is what they deleted.
// It satisfies errors.Is(err, ErrBatchFailure) and unwraps to the cause.
type BatchError struct {
	Committed int
	Batches   int
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d failed after %d committed: %v", e.Batches+1, e.Committed, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrBatchFailure.
func (e *BatchError) Is(target error) bool {
	return target == ErrBatchFailure
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
