package worker

import (
	"errors"
	"fmt"

	"github.com/tempusfrangit/cog/internal/childproc"
)

var (
	// ErrInvalidState reports caller misuse: an operation issued from a
	// state that does not accept it. Always synchronous, never retried.
	ErrInvalidState = errors.New("invalid worker state")

	// ErrPredictionNotFound reports a cancel against an id that is not the
	// active prediction.
	ErrPredictionNotFound = errors.New("prediction not found")

	// ErrFatal is the sentinel all fatal conditions unwrap to. Once a fatal
	// condition holds, only Terminate remains valid.
	ErrFatal = errors.New("fatal worker error")
)

// FatalError is an irrecoverable failure: setup failed, the predictor could
// not be started, or the child died while a prediction was in flight. It
// carries the child's exit status when one was observed.
type FatalError struct {
	Reason string
	Exit   *childproc.ExitStatus
}

func (e *FatalError) Error() string {
	if e.Exit != nil {
		return fmt.Sprintf("%s (exit code %d)", e.Reason, e.Exit.Code)
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error {
	return ErrFatal
}
