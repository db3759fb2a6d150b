// Package childproc provides the child process transport a Worker supervises:
// an abstract Runner interface, an exec-backed implementation that frames the
// predictor protocol as NDJSON over the child's pipes, and a scripted fake for
// tests that never spawns real processes.
package childproc

import (
	"context"
	"errors"

	"github.com/tempusfrangit/cog/internal/events"
)

// ErrNotStarted is returned when sending to a runner that has not started.
var ErrNotStarted = errors.New("child process not started")

// ErrAlreadyStarted is returned when starting a runner twice.
var ErrAlreadyStarted = errors.New("child process already started")

// ExitStatus describes how the child process exited.
type ExitStatus struct {
	// Code is the process exit code, or -1 when the process was killed.
	Code int
	// Err is the wait error, if any.
	Err error
}

// Runner is the process-supervisor abstraction the Worker drives. A Runner
// owns one child process and exposes its decoded event stream, its exit
// notification, and a one-way control channel into it.
//
// Events delivers child messages in the order the child produced them, plus
// captured stderr lines as Log events (ordered within the stderr stream only).
// Exited delivers at most one ExitStatus, after all child events have been
// delivered.
type Runner interface {
	// Start launches the child process. It fails if the predictor reference
	// cannot be resolved or the process cannot be spawned.
	Start(ctx context.Context) error

	// Send writes one control message to the child. Best effort: the child
	// may exit before observing it.
	Send(req events.Request) error

	// Events returns the ordered stream of decoded child events.
	Events() <-chan events.Event

	// Exited reports the child's exit status once it terminates.
	Exited() <-chan ExitStatus

	// Kill unconditionally stops the child process. Idempotent.
	Kill() error
}
