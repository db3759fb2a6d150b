package childproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/tempusfrangit/cog/internal/events"
	"github.com/tempusfrangit/cog/internal/log"
)

const (
	// eventBufferSize bounds the decoded event channel so a slow consumer
	// applies backpressure to the stdout reader rather than growing memory.
	eventBufferSize = 100

	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 1024 * 1024
)

// CommandFactoryFunc creates an exec.Cmd. Tests use it to substitute the
// command without spawning a real predictor.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// ExecOption configures an ExecRunner.
type ExecOption func(*ExecRunner)

// WithArgs sets extra arguments passed to the predictor executable.
func WithArgs(args ...string) ExecOption {
	return func(r *ExecRunner) { r.args = args }
}

// WithEnv appends environment variables ("KEY=VALUE") to the child's env.
func WithEnv(env []string) ExecOption {
	return func(r *ExecRunner) { r.env = env }
}

// WithWorkDir sets the child's working directory.
func WithWorkDir(dir string) ExecOption {
	return func(r *ExecRunner) { r.workDir = dir }
}

// WithCommandFactory sets a custom command factory for testing.
func WithCommandFactory(fn CommandFactoryFunc) ExecOption {
	return func(r *ExecRunner) { r.commandFactory = fn }
}

// ExecRunner runs the predictor as a real child process. Protocol messages
// travel as NDJSON: Requests down the child's stdin, Envelopes up its stdout.
// Raw (non-JSON) stdout lines and all stderr lines surface as Log events, so
// a predictor that prints instead of speaking the protocol is still observable.
type ExecRunner struct {
	execPath       string
	args           []string
	env            []string
	workDir        string
	commandFactory CommandFactoryFunc

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	killed  bool

	events chan events.Event
	exited chan ExitStatus

	readers sync.WaitGroup
}

// NewExecRunner creates a runner for the predictor referenced by path.
// The reference is resolved at Start; a missing file fails there.
func NewExecRunner(path string, opts ...ExecOption) *ExecRunner {
	r := &ExecRunner{
		execPath: path,
		events:   make(chan events.Event, eventBufferSize),
		exited:   make(chan ExitStatus, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start resolves the predictor reference, spawns the child, and begins
// reading its output. On error all created resources are released.
func (r *ExecRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}

	if _, err := os.Stat(r.execPath); err != nil {
		return fmt.Errorf("resolving predictor reference %q: %w", r.execPath, err)
	}

	procCtx, cancel := context.WithCancel(ctx)

	var cmd *exec.Cmd
	if r.commandFactory != nil {
		cmd = r.commandFactory(procCtx, r.execPath, r.args...)
	} else {
		// #nosec G204 -- execPath comes from the Worker's predictor reference, not request input
		cmd = exec.CommandContext(procCtx, r.execPath, r.args...)
	}
	if r.workDir != "" {
		cmd.Dir = r.workDir
	}
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}

	var stdin io.WriteCloser
	var stdout, stderr io.ReadCloser

	cleanup := func() {
		cancel()
		if stdin != nil {
			_ = stdin.Close()
		}
		if stdout != nil {
			_ = stdout.Close()
		}
		if stderr != nil {
			_ = stderr.Close()
		}
	}

	var err error
	if stdin, err = cmd.StdinPipe(); err != nil {
		cleanup()
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	if stdout, err = cmd.StdoutPipe(); err != nil {
		cleanup()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	if stderr, err = cmd.StderrPipe(); err != nil {
		cleanup()
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	log.Debug(log.CatChild, "spawning predictor", "path", r.execPath, "workDir", r.workDir)

	if err := cmd.Start(); err != nil {
		cleanup()
		return fmt.Errorf("starting predictor process: %w", err)
	}

	log.Debug(log.CatChild, "predictor started", "pid", cmd.Process.Pid)

	r.cmd = cmd
	r.stdin = stdin
	r.ctx = procCtx
	r.cancel = cancel
	r.started = true

	r.readers.Add(2)
	go r.readStdout(stdout)
	go r.readStderr(stderr)
	go r.waitForExit()

	return nil
}

// Send writes one control message to the child's stdin.
func (r *ExecRunner) Send(req events.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return ErrNotStarted
	}
	if r.killed {
		return fmt.Errorf("sending %s request: child already killed", req.Type)
	}
	if err := json.NewEncoder(r.stdin).Encode(req); err != nil {
		return fmt.Errorf("sending %s request: %w", req.Type, err)
	}
	return nil
}

// Events returns the decoded child event stream.
func (r *ExecRunner) Events() <-chan events.Event {
	return r.events
}

// Exited reports the child's exit status.
func (r *ExecRunner) Exited() <-chan ExitStatus {
	return r.exited
}

// Kill unconditionally stops the child process. Safe to call repeatedly and
// before Start.
func (r *ExecRunner) Kill() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started || r.killed {
		return nil
	}
	r.killed = true
	_ = r.stdin.Close()
	r.cancel()
	return nil
}

// readStdout decodes NDJSON envelopes from the child's stdout. Lines that are
// not protocol frames are delivered as stdout Log events, preserving order.
func (r *ExecRunner) readStdout(stdout io.ReadCloser) {
	defer r.readers.Done()

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, scannerInitialBuffer)
	scanner.Buffer(buf, scannerMaxBuffer)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env events.Envelope
		if err := json.Unmarshal(line, &env); err != nil || env.Type == "" {
			if !r.deliver(events.Log{Source: events.SourceStdout, Message: string(line) + "\n"}) {
				return
			}
			continue
		}

		ev, err := env.Decode()
		if err != nil {
			log.Debug(log.CatProto, "dropping undecodable envelope", "error", err, "line", string(line))
			continue
		}
		if !r.deliver(ev) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatChild, "stdout scanner error", "error", err)
	}
}

// readStderr turns raw stderr lines into stderr Log events.
func (r *ExecRunner) readStderr(stderr io.ReadCloser) {
	defer r.readers.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if !r.deliver(events.Log{Source: events.SourceStderr, Message: scanner.Text() + "\n"}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatChild, "stderr scanner error", "error", err)
	}
}

// deliver sends one event to the consumer, giving up once the runner is
// killed so readers never block on an abandoned channel.
func (r *ExecRunner) deliver(ev events.Event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// waitForExit publishes the exit status after both readers have drained the
// pipes, so every child event is delivered before the exit notice.
func (r *ExecRunner) waitForExit() {
	r.readers.Wait()
	err := r.cmd.Wait()

	status := ExitStatus{Code: r.cmd.ProcessState.ExitCode()}
	if err != nil {
		status.Err = err
	}

	log.Debug(log.CatChild, "predictor exited", "code", status.Code, "error", err)

	close(r.events)
	r.exited <- status
}
