// Package worker supervises a single long-lived child process running a
// user-supplied predictor. Setup and Predict return lazy event streams;
// Cancel, Shutdown and Terminate are synchronous control calls. A strict
// state machine rejects illegal call sequences, and fatal conditions (setup
// failure, child crash mid-prediction) permanently disable the worker.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tempusfrangit/cog/internal/childproc"
	"github.com/tempusfrangit/cog/internal/events"
	"github.com/tempusfrangit/cog/internal/log"
	"github.com/tempusfrangit/cog/internal/pubsub"
	"github.com/tempusfrangit/cog/internal/tracing"
)

// prediction tracks the one in-flight (or pending, in deferred mode)
// prediction. allowCancel is the cancellation latch: open exactly from the
// moment the prediction begins until the first cancel signal fires.
type prediction struct {
	input       events.PredictionInput
	startedAt   time.Time
	started     bool
	allowCancel bool
}

// Worker owns the child process handle, the state machine, the heartbeat
// scheduling and the cancellation latch. Control methods are safe for
// concurrent use; streams are single-consumer.
type Worker struct {
	runner childproc.Runner
	tee    bool
	tracer trace.Tracer

	mu                sync.Mutex
	state             State
	fatal             *FatalError
	active            *prediction
	shutdownRequested bool
	terminated        bool
	exit              *childproc.ExitStatus
	states            *pubsub.Broker[State]
}

// Option configures a Worker at construction.
type Option func(*Worker)

// WithTeeOutput mirrors child log events to the supervisor's own
// stdout/stderr in addition to delivering them on streams.
func WithTeeOutput(tee bool) Option {
	return func(w *Worker) { w.tee = tee }
}

// WithRunner substitutes the child process implementation. Used by tests to
// drive the worker against a scripted fake instead of a real process.
func WithRunner(r childproc.Runner) Option {
	return func(w *Worker) { w.runner = r }
}

// WithTracer enables tracing of setup and predict lifecycles.
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// New creates a Worker supervising the predictor identified by ref.
// A ref is the path to the predictor executable, optionally suffixed with
// ":entrypoint" to select a predictor within it. The child process is not
// started until Setup.
func New(predictorRef string, opts ...Option) *Worker {
	w := &Worker{
		state:  StateNew,
		tracer: noop.NewTracerProvider().Tracer("worker"),
		states: pubsub.NewBroker[State](),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.runner == nil {
		path, entrypoint := splitRef(predictorRef)
		var execOpts []childproc.ExecOption
		if entrypoint != "" {
			execOpts = append(execOpts, childproc.WithArgs("--entrypoint", entrypoint))
		}
		w.runner = childproc.NewExecRunner(path, execOpts...)
	}
	return w
}

// splitRef splits "path:entrypoint" into its parts. A ref without a colon is
// a bare path. Windows drive letters are not a concern: refs are produced on
// the same host the child runs on.
func splitRef(ref string) (path, entrypoint string) {
	if i := strings.LastIndex(ref, ":"); i > 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// State returns the current worker state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// StateChanges subscribes to state transitions. The subscription is released
// when ctx is cancelled or the worker is terminated.
func (w *Worker) StateChanges(ctx context.Context) <-chan pubsub.Event[State] {
	return w.states.Subscribe(ctx)
}

// Setup starts the child process and returns the stream of setup events:
// zero or more Log events followed by exactly one Done. A Done carrying an
// error, an unexpected child exit, or a child that cannot be started at all
// are all fatal. Valid only in the NEW state.
func (w *Worker) Setup(ctx context.Context) (*Stream, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated {
		return nil, fmt.Errorf("setup after terminate: %w", ErrInvalidState)
	}
	if w.fatal != nil {
		return nil, w.fatal
	}
	if w.state != StateNew {
		return nil, fmt.Errorf("setup in state %s: %w", w.state, ErrInvalidState)
	}

	w.setStateLocked(StateSettingUp)

	if err := w.runner.Start(ctx); err != nil {
		f := &FatalError{Reason: fmt.Sprintf("starting predictor: %v", err)}
		w.failLocked(StateSetupFailed, f)
		return nil, f
	}

	_, span := w.tracer.Start(ctx, tracing.SpanSetup)
	return &Stream{w: w, kind: kindSetup, span: span}, nil
}

// PredictOption configures one Predict call.
type PredictOption func(*predictConfig)

type predictConfig struct {
	poll     time.Duration
	deferred bool
}

// WithPoll interleaves a Heartbeat event roughly every d of wall-clock
// waiting while the prediction stream has no real event to deliver.
// Heartbeats never appear after Done. Zero disables heartbeats.
func WithPoll(d time.Duration) PredictOption {
	return func(c *predictConfig) { c.poll = d }
}

// WithDeferredStart postpones the PREDICTING transition and the input send
// until the stream is first consumed (or BeginPrediction is called), instead
// of applying them at call time. The resulting event stream is identical.
func WithDeferredStart() PredictOption {
	return func(c *predictConfig) { c.deferred = true }
}

// Predict submits one prediction and returns its event stream. Valid only in
// the READY state with no shutdown requested; at most one prediction is in
// flight at a time.
func (w *Worker) Predict(ctx context.Context, input events.PredictionInput, opts ...PredictOption) (*Stream, error) {
	var cfg predictConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated {
		return nil, fmt.Errorf("predict after terminate: %w", ErrInvalidState)
	}
	if w.fatal != nil {
		return nil, w.fatal
	}
	if w.shutdownRequested {
		return nil, fmt.Errorf("predict after shutdown: %w", ErrInvalidState)
	}
	if w.state != StateReady {
		return nil, fmt.Errorf("predict in state %s: %w", w.state, ErrInvalidState)
	}

	p := &prediction{input: input}
	w.active = p

	if !cfg.deferred {
		if err := w.beginLocked(p); err != nil {
			return nil, err
		}
	}

	_, span := w.tracer.Start(ctx, tracing.SpanPredict,
		trace.WithAttributes(predictionIDAttr(input.ID)))
	return &Stream{w: w, kind: kindPredict, pred: p, poll: cfg.poll, span: span}, nil
}

// BeginPrediction applies the PREDICTING transition for a prediction created
// with WithDeferredStart. No-op if the prediction already started. Fails
// with ErrPredictionNotFound when id is not the pending prediction.
func (w *Worker) BeginPrediction(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated {
		return fmt.Errorf("begin prediction after terminate: %w", ErrInvalidState)
	}
	if w.fatal != nil {
		return w.fatal
	}
	if w.active == nil || w.active.input.ID != id {
		return fmt.Errorf("begin prediction %q: %w", id, ErrPredictionNotFound)
	}
	if w.active.started {
		return nil
	}
	return w.beginLocked(w.active)
}

// beginLocked transitions to PREDICTING, opens the cancellation latch and
// sends the input to the child. Caller holds w.mu.
func (w *Worker) beginLocked(p *prediction) error {
	if w.state != StateReady {
		return fmt.Errorf("begin prediction in state %s: %w", w.state, ErrInvalidState)
	}

	p.started = true
	p.startedAt = time.Now()
	p.allowCancel = true
	w.setStateLocked(StatePredicting)

	req := events.Request{Type: events.RequestPredict, ID: p.input.ID, Payload: p.input.Payload}
	if err := w.runner.Send(req); err != nil {
		f := &FatalError{Reason: fmt.Sprintf("sending prediction input: %v", err), Exit: w.exit}
		w.failLocked(StateDefunct, f)
		return f
	}
	log.Debug(log.CatWorker, "Prediction started", "id", p.input.ID)
	return nil
}

// Cancel requests cancellation of the active prediction. The first call for
// a given prediction closes its latch and sends exactly one interrupt to the
// child; repeated calls are safe no-ops. Any id other than the active
// prediction's fails with ErrPredictionNotFound. Best effort: the prediction
// may still complete normally if it finishes before the child observes the
// signal.
func (w *Worker) Cancel(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated {
		return fmt.Errorf("cancel after terminate: %w", ErrInvalidState)
	}
	if w.active == nil || w.active.input.ID != id {
		return fmt.Errorf("cancel %q: %w", id, ErrPredictionNotFound)
	}
	if !w.active.allowCancel {
		// Latch already closed: a prior cancel fired for this prediction.
		return nil
	}

	// Close the latch before signaling so a concurrent second cancel can
	// never send a duplicate interrupt.
	w.active.allowCancel = false
	if err := w.runner.Send(events.Request{Type: events.RequestCancel, ID: id}); err != nil {
		log.Warn(log.CatWorker, "Cancel signal failed", "id", id, "error", err)
	}
	log.Debug(log.CatWorker, "Prediction cancel requested", "id", id)
	return nil
}

// Shutdown marks the worker so no new prediction is accepted. An in-flight
// prediction runs to completion and its stream drains normally; when the
// worker is idle the child is asked to exit.
func (w *Worker) Shutdown() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated {
		return fmt.Errorf("shutdown after terminate: %w", ErrInvalidState)
	}
	if w.shutdownRequested {
		return nil
	}
	w.shutdownRequested = true
	log.Info(log.CatWorker, "Shutdown requested", "state", w.state)

	if w.state == StateReady {
		w.setStateLocked(StateShuttingDown)
		if err := w.runner.Send(events.Request{Type: events.RequestShutdown}); err != nil {
			log.Warn(log.CatWorker, "Shutdown request failed", "error", err)
		}
	}
	return nil
}

// Terminate unconditionally stops the child process and releases resources.
// Idempotent and valid from every state, including after a fatal failure.
// Afterwards all other public calls fail with ErrInvalidState.
func (w *Worker) Terminate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated {
		return nil
	}
	w.terminated = true
	w.active = nil

	if err := w.runner.Kill(); err != nil {
		log.Warn(log.CatWorker, "Kill failed", "error", err)
	}
	w.setStateLocked(StateTerminated)
	w.states.Close()
	log.Info(log.CatWorker, "Worker terminated")
	return nil
}

// setStateLocked applies a state transition and publishes it. Caller holds
// w.mu.
func (w *Worker) setStateLocked(s State) {
	if w.state == s {
		return
	}
	log.Debug(log.CatWorker, "State changed", "from", w.state, "to", s)
	w.state = s
	w.states.Publish(s)
}

// failLocked records the first fatal condition and moves to the given fatal
// terminal state. Caller holds w.mu.
func (w *Worker) failLocked(s State, f *FatalError) {
	if w.fatal == nil {
		w.fatal = f
	}
	w.active = nil
	w.setStateLocked(s)
	log.Error(log.CatWorker, "Fatal condition", "state", s, "reason", f.Reason)
}

// completeSetup finalizes the setup stream once its Done arrived. A non-empty
// error message is fatal. Returns the fatal condition, if any.
func (w *Worker) completeSetup(done events.Done) *FatalError {
	w.mu.Lock()
	defer w.mu.Unlock()

	if done.Error != "" {
		f := &FatalError{Reason: fmt.Sprintf("predictor setup failed: %s", done.Error)}
		w.failLocked(StateSetupFailed, f)
		return f
	}

	if w.shutdownRequested {
		w.setStateLocked(StateShuttingDown)
		if err := w.runner.Send(events.Request{Type: events.RequestShutdown}); err != nil {
			log.Warn(log.CatWorker, "Shutdown request failed", "error", err)
		}
	} else {
		w.setStateLocked(StateReady)
	}
	return nil
}

// completePredict finalizes a prediction stream once its Done arrived.
// Prediction errors are recoverable: the worker returns to READY (or moves
// to SHUTTING_DOWN when a shutdown was requested mid-flight).
func (w *Worker) completePredict(p *prediction, done events.Done) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == p {
		w.active = nil
	}
	if w.terminated || w.fatal != nil {
		return
	}

	log.Debug(log.CatWorker, "Prediction finished",
		"id", p.input.ID, "canceled", done.Canceled, "error", done.Error,
		"duration", time.Since(p.startedAt))

	if w.shutdownRequested {
		w.setStateLocked(StateShuttingDown)
		if err := w.runner.Send(events.Request{Type: events.RequestShutdown}); err != nil {
			log.Warn(log.CatWorker, "Shutdown request failed", "error", err)
		}
	} else {
		w.setStateLocked(StateReady)
	}
}

// failExit records a fatal child exit observed by a stream and returns the
// resulting fatal condition.
func (w *Worker) failExit(kind streamKind, status childproc.ExitStatus) *FatalError {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fatal != nil {
		return w.fatal
	}

	st := status
	f := &FatalError{Exit: &st}
	if kind == kindSetup {
		f.Reason = "predictor exited during setup"
		w.failLocked(StateSetupFailed, f)
	} else {
		f.Reason = "predictor exited unexpectedly during prediction"
		w.failLocked(StateDefunct, f)
	}
	return f
}

// ensureStarted begins a deferred prediction on first consumption.
func (w *Worker) ensureStarted(p *prediction) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p.started {
		return nil
	}
	if w.fatal != nil {
		return w.fatal
	}
	return w.beginLocked(p)
}

// cachedExit returns the child exit status if one was already observed.
// Exited() delivers the status only once, so the first stream to see it
// records it here for everyone else.
func (w *Worker) cachedExit() (childproc.ExitStatus, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exit == nil {
		return childproc.ExitStatus{}, false
	}
	return *w.exit, true
}

func (w *Worker) cacheExit(status childproc.ExitStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exit == nil {
		st := status
		w.exit = &st
	}
}
