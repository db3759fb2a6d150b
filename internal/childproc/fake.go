package childproc

import (
	"context"
	"sync"

	"github.com/tempusfrangit/cog/internal/events"
)

// EmitFunc delivers one event from a scripted predictor.
type EmitFunc func(ev events.Event)

// PredictFunc scripts the child side of one prediction. It receives the
// decoded input, an emit function for events, and a channel that is closed
// when a cancel interrupt for this prediction arrives. A non-nil return
// simulates the child process dying instead of finishing the prediction.
type PredictFunc func(in events.PredictionInput, emit EmitFunc, canceled <-chan struct{}) *ExitStatus

// Script describes the behavior of a fake child process.
type Script struct {
	// StartErr, when set, fails Start (the process cannot be spawned).
	StartErr error
	// Setup is emitted as soon as the fake starts.
	Setup []events.Event
	// SetupExit, when set, simulates the child dying during setup, after
	// the Setup events have been emitted.
	SetupExit *ExitStatus
	// Predict runs for each predict request, in its own goroutine.
	Predict PredictFunc
}

// FakeRunner is a Runner backed by a Script instead of a real process.
// It records the control traffic it receives so tests can assert on it.
type FakeRunner struct {
	script Script

	events chan events.Event
	exited chan ExitStatus
	killed chan struct{}

	mu            sync.Mutex
	started       bool
	killedOnce    bool
	shutdowns     int
	cancelSignals map[string]int
	cancelChans   map[string]chan struct{}
}

// NewFakeRunner creates a fake child that behaves per script.
func NewFakeRunner(script Script) *FakeRunner {
	return &FakeRunner{
		script:        script,
		events:        make(chan events.Event, eventBufferSize),
		exited:        make(chan ExitStatus, 1),
		killed:        make(chan struct{}),
		cancelSignals: make(map[string]int),
		cancelChans:   make(map[string]chan struct{}),
	}
}

// Start emits the scripted setup events.
func (f *FakeRunner) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.script.StartErr != nil {
		return f.script.StartErr
	}
	if f.started {
		return ErrAlreadyStarted
	}
	f.started = true

	go func() {
		for _, ev := range f.script.Setup {
			f.emit(ev)
		}
		if f.script.SetupExit != nil {
			f.exit(*f.script.SetupExit)
		}
	}()
	return nil
}

// Send dispatches a control message to the scripted child.
func (f *FakeRunner) Send(req events.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.started {
		return ErrNotStarted
	}

	switch req.Type {
	case events.RequestPredict:
		cancelCh := make(chan struct{})
		f.cancelChans[req.ID] = cancelCh
		in := events.PredictionInput{ID: req.ID, Payload: req.Payload}
		go func() {
			if f.script.Predict == nil {
				f.emit(events.Done{})
				return
			}
			if exit := f.script.Predict(in, f.emit, cancelCh); exit != nil {
				f.exit(*exit)
			}
		}()
	case events.RequestCancel:
		f.cancelSignals[req.ID]++
		if ch, ok := f.cancelChans[req.ID]; ok {
			delete(f.cancelChans, req.ID)
			close(ch)
		}
	case events.RequestShutdown:
		f.shutdowns++
	}
	return nil
}

// Events returns the scripted event stream.
func (f *FakeRunner) Events() <-chan events.Event {
	return f.events
}

// Exited reports the scripted exit status, if the script dies.
func (f *FakeRunner) Exited() <-chan ExitStatus {
	return f.exited
}

// Kill stops the fake child. Idempotent.
func (f *FakeRunner) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.killedOnce {
		f.killedOnce = true
		close(f.killed)
	}
	return nil
}

// CancelSignals reports how many cancel interrupts were delivered for the
// given prediction id.
func (f *FakeRunner) CancelSignals(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelSignals[id]
}

// Shutdowns reports how many shutdown requests the child observed.
func (f *FakeRunner) Shutdowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

// Killed reports whether Kill was called.
func (f *FakeRunner) Killed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killedOnce
}

// emit delivers one event, giving up once the fake is killed.
func (f *FakeRunner) emit(ev events.Event) {
	select {
	case f.events <- ev:
	case <-f.killed:
	}
}

// exit publishes an exit status at most once.
func (f *FakeRunner) exit(status ExitStatus) {
	select {
	case f.exited <- status:
	default:
	}
}
