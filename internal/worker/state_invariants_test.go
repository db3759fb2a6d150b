package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tempusfrangit/cog/internal/childproc"
	"github.com/tempusfrangit/cog/internal/events"
)

// ============================================================================
// Property-Based Tests for the Worker State Machine
//
// Randomized sequences of public calls are replayed against a simple model
// of the documented state machine. Every call must either succeed with the
// documented effect or fail with the documented error - never an unmodeled
// outcome.
// ============================================================================

// workerModel is the reference model the real worker is checked against.
type workerModel struct {
	state             State
	shutdownRequested bool
	fatal             bool
	terminated        bool
}

func TestProperty_StateMachineHonorsDocumentedTransitions(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fake := childproc.NewFakeRunner(childproc.Script{
			Setup:   []events.Event{events.Done{}},
			Predict: instantPredict,
		})
		w := New("fake-predictor", WithRunner(fake))
		defer func() { _ = w.Terminate() }()

		model := workerModel{state: StateNew}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			op := rapid.SampledFrom([]string{
				"setup", "predict", "predictDeferred", "cancelBogus", "shutdown", "terminate",
			}).Draw(t, "op")

			switch op {
			case "setup":
				stream, err := w.Setup(ctx)
				switch {
				case model.terminated:
					require.ErrorIs(t, err, ErrInvalidState)
				case model.fatal:
					require.ErrorIs(t, err, ErrFatal)
				case model.state != StateNew:
					require.ErrorIs(t, err, ErrInvalidState)
				default:
					require.NoError(t, err)
					_, err = stream.Drain(ctx)
					require.NoError(t, err)
					if model.shutdownRequested {
						model.state = StateShuttingDown
					} else {
						model.state = StateReady
					}
				}

			case "predict", "predictDeferred":
				var opts []PredictOption
				deferred := op == "predictDeferred"
				if deferred {
					opts = append(opts, WithDeferredStart())
				}
				input := events.NewPredictionInput(nil)
				stream, err := w.Predict(ctx, input, opts...)
				switch {
				case model.terminated:
					require.ErrorIs(t, err, ErrInvalidState)
				case model.fatal:
					require.ErrorIs(t, err, ErrFatal)
				case model.shutdownRequested || model.state != StateReady:
					require.ErrorIs(t, err, ErrInvalidState)
				default:
					require.NoError(t, err)
					if deferred {
						// No transition between call and first read.
						require.Equal(t, StateReady, w.State())
						require.NoError(t, w.BeginPrediction(input.ID))
						require.Equal(t, StatePredicting, w.State())
					}
					_, err = stream.Drain(ctx)
					require.NoError(t, err)
					if model.shutdownRequested {
						model.state = StateShuttingDown
					} else {
						model.state = StateReady
					}
				}

			case "cancelBogus":
				err := w.Cancel("no-such-prediction")
				if model.terminated {
					require.ErrorIs(t, err, ErrInvalidState)
				} else {
					require.ErrorIs(t, err, ErrPredictionNotFound)
				}

			case "shutdown":
				err := w.Shutdown()
				if model.terminated {
					require.ErrorIs(t, err, ErrInvalidState)
				} else {
					require.NoError(t, err)
					model.shutdownRequested = true
					if model.state == StateReady {
						model.state = StateShuttingDown
					}
				}

			case "terminate":
				require.NoError(t, w.Terminate())
				model.terminated = true
				model.state = StateTerminated
			}

			require.Equal(t, model.state, w.State(),
				"after op %q the worker state must match the model", op)
		}
	})
}

func TestProperty_FatalIsolation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// A child that dies during setup leaves the worker permanently
		// unusable, whatever the caller tries afterwards.
		fake := childproc.NewFakeRunner(childproc.Script{
			SetupExit: &childproc.ExitStatus{Code: rapid.IntRange(1, 255).Draw(t, "exitCode")},
		})
		w := New("fake-predictor", WithRunner(fake))
		defer func() { _ = w.Terminate() }()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stream, err := w.Setup(ctx)
		require.NoError(t, err)
		_, err = stream.Drain(ctx)
		require.ErrorIs(t, err, ErrFatal)
		require.Equal(t, StateSetupFailed, w.State())

		attempts := rapid.IntRange(1, 10).Draw(t, "attempts")
		for i := 0; i < attempts; i++ {
			if rapid.Bool().Draw(t, "trySetup") {
				_, err = w.Setup(ctx)
			} else {
				_, err = w.Predict(ctx, events.NewPredictionInput(nil))
			}
			require.ErrorIs(t, err, ErrFatal, "fatal conditions never clear")
			var fatal *FatalError
			require.ErrorAs(t, err, &fatal)
		}

		// Only terminate remains valid.
		require.NoError(t, w.Terminate())
		require.Equal(t, StateTerminated, w.State())
	})
}

func TestProperty_CancelLatchAllowsExactlyOneSignal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fake := childproc.NewFakeRunner(childproc.Script{
			Setup:   []events.Event{events.Done{}},
			Predict: sleepPredict,
		})
		w := New("fake-predictor", WithRunner(fake))
		defer func() { _ = w.Terminate() }()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stream, err := w.Setup(ctx)
		require.NoError(t, err)
		_, err = stream.Drain(ctx)
		require.NoError(t, err)

		predictions := rapid.IntRange(1, 5).Draw(t, "predictions")
		for i := 0; i < predictions; i++ {
			input := events.NewPredictionInput(map[string]any{"sleep": 0.2})
			stream, err := w.Predict(ctx, input)
			require.NoError(t, err)

			cancels := rapid.IntRange(0, 20).Draw(t, "cancels")
			for c := 0; c < cancels; c++ {
				require.NoError(t, w.Cancel(input.ID))
			}

			evs, err := stream.Drain(ctx)
			require.NoError(t, err)
			done := summarizeRapid(t, evs)

			if cancels == 0 {
				require.False(t, done.Canceled)
				require.Equal(t, 0, fake.CancelSignals(input.ID))
			} else {
				require.True(t, done.Canceled)
				require.Equal(t, 1, fake.CancelSignals(input.ID),
					"%d cancels must collapse into one signal", cancels)
			}
			require.Equal(t, StateReady, w.State())
		}
	})
}

// summarizeRapid extracts the terminal Done under a rapid.T, where the
// testify helpers bound to *testing.T cannot be reused.
func summarizeRapid(t *rapid.T, evs []events.Event) events.Done {
	t.Helper()
	if len(evs) == 0 {
		t.Fatalf("stream produced no events")
	}
	done, ok := evs[len(evs)-1].(events.Done)
	if !ok {
		t.Fatalf("last event is %T, want Done", evs[len(evs)-1])
	}
	return done
}

func TestProperty_NotFoundCancelsHaveNoEffect(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fake := childproc.NewFakeRunner(childproc.Script{
			Setup:   []events.Event{events.Done{}},
			Predict: helloPredict,
		})
		w := New("fake-predictor", WithRunner(fake))
		defer func() { _ = w.Terminate() }()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stream, err := w.Setup(ctx)
		require.NoError(t, err)
		_, err = stream.Drain(ctx)
		require.NoError(t, err)

		bogus := rapid.SliceOfN(rapid.StringMatching(`[a-z0-9-]{1,20}`), 1, 50).Draw(t, "bogusIDs")
		for _, id := range bogus {
			err := w.Cancel(id)
			if !errors.Is(err, ErrPredictionNotFound) {
				t.Fatalf("cancel(%q) = %v, want ErrPredictionNotFound", id, err)
			}
		}

		// The worker's subsequent behavior is unaffected.
		input := events.NewPredictionInput(map[string]any{"name": "Barry"})
		stream, err = w.Predict(ctx, input)
		require.NoError(t, err)
		evs, err := stream.Drain(ctx)
		require.NoError(t, err)
		done := summarizeRapid(t, evs)
		require.False(t, done.Canceled)
		require.Empty(t, done.Error)
	})
}
