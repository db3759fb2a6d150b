package worker

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tempusfrangit/cog/internal/childproc"
	"github.com/tempusfrangit/cog/internal/events"
)

// ============================================================================
// Heartbeats
// ============================================================================

func TestStream_HeartbeatsInterleaveWhileWaiting(t *testing.T) {
	w, _ := newTestWorker(t, childproc.Script{Setup: setupOK(), Predict: sleepPredict})
	setupReady(t, w)

	stream, err := w.Predict(testCtx(t),
		events.NewPredictionInput(map[string]any{"sleep": 0.5}),
		WithPoll(100*time.Millisecond))
	require.NoError(t, err)

	evs, err := stream.Drain(testCtx(t))
	require.NoError(t, err)

	r := summarize(t, evs)
	// 500ms of waiting at a 100ms poll: at least floor(d/p)-1 beats,
	// loosened slightly for scheduler jitter.
	require.GreaterOrEqual(t, r.heartbeats, 3, "heartbeats interleave while waiting")
	require.Equal(t, []any{"done in 0.5 seconds"}, r.outputs)

	// Heartbeats never appear after Done.
	_, err = stream.Next(testCtx(t))
	require.ErrorIs(t, err, io.EOF)
}

func TestStream_NoHeartbeatsWithoutPoll(t *testing.T) {
	w, _ := newTestWorker(t, childproc.Script{Setup: setupOK(), Predict: sleepPredict})
	setupReady(t, w)

	stream, err := w.Predict(testCtx(t), events.NewPredictionInput(map[string]any{"sleep": 0.2}))
	require.NoError(t, err)

	evs, err := stream.Drain(testCtx(t))
	require.NoError(t, err)
	require.Zero(t, summarize(t, evs).heartbeats)
}

func TestStream_HeartbeatsContinueWhileCancelPending(t *testing.T) {
	// A predictor that ignores the interrupt for a while: heartbeats keep
	// flowing regardless of the pending cancellation.
	stubborn := func(in events.PredictionInput, emit childproc.EmitFunc, canceled <-chan struct{}) *childproc.ExitStatus {
		<-canceled
		time.Sleep(300 * time.Millisecond)
		emit(events.Done{Canceled: true})
		return nil
	}
	w, _ := newTestWorker(t, childproc.Script{Setup: setupOK(), Predict: stubborn})
	setupReady(t, w)

	input := events.NewPredictionInput(nil)
	stream, err := w.Predict(testCtx(t), input, WithPoll(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Cancel(input.ID))

	evs, err := stream.Drain(testCtx(t))
	require.NoError(t, err)

	r := summarize(t, evs)
	require.True(t, r.done.Canceled)
	require.GreaterOrEqual(t, r.heartbeats, 2)
}

// ============================================================================
// Ordering
// ============================================================================

func TestStream_PreservesWithinStreamLogOrder(t *testing.T) {
	w, _ := newTestWorker(t, childproc.Script{Setup: setupOK(), Predict: stepsPredict})
	setupReady(t, w)

	stream, err := w.Predict(testCtx(t), events.NewPredictionInput(map[string]any{"name": "train"}))
	require.NoError(t, err)

	evs, err := stream.Drain(testCtx(t))
	require.NoError(t, err)

	r := summarize(t, evs)
	var lines []string
	for _, l := range r.logs {
		lines = append(lines, l.Message)
	}
	require.Equal(t, []string{"START\n", "STEP 1\n", "STEP 2\n", "STEP 3\n", "END\n"}, lines)
	require.Equal(t, []any{"NAME=train"}, r.outputs)
}

func TestStream_OutputTypePrecedesOutputs(t *testing.T) {
	w, _ := newTestWorker(t, childproc.Script{Setup: setupOK(), Predict: countUpPredict})
	setupReady(t, w)

	stream, err := w.Predict(testCtx(t), events.NewPredictionInput(map[string]any{"upto": 3}))
	require.NoError(t, err)

	evs, err := stream.Drain(testCtx(t))
	require.NoError(t, err)
	summarize(t, evs) // asserts the output-type / output / Done ordering invariants
}

// ============================================================================
// Suspension and context handling
// ============================================================================

func TestStream_ContextErrorIsNotSticky(t *testing.T) {
	w, _ := newTestWorker(t, childproc.Script{Setup: setupOK(), Predict: sleepPredict})
	setupReady(t, w)

	stream, err := w.Predict(testCtx(t), events.NewPredictionInput(map[string]any{"sleep": 0.3}))
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = stream.Next(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The same stream remains consumable with a live context.
	evs, err := stream.Drain(testCtx(t))
	require.NoError(t, err)
	require.False(t, summarize(t, evs).done.Canceled)
}

// ============================================================================
// Tee output
// ============================================================================

func TestStream_TeeMirrorsLogsToStdout(t *testing.T) {
	w, _ := newTestWorker(t, childproc.Script{Setup: setupOK(), Predict: stepsPredict},
		WithTeeOutput(true))

	orig := os.Stdout
	r, pipe, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = pipe
	defer func() { os.Stdout = orig }()

	setupReady(t, w)
	stream, perr := w.Predict(testCtx(t), events.NewPredictionInput(map[string]any{"name": "tee"}))
	require.NoError(t, perr)
	_, perr = stream.Drain(testCtx(t))
	require.NoError(t, perr)

	os.Stdout = orig
	require.NoError(t, pipe.Close())
	mirrored, err := io.ReadAll(r)
	require.NoError(t, err)

	require.Contains(t, string(mirrored), "setting up predictor\n")
	require.Contains(t, string(mirrored), "START\n")
	require.Contains(t, string(mirrored), "END\n")
}

func TestStream_NoTeeByDefault(t *testing.T) {
	w, _ := newTestWorker(t, childproc.Script{Setup: setupOK(), Predict: stepsPredict})

	orig := os.Stdout
	r, pipe, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = pipe
	defer func() { os.Stdout = orig }()

	setupReady(t, w)
	stream, perr := w.Predict(testCtx(t), events.NewPredictionInput(map[string]any{"name": "quiet"}))
	require.NoError(t, perr)
	evs, perr := stream.Drain(testCtx(t))
	require.NoError(t, perr)

	os.Stdout = orig
	require.NoError(t, pipe.Close())
	mirrored, err := io.ReadAll(r)
	require.NoError(t, err)

	require.Empty(t, string(mirrored), "logs are delivered as events only")
	require.NotEmpty(t, summarize(t, evs).logs)
}
