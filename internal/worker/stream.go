package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tempusfrangit/cog/internal/events"
	"github.com/tempusfrangit/cog/internal/tracing"
)

type streamKind int

const (
	kindSetup streamKind = iota
	kindPredict
)

// Stream is the lazy, single-consumer, finite event sequence returned by
// Setup and Predict. Next blocks until the child produces an event, the
// heartbeat interval elapses, or the child exits. After Done is delivered
// the stream is exhausted and Next returns io.EOF; after a fatal condition
// Next returns the same *FatalError on every call. Streams are not
// restartable.
type Stream struct {
	w    *Worker
	kind streamKind
	pred *prediction
	poll time.Duration
	span trace.Span

	err error // sticky terminal condition: io.EOF or *FatalError
}

// predictionIDAttr tags a span with the prediction id.
func predictionIDAttr(id string) attribute.KeyValue {
	return attribute.String(tracing.AttrPredictionID, id)
}

// Next returns the next event in the sequence. It suspends only while
// waiting on the child's event channel, the exit notice, the heartbeat timer
// or ctx. A ctx error is returned as-is and is not sticky; the stream can be
// consumed again with a live context.
func (s *Stream) Next(ctx context.Context) (events.Event, error) {
	if s.err != nil {
		return nil, s.err
	}

	// Deferred predictions begin on first consumption.
	if s.kind == kindPredict {
		if err := s.w.ensureStarted(s.pred); err != nil {
			return nil, s.fail(err)
		}
	}

	var heartbeat <-chan time.Time
	if s.kind == kindPredict && s.poll > 0 {
		timer := time.NewTimer(s.poll)
		defer timer.Stop()
		heartbeat = timer.C
	}

	for {
		// Once the child is gone, deliver anything it produced before
		// dying, then surface the exit as a fatal condition.
		if status, ok := s.w.cachedExit(); ok {
			select {
			case ev, open := <-s.w.runner.Events():
				if open {
					return s.deliver(ev)
				}
			default:
			}
			return nil, s.fail(s.w.failExit(s.kind, status))
		}

		select {
		case ev, open := <-s.w.runner.Events():
			if !open {
				// Event channel closed: the exit status follows.
				select {
				case status := <-s.w.runner.Exited():
					s.w.cacheExit(status)
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return s.deliver(ev)

		case status := <-s.w.runner.Exited():
			s.w.cacheExit(status)
			// Loop to drain events buffered before the exit.

		case <-heartbeat:
			return events.Heartbeat{}, nil

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Err returns the stream's terminal condition: nil while live, io.EOF after
// Done, or the fatal error that ended it.
func (s *Stream) Err() error {
	return s.err
}

// deliver hands one child event to the consumer, finalizing the stream when
// it is the terminal Done.
func (s *Stream) deliver(ev events.Event) (events.Event, error) {
	switch e := ev.(type) {
	case events.Log:
		s.teeLog(e)
		return e, nil
	case events.Done:
		s.finish(e)
		return e, nil
	default:
		return ev, nil
	}
}

// finish applies the state transition for a delivered Done and marks the
// stream exhausted. A setup Done carrying an error leaves a sticky fatal
// condition behind so the consumer sees the Done first and the failure on
// the following call.
func (s *Stream) finish(done events.Done) {
	if s.kind == kindSetup {
		if f := s.w.completeSetup(done); f != nil {
			s.err = f
			s.endSpan(done, f)
			return
		}
		s.err = io.EOF
		s.endSpan(done, nil)
		return
	}

	s.w.completePredict(s.pred, done)
	s.err = io.EOF
	s.endSpan(done, nil)
}

// fail marks the stream terminally failed.
func (s *Stream) fail(err error) error {
	s.err = err
	if s.span != nil {
		s.span.SetStatus(codes.Error, err.Error())
		s.span.End()
		s.span = nil
	}
	return err
}

func (s *Stream) endSpan(done events.Done, f *FatalError) {
	if s.span == nil {
		return
	}
	if s.kind == kindPredict {
		s.span.SetAttributes(attribute.Bool(tracing.AttrPredictionCanceled, done.Canceled))
	}
	switch {
	case f != nil:
		s.span.SetStatus(codes.Error, f.Error())
	case done.Error != "":
		s.span.SetAttributes(attribute.String(tracing.AttrErrorMessage, done.Error))
		s.span.SetStatus(codes.Error, done.Error)
	default:
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
	s.span = nil
}

// teeLog mirrors a child log line to the supervisor's own stdio when tee
// output is enabled.
func (s *Stream) teeLog(l events.Log) {
	if !s.w.tee {
		return
	}
	switch l.Source {
	case events.SourceStderr:
		fmt.Fprint(os.Stderr, l.Message)
	default:
		fmt.Fprint(os.Stdout, l.Message)
	}
}

// Drain consumes the stream to exhaustion and returns every event delivered,
// including the terminal Done. Returns the events seen so far alongside the
// error when the stream ends fatally or ctx expires.
func (s *Stream) Drain(ctx context.Context) ([]events.Event, error) {
	var seen []events.Event
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			if err == io.EOF {
				return seen, nil
			}
			return seen, err
		}
		seen = append(seen, ev)
	}
}
