// Package events defines the typed events a Worker emits while supervising a
// predictor process, the prediction input it accepts, and the NDJSON wire
// messages exchanged with the child. The worker core only ever sees decoded
// Events; the wire types are consumed by the child process transport.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Source identifies which child stream a log line was captured from.
type Source string

const (
	// SourceStdout marks output captured from the child's stdout.
	SourceStdout Source = "stdout"
	// SourceStderr marks output captured from the child's stderr.
	SourceStderr Source = "stderr"
)

// Event is the tagged union delivered by setup and predict streams.
// Concrete types: Log, Heartbeat, PredictionOutputType, PredictionOutput, Done.
type Event interface {
	isEvent()
}

// Log is a captured line of child output, tagged by source stream.
// Order is preserved per stream; no ordering holds across streams.
type Log struct {
	Source  Source
	Message string
}

// Heartbeat is a synthetic, content-free liveness event emitted on a timer
// while a predict stream is waiting for the next real event.
type Heartbeat struct{}

// PredictionOutputType announces the shape of the outputs that follow.
// At most one is emitted per prediction, always before any PredictionOutput.
type PredictionOutputType struct {
	Multi bool
}

// PredictionOutput carries one output value produced by the predictor.
type PredictionOutput struct {
	Payload any
}

// Done terminates a setup or predict stream. Exactly one is emitted per
// stream, always last. A non-empty Error is fatal for setup and recoverable
// for predict; Canceled reports whether the prediction observed a cancel.
type Done struct {
	Error    string
	Canceled bool
}

func (Log) isEvent()                  {}
func (Heartbeat) isEvent()            {}
func (PredictionOutputType) isEvent() {}
func (PredictionOutput) isEvent()     {}
func (Done) isEvent()                 {}

// PredictionInput identifies one predict invocation and carries its payload.
// The ID is immutable and unique for the lifetime of the Worker.
type PredictionInput struct {
	ID      string
	Payload map[string]any
}

// NewPredictionInput wraps a bare payload in a PredictionInput with a
// generated id.
func NewPredictionInput(payload map[string]any) PredictionInput {
	return PredictionInput{
		ID:      uuid.NewString(),
		Payload: payload,
	}
}

// Wire message types for the child protocol.
const (
	TypeLog        = "log"
	TypeOutputType = "output_type"
	TypeOutput     = "output"
	TypeDone       = "done"
)

// Envelope is one framed child-to-supervisor message: a single NDJSON object
// per line on the child's stdout.
type Envelope struct {
	Type     string          `json:"type"`
	Source   Source          `json:"source,omitempty"`
	Message  string          `json:"message,omitempty"`
	Multi    bool            `json:"multi,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
	Canceled bool            `json:"canceled,omitempty"`
}

// Decode converts an Envelope into the Event it carries.
func (e Envelope) Decode() (Event, error) {
	switch e.Type {
	case TypeLog:
		src := e.Source
		if src != SourceStderr {
			src = SourceStdout
		}
		return Log{Source: src, Message: e.Message}, nil
	case TypeOutputType:
		return PredictionOutputType{Multi: e.Multi}, nil
	case TypeOutput:
		var payload any
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				return nil, fmt.Errorf("decoding output payload: %w", err)
			}
		}
		return PredictionOutput{Payload: payload}, nil
	case TypeDone:
		return Done{Error: e.Error, Canceled: e.Canceled}, nil
	default:
		return nil, fmt.Errorf("unknown envelope type %q", e.Type)
	}
}

// RequestType identifies a supervisor-to-child control message.
type RequestType string

const (
	// RequestPredict asks the child to run one prediction.
	RequestPredict RequestType = "predict"
	// RequestCancel interrupts the prediction identified by ID, best effort.
	RequestCancel RequestType = "cancel"
	// RequestShutdown asks the child to exit once idle.
	RequestShutdown RequestType = "shutdown"
)

// Request is one framed supervisor-to-child message, written as a single
// NDJSON object to the child's stdin.
type Request struct {
	Type    RequestType    `json:"type"`
	ID      string         `json:"id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}
