package tracing

// Span attribute keys for worker tracing.
// These constants define the semantic conventions for span attributes
// across the worker and its child process supervision.
const (
	// Predictor attributes
	AttrPredictorRef = "predictor.ref"

	// Prediction attributes
	AttrPredictionID       = "prediction.id"
	AttrPredictionCanceled = "prediction.canceled"
	AttrPredictionOutputs  = "prediction.outputs"

	// Worker attributes
	AttrWorkerState = "worker.state"

	// Child process attributes
	AttrChildExitCode = "child.exit_code"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span names for the worker lifecycle.
const (
	SpanSetup      = "worker.setup"
	SpanPredict    = "worker.predict"
	SpanShutdown   = "worker.shutdown"
	SpanTerminate  = "worker.terminate"
	SpanChildSpawn = "child.spawn"
)

// Event names for span events.
const (
	EventStateChanged     = "worker.state_changed"
	EventCancelRequested  = "prediction.cancel_requested"
	EventOutputReceived   = "prediction.output_received"
	EventChildExited      = "child.exited"
	EventShutdownRequest  = "worker.shutdown_requested"
	EventHeartbeatStarted = "stream.heartbeat_started"
)
