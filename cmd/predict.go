package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tempusfrangit/cog/internal/config"
	"github.com/tempusfrangit/cog/internal/events"
	"github.com/tempusfrangit/cog/internal/log"
	"github.com/tempusfrangit/cog/internal/tracing"
	"github.com/tempusfrangit/cog/internal/worker"
)

var (
	predictInputs []string
	predictJSON   string
	predictPoll   time.Duration
	predictTee    bool
	predictSave   bool
)

var predictCmd = &cobra.Command{
	Use:   "predict [predictor]",
	Short: "Run one prediction against a predictor",
	Long: `Starts the predictor, runs setup, submits one prediction built from the
--input or --json flags, and streams logs and outputs to the terminal.

The predictor reference is the path to the predictor executable, optionally
suffixed with ":entrypoint". It can also be set in the config file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPredict,
}

func init() {
	predictCmd.Flags().StringArrayVarP(&predictInputs, "input", "i", nil,
		"input value as key=value (repeatable)")
	predictCmd.Flags().StringVar(&predictJSON, "json", "",
		"input payload as a JSON object (overrides --input)")
	predictCmd.Flags().DurationVar(&predictPoll, "poll", 0,
		"heartbeat interval while waiting (0 disables)")
	predictCmd.Flags().BoolVar(&predictTee, "tee", false,
		"mirror child output to this process's stdout/stderr")
	predictCmd.Flags().BoolVar(&predictSave, "save", false,
		"remember the predictor reference in the config file")
	rootCmd.AddCommand(predictCmd)
}

func runPredict(cmd *cobra.Command, args []string) error {
	ref := cfg.Predictor
	if len(args) > 0 {
		ref = args[0]
	}
	if ref == "" {
		return fmt.Errorf("no predictor given: pass one as an argument or set \"predictor\" in the config")
	}

	if predictSave {
		path := viper.ConfigFileUsed()
		if path == "" {
			path = ".cog/config.yaml"
		}
		if err := config.SavePredictor(path, ref); err != nil {
			return fmt.Errorf("saving predictor reference: %w", err)
		}
		log.Info(log.CatConfig, "Saved predictor reference", "predictor", ref, "path", path)
	}

	payload, err := buildPayload()
	if err != nil {
		return err
	}

	poll := predictPoll
	if poll == 0 {
		poll = cfg.Poll
	}
	tee := predictTee || cfg.TeeOutput

	provider, err := tracing.NewProvider(tracingConfig())
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	w := worker.New(ref, worker.WithTeeOutput(tee), worker.WithTracer(provider.Tracer()))
	defer func() { _ = w.Terminate() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	log.Info(log.CatCLI, "Running prediction", "predictor", ref)

	setup, err := w.Setup(ctx)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if err := drainToTerminal(ctx, setup, tee); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	input := events.NewPredictionInput(payload)

	// First interrupt cancels the prediction; the deferred Terminate
	// handles a second one on exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		_ = w.Cancel(input.ID)
	}()

	var opts []worker.PredictOption
	if poll > 0 {
		opts = append(opts, worker.WithPoll(poll))
	}
	stream, err := w.Predict(ctx, input, opts...)
	if err != nil {
		return fmt.Errorf("predict: %w", err)
	}
	if err := drainToTerminal(ctx, stream, tee); err != nil {
		return fmt.Errorf("predict: %w", err)
	}

	if err := w.Shutdown(); err != nil {
		return err
	}
	return w.Terminate()
}

// drainToTerminal consumes a stream, writing logs to the matching stdio
// stream (unless tee already mirrored them) and outputs to stdout. A Done
// carrying an error or a cancellation becomes the command's error.
func drainToTerminal(ctx context.Context, stream *worker.Stream, tee bool) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch e := ev.(type) {
		case events.Log:
			if tee {
				continue // already mirrored
			}
			if e.Source == events.SourceStderr {
				fmt.Fprint(os.Stderr, e.Message)
			} else {
				fmt.Fprint(os.Stdout, e.Message)
			}
		case events.PredictionOutput:
			printOutput(e.Payload)
		case events.Done:
			if e.Canceled {
				return errors.New("prediction canceled")
			}
			if e.Error != "" {
				return fmt.Errorf("prediction failed: %s", e.Error)
			}
		}
	}
}

func printOutput(payload any) {
	if s, ok := payload.(string); ok {
		fmt.Println(s)
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		fmt.Printf("%v\n", payload)
		return
	}
	fmt.Println(string(raw))
}

// buildPayload assembles the prediction payload from the flags. --json wins;
// --input values that parse as JSON keep their type, everything else is a
// string.
func buildPayload() (map[string]any, error) {
	if predictJSON != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(predictJSON), &payload); err != nil {
			return nil, fmt.Errorf("parsing --json: %w", err)
		}
		return payload, nil
	}

	if len(predictInputs) == 0 {
		return nil, nil
	}
	payload := make(map[string]any, len(predictInputs))
	for _, kv := range predictInputs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --input %q: want key=value", kv)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			payload[key] = typed
		} else {
			payload[key] = value
		}
	}
	return payload, nil
}

// tracingConfig maps the user configuration onto the tracing subsystem,
// filling in the default trace file location.
func tracingConfig() tracing.Config {
	tc := tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	}
	if tc.Enabled && tc.Exporter == "file" && tc.FilePath == "" {
		tc.FilePath = config.DefaultTracesFilePath()
	}
	return tc
}
