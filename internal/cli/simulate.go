package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pulsekit/engage-go/internal/occurrence"
	"github.com/pulsekit/engage-go/internal/trigger"
	"github.com/pulsekit/engage-go/internal/vars"
)

// Scenario is a simulate input: a snapshot file plus a scripted sequence of
// device events, session boundaries, and impressions.
type Scenario struct {
	Name         string `yaml:"name"`
	SnapshotFile string `yaml:"snapshotFile"`
	FireAll      bool   `yaml:"fireAll"`
	Steps        []Step `yaml:"steps"`
}

// Step is one scenario action. Exactly one of Event, NewSession, or
// Impression should be set.
type Step struct {
	Event      string         `yaml:"event"`
	Context    string         `yaml:"context"`
	Params     map[string]any `yaml:"params"`
	NewSession bool           `yaml:"newSession"`
	Impression string         `yaml:"impression"`

	// Expect, when present, asserts the fired message ids for this step.
	Expect []string `yaml:"expect"`
}

// StepResult is the outcome of one scenario step.
type StepResult struct {
	Event    string   `json:"event,omitempty"`
	Fired    []string `json:"fired,omitempty"`
	Expected []string `json:"expected,omitempty"`
	Pass     bool     `json:"pass"`
}

// SimulateResult is the outcome of a full scenario run.
type SimulateResult struct {
	Scenario string       `json:"scenario,omitempty"`
	Pass     bool         `json:"pass"`
	Steps    []StepResult `json:"steps"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Run a scripted event sequence through the trigger engine",
		Long: `Replay a scenario file against a snapshot and print which message fires
on each event. No network and no database: counters live in memory for the
duration of the run.

Steps with an expect clause turn the run into a test; any mismatch fails
the command.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(rootOpts, args[0], cmd)
		},
	}
}

func runSimulate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	sc, snap, err := loadScenario(path)
	if err != nil {
		_ = formatter.Error("E001", err.Error(), nil)
		return NewExitError(ExitCommandError, err.Error())
	}
	formatter.VerboseLog("Scenario %q: %d step(s), %d message definition(s)",
		sc.Name, len(sc.Steps), len(snap.Messages))

	result := runScenario(cmd.Context(), sc, snap, cmd.ErrOrStderr())

	if opts.Format == "json" {
		if result.Pass {
			return formatter.Success(result)
		}
		_ = formatter.Error("E003", "scenario expectations failed", result)
		return NewExitError(ExitFailure, "scenario expectations failed")
	}

	for _, step := range result.Steps {
		if step.Event == "" {
			continue
		}
		status := ""
		if !step.Pass {
			status = fmt.Sprintf("  (expected %s)", strings.Join(step.Expected, ", "))
		}
		fired := strings.Join(step.Fired, ", ")
		if fired == "" {
			fired = "-"
		}
		fmt.Fprintf(formatter.Writer, "%-24s -> %s%s\n", step.Event, fired, status)
	}
	if !result.Pass {
		return NewExitError(ExitFailure, "scenario expectations failed")
	}
	return nil
}

// loadScenario reads the scenario file and the snapshot it references.
// SnapshotFile paths resolve relative to the scenario file's directory.
func loadScenario(path string) (*Scenario, *vars.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, nil, fmt.Errorf("malformed scenario %s: %w", path, err)
	}
	if sc.SnapshotFile == "" {
		return nil, nil, fmt.Errorf("scenario %s: snapshotFile is required", path)
	}

	snapPath := sc.SnapshotFile
	if !filepath.IsAbs(snapPath) {
		snapPath = filepath.Join(filepath.Dir(path), snapPath)
	}
	raw, err := os.ReadFile(snapPath)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read snapshot %s: %w", snapPath, err)
	}
	snap, err := vars.Decode(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot %s: %w", snapPath, err)
	}
	return &sc, snap, nil
}

type staticSnapshot struct{ snap *vars.Snapshot }

func (s staticSnapshot) Current() *vars.Snapshot { return s.snap }

// runScenario drives the trigger engine through the scripted steps with
// memory-only occurrence counters.
func runScenario(ctx context.Context, sc *Scenario, snap *vars.Snapshot, diag io.Writer) SimulateResult {
	logger := slog.New(slog.NewTextHandler(diag, &slog.HandlerOptions{Level: slog.LevelError}))
	tracker := occurrence.NewTracker(nil, logger)

	engine := trigger.New(staticSnapshot{snap}, tracker,
		func(string, string, map[string]any) {}, // no analytics in simulation
		func(trigger.Firing) {},
		logger)

	filter := trigger.FilterDefault
	if sc.FireAll {
		filter = trigger.FilterAll
	}

	result := SimulateResult{Scenario: sc.Name, Pass: true}
	for _, step := range sc.Steps {
		switch {
		case step.NewSession:
			tracker.ResetSession()
			result.Steps = append(result.Steps, StepResult{Pass: true})
		case step.Impression != "":
			_ = tracker.RecordImpression(ctx, step.Impression)
			result.Steps = append(result.Steps, StepResult{Pass: true})
		default:
			fired := engine.MaybePerformActions(step.Event, step.Context, filter, step.Params)
			sr := StepResult{Event: step.Event, Fired: fired, Expected: step.Expect, Pass: true}
			if step.Expect != nil && !slices.Equal(fired, step.Expect) {
				sr.Pass = false
				result.Pass = false
			}
			result.Steps = append(result.Steps, sr)
		}
	}
	return result
}
