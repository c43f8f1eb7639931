package cli

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/cobra"
)

//go:embed schema.cue
var schemaSource string

// ValidationError is one schema violation in a definitions file.
type ValidationError struct {
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <snapshot.json>",
		Short: "Validate a configuration snapshot file against the schema",
		Long: `Validate a message-definitions snapshot file without loading it into a client.

Checks the variables, messages, triggers, and limits structure against the
snapshot schema. Useful for checking server payloads and simulate inputs.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	data, err := os.ReadFile(path)
	if err != nil {
		_ = formatter.Error("E001", fmt.Sprintf("cannot read %s: %v", path, err), nil)
		return NewExitError(ExitCommandError, err.Error())
	}
	formatter.VerboseLog("Validating %s (%d bytes)", path, len(data))

	errs := ValidateSnapshot(data, path)
	if len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}

	if opts.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true})
	}
	fmt.Fprintln(formatter.Writer, "✓ Snapshot valid")
	return nil
}

// ValidateSnapshot checks snapshot JSON against the embedded CUE schema.
// JSON is a subset of CUE, so the candidate compiles directly and unifies
// with the #Snapshot definition.
func ValidateSnapshot(data []byte, filename string) []ValidationError {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	snapshotDef := schema.LookupPath(cue.ParsePath("#Snapshot"))

	candidate := ctx.CompileBytes(data, cue.Filename(filename))
	if err := candidate.Err(); err != nil {
		return toValidationErrors(err)
	}

	unified := snapshotDef.Unify(candidate)
	if err := unified.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return toValidationErrors(err)
	}
	return nil
}

func toValidationErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: e.Error()}
		if p := e.Path(); len(p) > 0 {
			ve.Path = strings.Join(p, ".")
		}
		if pos := e.Position(); pos.IsValid() {
			ve.Line = pos.Line()
		}
		out = append(out, ve)
	}
	return out
}

func outputValidationErrors(formatter *OutputFormatter, errs []ValidationError) error {
	if formatter.Format == "json" {
		_ = formatter.Error("E002", "validation failed", ValidationResult{Valid: false, Errors: errs})
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range errs {
		if e.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", e.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s\n\n", e.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
