package cli

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pulsekit/engage-go/internal/store"
)

// InspectResult summarizes the durable state of a device database.
type InspectResult struct {
	Path            string           `json:"path"`
	PendingRequests int              `json:"pending_requests"`
	TotalRequests   int              `json:"total_requests"`
	HeadRequestID   string           `json:"head_request_id,omitempty"`
	SnapshotVersion string           `json:"snapshot_version,omitempty"`
	Impressions     map[string]int64 `json:"lifetime_impressions,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <engage.db>",
		Short: "Show the durable state of a device database",
		Long: `Print the delivery queue, persisted snapshot version, and lifetime
impression counters from an SDK database file.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, args[0], cmd)
		},
	}
}

func runInspect(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if _, err := os.Stat(path); err != nil {
		_ = formatter.Error("E001", fmt.Sprintf("cannot open %s: %v", path, err), nil)
		return NewExitError(ExitCommandError, err.Error())
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := store.Open(path, logger)
	if err != nil {
		_ = formatter.Error("E001", fmt.Sprintf("cannot open %s: %v", path, err), nil)
		return NewExitError(ExitCommandError, err.Error())
	}
	defer s.Close()

	ctx := cmd.Context()
	result := InspectResult{Path: path}

	if result.PendingRequests, err = s.PendingCount(ctx); err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	if result.TotalRequests, err = s.TotalCount(ctx); err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	if result.HeadRequestID, err = s.HeadID(ctx); err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	if version, _, ok, err := s.LoadSnapshot(ctx); err != nil {
		return NewExitError(ExitCommandError, err.Error())
	} else if ok {
		result.SnapshotVersion = version
	}
	if result.Impressions, err = s.LifetimeImpressions(ctx); err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "database:          %s\n", result.Path)
	fmt.Fprintf(formatter.Writer, "pending requests:  %d\n", result.PendingRequests)
	fmt.Fprintf(formatter.Writer, "total requests:    %d\n", result.TotalRequests)
	if result.HeadRequestID != "" {
		fmt.Fprintf(formatter.Writer, "head request:      %s\n", result.HeadRequestID)
	}
	if result.SnapshotVersion != "" {
		fmt.Fprintf(formatter.Writer, "snapshot version:  %s\n", result.SnapshotVersion)
	}
	if len(result.Impressions) > 0 {
		fmt.Fprintln(formatter.Writer, "lifetime impressions:")
		ids := make([]string, 0, len(result.Impressions))
		for id := range result.Impressions {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(formatter.Writer, "  %-24s %d\n", id, result.Impressions[id])
		}
	}
	return nil
}
