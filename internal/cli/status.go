package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/network"
)

// StatusReport is what the status command prints.
type StatusReport struct {
	Database string `json:"database"`
	// Online is nil when no connectivity flag file is configured.
	Online   *bool `json:"online,omitempty"`
	Pending  int   `json:"pending"`
	InFlight int   `json:"in_flight"`
	Retrying int   `json:"retrying"`
	Failed   int   `json:"failed"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and connectivity",
		Long: `Show how much work is waiting in the local queue.

Reads the local database without contacting the server. Connectivity is
reported when a flag file is configured (connectivity.flag_file).

Exit codes:
  0 - Status printed
  2 - Command error (database not found, bad config)

Examples:
  tillsync status --db ./till.db
  tillsync status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	st, err := opts.openStore(false)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to open database", err)
	}
	defer st.Close()

	ops, err := st.ListOperations(ctx, ir.StatusPending, ir.StatusInFlight, ir.StatusFailed)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to read queue", err)
	}

	report := StatusReport{Database: opts.Config.DBPath}
	for _, op := range ops {
		switch op.Status {
		case ir.StatusPending:
			report.Pending++
			if op.Attempts > 0 {
				report.Retrying++
			}
		case ir.StatusInFlight:
			report.InFlight++
		case ir.StatusFailed:
			report.Failed++
		}
	}

	if opts.Config.FlagFile != "" {
		fp, err := network.NewFileProvider(opts.Config.FlagFile, opts.Logger)
		if err != nil {
			return out.Fail(ExitCommandError, CodeConfig, "failed to read connectivity flag", err)
		}
		online, err := fp.Current(ctx)
		_ = fp.Close()
		if err != nil {
			return out.Fail(ExitCommandError, CodeConfig, "failed to read connectivity flag", err)
		}
		report.Online = &online
	}

	return out.Success(report, func(w io.Writer) { writeStatusText(w, report) })
}

func writeStatusText(w io.Writer, r StatusReport) {
	online := "unknown"
	if r.Online != nil {
		online = fmt.Sprintf("%t", *r.Online)
	}
	fmt.Fprintf(w, "database:  %s\n", r.Database)
	fmt.Fprintf(w, "online:    %s\n", online)
	fmt.Fprintf(w, "pending:   %d (%d retrying)\n", r.Pending, r.Retrying)
	fmt.Fprintf(w, "in flight: %d\n", r.InFlight)
	fmt.Fprintf(w, "failed:    %d\n", r.Failed)
}
