package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/ir"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	Failed   bool
	Statuses []string
}

// QueueEntry is one operation as the queue command shows it.
type QueueEntry struct {
	Seq        int64  `json:"seq"`
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Kind       string `json:"kind"`
	Action     string `json:"action,omitempty"`
	Status     string `json:"status"`
	Attempts   uint   `json:"attempts"`
	Critical   bool   `json:"critical,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued operations",
		Long: `List the operations waiting in the local queue, oldest first.

By default pending and in-flight operations are shown. --failed shows the
operations that failed permanently and were kept for inspection.

Exit codes:
  0 - Listing printed
  2 - Command error (database not found, unknown status)

Examples:
  tillsync queue --db ./till.db
  tillsync queue --failed
  tillsync queue --status pending --status failed --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Failed, "failed", false, "show permanently failed operations")
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "filter by status (pending|in_flight|failed), repeatable")
	cmd.MarkFlagsMutuallyExclusive("failed", "status")

	return cmd
}

func (o *QueueOptions) statuses() ([]ir.OperationStatus, error) {
	if o.Failed {
		return []ir.OperationStatus{ir.StatusFailed}, nil
	}
	if len(o.Statuses) == 0 {
		return []ir.OperationStatus{ir.StatusPending, ir.StatusInFlight}, nil
	}
	out := make([]ir.OperationStatus, 0, len(o.Statuses))
	for _, s := range o.Statuses {
		st, err := ir.ParseStatus(s)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func runQueue(ctx context.Context, opts *QueueOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	statuses, err := opts.statuses()
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "invalid --status", err)
	}

	st, err := opts.openStore(false)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to open database", err)
	}
	defer st.Close()

	ops, err := st.ListOperations(ctx, statuses...)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to read queue", err)
	}

	entries := make([]QueueEntry, len(ops))
	for i, op := range ops {
		entries[i] = QueueEntry{
			Seq:        op.Seq,
			ID:         op.ID,
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Kind:       string(op.Kind),
			Action:     op.Action,
			Status:     string(op.Status),
			Attempts:   op.Attempts,
			Critical:   op.Critical,
			LastError:  op.LastError,
		}
	}
	return out.Success(entries, func(w io.Writer) { writeQueueText(w, entries) })
}

func writeQueueText(w io.Writer, entries []QueueEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No operations.")
		return
	}
	for _, e := range entries {
		what := e.Kind
		if e.Action != "" {
			what = e.Action
		}
		fmt.Fprintf(w, "%d %s %s/%s %s %s attempts=%d", e.Seq, e.ID, e.EntityType, e.EntityID, what, e.Status, e.Attempts)
		if e.Critical {
			fmt.Fprint(w, " critical")
		}
		if e.LastError != "" {
			fmt.Fprintf(w, " error=%q", e.LastError)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d operations\n", len(entries))
}
