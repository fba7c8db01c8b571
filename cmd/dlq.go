package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/eg-automation/internal/model"
	"github.com/sells-group/eg-automation/internal/resilience"
	"github.com/sells-group/eg-automation/internal/store"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and retry lots whose commit failed",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runID, _ := cmd.Flags().GetString("run")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListDLQ(ctx, resilience.DLQFilter{RunID: runID, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
			return nil
		}

		formatDLQ(os.Stdout, entries)
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reprocess dead letter entries that have retries left",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		limit, _ := cmd.Flags().GetInt("limit")

		env, err := initEnv(ctx, modeBatch, dryRun)
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.ListDLQ(ctx, resilience.DLQFilter{Limit: limit})
		if err != nil {
			return eris.Wrap(err, "dlq retry")
		}
		retryable := retryableEntries(entries)
		if len(retryable) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing to retry.")
			return nil
		}

		var files []string
		for _, e := range retryable {
			if _, err := os.Stat(e.SourcePath); err != nil {
				if ierr := env.Store.IncrementDLQRetry(ctx, e.ID, "source missing: "+err.Error()); ierr != nil {
					return eris.Wrap(ierr, "dlq retry")
				}
				continue
			}
			files = append(files, e.SourcePath)
		}
		if len(files) == 0 {
			fmt.Fprintln(os.Stderr, "No retryable entry has its source descriptor.")
			return nil
		}

		res, runErr := env.Pipeline.Run(ctx, modeBatch, files)
		if res == nil {
			return eris.Wrap(runErr, "dlq retry")
		}
		if err := settleDLQ(context.WithoutCancel(ctx), env.Store, retryable, res.Run.ID, res.Outcomes); err != nil {
			return err
		}

		formatResult(os.Stdout, res)
		if runErr != nil {
			return eris.Wrap(runErr, "dlq retry")
		}
		return nil
	},
}

func init() {
	dlqListCmd.Flags().String("run", "", "filter by run ID")
	dlqListCmd.Flags().Int("limit", 100, "max number of entries to display")

	dlqRetryCmd.Flags().Bool("dry-run", false, "use the simulated host instead of the real application")
	dlqRetryCmd.Flags().Int("limit", 100, "max number of entries to retry")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}

// retryableEntries keeps entries with retries left, one per source file.
func retryableEntries(entries []resilience.DLQEntry) []resilience.DLQEntry {
	seen := make(map[string]bool, len(entries))
	var out []resilience.DLQEntry
	for _, e := range entries {
		if !e.CanRetry() || seen[e.SourcePath] {
			continue
		}
		seen[e.SourcePath] = true
		out = append(out, e)
	}
	return out
}

// settleDLQ resolves retried entries against the retry run's outcomes. An
// entry whose lot succeeded, or turned out to duplicate a success, is
// removed; any other result counts as one more retry. Entries the retry
// run itself queued are dropped so each lot keeps a single entry.
func settleDLQ(ctx context.Context, st store.Store, retried []resilience.DLQEntry, runID string, outcomes []model.Outcome) error {
	bySource := make(map[string]model.Outcome, len(outcomes))
	for _, o := range outcomes {
		bySource[o.SourcePath] = o
	}

	fresh, err := st.ListDLQ(ctx, resilience.DLQFilter{RunID: runID, Limit: len(outcomes) + 1})
	if err != nil {
		return eris.Wrap(err, "dlq settle")
	}
	for _, e := range fresh {
		if err := st.RemoveDLQ(ctx, e.ID); err != nil {
			return eris.Wrap(err, "dlq settle")
		}
	}

	for _, e := range retried {
		o, ok := bySource[e.SourcePath]
		switch {
		case !ok:
			continue
		case o.Kind == model.OutcomeApprovedSuccess,
			o.Kind == model.OutcomeDuplicate && o.PriorKind == model.OutcomeApprovedSuccess:
			err = st.RemoveDLQ(ctx, e.ID)
		default:
			reason := o.Error
			if reason == "" {
				reason = string(o.Kind) + ": " + o.Reason
			}
			err = st.IncrementDLQRetry(ctx, e.ID, reason)
		}
		if err != nil {
			return eris.Wrap(err, "dlq settle")
		}
		zap.L().Info("dlq entry settled",
			zap.String("lot_id", e.LotID),
			zap.String("outcome", string(o.Kind)),
		)
	}
	return nil
}

// formatDLQ writes a tabular list of dead letter entries to w.
func formatDLQ(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tRUN\tLOT\tTYPE\tATTEMPTS\tRETRIES\tCREATED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t---\t---\t----\t--------\t-------\t-------\t-----")

	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			truncateID(e.ID),
			truncateID(e.RunID),
			e.LotID,
			e.ErrorType,
			e.Attempts,
			e.RetryCount,
			e.MaxRetries,
			e.CreatedAt.Format("2006-01-02 15:04"),
			truncateText(e.Error, 60),
		)
	}
	_ = w.Flush()
}
