package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/eg-automation/internal/model"
	"github.com/sells-group/eg-automation/internal/store"
)

var lotsCmd = &cobra.Command{
	Use:   "lots",
	Short: "Inspect recorded lot outcomes",
}

var lotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lot outcomes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runID, _ := cmd.Flags().GetString("run")
		lotID, _ := cmd.Flags().GetString("lot")
		kind, _ := cmd.Flags().GetString("outcome")
		quality, _ := cmd.Flags().GetString("quality")
		limit, _ := cmd.Flags().GetInt("limit")

		outcomes, err := st.ListOutcomes(ctx, store.OutcomeFilter{
			RunID:   runID,
			LotID:   lotID,
			Kind:    model.OutcomeKind(kind),
			Quality: model.QualityStatus(quality),
			Limit:   limit,
		})
		if err != nil {
			return eris.Wrap(err, "lots list")
		}
		if len(outcomes) == 0 {
			fmt.Fprintln(os.Stderr, "No lots found.")
			return nil
		}

		formatOutcomes(os.Stdout, outcomes)
		return nil
	},
}

func init() {
	lotsListCmd.Flags().String("run", "", "filter by run ID")
	lotsListCmd.Flags().String("lot", "", "filter by lot ID")
	lotsListCmd.Flags().String("outcome", "", "filter by outcome (approved-success, approved-failure, rejected, skipped, duplicate)")
	lotsListCmd.Flags().String("quality", "", "filter by quality (green, yellow, red)")
	lotsListCmd.Flags().Int("limit", 100, "max number of lots to display")

	lotsCmd.AddCommand(lotsListCmd)
	rootCmd.AddCommand(lotsCmd)
}

// formatOutcomes writes one row per lot outcome to w.
func formatOutcomes(out io.Writer, outcomes []model.Outcome) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LOT\tOUTCOME\tQUALITY\tATTEMPTS\tDURATION\tDETAIL")
	_, _ = fmt.Fprintln(w, "---\t-------\t-------\t--------\t--------\t------")

	for _, o := range outcomes {
		quality := string(o.Quality)
		if quality == "" {
			quality = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			o.LotID,
			o.Kind,
			quality,
			o.Attempts,
			o.Duration().Round(time.Millisecond),
			outcomeDetail(o),
		)
	}
	_ = w.Flush()
}

// outcomeDetail is the most useful single line about an outcome.
func outcomeDetail(o model.Outcome) string {
	var detail string
	switch {
	case o.Error != "":
		detail = o.Error
	case o.DuplicateOf != "":
		detail = "duplicate of " + o.DuplicateOf
	case o.Reason != "":
		detail = o.Reason
	case len(o.Artifacts) > 0:
		detail = fmt.Sprintf("%d artifacts", len(o.Artifacts))
	}
	return truncateText(detail, 60)
}
