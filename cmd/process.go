package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/eg-automation/internal/input"
	"github.com/sells-group/eg-automation/internal/pipeline"
)

var processCmd = &cobra.Command{
	Use:   "process [descriptor.json ...]",
	Short: "Process lot descriptors through the host application",
	Long:  "Processes the given descriptors, or every descriptor in the input folder. With --watch, keeps processing new descriptors until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		dir, _ := cmd.Flags().GetString("input")
		workers, _ := cmd.Flags().GetInt("workers")
		watch, _ := cmd.Flags().GetBool("watch")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		asJSON, _ := cmd.Flags().GetBool("json")

		if dir != "" {
			cfg.Paths.InputDir = dir
		}
		if workers > 0 {
			cfg.Batch.Workers = workers
		}
		if watch && len(args) > 0 {
			return eris.New("process: --watch reads the input folder, not explicit files")
		}

		sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(sigCtx, mode, dryRun)
		if err != nil {
			return err
		}
		defer env.Close()

		var res *pipeline.Result
		var runErr error
		if watch {
			res, runErr = processWatch(cmd.Context(), sigCtx, env.Pipeline, mode)
		} else {
			files, err := collectInputs(args, cfg.Paths.InputDir)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Fprintf(os.Stderr, "No descriptors found in %s.\n", cfg.Paths.InputDir)
				return nil
			}
			zap.L().Info("processing lots", zap.Int("count", len(files)), zap.String("mode", mode), zap.Bool("dry_run", dryRun))
			res, runErr = env.Pipeline.Run(sigCtx, mode, files)
		}

		if res != nil {
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return eris.Wrap(err, "process: encode result")
				}
			} else {
				formatResult(os.Stdout, res)
			}
		}
		if runErr != nil {
			return eris.Wrap(runErr, "process")
		}
		return nil
	},
}

// collectInputs returns explicit descriptor paths, or the descriptors in
// dir when none were given.
func collectInputs(args []string, dir string) ([]string, error) {
	if len(args) > 0 {
		for _, a := range args {
			if _, err := os.Stat(a); err != nil {
				return nil, eris.Wrapf(err, "process: %s", a)
			}
		}
		return args, nil
	}
	return input.List(dir)
}

// processWatch feeds the descriptors already in the input folder, then new
// ones, to a single run until stop is done. Lots already in flight finish
// on ctx.
func processWatch(ctx, stop context.Context, p *pipeline.Pipeline, mode string) (*pipeline.Result, error) {
	existing, err := input.List(cfg.Paths.InputDir)
	if err != nil {
		return nil, err
	}
	events, err := input.Watch(stop, cfg.Paths.InputDir)
	if err != nil {
		return nil, err
	}

	files := make(chan string)
	go func() {
		defer close(files)
		seen := make(map[string]bool, len(existing))
		for _, f := range existing {
			seen[f] = true
			select {
			case files <- f:
			case <-stop.Done():
				return
			}
		}
		for f := range events {
			if seen[f] {
				zap.L().Info("descriptor already queued in this run", zap.String("path", f))
				continue
			}
			seen[f] = true
			select {
			case files <- f:
			case <-stop.Done():
				return
			}
		}
	}()

	return p.RunStream(ctx, mode, files)
}

// formatResult writes a run summary and one line per lot to w.
func formatResult(out io.Writer, res *pipeline.Result) {
	s := res.Summary
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", res.Run.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", res.Run.Status)
	_, _ = fmt.Fprintf(w, "Lots:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "  Approved (success):\t%d\n", s.ApprovedSuccess)
	_, _ = fmt.Fprintf(w, "  Approved (failure):\t%d\n", s.ApprovedFailure)
	_, _ = fmt.Fprintf(w, "  Rejected:\t%d\n", s.Rejected)
	_, _ = fmt.Fprintf(w, "  Skipped:\t%d\n", s.Skipped)
	_, _ = fmt.Fprintf(w, "  Duplicate:\t%d\n", s.Duplicate)
	_, _ = fmt.Fprintf(w, "Quality:\t%d green / %d yellow / %d red\n", s.Green, s.Yellow, s.Red)
	_, _ = fmt.Fprintf(w, "Success rate:\t%.1f%%\n", s.SuccessRate*100)
	if res.Run.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", res.Run.Error)
	}
	for _, r := range res.Reports {
		_, _ = fmt.Fprintf(w, "Report:\t%s\n", r)
	}
	_ = w.Flush()

	if len(res.Outcomes) > 0 {
		_, _ = fmt.Fprintln(out)
		formatOutcomes(out, res.Outcomes)
	}
}

func init() {
	processCmd.Flags().String("mode", modeBatch, "approval mode (batch, interactive)")
	processCmd.Flags().String("input", "", "input folder (default from config)")
	processCmd.Flags().Int("workers", 0, "preparation workers (default from config)")
	processCmd.Flags().Bool("watch", false, "keep processing new descriptors until interrupted")
	processCmd.Flags().Bool("dry-run", false, "use the simulated host instead of the real application")
	processCmd.Flags().Bool("json", false, "print the run result as JSON")
	rootCmd.AddCommand(processCmd)
}
