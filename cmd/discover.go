package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/eg-automation/internal/host"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the methods and properties the host exposes to automation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		asJSON, _ := cmd.Flags().GetBool("json")

		driver, err := newDriver(cfg.Host, dryRun)
		if err != nil {
			return err
		}
		session := host.NewSession(driver, host.SessionConfigFrom(cfg.Host, cfg.Paths))
		defer session.Close() //nolint:errcheck

		if err := session.Open(ctx); err != nil {
			return eris.Wrap(err, "discover")
		}
		desc, err := session.Describe(ctx)
		if err != nil {
			return eris.Wrap(err, "discover")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(desc)
		}
		formatDescription(os.Stdout, desc)
		return nil
	},
}

func formatDescription(out io.Writer, d *host.Description) {
	_, _ = fmt.Fprintf(out, "Application: %s\n", d.Application)
	if d.Version != "" {
		_, _ = fmt.Fprintf(out, "Version: %s\n", d.Version)
	}
	_, _ = fmt.Fprintf(out, "\nMethods (%d):\n", len(d.Methods))
	for _, m := range d.Methods {
		_, _ = fmt.Fprintf(out, "  %s\n", m)
	}
	_, _ = fmt.Fprintf(out, "\nProperties (%d):\n", len(d.Properties))
	if len(d.Properties) == 0 {
		_, _ = fmt.Fprintln(out, "  -")
	}
	for _, p := range d.Properties {
		_, _ = fmt.Fprintf(out, "  %s\n", p)
	}
}

func init() {
	discoverCmd.Flags().Bool("dry-run", false, "describe the simulated host")
	discoverCmd.Flags().Bool("json", false, "print the description as JSON")
	rootCmd.AddCommand(discoverCmd)
}
