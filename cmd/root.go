package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sells-group/eg-automation/internal/config"
)

var (
	cfg        *config.Config
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "eg-automation",
	Short: "Lot automation for the energy-modeling host",
	Long:  "Loads lot descriptors, fills missing values from floor plans, scores and approves each lot, then drives the host application to build and export the energy model.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadWith(config.LoadOptions{
			File:  configFile,
			Flags: configFlags(cmd.Root().PersistentFlags()),
		})
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		zap.L().Debug("config loaded",
			zap.String("file", configFile),
			zap.String("host_driver", cfg.Host.Driver),
			zap.String("store_driver", cfg.Store.Driver),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configFile, "config", "", "config file (default ./config.yaml)")
	f.String("log-level", "", "log level: debug, info, warn or error")
	f.String("log-format", "", "log format: json or console")
	f.String("store-url", "", "archive index database (sqlite path or postgres URL)")
}

// configFlags maps config keys to the persistent flags that override them.
func configFlags(flags *pflag.FlagSet) map[string]*pflag.Flag {
	return map[string]*pflag.Flag{
		"log.level":          flags.Lookup("log-level"),
		"log.format":         flags.Lookup("log-format"),
		"store.database_url": flags.Lookup("store-url"),
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
