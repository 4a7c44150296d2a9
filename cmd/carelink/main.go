package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jwalitptl/carelink/internal/app"
	"github.com/jwalitptl/carelink/internal/config"
	"github.com/jwalitptl/carelink/internal/session"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "carelink",
	Short: "Caregiver profile sync engine",
	Long: `carelink keeps a caregiver's view of their patients consistent across the
server of record and the local cache, and owns the active patient.

Configuration is read from config.yaml (in . or ./config) or --config, with
CARELINK_* environment overrides.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the config file")
	rootCmd.AddCommand(runCmd, resolveCmd, saveProfileCmd, connectCmd, disconnectCmd, patientsCmd,
		activeCmd, queueCmd, tasksCmd, probeCmd, eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// openEngine builds the engine for the configured session. The caller closes it.
func openEngine(ctx context.Context) (*app.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	sess, err := session.FromConfig(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return app.New(ctx, cfg, sess, app.Options{})
}

// withEngine runs fn against a fresh engine and closes it afterwards.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *app.Engine) error) error {
	ctx := cmd.Context()
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
