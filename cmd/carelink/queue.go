package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jwalitptl/carelink/internal/app"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or drain pending server writes",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending operations in delivery order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
			ops, err := e.Queue.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, ops)
		})
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver pending operations now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
			report, err := e.Queue.Drain(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd, queueDrainCmd)
}
