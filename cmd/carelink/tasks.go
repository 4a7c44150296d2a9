package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jwalitptl/carelink/internal/app"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Show the last and next run of every sync task",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
			return printJSON(cmd, e.Scheduler.Statuses(ctx))
		})
	},
}

var tasksRunCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run one task now unless its throttle guard says it ran recently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
			ran, err := e.Scheduler.Trigger(ctx, args[0])
			if err != nil {
				return err
			}
			if !ran {
				fmt.Fprintf(cmd.OutOrStdout(), "%s skipped by its throttle guard\n", args[0])
				return nil
			}
			st, err := e.Scheduler.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		})
	},
}

func init() {
	tasksCmd.AddCommand(tasksRunCmd)
}
