package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jwalitptl/carelink/internal/app"
	"github.com/jwalitptl/carelink/internal/model"
)

var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "Inspect or change the active patient",
}

var activeShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active patient",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
			cur := e.Active.Current(ctx)
			if cur == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no active patient")
				return nil
			}
			return printJSON(cmd, cur)
		})
	},
}

var activeSetCmd = &cobra.Command{
	Use:   "set <patient-email>",
	Short: "Make a connected patient the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
			email := model.NormalizeEmail(args[0])
			patients, err := e.Links.ListPatients(ctx, e.Caregiver.Email)
			if err != nil {
				return err
			}
			if !slices.Contains(patients, email) {
				return fmt.Errorf("%s is not connected", email)
			}
			if err := e.Active.SetActive(ctx, e.Reconciler.Resolve(ctx, email)); err != nil {
				return err
			}
			return printJSON(cmd, e.Active.Current(ctx))
		})
	},
}

var activeClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the active patient and hold off auto activation briefly",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
			return e.Active.Deactivate(ctx)
		})
	},
}

var activeValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Re-check the active patient against the link map and the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
			cleared, err := e.Active.Validate(ctx)
			if err != nil {
				return err
			}
			if cleared {
				fmt.Fprintln(cmd.OutOrStdout(), "active patient cleared")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "active patient unchanged")
			}
			return nil
		})
	},
}

func init() {
	activeCmd.AddCommand(activeShowCmd, activeSetCmd, activeClearCmd, activeValidateCmd)
}
