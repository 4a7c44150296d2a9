package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jwalitptl/carelink/internal/app"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check whether the server of record is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
			reachable := e.Prober.IsReachable(ctx)
			return printJSON(cmd, map[string]interface{}{
				"reachable": reachable,
				"activeUrl": e.Prober.ActiveURL(),
			})
		})
	},
}
