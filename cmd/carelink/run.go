package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jwalitptl/carelink/internal/app"
	"github.com/jwalitptl/carelink/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the background sync loops until interrupted",
	Long: `Start every app-scoped task (pending drain, patient reload, link
verification), fire the login and foreground hooks, and keep the caregiver
screen mounted so the profile refresh loop runs too.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sess, err := session.FromConfig(cfg.Session)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := app.New(ctx, cfg, sess, app.Options{})
		if err != nil {
			return err
		}

		var metricsSrv *http.Server
		if cfg.Metrics.Enabled {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(e.Metrics.Registry(), promhttp.HandlerOpts{}))
			metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					e.Logger.Error(err, "Metrics server failed")
				}
			}()
		}

		e.Start(ctx)
		unmount, err := e.MountCaregiverScreen(ctx)
		if err != nil {
			stop()
			e.Close()
			return err
		}
		e.Logger.Info("Sync engine running", "caregiver", e.Caregiver.Email)

		<-ctx.Done()
		e.Logger.Info("Shutting down sync engine...")
		unmount()

		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				e.Logger.Error(err, "Metrics server forced to shutdown")
			}
		}
		return e.Close()
	},
}
