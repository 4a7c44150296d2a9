package main

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jwalitptl/carelink/internal/app"
	"github.com/jwalitptl/carelink/internal/notify"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow engine events published on Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Notify.Redis.URL == "" {
			return errors.New("notify.redis.url is not configured")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		n, err := notify.NewRedisNotifier(ctx, cfg.Notify.Redis.URL, cfg.Notify.Redis.Channel, app.NewLogger(cfg.Log))
		if err != nil {
			return err
		}
		defer n.Close()

		events, err := n.Subscribe(ctx)
		if err != nil {
			return err
		}
		for e := range events {
			if err := printJSON(cmd, e); err != nil {
				return err
			}
		}
		return nil
	},
}
