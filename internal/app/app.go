// Package app wires the sync engine for one signed-in caregiver.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jwalitptl/carelink/internal/active"
	"github.com/jwalitptl/carelink/internal/config"
	"github.com/jwalitptl/carelink/internal/connectivity"
	"github.com/jwalitptl/carelink/internal/link"
	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/notify"
	"github.com/jwalitptl/carelink/internal/queue"
	"github.com/jwalitptl/carelink/internal/reconciler"
	"github.com/jwalitptl/carelink/internal/remote"
	"github.com/jwalitptl/carelink/internal/repository/kv"
	"github.com/jwalitptl/carelink/internal/scheduler"
	"github.com/jwalitptl/carelink/internal/session"
	"github.com/jwalitptl/carelink/internal/store"
	"github.com/jwalitptl/carelink/pkg/logger"
	"github.com/jwalitptl/carelink/pkg/metrics"
	"github.com/jwalitptl/carelink/pkg/security"
)

// Options overrides parts of the wiring. Zero values build everything from
// the config.
type Options struct {
	Store      store.Store
	HTTPClient *http.Client
	Notifier   notify.Notifier
	Logger     *logger.Logger
	Metrics    *metrics.Metrics
}

type Engine struct {
	cfg       *config.Config
	Caregiver model.Identity

	Logger     *logger.Logger
	Metrics    *metrics.Metrics
	Store      store.Store
	Repo       *kv.Repository
	Prober     *connectivity.Prober
	Remote     *remote.Client
	Queue      *queue.Queue
	Reconciler *reconciler.Reconciler
	Links      *link.Registry
	Active     *active.Resolver
	Scheduler  *scheduler.Scheduler
	Notifier   notify.Notifier

	closers []func() error
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig) *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level: logger.ParseLevel(cfg.Level),
		JSON:  cfg.JSON,
		File:  cfg.File,
	})
}

func New(ctx context.Context, cfg *config.Config, sess session.Provider, opts Options) (*Engine, error) {
	identity, err := sess.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}

	e := &Engine{cfg: cfg, Caregiver: identity, Logger: opts.Logger, Metrics: opts.Metrics}
	if e.Logger == nil {
		e.Logger = NewLogger(cfg.Log)
	}
	if e.Metrics == nil {
		e.Metrics = metrics.New("carelink")
	}

	s := opts.Store
	if s == nil {
		if s, err = openStore(ctx, cfg.Store); err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}
	e.Store = store.NewInstrumented(s, e.Metrics)
	e.Repo = kv.NewRepository(e.Store, e.Logger)

	e.Notifier = opts.Notifier
	if e.Notifier == nil {
		if e.Notifier, err = e.buildNotifier(ctx, cfg.Notify); err != nil {
			e.Close()
			return nil, err
		}
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	e.Prober = connectivity.NewProber(connectivity.Config{
		PrimaryURL:   cfg.Remote.PrimaryURL,
		FallbackURLs: cfg.Remote.FallbackURLs,
		HealthPaths:  cfg.Remote.HealthPaths,
		Timeout:      cfg.Remote.ProbeTimeout,
		CacheTTL:     cfg.Remote.ProbeCacheTTL,
	}, httpClient, e.Logger, e.Metrics)

	e.Remote = remote.NewClient(remote.Config{
		Timeout:         cfg.Remote.RequestTimeout,
		RateLimit:       cfg.Remote.RateLimit,
		Burst:           cfg.Remote.Burst,
		BreakerFailures: cfg.Remote.BreakerFailures,
		BreakerTimeout:  cfg.Remote.BreakerTimeout,
	}, e.Prober, sess, httpClient, e.Logger, e.Metrics)

	e.Queue = queue.New(e.Repo, e.Prober, queue.NewRemoteExecutor(e.Remote), e.Logger, e.Metrics)
	e.Reconciler = reconciler.New(e.Repo, e.Repo, e.Prober, e.Remote, e.Queue, e.Logger, e.Metrics)
	e.Links = link.NewRegistry(e.Repo, e.Repo, e.Prober, e.Remote, e.Reconciler, e.Queue, e.Logger, e.Metrics)
	e.Active = active.NewResolver(identity, e.Repo, e.Repo, e.Links, e.Notifier, cfg.Scheduler.SuppressWindow, e.Logger, e.Metrics)
	e.Scheduler = scheduler.New(scheduler.Config{
		AdvisoryThreshold: cfg.Scheduler.AdvisoryThreshold,
		ForegroundDelay:   cfg.Scheduler.ForegroundDelay,
	}, e.Repo, e.Notifier, e.Logger, e.Metrics)
	e.registerTasks()

	e.Logger.Info("Engine ready",
		"caregiver", identity.Email,
		"store", cfg.Store.Driver,
		"primary_url", cfg.Remote.PrimaryURL)
	return e, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	opts := store.Options{
		Driver:      store.Driver(cfg.Driver),
		Namespace:   cfg.Namespace,
		RedisURL:    cfg.RedisURL,
		PostgresDSN: cfg.PostgresDSN,
		SQLitePath:  cfg.SQLitePath,
	}
	if cfg.EncryptionSecret != "" {
		key, err := security.DeriveKey(cfg.EncryptionSecret, cfg.Namespace)
		if err != nil {
			return nil, err
		}
		opts.EncryptionKey = key
	}
	return store.Open(ctx, opts)
}

func (e *Engine) buildNotifier(ctx context.Context, cfg config.NotifyConfig) (notify.Notifier, error) {
	var multi notify.Multi
	if cfg.Log {
		multi = append(multi, notify.NewLogNotifier(e.Logger))
	}
	if cfg.Mail.Enabled {
		multi = append(multi, notify.NewMailNotifier(notify.MailConfig{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
			To:       cfg.Mail.To,
		}))
	}
	if cfg.Redis.Enabled {
		rn, err := notify.NewRedisNotifier(ctx, cfg.Redis.URL, cfg.Redis.Channel, e.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect redis notifier: %w", err)
		}
		e.closers = append(e.closers, rn.Close)
		multi = append(multi, rn)
	}
	if cfg.MQTT.Enabled {
		mn, client, err := notify.NewMQTTNotifier(notify.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func() error {
			client.Disconnect(250)
			return nil
		})
		multi = append(multi, mn)
	}
	return multi, nil
}

// Gaps returns the lifecycle throttle windows from the config.
func (e *Engine) Gaps() scheduler.Gaps {
	return scheduler.Gaps{
		FocusReload:  e.cfg.Scheduler.FocusReloadGap,
		FocusRefresh: e.cfg.Scheduler.FocusRefreshGap,
	}
}

// Start launches the app-scoped loops and the login and foreground hooks.
func (e *Engine) Start(ctx context.Context) {
	e.Scheduler.Start(ctx)
	e.Scheduler.OnLogin(ctx, e.Caregiver.Email, e.Gaps())
	e.Scheduler.OnForeground(ctx)
}

// Focus is called when a caregiver screen regains focus.
func (e *Engine) Focus(ctx context.Context) {
	e.Scheduler.OnFocus(ctx, e.Caregiver.Email, e.Gaps())
}

// MountCaregiverScreen starts the screen-scoped profile refresh and returns
// the func that stops it.
func (e *Engine) MountCaregiverScreen(ctx context.Context) (func(), error) {
	return e.Scheduler.Mount(ctx, scheduler.TaskProfileRefresh)
}

func (e *Engine) Connect(ctx context.Context, patientEmail string) (model.Profile, error) {
	return e.Links.Connect(ctx, e.Caregiver, patientEmail)
}

// Disconnect removes the link and clears the active pointer when it pointed
// at the patient.
func (e *Engine) Disconnect(ctx context.Context, patientEmail string) error {
	if err := e.Links.Disconnect(ctx, e.Caregiver, patientEmail); err != nil {
		return err
	}
	_, err := e.Active.ClearOnDelete(ctx, patientEmail)
	return err
}

// Patients returns the caregiver's patient snapshots.
func (e *Engine) Patients(ctx context.Context) ([]model.Profile, error) {
	return e.Links.Patients(ctx, e.Caregiver.Email)
}

// Close waits for background work, so the context given to Start must be
// cancelled first, then releases the store and notifier connections.
func (e *Engine) Close() error {
	if e.Scheduler != nil {
		e.Scheduler.Wait()
	}
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	if e.Store != nil {
		errs = append(errs, e.Store.Close())
	}
	return errors.Join(errs...)
}
