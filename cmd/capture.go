package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/captrail/captrail/config"
	"github.com/captrail/captrail/pkg/capture/lifecycle"
	"github.com/captrail/captrail/pkg/capture/recovery"
	"github.com/captrail/captrail/pkg/ingress"
	"github.com/captrail/captrail/pkg/logging"
	"github.com/captrail/captrail/pkg/observability"
	"github.com/captrail/captrail/pkg/store"
	"github.com/captrail/captrail/pkg/webhook"
	"github.com/captrail/captrail/pkg/webhook/secrets"
)

// shutdownGrace bounds the ordered teardown after a signal.
const shutdownGrace = 15 * time.Second

// NewCaptureCommand creates the capture daemon command.
func NewCaptureCommand(deps *CommandDeps) *cobra.Command {
	var listenAddr string

	c := &cobra.Command{
		Use:   "capture",
		Short: "Run the capture daemon",
		Long: `Run the captrail daemon: listen for the browser shim, reconstruct
transcripts from the caption stream, store finished meetings, and post them
to the configured webhook.

The daemon recovers any meeting a previous run left unfinished before it
accepts new shim connections.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCapture(cmd.Context(), deps, listenAddr)
		},
	}

	c.Flags().StringVar(&listenAddr, "listen", "", "override the configured listen address")
	return c
}

func runCapture(ctx context.Context, deps *CommandDeps, listenAddr string) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Listen.Addr = listenAddr
	}

	log := deps.logger()
	st, err := deps.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	metrics := observability.DefaultCaptureMetrics()
	tracer := observability.NewTracer()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runRecovery(ctx, st, log, cfg, metrics, tracer)

	var notifier lifecycle.Notifier = lifecycle.NopNotifier{}
	var deliverer *webhook.Deliverer
	var signingKey []byte
	if cfg.Webhook.Enabled() {
		deliverer, signingKey = newDeliverer(ctx, cfg, st, log, metrics, tracer)
		notifier = deliverer
		deliverer.Start()
		defer deliverer.Stop()
		requeueUndelivered(ctx, st, deliverer, log)
	}

	adapters, err := cfg.AdapterConfigs()
	if err != nil {
		return fmt.Errorf("platform config: %w", err)
	}

	srv := ingress.NewServer(st, log, ingress.Options{
		Addr:         cfg.Listen.Addr,
		GRPCAddr:     cfg.Listen.GRPCAddr,
		HelloTimeout: config.Duration(cfg.Capture.HelloTimeout, ingress.DefaultHelloTimeout),
		Platforms:    adapters,
		Lifecycle: lifecycle.Options{
			TitleDelay: config.Duration(cfg.Capture.TitleDelay, lifecycle.DefaultTitleDelay),
			Metrics:    metrics,
			Tracer:     tracer,
		},
		Notifier: notifier,
		Metrics:  metrics,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start ingress: %w", err)
	}

	if deliverer != nil {
		go watchWebhookEndpoint(ctx, log, deliverer, signingKey, cfg.Webhook.URL)
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runRecovery finalizes a meeting a crashed run left in progress. Failures
// are logged, never fatal: a broken recovery pass must not keep the daemon
// from capturing the current meeting.
func runRecovery(ctx context.Context, st store.Store, log logging.Logger, cfg *config.Config, metrics *observability.CaptureMetrics, tracer *observability.Tracer) {
	coord := recovery.New(st, log, recovery.Options{
		Timeout: config.Duration(cfg.Capture.RecoveryTimeout, recovery.DefaultTimeout),
		Metrics: metrics,
		Tracer:  tracer,
	})
	m, err := coord.Run(ctx)
	if err != nil {
		log.Warn("recovery pass failed", logging.Err(err))
		return
	}
	if m != nil {
		log.Info("recovered interrupted meeting",
			logging.F("meeting_id", m.ID), logging.F("platform", m.Platform))
	}
}

// newDeliverer wires the delivery pool from config: redis queue when an addr
// is configured, in-memory otherwise.
func newDeliverer(ctx context.Context, cfg *config.Config, st store.Store, log logging.Logger, metrics *observability.CaptureMetrics, tracer *observability.Tracer) (*webhook.Deliverer, []byte) {
	key := loadSigningKey(log)

	var q webhook.Queue
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rq := webhook.NewRedisQueue(client, webhook.DefaultQueueConfig())
		if err := rq.RecoverStaleMessages(ctx); err != nil {
			log.Warn("stale message recovery failed", logging.Err(err))
		}
		q = rq
	} else {
		q = webhook.NewMemoryQueue(webhook.DefaultQueueConfig())
	}

	policy := webhook.DefaultRetryPolicy()
	if cfg.Webhook.MaxRetries > 0 {
		policy.MaxRetries = cfg.Webhook.MaxRetries
	}
	policy.InitialBackoff = config.Duration(cfg.Webhook.InitialBackoff, policy.InitialBackoff)
	policy.MaxBackoff = config.Duration(cfg.Webhook.MaxBackoff, policy.MaxBackoff)

	attemptTimeout := config.Duration(cfg.Webhook.Timeout, webhook.DefaultRequestTimeout)
	sender := webhook.NewSender(cfg.Webhook.URL, key, &http.Client{Timeout: attemptTimeout})

	d := webhook.NewDeliverer(q, sender, st, log, webhook.Options{
		Workers:        cfg.Webhook.Workers,
		AttemptTimeout: attemptTimeout,
		Policy:         policy,
		Metrics:        metrics,
		Tracer:         tracer,
	})
	return d, key
}

// loadSigningKey resolves the webhook signing key. A missing key is not
// fatal; deliveries go out unsigned.
func loadSigningKey(log logging.Logger) []byte {
	provider, err := secrets.GetDefaultKeyProvider()
	if err != nil {
		log.Warn("no signing key source, webhook payloads will be unsigned", logging.Err(err))
		return nil
	}
	key, err := provider.GetKey()
	if err != nil {
		log.Warn("signing key unavailable, webhook payloads will be unsigned", logging.Err(err))
		return nil
	}
	return key
}

// requeueUndelivered re-enqueues finalized meetings whose delivery never
// completed. With the in-memory queue this is what survives a restart.
func requeueUndelivered(ctx context.Context, st store.Store, d *webhook.Deliverer, log logging.Logger) {
	summaries, err := st.ListMeetings(ctx, 0)
	if err != nil {
		log.Warn("listing undelivered meetings failed", logging.Err(err))
		return
	}
	for _, s := range summaries {
		if s.EndedAt.IsZero() || s.WebhookStatus != store.WebhookStatusNew {
			continue
		}
		if err := d.EnqueueDelivery(ctx, s.ID); err != nil {
			log.Warn("re-enqueue failed",
				logging.F("meeting_id", s.ID), logging.Err(err))
			continue
		}
		log.Info("re-enqueued undelivered meeting", logging.F("meeting_id", s.ID))
	}
}

// watchWebhookEndpoint reloads the delivery target when the config file
// changes, so rotating the webhook URL does not need a daemon restart.
func watchWebhookEndpoint(ctx context.Context, log logging.Logger, d *webhook.Deliverer, key []byte, current string) {
	path, err := config.ConfigPath()
	if err != nil {
		return
	}
	onChange := func(nc *config.Config) {
		if !nc.Webhook.Enabled() || nc.Webhook.URL == current {
			return
		}
		current = nc.Webhook.URL
		timeout := config.Duration(nc.Webhook.Timeout, webhook.DefaultRequestTimeout)
		d.SetEndpoint(webhook.NewSender(current, key, &http.Client{Timeout: timeout}))
		log.Info("webhook endpoint updated", logging.F("url", current))
	}
	if err := config.Watch(ctx, path, log, onChange); err != nil {
		log.Warn("config watch stopped", logging.Err(err))
	}
}
