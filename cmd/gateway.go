package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"botcore/pkg/auth"
	"botcore/pkg/bot"
	"botcore/pkg/bus"
	"botcore/pkg/channel"
	"botcore/pkg/channel/natsbridge"
	"botcore/pkg/channel/telegram"
	"botcore/pkg/config"
	"botcore/pkg/gateway"
	"botcore/pkg/logger"
	"botcore/pkg/metrics"
	"botcore/pkg/spool"
	"botcore/pkg/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const (
	telegramChannelName = "telegram"
	natsChannelName     = "nats"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the bot runtime gateway",
	Long:  "Serves platform webhooks and channel adapters with health, readiness and metrics endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			fmt.Printf("invalid config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runGateway(runCtx, cfg, appLogger); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) error {
	log := appLogger.With("component", "cmd.gateway")

	tracer, shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("Failed to flush traces", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Observers outlive the signal context so shutdown-time events still reach
	// them; closing the bus ends them once the service has drained.
	events := bus.New()
	observeCtx := context.WithoutCancel(ctx)
	var observers sync.WaitGroup
	observers.Add(2)
	go func() {
		defer observers.Done()
		bus.LogEvents(observeCtx, events, appLogger)
	}()
	go func() {
		defer observers.Done()
		m.Observe(observeCtx, events)
	}()
	defer func() {
		events.Close()
		observers.Wait()
	}()

	adapters, err := enabledAdapters(cfg, appLogger)
	if err != nil {
		return err
	}
	defer closeAdapters(adapters, log)

	spoolDir, err := spool.ResolveDir(cfg.Spool.Dir)
	if err != nil {
		return err
	}
	cfg.Spool.Dir = spoolDir

	handlers, err := commandRegistry()
	if err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	b, err := bot.New(cfg.Bots, handlers, outboundTransport(adapters),
		bot.WithLogger(appLogger),
		bot.WithMetrics(m),
		bot.WithEventBus(events),
		bot.WithTracer(tracer),
		bot.WithRecovery(recoveryRules(appLogger)),
		bot.WithCallbackTimeout(cfg.Callbacks.Timeout()),
		bot.WithSpool(cfg.Spool),
	)
	if err != nil {
		return fmt.Errorf("initialize bot: %w", err)
	}

	svc, err := gateway.NewService(cfg, b, adapters, gateway.Options{
		Verifier: auth.NewJWTVerifier(cfg.Bots),
		Gatherer: registry,
		Logger:   appLogger,
	})
	if err != nil {
		return fmt.Errorf("initialize gateway service: %w", err)
	}

	log.Info("Gateway started", "bots", strings.Join(b.AccountIDs(), ","), "channels", enabledChannelNames(adapters), "address", cfg.Server.Addr())
	return svc.Run(ctx)
}

// enabledAdapters builds the configured channel adapters. None is valid: webhooks alone
// can drive the bot.
func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 2)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.NATS.Enabled {
		bridge, err := natsbridge.Connect(cfg.NATS, log)
		if err != nil {
			closeAdapters(adapters, log)
			return nil, fmt.Errorf("configure %s channel: %w", natsChannelName, err)
		}
		adapters = append(adapters, bridge)
	}

	return adapters, nil
}

// outboundTransport picks the first adapter that can carry outbound calls.
func outboundTransport(adapters []channel.Adapter) bot.Transport {
	for _, adapter := range adapters {
		if outbound, ok := adapter.(channel.Outbound); ok {
			return outbound.Transport()
		}
	}
	return nil
}

func closeAdapters(adapters []channel.Adapter, log *slog.Logger) {
	for _, adapter := range adapters {
		closer, ok := adapter.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			log.Warn("Failed to close channel", "channel", adapter.Name(), "error", err)
		}
	}
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
