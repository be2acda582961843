package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/orderevents"
	"github.com/glimte/orderevents/health"
	"github.com/glimte/orderevents/internal/config"
	"github.com/glimte/orderevents/internal/orders"
	"github.com/glimte/orderevents/internal/processing"
	"github.com/glimte/orderevents/internal/rabbitmq"
	"github.com/glimte/orderevents/internal/reliability"
	"github.com/glimte/orderevents/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:   "orderevents",
		Short: "Publish and consume order events over RabbitMQ",
		Long: `orderevents runs either side of the order event flow: the order service,
which publishes an OrderCreated event for every order, or the order consumer,
which processes those events with at-least-once delivery.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfg.BrokerURL, "url", "u", cfg.BrokerURL, "RabbitMQ connection URL")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&cfg.StorePath, "store", cfg.StorePath, "SQLite database path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the order service HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(signalContext(), cfg, newLogger(cfg))
		},
	}
	serveCmd.Flags().IntVarP(&cfg.Port, "port", "p", cfg.Port, "HTTP port")
	serveCmd.Flags().StringVar(&cfg.Publisher.Mode, "mode", cfg.Publisher.Mode, "Publish mode (fanout, legacy)")

	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Run the order event consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runConsume(signalContext(), cfg, newLogger(cfg))
		},
	}
	consumeCmd.Flags().StringVarP(&cfg.Consumer.Queue, "queue", "q", cfg.Consumer.Queue, "Queue to consume")
	consumeCmd.Flags().IntVar(&cfg.Consumer.Prefetch, "prefetch", cfg.Consumer.Prefetch, "Unacknowledged deliveries in flight")
	consumeCmd.Flags().StringVar(&cfg.Consumer.HealthAddr, "health-addr", cfg.Consumer.HealthAddr, "Address for the health endpoints, empty to disable")
	consumeCmd.Flags().StringVar(&cfg.Consumer.OrderServiceURL, "order-service", cfg.Consumer.OrderServiceURL, "Order service base URL to mark paid orders completed, empty to disable")

	var limit int64
	deadLettersCmd := &cobra.Command{
		Use:   "dead-letters [queue]",
		Short: "List dead-lettered messages recorded by the consumer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.NewStore(cfg.StorePath)
			if err != nil {
				return err
			}
			defer s.Close()

			queue := ""
			if len(args) == 1 {
				queue = args[0]
			}
			letters, err := s.ListDeadLetters(cmd.Context(), queue, limit)
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}

			printDeadLetters(letters)
			return nil
		},
	}
	deadLettersCmd.Flags().Int64VarP(&limit, "limit", "n", 50, "Maximum records to show")

	processedCmd := &cobra.Command{
		Use:   "processed",
		Short: "List orders the consumer has processed",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.NewStore(cfg.StorePath)
			if err != nil {
				return err
			}
			defer s.Close()

			processed, err := s.ListProcessed(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list processed orders: %w", err)
			}

			printProcessed(processed)
			return nil
		},
	}
	processedCmd.Flags().Int64VarP(&limit, "limit", "n", 50, "Maximum records to show")

	rootCmd.AddCommand(serveCmd, consumeCmd, deadLettersCmd, processedCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	mode, err := rabbitmq.ParsePublishMode(cfg.Publisher.Mode)
	if err != nil {
		return err
	}

	client, err := orderevents.NewClient(cfg.BrokerURL,
		orderevents.WithLogger(logger),
		orderevents.WithPublishMode(mode),
		orderevents.WithPublishTimeout(cfg.Publisher.Timeout),
		orderevents.WithCircuitBreaker(reliability.NewCircuitBreaker(
			reliability.WithName("order-publisher"),
			reliability.WithFailureThreshold(5),
			reliability.WithOpenTimeout(30*time.Second),
			reliability.WithBreakerLogger(logger),
		)),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	registry := health.NewRegistry()
	registry.SetMetadata("service", "order-service")
	registry.SetMetadata("version", version)
	registry.Register(health.NewRabbitMQChecker(client.ConnectionManager(), false))
	registry.Register(health.NewRuntimeChecker(500, 1000))

	e := newEcho()
	orders.NewHandler(orders.NewStore(), client, logger).Register(e)
	mountHealth(e, registry)

	addr := ":" + strconv.Itoa(cfg.Port)
	logger.Info("order service listening",
		"addr", addr,
		"broker", client.ConnectionManager().URL(),
		"mode", mode.String())

	return serveHTTP(ctx, e, addr)
}

func runConsume(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	s, err := store.NewStore(cfg.StorePath)
	if err != nil {
		return err
	}
	defer s.Close()

	client, err := orderevents.NewClient(cfg.BrokerURL, orderevents.WithLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	options := []processing.Option{processing.WithLogger(logger)}
	if cfg.Consumer.OrderServiceURL != "" {
		updater := processing.NewOrderStatusUpdater(cfg.Consumer.OrderServiceURL,
			processing.WithUpdaterLogger(logger))
		options = append(options, processing.WithPayment(updater.Pay))
	}
	processor := processing.NewOrderProcessor(s, options...)
	consumer := client.NewConsumer(processor,
		rabbitmq.WithQueue(cfg.Consumer.Queue),
		rabbitmq.WithPrefetchCount(cfg.Consumer.Prefetch),
		rabbitmq.WithReconnectPolicy(reliability.NewFixedDelay(cfg.Consumer.RetryDelay, cfg.Consumer.MaxAttempts)),
		rabbitmq.WithRedeliveryLimit(cfg.Consumer.RedeliveryLimit),
		rabbitmq.WithDeadLetterRecorder(s),
	)

	if cfg.Consumer.HealthAddr != "" {
		registry := health.NewRegistry()
		registry.SetMetadata("service", "order-consumer")
		registry.SetMetadata("version", version)
		registry.Register(health.NewConsumerChecker(consumer))
		registry.Register(health.NewStoreChecker(s))
		registry.Register(health.NewRuntimeChecker(500, 1000))

		e := newEcho()
		e.GET("/health", echo.WrapHandler(health.NewHandler(registry, 5*time.Second)))
		mountHealth(e, registry)

		healthCtx, stopHealth := context.WithCancel(ctx)
		defer stopHealth()
		go func() {
			if err := serveHTTP(healthCtx, e, cfg.Consumer.HealthAddr); err != nil {
				logger.Error("health server failed", "error", err)
			}
		}()
	}

	logger.Info("starting order consumer",
		"queue", consumer.Queue(),
		"broker", client.ConnectionManager().URL())

	return consumer.Run(ctx)
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	return e
}

func mountHealth(e *echo.Echo, registry *health.Registry) {
	e.GET("/health/details", echo.WrapHandler(health.NewHandler(registry, 5*time.Second)))
	e.GET("/ready", echo.WrapHandler(health.ReadinessHandler(registry)))
	e.GET("/live", echo.WrapHandler(health.LivenessHandler()))
}

// serveHTTP runs e until ctx is cancelled, then shuts it down gracefully.
func serveHTTP(ctx context.Context, e *echo.Echo, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)
	return logger
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	return ctx
}

func printDeadLetters(letters []reliability.DeadLetter) {
	if len(letters) == 0 {
		fmt.Println("No dead letters found")
		return
	}

	fmt.Printf("%-38s %-28s %-12s %-8s %-20s %s\n", "Message ID", "Queue", "Failure", "Attempts", "Dead-lettered", "Last Error")
	fmt.Println(strings.Repeat("-", 140))

	for _, l := range letters {
		fmt.Printf("%-38s %-28s %-12s %-8d %-20s %s\n",
			truncate(l.MessageID, 38),
			truncate(l.Queue, 28),
			l.FailureType,
			l.Attempts,
			l.DeadLetteredAt.Local().Format("2006-01-02 15:04:05"),
			truncate(l.LastError, 60),
		)
	}
}

func printProcessed(processed []store.ProcessedOrder) {
	if len(processed) == 0 {
		fmt.Println("No processed orders found")
		return
	}

	fmt.Printf("%-10s %-10s %-12s %-15s %-10s %s\n", "Order", "User", "Amount", "Payment", "Status", "Processed")
	fmt.Println(strings.Repeat("-", 85))

	for _, p := range processed {
		fmt.Printf("%-10d %-10d %-12.2f %-15s %-10s %s\n",
			p.OrderID,
			p.UserID,
			p.Amount,
			truncate(p.PaymentMethod, 15),
			p.Status,
			p.ProcessedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
