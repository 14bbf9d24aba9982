package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"legacyvault/agreement"
	"legacyvault/auth"
	"legacyvault/config"
	"legacyvault/db"
	"legacyvault/ledger"
	"legacyvault/migrations"
	"legacyvault/outbox"
)

const programName = "legacyvault"

var globalFlags = struct {
	debug bool
}{}

func newLogger(cfg config.Config) *slog.Logger {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	addSource := false
	if globalFlags.debug {
		level = slog.LevelDebug
		addSource = true
	}
	logger := slog.New(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource: addSource,
			Level:     level,
		}),
	)
	slog.SetDefault(logger)
	return logger
}

func loadConfig(serve bool) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := newLogger(cfg)
	if serve {
		err = cfg.ValidateServe()
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func serveCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(true)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides HTTP_ADDR")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ledgerRepo := ledger.NewRepository(pool)
	records := agreement.NewCRUDService(pool)
	server := &Server{
		authService: auth.NewService(auth.NewRepository(pool), cfg.JWTSecret).
			WithWallets(ledgerRepo).
			WithOperatorEmails(cfg.OperatorEmails).
			WithTokenTTL(cfg.TokenTTL).
			WithLogger(logger),
		agreementService: agreement.NewService(pool, agreement.NewRepository(), ledgerRepo).
			WithCheckInWindow(cfg.CheckInWindow).
			WithLogger(logger).
			WithMetrics(registry),
		statusService:   agreement.NewStatusService(records),
		agreementLister: records,
		walletService:   ledgerRepo,
		registry:        registry,
		health:          pool.Ping,
		logger:          logger,
	}
	relay := outbox.NewRelay(pool, outbox.NewRepository(), outbox.LogPublisher{Logger: logger}).
		WithInterval(cfg.OutboxPollInterval).
		WithBatchSize(cfg.OutboxBatchSize).
		WithLogger(logger).
		WithMetrics(registry)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "component", programName, "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded SQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("bootstrap database pool: %w", err)
			}
			defer pool.Close()

			if err := migrations.Apply(cmd.Context(), pool); err != nil {
				return err
			}
			names, _ := migrations.Names()
			logger.Info("migrations applied", "component", programName, "files", names)
			return nil
		},
	}
}

func provisionCommand() *cobra.Command {
	var (
		owner       string
		beneficiary string
		period      time.Duration
		deposit     int64
	)
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Fund an owner and open an agreement on their behalf",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("bootstrap database pool: %w", err)
			}
			defer pool.Close()

			ledgerRepo := ledger.NewRepository(pool)
			if deposit > 0 {
				if _, err := ledgerRepo.FundWallet(cmd.Context(), owner, deposit); err != nil {
					return err
				}
			}
			rec, err := agreement.NewService(pool, agreement.NewRepository(), ledgerRepo).
				WithCheckInWindow(cfg.CheckInWindow).
				WithLogger(logger).
				Create(cmd.Context(), agreement.CreateParams{
					OwnerID:          owner,
					BeneficiaryID:    beneficiary,
					WithdrawalPeriod: period,
					Deposit:          deposit,
				})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(toAgreementResponse(rec))
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner identity")
	cmd.Flags().StringVar(&beneficiary, "beneficiary", "", "beneficiary identity")
	cmd.Flags().DurationVar(&period, "period", 24*time.Hour, "withdrawal period added after the missed check-in window")
	cmd.Flags().Int64Var(&deposit, "deposit", 100_000_000_000, "initial deposit in smallest units")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("beneficiary")
	return cmd
}

func rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Dead man's switch custody service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.AddCommand(serveCommand(), migrateCommand(), provisionCommand())
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		slog.Error(err.Error(), "component", programName)
		stop()
		os.Exit(1)
	}
}
