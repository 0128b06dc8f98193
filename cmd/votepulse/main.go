package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"votepulse/internal/config"
	"votepulse/internal/fanout"
	"votepulse/internal/fraud"
	"votepulse/internal/pipeline"
	"votepulse/internal/rebuild"
	"votepulse/internal/server"
	"votepulse/internal/storage"
	"votepulse/internal/storage/postgres"
	"votepulse/internal/verify"
)

func main() {
	root := &cobra.Command{
		Use:          "votepulse",
		Short:        "Geotagged team vote ingestion service",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the vote API",
		RunE:  runServe,
	}

	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	serveCmd.Flags().String("captcha-url", "", "captcha verification endpoint")
	serveCmd.Flags().String("captcha-secret", "", "captcha shared secret")
	serveCmd.Flags().Bool("captcha-bypass", false, "skip captcha verification (development only)")
	serveCmd.Flags().StringSlice("allowed-origin", nil, "allowed websocket origins (comma-separated)")
	serveCmd.Flags().Int("vote-cap", 1, "default per-fingerprint vote allowance")
	serveCmd.Flags().Duration("signal-ttl", 25*time.Hour, "fraud signal retention")
	serveCmd.Flags().Int("signal-cache-size", 200_000, "fraud signal cache entries per index")
	serveCmd.Flags().Duration("store-timeout", 3*time.Second, "per-operation store timeout")
	serveCmd.Flags().Duration("verify-timeout", 5*time.Second, "captcha verification timeout")
	serveCmd.Flags().Duration("snapshot-every", 10*time.Second, "periodic snapshot cadence")
	serveCmd.Flags().String("fraud-audit", "./data/fraud_events.jsonl", "fraud audit JSONL path")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serveCmd)

	replayCmd := &cobra.Command{
		Use:   "replay <match-id>",
		Short: "Rebuild aggregates for a match from the vote ledger",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}

	replayCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	replayCmd.Flags().Int("batch-size", 500, "batch size for aggregate writes")
	replayCmd.Flags().String("state-file", "", "optional replay state file")
	replayCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(replayCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.PGDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}
	if cfg.CaptchaURL == "" && !cfg.CaptchaBypass {
		return fmt.Errorf("captcha url is required unless captcha-bypass is set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	if err := store.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}

	var verifier verify.TokenVerifier
	if cfg.CaptchaBypass {
		logger.Warn("captcha verification bypassed")
		verifier = verify.Bypass{}
	} else {
		verifier = verify.NewHTTPVerifier(cfg.CaptchaURL, cfg.CaptchaSecret)
	}

	var audit storage.FraudAudit
	if cfg.FraudAuditPath != "" {
		audit = storage.NewJsonlAudit(cfg.FraudAuditPath)
	}

	hub := fanout.NewHub(store, nil, logger)

	orch := pipeline.New(pipeline.Config{
		DefaultVoteCap: cfg.DefaultVoteCap,
		StoreTimeout:   cfg.StoreTimeout,
		VerifyTimeout:  cfg.VerifyTimeout,
		BurstWindow:    cfg.Fraud.BurstWindow,
	}, pipeline.Deps{
		Matches:    store,
		Ledger:     store,
		Aggregates: store,
		Signals:    fraud.NewSignalStore(cfg.SignalCacheSize, cfg.SignalTTL),
		Scorer:     fraud.NewScorer(cfg.Fraud),
		Verifier:   verifier,
		Audit:      audit,
		Publisher:  hub,
		Logger:     logger,
	})

	go orch.RunRepair(ctx)
	go hub.Run(ctx, cfg.SnapshotEvery)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(orch, store, hub, cfg.AllowedOrigins, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.PGDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}
	matchID := args[0]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	batchSize, _ := cmd.Flags().GetInt("batch-size")
	stateFile, _ := cmd.Flags().GetString("state-file")

	var state *rebuild.FileStateStore
	if stateFile != "" {
		state = &rebuild.FileStateStore{Path: stateFile}
	}

	rebuilder := rebuild.New(rebuild.Config{BatchSize: batchSize, State: state}, store, nil, logger)
	summary, err := rebuilder.Run(ctx, matchID)
	if err != nil {
		return err
	}

	logger.Info("replay summary",
		zap.String("match_id", matchID),
		zap.Int64("votes", summary.Votes),
		zap.Int("cells", summary.Cells),
		zap.Int("countries", summary.Countries),
	)
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
