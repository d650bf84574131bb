package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gapguard/config"
	"gapguard/core"
	"gapguard/core/events"
	"gapguard/native/gov"
	"gapguard/native/oracle"
	"gapguard/native/policy"
	"gapguard/native/premium"
	"gapguard/observability/logging"
	"gapguard/observability/metrics"
	"gapguard/rpc"
	"gapguard/storage"
)

const guardianSecretEnv = "GAPGUARD_GUARDIAN_SECRET"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	guardian, err := cfg.GuardianAddressBytes()
	if err != nil {
		logger.Error("invalid guardian address", "err", err)
		os.Exit(1)
	}
	maxCoverage, err := cfg.MaxCoverageAmount()
	if err != nil {
		logger.Error("invalid coverage cap", "err", err)
		os.Exit(1)
	}
	weekEpoch, err := cfg.WeekEpochTime()
	if err != nil {
		logger.Error("invalid week epoch", "err", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "err", err)
		os.Exit(1)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Error("failed to open ledger database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	gateway, err := buildOracle(cfg)
	if err != nil {
		logger.Error("failed to configure oracle", "err", err)
		os.Exit(1)
	}

	node, err := core.NewNode(db, core.NodeConfig{
		Gov: gov.Params{
			Guardian:             guardian,
			TimelockDelay:        cfg.Protocol.TimelockDelay.Duration,
			FailsafeDelay:        cfg.Protocol.FailsafeDelay.Duration,
			DefaultSplitBps:      cfg.Protocol.DefaultSplitBps,
			InitialVolatilityBps: 10_000,
		},
		Policy: policy.Params{
			MinThresholdBps:      cfg.Protocol.MinThresholdBps,
			MaxThresholdBps:      cfg.Protocol.MaxThresholdBps,
			MaxCoveragePerPolicy: maxCoverage,
			MaxUtilizationBps:    cfg.Protocol.MaxUtilizationBps,
			PriceMaxAge:          cfg.Oracle.MaxAge.Duration,
			VolatilityMaxAge:     24 * time.Hour,
			WeekEpoch:            weekEpoch,
			WeekLength:           cfg.Protocol.WeekLength.Duration,
		},
		Premium: premium.Params{
			BaseAnnualRateBps:   cfg.Protocol.BaseAnnualRateBps,
			TimeDecayBpsPerHour: cfg.Protocol.TimeDecayBpsPerHour,
			MinPremiumBps:       cfg.Protocol.MinPremiumBps,
			MaxPremiumBps:       cfg.Protocol.MaxPremiumBps,
		},
		Oracle:  gateway,
		Emitter: events.Fanout{metrics.NewEmitter(), events.NewAuditLog(logger)},
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to start node", "err", err)
		os.Exit(1)
	}

	if len(cfg.Genesis) > 0 {
		if err := applyGenesis(node, cfg.Genesis); err != nil {
			logger.Error("failed to apply genesis allocation", "err", err)
			os.Exit(1)
		}
	}

	secret := os.Getenv(guardianSecretEnv)
	if secret == "" {
		secret = cfg.GuardianSecret
	}
	opts := rpc.Options{
		GuardianSecret:    secret,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}
	server := rpc.NewServer(node, logger, opts)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

func buildOracle(cfg *config.Config) (oracle.Source, error) {
	gateway := oracle.NewGateway(nil, cfg.Oracle.MaxAge.Duration)
	switch cfg.Oracle.Mode {
	case "manual":
		manual := oracle.NewManual()
		if cfg.Oracle.ManualPrice != "" {
			if err := manual.SetDecimal(cfg.Oracle.ManualPrice, time.Now().UTC()); err != nil {
				return nil, err
			}
		}
		gateway.Register("manual", manual)
	case "http":
		client := &http.Client{Timeout: 10 * time.Second}
		for i, endpoint := range cfg.Oracle.Endpoints {
			name := fmt.Sprintf("http-%d", i)
			gateway.Register(name, oracle.NewHTTPSource(client, endpoint, cfg.Oracle.APIKey))
		}
	default:
		return nil, fmt.Errorf("unknown oracle mode %q", cfg.Oracle.Mode)
	}
	return gateway, nil
}

func applyGenesis(node *core.Node, allocs []config.GenesisAlloc) error {
	out := make(map[[20]byte]*big.Int, len(allocs))
	for _, alloc := range allocs {
		addr, err := core.ParseAddress(alloc.Address)
		if err != nil {
			return err
		}
		amount, err := core.ParseAmount(alloc.Balance)
		if err != nil {
			return err
		}
		out[addr] = amount
	}
	return node.Genesis(out)
}
