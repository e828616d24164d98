package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"escrowd/config"
	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/gateway/auth"
	"escrowd/gateway/middleware"
	"escrowd/native/escrow"
	"escrowd/observability/logging"
	"escrowd/rpc"
	"escrowd/state"
	"escrowd/storage"
)

const shutdownTimeout = 10 * time.Second

// logEmitter forwards engine events to the structured logger.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		l.logger.Info("event", "type", evt.EventType())
		return
	}
	payload := carrier.Event()
	if payload == nil {
		return
	}
	args := make([]any, 0, 2+2*len(payload.Attributes))
	args = append(args, "type", payload.Type)
	for k, v := range payload.Attributes {
		args = append(args, k, v)
	}
	l.logger.Info("event", args...)
}

func main() {
	configPath := flag.String("config", "config.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup("escrowd", cfg.Deployment)

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "escrowd"))
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	for _, asset := range cfg.Assets {
		if err := manager.RegisterAsset(asset); err != nil {
			logger.Error("register asset", "asset", asset, "error", err)
			os.Exit(1)
		}
	}

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetLedger(manager)
	engine.SetEmitter(logEmitter{logger: logger})

	if err := seedConfig(engine, manager, cfg, logger); err != nil {
		logger.Error("seed engine config", "error", err)
		os.Exit(1)
	}

	skew, err := cfg.SkewDuration()
	if err != nil {
		logger.Error("parse timestamp skew", "error", err)
		os.Exit(1)
	}
	nonceTTL, err := cfg.NonceTTLDuration()
	if err != nil {
		logger.Error("parse nonce ttl", "error", err)
		os.Exit(1)
	}
	secrets := make(map[string]string, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		secrets[key.Key] = key.Secret
	}
	authenticator := auth.NewAuthenticator(secrets, skew, nonceTTL, cfg.NonceCapacity, nil)
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateBurst, logger)
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "escrowd",
		LogRequests: true,
	}, logger)

	server := rpc.NewServer(engine, authenticator, limiter, obs, logger)
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// seedConfig installs the deployment parameters from the config file on first
// boot. Once the record exists its authority is immutable, so later edits to
// the file only change non-authority parameters via the update path.
func seedConfig(engine *escrow.Engine, manager *state.Manager, cfg *config.Config, logger *slog.Logger) error {
	if _, ok := manager.ConfigGet(); ok {
		return nil
	}
	authority, err := cfg.AuthorityAddress()
	if err != nil {
		return err
	}
	feeRecipient, err := cfg.FeeRecipientAddress()
	if err != nil {
		return err
	}
	stake, err := cfg.StakeAmount()
	if err != nil {
		return err
	}
	stakeCurrency := escrow.NativeCurrency()
	if raw := strings.TrimSpace(cfg.StakeCurrency); raw != "" && !strings.EqualFold(raw, "native") {
		stakeCurrency, err = escrow.FungibleCurrency(raw)
		if err != nil {
			return err
		}
	}
	_, err = engine.InitializeConfig(authority, &escrow.Config{
		FeeRecipient:       feeRecipient,
		StandardFeeBps:     cfg.StandardFeeBps,
		MilestoneFeeBps:    cfg.MilestoneFeeBps,
		RequiredAgentStake: stake,
		StakeCurrency:      stakeCurrency,
	})
	if err != nil {
		return err
	}
	logger.Info("engine config initialized", "authority", cfg.Authority)
	return nil
}
