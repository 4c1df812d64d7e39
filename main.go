package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"srpk-license-server/config"
	"srpk-license-server/internal/api"
	"srpk-license-server/internal/auth"
	"srpk-license-server/internal/cache"
	"srpk-license-server/internal/chain"
	"srpk-license-server/internal/database"
	"srpk-license-server/internal/email"
	"srpk-license-server/internal/events"
	"srpk-license-server/internal/issuer"
	"srpk-license-server/internal/logging"
	"srpk-license-server/internal/pricing"
	"srpk-license-server/internal/vault"
	"srpk-license-server/internal/verifier"
	"srpk-license-server/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	logging.SetDefault(logger)
	logger.Info().Msg("starting srpk-license-server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secrets: Vault when enabled, config values otherwise.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create vault client")
	}
	secrets, err := vaultClient.LoadSecrets(ctx, vault.Secrets{
		LicenseSigningSecret: cfg.LicenseConfig.SigningSecret,
		LicenseJWTSecret:     cfg.LicenseConfig.JWTSecret,
		AdminJWTSecret:       cfg.AuthConfig.JWTSecret,
		SMTPPassword:         cfg.EmailConfig.Password,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load secrets")
	}
	cfg.EmailConfig.Password = secrets.SMTPPassword

	// Storage.
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}
	repo := database.NewRepository(db)

	var redis *cache.Service
	if cfg.RedisConfig.Enabled {
		redis, err = cache.New(cfg.RedisConfig)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, continuing without cache")
			redis = nil
		}
	}

	// Event bus shared by API-triggered and chain-triggered events.
	bus := events.NewBus()

	// Price oracle.
	source := pricing.NewTickerSource(cfg.PricingConfig.SourceURL, cfg.PricingConfig.RequestTimeout)
	oracle := pricing.NewOracle(source, repo, redis, pricing.Config{
		CacheTTL:         cfg.PricingConfig.CacheTTL,
		StalenessMax:     cfg.PricingConfig.StalenessMax,
		TolerancePercent: cfg.PricingConfig.TolerancePercent,
	}).WithBus(bus)

	// Chain access.
	registry := chain.NewRegistry(cfg.ChainConfig.NativeSymbol, cfg.ChainConfig.TokenAddresses, nil)
	chainClient, err := chain.Dial(cfg.ChainConfig.Network, cfg.ChainConfig.RPCURL, cfg.ChainConfig.RPCTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to chain RPC")
	}

	// Core pipeline.
	mailer := email.NewService(cfg.EmailConfig)
	issuerSvc := issuer.New(repo, bus, mailer, issuer.Config{
		TermDays:      cfg.LicenseConfig.TermDays,
		SigningSecret: secrets.LicenseSigningSecret,
		JWTSecret:     secrets.LicenseJWTSecret,
	})

	verifierSvc := verifier.New(chainClient, oracle, repo, registry, bus, verifier.Config{
		MerchantWallet:   cfg.ChainConfig.MerchantWallet,
		ChainID:          cfg.ChainConfig.ChainID,
		MinConfirmations: cfg.ChainConfig.MinConfirmations,
	})

	dispatcher := webhook.NewDispatcher(repo, webhook.Config{
		Workers:          cfg.WebhookConfig.Workers,
		MaxAttempts:      cfg.WebhookConfig.MaxAttempts,
		BaseBackoff:      cfg.WebhookConfig.BaseBackoff,
		DeliveryTimeout:  cfg.WebhookConfig.DeliveryTimeout,
		MaxPerRegistrant: cfg.WebhookConfig.MaxPerRegistrant,
		QueueSize:        cfg.WebhookConfig.QueueSize,
	})
	dispatcher.Attach(bus)
	dispatcher.Start(ctx)

	poller := chain.NewPoller(chainClient, repo, bus, redis, chain.PollerConfig{
		ContractAddress:   cfg.ChainConfig.ContractAddress,
		PollInterval:      cfg.ChainConfig.PollInterval,
		MaxBlockBatch:     cfg.ChainConfig.MaxBlockBatch,
		ReorgSafetyMargin: cfg.ChainConfig.ReorgSafetyMargin,
	})
	if cfg.ChainConfig.ContractAddress != "" {
		go poller.Run(ctx)
	} else {
		logger.Warn().Msg("no contract address configured, chain poller disabled")
	}

	authService := auth.NewService(auth.Config{
		JWTSecret:           secrets.AdminJWTSecret,
		AdminEmail:          cfg.AuthConfig.AdminEmail,
		AdminPasswordHash:   cfg.AuthConfig.AdminPasswordHash,
		AccessTokenDuration: cfg.AuthConfig.AccessTokenDuration,
	})

	server := api.NewServer(cfg.ServerConfig, api.Deps{
		Repo:        repo,
		Bus:         bus,
		Verifier:    verifierSvc,
		Issuer:      issuerSvc,
		Oracle:      oracle,
		Dispatcher:  dispatcher,
		AuthService: authService,
		Redis:       redis,
		Registry:    registry,
		ChainConfig: cfg.ChainConfig,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("api server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	dispatcher.Stop()

	logger.Info().Msg("stopped")
}
