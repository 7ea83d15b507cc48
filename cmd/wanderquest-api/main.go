package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/audit"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/auth"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/challenge"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/config"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/database"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/identifier"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/logging"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/metrics"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/participant"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/proofcheck"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/server"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wanderquest-api",
		Short: "WanderQuest scavenger hunt backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Int("game-token-ttl-minutes", defaults.GetInt("auth.game_token_ttl_minutes"), "Game token TTL in minutes")
	cmd.PersistentFlags().String("validator-base-url", defaults.GetString("validator.base_url"), "Proof analyzer base URL")
	cmd.PersistentFlags().Int("validator-max-poll-attempts", defaults.GetInt("validator.max_poll_attempts"), "Max analyzer status polls per proof")
	cmd.PersistentFlags().Int("validator-max-network-retries", defaults.GetInt("validator.max_network_retries"), "Max analyzer request retries")
	cmd.PersistentFlags().String("images-root", defaults.GetString("images.root"), "Directory for stored proof images")
	cmd.PersistentFlags().StringSlice("cors-origins", defaults.GetStringSlice("cors.origins"), "Allowed CORS origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.game_token_ttl_minutes", "game-token-ttl-minutes")
	bindFlag(cmd, "validator.base_url", "validator-base-url")
	bindFlag(cmd, "validator.max_poll_attempts", "validator-max-poll-attempts")
	bindFlag(cmd, "validator.max_network_retries", "validator-max-network-retries")
	bindFlag(cmd, "images.root", "images-root")
	bindFlag(cmd, "cors.origins", "cors-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	idProvider := identifier.NewUUIDProvider()

	auditor, err := audit.NewLog(audit.LogConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	challenges, err := challenge.NewService(challenge.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Auditor:    auditor,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	validator, err := proofcheck.NewClient(proofcheck.ClientConfig{
		BaseURL:           appConfig.ValidatorBaseURL,
		MaxPollAttempts:   appConfig.ValidatorMaxPollAttempts,
		MaxNetworkRetries: appConfig.ValidatorMaxNetworkRetries,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	imageStore, err := proofcheck.NewImageStore(proofcheck.ImageStoreConfig{Root: appConfig.ImagesRoot})
	if err != nil {
		return err
	}

	observed := metrics.New()
	dispatcher := server.NewProgressDispatcher(observed)

	participants, err := participant.NewService(participant.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Challenges: challenges,
		Auditor:    auditor,
		Validator:  validator,
		Publisher:  dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// Replay the audit log before accepting traffic so every open run
	// resumes exactly where its events left it.
	replayer, err := participant.NewReplayer(participant.ReplayerConfig{
		Database:   db,
		Challenges: challenges,
		Auditor:    auditor,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	stats, err := replayer.RecoverAll(ctx)
	if err != nil {
		return err
	}
	observed.SetRecoveryStats(stats.Scanned, stats.Repaired, stats.Expired, stats.Failed)
	logger.Info("startup recovery finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("repaired", stats.Repaired),
		zap.Int("expired", stats.Expired),
		zap.Int("failed", stats.Failed))

	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokens, err := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		GameTokenTTL:  appConfig.GameTokenTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Users:          usersService,
		Tokens:         tokens,
		Challenges:     challenges,
		Participants:   participants,
		Auditor:        auditor,
		Images:         imageStore,
		Realtime:       dispatcher,
		Database:       db,
		Metrics:        observed,
		AllowedOrigins: appConfig.CORSOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		// Let in-flight proof verdicts commit before the process exits;
		// anything still unresolved is expired by the next startup replay.
		participants.Flush()
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
