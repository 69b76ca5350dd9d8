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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"lingochat/internal/api"
	"lingochat/internal/auth"
	"lingochat/internal/config"
	"lingochat/internal/db"
	"lingochat/internal/docstore"
	"lingochat/internal/kv"
	"lingochat/internal/push"
	"lingochat/internal/translate"
	"lingochat/internal/websocket"
)

var rootCmd = &cobra.Command{
	Use:           "lingochat",
	Short:         "Multilingual chat server with per-connection sync sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST API and the WebSocket sync endpoint",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema and exit",
	RunE:  runMigrate,
}

var (
	flagAddr     string
	flagDatabase string
	flagLogLevel string
	flagPretty   bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagDatabase, "database", "", "database URL (overrides DATABASE_URL)")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flags.BoolVar(&flagPretty, "pretty", false, "human-readable console logs")
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (overrides SERVER_ADDRESS)")

	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute lingochat command")
	}
}

// loadConfig reads the environment, applies flag overrides and configures logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flagAddr != "" {
		cfg.ServerAddress = flagAddr
	}
	if flagDatabase != "" {
		cfg.DatabaseURL = flagDatabase
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	if flagPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return cfg, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := db.NewDB(cfg.CleanDatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	log.Info().Str("database", cfg.CleanDatabasePath()).Msg("schema up to date")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(cfg.CleanDatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	log.Info().Str("database", cfg.CleanDatabasePath()).Msg("database connection established")

	state, err := kv.Open(cfg.Translate.CacheDir)
	if err != nil {
		return fmt.Errorf("open local state: %w", err)
	}
	defer state.Close()

	hub := websocket.NewHub()
	go hub.Run(ctx)

	pushSvc := push.NewService(database, hub, push.LogSender{})
	store := docstore.New(database, hub)
	store.AddHook(pushSvc)

	var (
		provider translate.Provider
		cache    *translate.Cache
		fanout   *translate.FanOut
	)
	if cfg.Translate.Enabled() {
		provider = translate.NewHTTPProvider(cfg.Translate.URL, cfg.Translate.APIKey, cfg.Translate.RPS)
		cache, err = translate.NewCache(state, nil, cfg.Translate.CacheTTL, cfg.Translate.CacheMax)
		if err != nil {
			return fmt.Errorf("open translation cache: %w", err)
		}
		fanout = translate.NewFanOut(provider, cache, store, cfg.Translate.Concurrency)
		log.Info().Str("endpoint", cfg.Translate.URL).Int("cached", cache.Len()).Msg("translation enabled")
	} else {
		log.Warn().Msg("TRANSLATE_URL not set, messages are shown in their original language")
	}
	overlay := translate.NewOverlay(provider, cache, store)

	handlers := api.NewHandlers(api.Deps{
		Auth:    auth.NewService(database, cfg.JWTSecret, cfg.TokenTTL, nil),
		DB:      database,
		Store:   store,
		Hub:     hub,
		Push:    pushSvc,
		Overlay: overlay,
		FanOut:  fanout,
		KV:      state,
		Sync:    cfg.Sync,
		Origin:  cfg.AllowedOrigin,
	})

	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           api.NewRouter(handlers),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ServerAddress).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("server shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}
