package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/adskit"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/adskitpg"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/web"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "ads-auth",
		Short:   "Amazon Ads OAuth credential service with proactive token refresh and account sync",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("database_url", "", "Database URL for token and account records (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().Bool("pgx_token_store", false, "Use the pgx-pool token store for postgres database URLs")
	rootCmd.Flags().String("amazon_client_id", "", "Login with Amazon OAuth client id")
	rootCmd.Flags().String("amazon_client_secret", "", "Login with Amazon OAuth client secret")
	rootCmd.Flags().String("authorization_url", "https://www.amazon.com/ap/oa", "Provider authorization endpoint")
	rootCmd.Flags().String("token_url", "https://api.amazon.com/auth/o2/token", "Provider token endpoint")
	rootCmd.Flags().String("ads_api_url", "https://advertising-api.amazon.com", "Amazon Advertising API base URL")
	rootCmd.Flags().String("redirect_uri", "", "OAuth callback address registered with the provider")
	rootCmd.Flags().StringSlice("requested_scopes", []string{"advertising::campaign_management"}, "OAuth scopes requested at authorization")
	rootCmd.Flags().String("token_encryption_key", "", "Hex-encoded 32-byte key for token encryption at rest")
	rootCmd.Flags().String("session_signing_key", "", "HS256 signing secret of the external identity layer")
	rootCmd.Flags().String("session_issuer", "ads-auth", "Expected issuer of session tokens")
	rootCmd.Flags().String("session_cookie_name", "app_session", "Session cookie name")
	rootCmd.Flags().Duration("scheduler_tick", time.Minute, "Interval between refresh scheduler ticks")
	rootCmd.Flags().Duration("refresh_buffer", 10*time.Minute, "Remaining lifetime at which tokens are proactively refreshed")
	rootCmd.Flags().Int("max_refresh_attempts", 3, "Refresh attempts per tick before giving up until the next tick")
	rootCmd.Flags().Duration("backoff_base", 2*time.Second, "Base delay for refresh retry backoff")
	rootCmd.Flags().Duration("state_ttl", 5*time.Minute, "CSRF state lifetime for authorization attempts")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	for _, flagName := range []string{
		"listen_addr", "database_url", "pgx_token_store",
		"amazon_client_id", "amazon_client_secret",
		"authorization_url", "token_url", "ads_api_url", "redirect_uri", "requested_scopes",
		"token_encryption_key", "session_signing_key", "session_issuer", "session_cookie_name",
		"scheduler_tick", "refresh_buffer", "max_refresh_attempts", "backoff_base", "state_ttl",
		"enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingAmazonClientID     = "config.missing_amazon_client_id"
	configCodeMissingAmazonClientSecret = "config.missing_amazon_client_secret"
	configCodeMissingRedirectURI        = "config.missing_redirect_uri"
	configCodeInvalidEncryptionKey      = "config.invalid_token_encryption_key"
	configCodeMissingSessionSigningKey  = "config.missing_session_signing_key"
	configCodeInvalidSchedulerTick      = "config.invalid_scheduler_tick"
	configCodeInvalidRefreshBuffer      = "config.invalid_refresh_buffer"
	configCodeInvalidMaxAttempts        = "config.invalid_max_refresh_attempts"
	configCodeInvalidBackoffBase        = "config.invalid_backoff_base"
	configCodeUninitializedServerConf   = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the viper-backed configuration.
func LoadServerConfig() (adskit.ServerConfig, error) {
	amazonClientID := viper.GetString("amazon_client_id")
	if amazonClientID == "" {
		return adskit.ServerConfig{}, configError(configCodeMissingAmazonClientID, "amazon_client_id must be provided")
	}

	amazonClientSecret := viper.GetString("amazon_client_secret")
	if amazonClientSecret == "" {
		return adskit.ServerConfig{}, configError(configCodeMissingAmazonClientSecret, "amazon_client_secret must be provided")
	}

	redirectURI := viper.GetString("redirect_uri")
	if redirectURI == "" {
		return adskit.ServerConfig{}, configError(configCodeMissingRedirectURI, "redirect_uri must be provided")
	}

	encryptionKey, keyErr := hex.DecodeString(viper.GetString("token_encryption_key"))
	if keyErr != nil || len(encryptionKey) != 32 {
		return adskit.ServerConfig{}, configError(configCodeInvalidEncryptionKey, "token_encryption_key must be 64 hex characters (32 bytes)")
	}

	sessionSigningKey := viper.GetString("session_signing_key")
	if sessionSigningKey == "" {
		return adskit.ServerConfig{}, configError(configCodeMissingSessionSigningKey, "session_signing_key must be provided")
	}

	schedulerTick := viper.GetDuration("scheduler_tick")
	if schedulerTick <= 0 {
		return adskit.ServerConfig{}, configError(configCodeInvalidSchedulerTick, "scheduler_tick must be greater than zero")
	}

	refreshBuffer := viper.GetDuration("refresh_buffer")
	if refreshBuffer <= 0 {
		return adskit.ServerConfig{}, configError(configCodeInvalidRefreshBuffer, "refresh_buffer must be greater than zero")
	}

	maxRefreshAttempts := viper.GetInt("max_refresh_attempts")
	if maxRefreshAttempts < 1 {
		return adskit.ServerConfig{}, configError(configCodeInvalidMaxAttempts, "max_refresh_attempts must be at least one")
	}

	backoffBase := viper.GetDuration("backoff_base")
	if backoffBase <= 0 {
		return adskit.ServerConfig{}, configError(configCodeInvalidBackoffBase, "backoff_base must be greater than zero")
	}

	stateTTL := 5 * time.Minute
	if configuredStateTTL := viper.GetDuration("state_ttl"); configuredStateTTL > 0 {
		stateTTL = configuredStateTTL
	}

	return adskit.ServerConfig{
		AmazonClientID:     amazonClientID,
		AmazonClientSecret: amazonClientSecret,
		AuthorizationURL:   viper.GetString("authorization_url"),
		TokenURL:           viper.GetString("token_url"),
		RedirectURI:        redirectURI,
		RequestedScopes:    viper.GetStringSlice("requested_scopes"),
		AdsAPIBaseURL:      viper.GetString("ads_api_url"),
		TokenEncryptionKey: encryptionKey,
		SessionSigningKey:  []byte(sessionSigningKey),
		SessionIssuer:      viper.GetString("session_issuer"),
		SessionCookieName:  viper.GetString("session_cookie_name"),
		SchedulerTick:      schedulerTick,
		RefreshBuffer:      refreshBuffer,
		MaxRefreshAttempts: maxRefreshAttempts,
		BackoffBase:        backoffBase,
		StateTTL:           stateTTL,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(adskit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	usePgxTokenStore := viper.GetBool("pgx_token_store")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	var tokenStore adskit.TokenStore
	var accountStore adskit.AccountStore
	if databaseURL != "" {
		gormDB, driverLabel, openErr := adskit.OpenDatabase(databaseURL)
		if openErr != nil {
			return openErr
		}
		persistentAccounts, accountStoreErr := adskit.NewDatabaseAccountStore(shutdownCtx, gormDB, driverLabel)
		if accountStoreErr != nil {
			return accountStoreErr
		}
		accountStore = persistentAccounts

		if usePgxTokenStore && driverLabel == "postgres" {
			pool, poolErr := adskitpg.BuildPool(shutdownCtx, databaseURL)
			if poolErr != nil {
				return poolErr
			}
			if schemaErr := adskitpg.EnsureSchema(shutdownCtx, pool); schemaErr != nil {
				return schemaErr
			}
			tokenStore = adskitpg.NewPostgresTokenStore(pool)
			logger.Info("using pgx-pool token store")
		} else {
			persistentTokens, tokenStoreErr := adskit.NewDatabaseTokenStore(shutdownCtx, gormDB, driverLabel)
			if tokenStoreErr != nil {
				return tokenStoreErr
			}
			tokenStore = persistentTokens
			logger.Info("using persistent token store", zap.String("driver", driverLabel))
		}
	} else {
		tokenStore = adskit.NewMemoryTokenStore()
		accountStore = adskit.NewMemoryAccountStore()
		logger.Info("using in-memory stores")
	}

	tokenCipher, cipherErr := adskit.NewTokenCipher(serverConfig.TokenEncryptionKey)
	if cipherErr != nil {
		return cipherErr
	}

	clock := adskit.NewSystemClock()
	metrics := adskit.NewCounterMetrics()
	stateStore := adskit.NewMemoryStateStore(serverConfig.StateTTL)
	oauthClient := adskit.NewAmazonOAuthClient(serverConfig)
	adsClient := adskit.NewAmazonAdsClient(serverConfig)

	scheduler := adskit.NewRefreshScheduler(serverConfig, tokenStore, oauthClient, tokenCipher, clock, logger, metrics)
	go scheduler.Run(shutdownCtx)

	syncEngine := adskit.NewSyncEngine(accountStore, adsClient, scheduler, clock, logger, metrics)

	adskit.MountRoutes(router, serverConfig, adskit.RouteDeps{
		OAuth:     oauthClient,
		Tokens:    tokenStore,
		Accounts:  accountStore,
		States:    stateStore,
		Cipher:    tokenCipher,
		Scheduler: scheduler,
		Sync:      syncEngine,
		Clock:     clock,
		Logger:    logger,
	})

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		shutdownCancel()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
