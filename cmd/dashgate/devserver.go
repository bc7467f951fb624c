package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/dashgate/internal/authkit"
	"github.com/tyemirov/dashgate/internal/metrics"
	"github.com/tyemirov/dashgate/internal/web"
	"github.com/tyemirov/dashgate/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const devServerIssuer = "dashgate"

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

// DevServerConfig configures the development auth backend.
type DevServerConfig struct {
	ListenAddr         string
	Auth               authkit.ServerConfig
	DatabaseURL        string
	Users              []string
	EnableCORS         bool
	CORSAllowedOrigins []string
	LogLevel           string
}

func newDevServerCommand() *cobra.Command {
	devServerCmd := &cobra.Command{
		Use:     "devserver",
		Short:   "Run the development auth backend (login, rotating refresh, /api/me, /metrics)",
		Args:    cobra.NoArgs,
		PreRunE: prepareServerConfig,
		RunE:    runDevServer,
	}

	devServerCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	devServerCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	devServerCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	devServerCmd.Flags().Duration("refresh_ttl", 30*24*time.Hour, "Refresh token TTL")
	devServerCmd.Flags().String("database_url", "", "Database URL for refresh tokens (postgres:// or sqlite://; leave empty for in-memory store)")
	devServerCmd.Flags().StringSlice("users", []string{}, "Accounts as username:password[:role1|role2]")
	devServerCmd.Flags().Bool("enable_cors", false, "Enable CORS for browser dashboards")
	devServerCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	_ = viper.BindPFlag("listen_addr", devServerCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("jwt_signing_key", devServerCmd.Flags().Lookup("jwt_signing_key"))
	_ = viper.BindPFlag("access_ttl", devServerCmd.Flags().Lookup("access_ttl"))
	_ = viper.BindPFlag("refresh_ttl", devServerCmd.Flags().Lookup("refresh_ttl"))
	_ = viper.BindPFlag("database_url", devServerCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("users", devServerCmd.Flags().Lookup("users"))
	_ = viper.BindPFlag("enable_cors", devServerCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", devServerCmd.Flags().Lookup("cors_allowed_origins"))

	return devServerCmd
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	command.SetContext(context.WithValue(commandContext(command), serverConfigContextKey, serverConfig))
	return nil
}

// LoadServerConfig reads and validates the devserver settings from viper.
func LoadServerConfig() (DevServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return DevServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return DevServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return DevServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	users := viper.GetStringSlice("users")
	if len(users) == 0 {
		return DevServerConfig{}, configError(configCodeMissingUsers, "at least one user must be provided")
	}

	enableCORS := viper.GetBool("enable_cors")
	allowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(allowedOrigins) == 0 {
		return DevServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	listenAddr := viper.GetString("listen_addr")
	if strings.TrimSpace(listenAddr) == "" {
		listenAddr = ":8080"
	}

	return DevServerConfig{
		ListenAddr: listenAddr,
		Auth: authkit.ServerConfig{
			AppJWTSigningKey: []byte(jwtSigningKey),
			AppJWTIssuer:     devServerIssuer,
			AccessTTL:        accessTTL,
			RefreshTTL:       refreshTTL,
		},
		DatabaseURL:        strings.TrimSpace(viper.GetString("database_url")),
		Users:              users,
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: allowedOrigins,
		LogLevel:           viper.GetString("log_level"),
	}, nil
}

// buildRefreshStore selects the database-backed store when a URL is configured.
func buildRefreshStore(ctx context.Context, databaseURL string, logger *zap.Logger) (authkit.RefreshTokenStore, error) {
	if databaseURL == "" {
		logger.Info("refresh tokens kept in memory")
		return authkit.NewMemoryRefreshTokenStore(), nil
	}
	store, err := authkit.NewDatabaseRefreshTokenStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("refresh tokens persisted", zap.String("driver", store.Driver()))
	return store, nil
}

// newDevServerRouter assembles the gin engine for the development backend.
func newDevServerRouter(ctx context.Context, serverConfig DevServerConfig, logger *zap.Logger, registry *prometheus.Registry) (*gin.Engine, error) {
	users, usersErr := web.ParseCredentialUsers(serverConfig.Users)
	if usersErr != nil {
		return nil, usersErr
	}

	refreshStore, storeErr := buildRefreshStore(ctx, serverConfig.DatabaseURL, logger)
	if storeErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeRefreshStoreInit, storeErr)
	}

	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: serverConfig.Auth.AppJWTSigningKey,
		Issuer:     serverConfig.Auth.AppJWTIssuer,
	})
	if validatorErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeSessionValidatorInit, validatorErr)
	}

	authMetrics, metricsErr := metrics.NewPrometheusMetrics(registry, "dashgate_auth")
	if metricsErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeMetricsInit, metricsErr)
	}
	authkit.ProvideMetrics(authMetrics)
	authkit.ProvideLogger(logger)
	authkit.ProvideClock(authkit.NewSystemClock())

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	authkit.MountAuthRoutes(router, serverConfig.Auth, users, refreshStore)

	protected := router.Group("/api")
	protected.Use(validator.GinMiddleware(sessionvalidator.DefaultContextKey))
	protected.GET("/me", web.HandleWhoAmI(logger, users))

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	return router, nil
}

func runDevServer(command *cobra.Command, arguments []string) error {
	serverConfig, ok := commandContext(command).Value(serverConfigContextKey).(DevServerConfig)
	if !ok {
		return configError(configCodeUninitializedServer, "server configuration not prepared; PreRunE must execute before RunE")
	}

	gin.SetMode(gin.ReleaseMode)
	logger, loggerErr := buildLogger(serverConfig.LogLevel)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	router, routerErr := newDevServerRouter(commandContext(command), serverConfig, logger, registry)
	if routerErr != nil {
		return routerErr
	}
	defer authkit.ProvideMetrics(nil)
	defer authkit.ProvideLogger(nil)
	defer authkit.ProvideClock(nil)

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr))
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
			zap.String("request_id", contextGin.GetHeader("X-Request-Id")),
			zap.Duration("elapsed", duration),
		)
	}
}
