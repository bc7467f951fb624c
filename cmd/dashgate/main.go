package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

const (
	configCodeMissingBaseURL        = "config.missing_base_url"
	configCodeInvalidBaseURL        = "config.invalid_base_url"
	configCodeInvalidLogLevel       = "config.invalid_log_level"
	configCodeUninitializedClient   = "config.uninitialized_client_config"
	configCodeMissingJWTSigningKey  = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL      = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL     = "config.invalid_refresh_ttl"
	configCodeMissingUsers          = "config.missing_users"
	configCodeMissingCORSOrigins    = "config.missing_cors_allowed_origins"
	configCodeUninitializedServer   = "config.uninitialized_server_config"
	configCodeRefreshStoreInit      = "config.refresh_store_init"
	configCodeSessionValidatorInit  = "config.session_validator_init"
	configCodeMetricsInit           = "config.metrics_init"
	configCodeTokenStoreInit        = "config.token_store_init"
	configCodeInvalidFilter         = "config.invalid_filter"
	configCodeInvalidTimeRange      = "config.invalid_time_range"
	configCodeMissingPresetName     = "config.missing_preset_name"
	configCodeUnexpectedHTTPFailure = "request.unexpected_status"
)

type contextKey string

const (
	clientConfigContextKey contextKey = "clientConfig"
	serverConfigContextKey contextKey = "serverConfig"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "dashgate",
		Short:        "Authenticated dashboard API client with a shared single-flight token refresh",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("base_url", "", "Dashboard API base URL, e.g. https://dash.example.com")
	rootCmd.PersistentFlags().String("token_store", defaultTokenStoreURL(), "Token store URL (memory, file://, sqlite://, postgres://, redis://)")
	rootCmd.PersistentFlags().String("profile", "default", "Token store profile name")
	rootCmd.PersistentFlags().String("log_level", "warn", "Log level (debug, info, warn, error)")

	_ = viper.BindPFlag("base_url", rootCmd.PersistentFlags().Lookup("base_url"))
	_ = viper.BindPFlag("token_store", rootCmd.PersistentFlags().Lookup("token_store"))
	_ = viper.BindPFlag("profile", rootCmd.PersistentFlags().Lookup("profile"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log_level"))

	viper.SetEnvPrefix("DASHGATE")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newLoginCommand(),
		newLogoutCommand(),
		newWhoAmICommand(),
		newRequestCommand(),
		newSearchCommand(),
		newPresetsCommand(),
		newDevServerCommand(),
	)
	return rootCmd
}

func defaultTokenStoreURL() string {
	homeDirectory, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(homeDirectory) == "" {
		return "memory"
	}
	return "file://" + filepath.ToSlash(filepath.Join(homeDirectory, ".dashgate", "tokens.json"))
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// buildLogger returns a production zap logger writing to stderr at the requested level.
func buildLogger(level string) (*zap.Logger, error) {
	trimmed := strings.TrimSpace(level)
	if trimmed == "" {
		trimmed = "warn"
	}
	parsedLevel, err := zapcore.ParseLevel(trimmed)
	if err != nil {
		return nil, configError(configCodeInvalidLogLevel, fmt.Sprintf("unknown log_level %q", level))
	}
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(parsedLevel)
	loggerConfig.OutputPaths = []string{"stderr"}
	return loggerConfig.Build()
}

func commandContext(command *cobra.Command) context.Context {
	if command.Context() != nil {
		return command.Context()
	}
	return context.Background()
}
