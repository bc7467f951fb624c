package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/dashgate/internal/metrics"
	"github.com/tyemirov/dashgate/pkg/dashapi"
	"github.com/tyemirov/dashgate/pkg/gateway"
	"github.com/tyemirov/dashgate/pkg/tokenstore"
	"go.uber.org/zap"
)

const (
	refreshPath       = "/auth/refresh"
	httpClientTimeout = 30 * time.Second
)

// ClientConfig holds the settings shared by every client command.
type ClientConfig struct {
	BaseURL       string
	TokenStoreURL string
	Profile       string
	LogLevel      string
}

// LoadClientConfig reads and validates the client settings from viper.
func LoadClientConfig() (ClientConfig, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(viper.GetString("base_url")), "/")
	if baseURL == "" {
		return ClientConfig{}, configError(configCodeMissingBaseURL, "base_url must be provided")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return ClientConfig{}, configError(configCodeInvalidBaseURL, "base_url must be an absolute http(s) URL")
	}

	profile := strings.TrimSpace(viper.GetString("profile"))
	if profile == "" {
		profile = tokenstore.DefaultProfile
	}

	return ClientConfig{
		BaseURL:       baseURL,
		TokenStoreURL: strings.TrimSpace(viper.GetString("token_store")),
		Profile:       profile,
		LogLevel:      viper.GetString("log_level"),
	}, nil
}

func prepareClientConfig(command *cobra.Command, arguments []string) error {
	clientConfig, loadErr := LoadClientConfig()
	if loadErr != nil {
		return loadErr
	}
	command.SetContext(context.WithValue(commandContext(command), clientConfigContextKey, clientConfig))
	return nil
}

// clientRuntime bundles the objects a client command works with.
type clientRuntime struct {
	client   *dashapi.Client
	tokens   *tokenstore.Store
	logger   *zap.Logger
	counters *metrics.CounterMetrics
	backend  tokenstore.Backend
}

func (runtime *clientRuntime) Close() {
	runtime.logger.Debug("gateway events",
		zap.String("code", "cli.gateway.events"),
		zap.Any("counts", runtime.counters.Snapshot()))
	closeBackend(runtime.backend, runtime.logger)
	_ = runtime.logger.Sync()
}

func closeBackend(backend tokenstore.Backend, logger *zap.Logger) {
	closer, ok := backend.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("token store close failed", zap.Error(err))
	}
}

// openClientRuntime restores the token store and wires gateway and API client around it.
func openClientRuntime(command *cobra.Command) (*clientRuntime, error) {
	clientConfig, ok := commandContext(command).Value(clientConfigContextKey).(ClientConfig)
	if !ok {
		return nil, configError(configCodeUninitializedClient, "client configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := buildLogger(clientConfig.LogLevel)
	if loggerErr != nil {
		return nil, loggerErr
	}

	ctx := commandContext(command)
	backend, backendErr := tokenstore.OpenBackend(ctx, clientConfig.TokenStoreURL, clientConfig.Profile)
	if backendErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeTokenStoreInit, backendErr)
	}
	runtime, wireErr := wireClientRuntime(ctx, clientConfig, logger, backend)
	if wireErr != nil {
		closeBackend(backend, logger)
		return nil, wireErr
	}
	return runtime, nil
}

// wireClientRuntime builds the store, gateway and API client over an opened backend.
// The caller owns backend and closes it when wiring fails.
func wireClientRuntime(ctx context.Context, clientConfig ClientConfig, logger *zap.Logger, backend tokenstore.Backend) (*clientRuntime, error) {
	tokens, storeErr := tokenstore.Open(ctx, backend, tokenstore.WithLogger(logger))
	if storeErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeTokenStoreInit, storeErr)
	}

	httpClient := &http.Client{Timeout: httpClientTimeout}
	refresher, refresherErr := gateway.NewHTTPRefresher(clientConfig.BaseURL+refreshPath, httpClient)
	if refresherErr != nil {
		return nil, refresherErr
	}
	counters := metrics.NewCounterMetrics()
	authGateway, gatewayErr := gateway.New(gateway.Config{
		Client:    httpClient,
		Tokens:    tokens,
		Refresher: refresher,
		Logger:    logger,
		Metrics:   counters,
	})
	if gatewayErr != nil {
		return nil, gatewayErr
	}

	client, clientErr := dashapi.New(dashapi.Config{
		BaseURL:    clientConfig.BaseURL,
		Gateway:    authGateway,
		HTTPClient: httpClient,
		Tokens:     tokens,
		Logger:     logger,
	})
	if clientErr != nil {
		return nil, clientErr
	}

	return &clientRuntime{
		client:   client,
		tokens:   tokens,
		logger:   logger,
		counters: counters,
		backend:  backend,
	}, nil
}

// withClient runs action against a freshly opened runtime and closes it afterwards.
func withClient(action func(command *cobra.Command, arguments []string, runtime *clientRuntime) error) func(*cobra.Command, []string) error {
	return func(command *cobra.Command, arguments []string) error {
		runtime, err := openClientRuntime(command)
		if err != nil {
			return err
		}
		defer runtime.Close()
		return action(command, arguments, runtime)
	}
}

func writeJSON(writer io.Writer, value interface{}) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
