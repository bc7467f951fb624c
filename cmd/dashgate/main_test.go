package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/dashgate/internal/authkit"
	"github.com/tyemirov/dashgate/pkg/tokenstore"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(zapLoggerMiddleware(zaptest.NewLogger(t)))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	request.Header.Set("X-Request-Id", "req-1")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunDevServerMissingConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	err := runDevServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigValidation(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]interface{}
		expected string
	}{
		{
			name:     "missing signing key",
			settings: map[string]interface{}{"access_ttl": time.Minute, "refresh_ttl": time.Hour, "users": []string{"alice:pw"}},
			expected: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:     "zero access ttl",
			settings: map[string]interface{}{"jwt_signing_key": "secret", "access_ttl": 0, "refresh_ttl": time.Hour, "users": []string{"alice:pw"}},
			expected: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name:     "negative refresh ttl",
			settings: map[string]interface{}{"jwt_signing_key": "secret", "access_ttl": time.Minute, "refresh_ttl": -time.Hour, "users": []string{"alice:pw"}},
			expected: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
		{
			name:     "no users",
			settings: map[string]interface{}{"jwt_signing_key": "secret", "access_ttl": time.Minute, "refresh_ttl": time.Hour},
			expected: "config.missing_users: at least one user must be provided",
		},
		{
			name:     "cors without origins",
			settings: map[string]interface{}{"jwt_signing_key": "secret", "access_ttl": time.Minute, "refresh_ttl": time.Hour, "users": []string{"alice:pw"}, "enable_cors": true},
			expected: "config.missing_cors_allowed_origins: cors_allowed_origins must be provided when enable_cors is true",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			for key, value := range testCase.settings {
				viper.Set(key, value)
			}
			_, err := LoadServerConfig()
			if err == nil || err.Error() != testCase.expected {
				t.Fatalf("expected error %q, got %v", testCase.expected, err)
			}
		})
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("jwt_signing_key", "secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("users", []string{"alice:pw"})

	serverConfig, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if serverConfig.ListenAddr != ":8080" {
		t.Fatalf("expected default listen address, got %q", serverConfig.ListenAddr)
	}
	if serverConfig.Auth.AppJWTIssuer != devServerIssuer || serverConfig.Auth.AccessTTL != time.Minute {
		t.Fatalf("unexpected auth config %#v", serverConfig.Auth)
	}
}

func TestLoadClientConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	if _, err := LoadClientConfig(); err == nil || !strings.HasPrefix(err.Error(), configCodeMissingBaseURL) {
		t.Fatalf("expected missing base url error, got %v", err)
	}

	viper.Set("base_url", "dash.example.com")
	if _, err := LoadClientConfig(); err == nil || !strings.HasPrefix(err.Error(), configCodeInvalidBaseURL) {
		t.Fatalf("expected invalid base url error, got %v", err)
	}

	viper.Set("base_url", "https://dash.example.com/")
	clientConfig, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clientConfig.BaseURL != "https://dash.example.com" || clientConfig.Profile != "default" {
		t.Fatalf("unexpected client config %#v", clientConfig)
	}
}

type unreadableBackend struct {
	closed int
}

func (backend *unreadableBackend) Load(ctx context.Context) (tokenstore.TokenPair, error) {
	return tokenstore.TokenPair{}, errors.New("backend unreadable")
}

func (backend *unreadableBackend) Save(ctx context.Context, pair tokenstore.TokenPair) error {
	return nil
}

func (backend *unreadableBackend) Clear(ctx context.Context) error {
	return nil
}

func (backend *unreadableBackend) Close() error {
	backend.closed++
	return nil
}

func TestOpenClientRuntimeClosesBackendWhenWiringFails(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	backend := &unreadableBackend{}
	logger := zaptest.NewLogger(t)
	clientConfig := ClientConfig{BaseURL: "https://dash.example.com", Profile: "default"}
	if _, err := wireClientRuntime(context.Background(), clientConfig, logger, backend); err == nil || !strings.HasPrefix(err.Error(), configCodeTokenStoreInit) {
		t.Fatalf("expected token store init error, got %v", err)
	}
	if backend.closed != 0 {
		t.Fatalf("wiring must leave closing to its caller")
	}

	closeBackend(backend, logger)
	if backend.closed != 1 {
		t.Fatalf("expected backend closed once, got %d", backend.closed)
	}

	command := &cobra.Command{Use: "whoami"}
	databasePath := filepath.Join(t.TempDir(), "tokens.db")
	command.SetContext(context.WithValue(context.Background(), clientConfigContextKey, ClientConfig{
		BaseURL:       "https://dash.example.com",
		TokenStoreURL: "sqlite://" + databasePath,
		Profile:       "default",
		LogLevel:      "error",
	}))
	runtime, err := openClientRuntime(command)
	if err != nil {
		t.Fatalf("open client runtime: %v", err)
	}
	if _, ok := runtime.backend.(io.Closer); !ok {
		t.Fatalf("expected database backend to be closable")
	}
	runtime.Close()
}

func TestBuildLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := buildLogger("loud"); err == nil || !strings.HasPrefix(err.Error(), configCodeInvalidLogLevel) {
		t.Fatalf("expected invalid log level error, got %v", err)
	}
	logger, err := buildLogger("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Core().Enabled(zap.WarnLevel) || logger.Core().Enabled(zap.InfoLevel) {
		t.Fatalf("expected warn to be the default level")
	}
}

func TestSearchRequestFromFlags(t *testing.T) {
	command := &cobra.Command{Use: "search"}
	addSearchFlags(command)
	command.Flags().Int("offset", 0, "")
	if err := command.ParseFlags([]string{
		"--query", " latency ",
		"--protocol", "MQTT",
		"--limit", "25",
		"--offset", "50",
		"--filter", "device=a,b",
		"--filter", "status:neq=offline",
		"--from", "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	request, err := searchRequestFromFlags(command)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Limit != 25 || request.Offset != 50 || len(request.Filters) != 2 {
		t.Fatalf("unexpected request %#v", request)
	}
	if request.Filters[1].Operator != "neq" || request.TimeRange == nil || request.TimeRange.From == nil || request.TimeRange.From.Year() != 2026 || request.TimeRange.To != nil {
		t.Fatalf("unexpected filters or time range %#v", request)
	}

	invalid := &cobra.Command{Use: "search"}
	addSearchFlags(invalid)
	if err := invalid.ParseFlags([]string{"--filter", "nonsense"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := searchRequestFromFlags(invalid); err == nil || !strings.HasPrefix(err.Error(), configCodeInvalidFilter) {
		t.Fatalf("expected invalid filter error, got %v", err)
	}

	backwards := &cobra.Command{Use: "search"}
	addSearchFlags(backwards)
	if err := backwards.ParseFlags([]string{"--from", "2026-02-01T00:00:00Z", "--to", "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := searchRequestFromFlags(backwards); err == nil || !strings.HasPrefix(err.Error(), configCodeInvalidTimeRange) {
		t.Fatalf("expected invalid time range error, got %v", err)
	}
}

func startDevServer(t *testing.T) (*httptest.Server, *prometheus.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Cleanup(func() {
		authkit.ProvideMetrics(nil)
		authkit.ProvideLogger(nil)
		authkit.ProvideClock(nil)
	})

	registry := prometheus.NewRegistry()
	router, err := newDevServerRouter(context.Background(), DevServerConfig{
		ListenAddr: ":0",
		Auth: authkit.ServerConfig{
			AppJWTSigningKey: []byte("devserver-test-key"),
			AppJWTIssuer:     devServerIssuer,
			AccessTTL:        time.Minute,
			RefreshTTL:       time.Hour,
		},
		Users: []string{"alice:wonderland"},
	}, zaptest.NewLogger(t), registry)
	if err != nil {
		t.Fatalf("build dev server router: %v", err)
	}
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, registry
}

func executeCommand(t *testing.T, arguments ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	rootCmd := newRootCommand()
	var output bytes.Buffer
	rootCmd.SetOut(&output)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(arguments)
	err := rootCmd.Execute()
	return output.String(), err
}

func TestClientCommandsAgainstDevServer(t *testing.T) {
	server, _ := startDevServer(t)
	tokenStoreURL := "file://" + filepath.ToSlash(filepath.Join(t.TempDir(), "tokens.json"))
	common := []string{"--base_url", server.URL, "--token_store", tokenStoreURL, "--log_level", "error"}

	if _, err := executeCommand(t, append([]string{"whoami"}, common...)...); err == nil {
		t.Fatalf("expected whoami to fail before login")
	}

	if _, err := executeCommand(t, append([]string{"login", "--username", "alice", "--password", "nope"}, common...)...); err == nil {
		t.Fatalf("expected login with a wrong password to fail")
	}

	output, err := executeCommand(t, append([]string{"login", "--username", "alice", "--password", "wonderland"}, common...)...)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if !strings.Contains(output, "logged in") {
		t.Fatalf("unexpected login output %q", output)
	}

	output, err = executeCommand(t, append([]string{"whoami"}, common...)...)
	if err != nil {
		t.Fatalf("whoami failed: %v", err)
	}
	var profile map[string]interface{}
	if decodeErr := json.Unmarshal([]byte(output), &profile); decodeErr != nil {
		t.Fatalf("decode whoami output %q: %v", output, decodeErr)
	}
	if profile["user_id"] != "user:alice" {
		t.Fatalf("unexpected profile %v", profile)
	}

	output, err = executeCommand(t, append([]string{"request", "GET", "/api/me"}, common...)...)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if !strings.Contains(output, "user:alice") {
		t.Fatalf("unexpected request output %q", output)
	}

	if _, err := executeCommand(t, append([]string{"request", "GET", "/api/unknown"}, common...)...); err == nil || !strings.Contains(err.Error(), configCodeUnexpectedHTTPFailure) {
		t.Fatalf("expected unexpected status error, got %v", err)
	}

	if _, err := executeCommand(t, append([]string{"logout"}, common...)...); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if _, err := executeCommand(t, append([]string{"whoami"}, common...)...); err == nil {
		t.Fatalf("expected whoami to fail after logout")
	}
}

func TestClientCommandRequiresBaseURL(t *testing.T) {
	_, err := executeCommand(t, "whoami", "--token_store", "memory")
	if err == nil || !strings.HasPrefix(err.Error(), configCodeMissingBaseURL) {
		t.Fatalf("expected missing base url error, got %v", err)
	}
}

func TestDevServerExposesMetrics(t *testing.T) {
	server, _ := startDevServer(t)

	loginBody := strings.NewReader(`{"username":"alice","password":"wonderland"}`)
	loginResponse, err := http.Post(server.URL+"/auth/login", "application/json", loginBody)
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	_ = loginResponse.Body.Close()
	if loginResponse.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d", loginResponse.StatusCode)
	}

	metricsResponse, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	defer func() { _ = metricsResponse.Body.Close() }()
	exposition, err := io.ReadAll(metricsResponse.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(exposition), `dashgate_auth_events_total{event="auth.login.success"} 1`) {
		t.Fatalf("expected login counter in exposition, got:\n%s", exposition)
	}
}

func TestRunDevServerServesUntilClosed(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	originalServe := serveHTTP
	defer func() { serveHTTP = originalServe }()
	served := false
	serveHTTP = func(server *http.Server) error {
		served = true
		if server.Handler == nil {
			return errors.New("missing handler")
		}
		return http.ErrServerClosed
	}

	viper.Set("jwt_signing_key", "secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("users", []string{"alice:pw"})
	viper.Set("log_level", "error")

	command := &cobra.Command{}
	command.SetContext(context.Background())
	if err := prepareServerConfig(command, nil); err != nil {
		t.Fatalf("prepare config: %v", err)
	}
	if err := runDevServer(command, nil); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	if !served {
		t.Fatalf("expected serveHTTP to be invoked")
	}
}
