// Package dashapi shapes dashboard backend calls on top of the authenticating gateway.
package dashapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tyemirov/dashgate/pkg/tokenstore"
	"go.uber.org/zap"
)

const (
	loginPath   = "/auth/login"
	logoutPath  = "/auth/logout"
	mePath      = "/api/me"
	searchPath  = "/api/search"
	presetsPath = "/api/presets"

	contentTypeJSON = "application/json"
	errorBodyLimit  = 16 << 10
)

var (
	errMissingBaseURL   = errors.New("dashapi.missing_base_url")
	errInvalidBaseURL   = errors.New("dashapi.invalid_base_url")
	errMissingGateway   = errors.New("dashapi.missing_gateway")
	errMissingTokens    = errors.New("dashapi.missing_token_store")
	errMissingUsername  = errors.New("dashapi.login.missing_username")
	errEmptyLoginTokens = errors.New("dashapi.login.empty_tokens")
)

// Doer sends one HTTP request. Both *http.Client and *gateway.Gateway satisfy it.
type Doer interface {
	Do(request *http.Request) (*http.Response, error)
}

// TokenStore is the subset of the token store the client needs for login and logout.
type TokenStore interface {
	GetTokens() tokenstore.TokenPair
	SetTokens(ctx context.Context, update tokenstore.TokenUpdate) error
	ClearTokens(ctx context.Context) error
}

// Config wires a Client.
type Config struct {
	BaseURL string
	// Gateway authenticates every /api call.
	Gateway Doer
	// HTTPClient carries the unauthenticated /auth calls. Defaults to a plain *http.Client.
	HTTPClient Doer
	Tokens     TokenStore
	Logger     *zap.Logger
}

// Client is the typed dashboard API.
type Client struct {
	baseURL    *url.URL
	gateway    Doer
	httpClient Doer
	tokens     TokenStore
	logger     *zap.Logger
}

// Session describes a freshly established login.
type Session struct {
	ExpiresAt time.Time
}

// Profile is the authenticated user as reported by /api/me.
type Profile struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"user_email"`
	Display   string    `json:"display"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expires"`
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type logoutPayload struct {
	RefreshToken string `json:"refresh_token"`
}

// New validates the configuration and returns a Client.
func New(config Config) (*Client, error) {
	trimmedBase := strings.TrimSpace(config.BaseURL)
	if trimmedBase == "" {
		return nil, errMissingBaseURL
	}
	parsedBase, err := url.Parse(strings.TrimRight(trimmedBase, "/"))
	if err != nil || parsedBase.Scheme == "" || parsedBase.Host == "" {
		return nil, fmt.Errorf("%w: %q", errInvalidBaseURL, trimmedBase)
	}
	if config.Gateway == nil {
		return nil, errMissingGateway
	}
	if config.Tokens == nil {
		return nil, errMissingTokens
	}
	client := &Client{
		baseURL:    parsedBase,
		gateway:    config.Gateway,
		httpClient: config.HTTPClient,
		tokens:     config.Tokens,
		logger:     config.Logger,
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{}
	}
	if client.logger == nil {
		client.logger = zap.NewNop()
	}
	return client, nil
}

// Login exchanges credentials for a token pair and stores it.
func (client *Client) Login(ctx context.Context, username string, password string) (Session, error) {
	if strings.TrimSpace(username) == "" {
		return Session{}, errMissingUsername
	}
	var response tokenResponse
	if err := client.call(ctx, client.httpClient, http.MethodPost, loginPath, loginPayload{Username: username, Password: password}, &response); err != nil {
		return Session{}, err
	}
	if response.AccessToken == "" || response.RefreshToken == "" {
		return Session{}, errEmptyLoginTokens
	}
	pair := tokenstore.TokenPair{AccessToken: response.AccessToken, RefreshToken: response.RefreshToken}
	if err := client.tokens.SetTokens(ctx, tokenstore.UpdateFromPair(pair)); err != nil {
		return Session{}, fmt.Errorf("dashapi.login.store_tokens: %w", err)
	}
	client.logger.Info("logged in",
		zap.String("code", "dashapi.login.success"),
		zap.String("username", username))
	return Session{ExpiresAt: response.ExpiresAt}, nil
}

// Logout revokes the refresh token on the backend when possible and always clears local tokens.
func (client *Client) Logout(ctx context.Context) error {
	refreshToken := client.tokens.GetTokens().RefreshToken
	if refreshToken != "" {
		if err := client.call(ctx, client.httpClient, http.MethodPost, logoutPath, logoutPayload{RefreshToken: refreshToken}, nil); err != nil {
			client.logger.Warn("backend logout failed",
				zap.String("code", "dashapi.logout.revoke_failed"),
				zap.Error(err))
		}
	}
	if err := client.tokens.ClearTokens(ctx); err != nil {
		return fmt.Errorf("dashapi.logout.clear_tokens: %w", err)
	}
	return nil
}

// Me returns the authenticated profile.
func (client *Client) Me(ctx context.Context) (Profile, error) {
	var profile Profile
	if err := client.call(ctx, client.gateway, http.MethodGet, mePath, nil, &profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// Raw sends an arbitrary authenticated request and returns the status and body.
// Non-2xx statuses are returned as data, not as errors.
func (client *Client) Raw(ctx context.Context, method string, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	request, err := client.newRequest(ctx, method, path, reader)
	if err != nil {
		return 0, nil, err
	}
	if len(body) > 0 {
		request.Header.Set("Content-Type", contentTypeJSON)
	}
	response, err := client.gateway.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = response.Body.Close() }()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return response.StatusCode, nil, fmt.Errorf("dashapi.read_body: %w", err)
	}
	return response.StatusCode, payload, nil
}

func (client *Client) call(ctx context.Context, doer Doer, method string, path string, payload interface{}, target interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("dashapi.encode: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := client.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		request.Header.Set("Content-Type", contentTypeJSON)
	}
	request.Header.Set("Accept", contentTypeJSON)

	response, err := doer.Do(request)
	if err != nil {
		return err
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return decodeAPIError(response)
	}
	if target == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("dashapi.decode %s %s: %w", method, path, err)
	}
	return nil
}

func (client *Client) newRequest(ctx context.Context, method string, path string, body io.Reader) (*http.Request, error) {
	target, err := client.resolve(path)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, body)
	if err != nil {
		return nil, fmt.Errorf("dashapi.build_request: %w", err)
	}
	return request, nil
}

func (client *Client) resolve(path string) (string, error) {
	relative, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("dashapi.invalid_path: %w", err)
	}
	if relative.IsAbs() {
		return "", fmt.Errorf("dashapi.invalid_path: absolute url %q", path)
	}
	resolved := *client.baseURL
	resolved.Path = client.baseURL.Path + "/" + strings.TrimLeft(relative.Path, "/")
	resolved.RawQuery = relative.RawQuery
	return resolved.String(), nil
}
