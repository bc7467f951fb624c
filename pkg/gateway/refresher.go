package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tyemirov/dashgate/pkg/tokenstore"
)

var (
	errMissingRefreshURL     = errors.New("gateway.refresher.missing_url")
	errRefreshStatus         = errors.New("gateway.refresher.unexpected_status")
	errRefreshDecode         = errors.New("gateway.refresher.decode_failed")
	errRefreshMissingPayload = errors.New("gateway.refresher.missing_access_token")
)

const refreshErrorBodyLimit = 4 << 10

type refreshRequestPayload struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponsePayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// HTTPRefresher posts the refresh token to the backend refresh endpoint.
// It uses its own client so refresh calls never pass back through a Gateway.
type HTTPRefresher struct {
	endpoint string
	client   Doer
}

// NewHTTPRefresher builds a refresher for the given absolute refresh URL.
// A nil client falls back to a plain *http.Client.
func NewHTTPRefresher(endpoint string, client Doer) (*HTTPRefresher, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, errMissingRefreshURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRefresher{endpoint: trimmed, client: client}, nil
}

// Refresh exchanges refreshToken for a new pair.
func (refresher *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (tokenstore.TokenPair, error) {
	body, err := json.Marshal(refreshRequestPayload{RefreshToken: refreshToken})
	if err != nil {
		return tokenstore.TokenPair{}, fmt.Errorf("gateway.refresher.encode: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, refresher.endpoint, bytes.NewReader(body))
	if err != nil {
		return tokenstore.TokenPair{}, fmt.Errorf("gateway.refresher.build_request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := refresher.client.Do(request)
	if err != nil {
		return tokenstore.TokenPair{}, fmt.Errorf("gateway.refresher.transport: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, refreshErrorBodyLimit))
		return tokenstore.TokenPair{}, fmt.Errorf("%w: %d %s", errRefreshStatus, response.StatusCode, strings.TrimSpace(string(detail)))
	}
	var payload refreshResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return tokenstore.TokenPair{}, fmt.Errorf("%w: %w", errRefreshDecode, err)
	}
	if payload.AccessToken == "" {
		return tokenstore.TokenPair{}, errRefreshMissingPayload
	}
	return tokenstore.TokenPair{AccessToken: payload.AccessToken, RefreshToken: payload.RefreshToken}, nil
}
