// Package gateway wraps outbound dashboard API calls with bearer authentication and
// coordinates a single token refresh across every request that hits an expired token.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tyemirov/dashgate/pkg/tokenstore"
	"go.uber.org/zap"
)

const (
	authorizationHeader = "Authorization"
	requestIDHeader     = "X-Request-Id"
	bearerPrefix        = "Bearer "

	discardLimit = 64 << 10
)

// Event codes passed to the MetricsRecorder.
const (
	EventRefreshStarted     = "gateway.refresh.started"
	EventRefreshSucceeded   = "gateway.refresh.succeeded"
	EventRefreshFailed      = "gateway.refresh.failed"
	EventRefreshUnavailable = "gateway.refresh.unavailable"
	EventRequestQueued      = "gateway.request.queued"
	EventRequestRetried     = "gateway.request.retried"
	EventRequestCancelled   = "gateway.request.cancelled"
	EventRequestReleased    = "gateway.request.released"
	EventRetryRejected      = "gateway.request.retry_rejected"
)

var (
	errMissingTokenStore = errors.New("gateway.new.missing_token_store")
	errMissingRefresher  = errors.New("gateway.new.missing_refresher")
	errNilRequest        = errors.New("gateway.nil_request")
	errEmptyAccessToken  = errors.New("gateway.refresh.empty_access_token")
)

// TokenStore is the view of the token store the gateway reads and writes through.
type TokenStore interface {
	GetTokens() tokenstore.TokenPair
	SetTokens(ctx context.Context, update tokenstore.TokenUpdate) error
	ClearTokens(ctx context.Context) error
}

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (tokenstore.TokenPair, error)
}

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(request *http.Request) (*http.Response, error)
}

// MetricsRecorder counts gateway events.
type MetricsRecorder interface {
	Increment(event string)
}

type nopMetrics struct{}

func (nopMetrics) Increment(string) {}

// Config wires a Gateway.
type Config struct {
	Client    Doer
	Tokens    TokenStore
	Refresher Refresher
	Logger    *zap.Logger
	Metrics   MetricsRecorder
	// RequestID generates X-Request-Id values for requests that carry none.
	RequestID func() string
}

// Gateway is the single authenticated HTTP entry point of the application.
// Construct one per process and share it.
type Gateway struct {
	client    Doer
	tokens    TokenStore
	refresher Refresher
	logger    *zap.Logger
	metrics   MetricsRecorder
	requestID func() string

	mutex      sync.Mutex
	refreshing bool
	pending    []*pendingRequest
}

// pendingRequest is a caller parked until the in-flight refresh settles.
type pendingRequest struct {
	requestID string
	settled   chan refreshOutcome
}

type refreshOutcome struct {
	accessToken string
	err         error
}

// New validates the configuration and builds a Gateway.
func New(config Config) (*Gateway, error) {
	if config.Tokens == nil {
		return nil, errMissingTokenStore
	}
	if config.Refresher == nil {
		return nil, errMissingRefresher
	}
	gateway := &Gateway{
		client:    config.Client,
		tokens:    config.Tokens,
		refresher: config.Refresher,
		logger:    config.Logger,
		metrics:   config.Metrics,
		requestID: config.RequestID,
	}
	if gateway.client == nil {
		gateway.client = &http.Client{}
	}
	if gateway.logger == nil {
		gateway.logger = zap.NewNop()
	}
	if gateway.metrics == nil {
		gateway.metrics = nopMetrics{}
	}
	if gateway.requestID == nil {
		gateway.requestID = uuid.NewString
	}
	return gateway, nil
}

// Do sends the request with the current access token. A 401 triggers at most one
// refresh per failure episode; concurrent 401s wait for that refresh and are then
// reissued with the new token. Non-401 responses are returned unchanged.
//
// Request bodies without GetBody are buffered so the request can be replayed.
func (gateway *Gateway) Do(request *http.Request) (*http.Response, error) {
	if request == nil {
		return nil, newRequestError(KindOther, nil, 0, errNilRequest)
	}
	if err := makeReplayable(request); err != nil {
		return nil, newRequestError(KindOther, request, 0, err)
	}
	requestID := request.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = gateway.requestID()
	}

	sentToken := gateway.tokens.GetTokens().AccessToken
	response, sendErr := gateway.send(request, requestID, sentToken)
	response, unauthorized, err := gateway.settle(request, response, sendErr)
	if !unauthorized {
		return response, err
	}
	if IsRetried(request.Context()) {
		return nil, gateway.rejectRetried(request)
	}
	return gateway.recoverAuthorization(request, requestID, sentToken)
}

// recoverAuthorization runs the IDLE/REFRESHING protocol for a request that got a 401.
func (gateway *Gateway) recoverAuthorization(request *http.Request, requestID string, sentToken string) (*http.Response, error) {
	gateway.mutex.Lock()
	if gateway.refreshing {
		waiter := &pendingRequest{requestID: requestID, settled: make(chan refreshOutcome, 1)}
		gateway.pending = append(gateway.pending, waiter)
		queueLength := len(gateway.pending)
		gateway.mutex.Unlock()
		gateway.metrics.Increment(EventRequestQueued)
		gateway.logger.Debug("request queued behind token refresh",
			zap.String("code", EventRequestQueued),
			zap.String("request_id", requestID),
			zap.Int("queue_length", queueLength))
		return gateway.awaitRefresh(request, requestID, waiter)
	}

	current := gateway.tokens.GetTokens()
	if current.AccessToken != "" && current.AccessToken != sentToken {
		// a refresh settled after this request was sent; its token is already stale
		gateway.mutex.Unlock()
		return gateway.reissue(request, requestID, current.AccessToken)
	}
	if current.RefreshToken == "" {
		gateway.mutex.Unlock()
		gateway.metrics.Increment(EventRefreshUnavailable)
		gateway.logger.Warn("authorization failed without refresh token",
			zap.String("code", EventRefreshUnavailable),
			zap.String("request_id", requestID))
		gateway.teardown(request.Context())
		return nil, newRequestError(KindUnauthorized, request, http.StatusUnauthorized, fmt.Errorf("%w: %w", ErrRefreshUnavailable, ErrUnauthorized))
	}
	gateway.refreshing = true
	gateway.mutex.Unlock()

	// the refresh outlives a cancelled trigger so queued callers still settle
	settled := make(chan refreshOutcome, 1)
	go func() {
		accessToken, refreshErr := gateway.refresh(request.Context(), current.RefreshToken, requestID)
		settled <- refreshOutcome{accessToken: accessToken, err: refreshErr}
	}()
	select {
	case outcome := <-settled:
		if outcome.err != nil {
			return nil, newRequestError(KindUnauthorized, request, http.StatusUnauthorized, outcome.err)
		}
		return gateway.reissue(request, requestID, outcome.accessToken)
	case <-request.Context().Done():
		gateway.metrics.Increment(EventRequestCancelled)
		gateway.logger.Debug("refresh trigger cancelled; refresh continues detached",
			zap.String("code", EventRequestCancelled),
			zap.String("request_id", requestID))
		return nil, newRequestError(KindCancelled, request, 0, request.Context().Err())
	}
}

// refresh performs the single in-flight refresh and settles the pending queue in arrival order.
func (gateway *Gateway) refresh(ctx context.Context, refreshToken string, requestID string) (string, error) {
	refreshCtx := context.WithoutCancel(ctx)
	gateway.metrics.Increment(EventRefreshStarted)
	gateway.logger.Info("refreshing access token",
		zap.String("code", EventRefreshStarted),
		zap.String("request_id", requestID))

	pair, err := gateway.refresher.Refresh(refreshCtx, refreshToken)
	if err == nil && pair.AccessToken == "" {
		err = errEmptyAccessToken
	}
	if err == nil {
		update := tokenstore.TokenUpdate{AccessToken: &pair.AccessToken}
		if pair.RefreshToken != "" {
			update.RefreshToken = &pair.RefreshToken
		}
		err = gateway.tokens.SetTokens(refreshCtx, update)
	}

	if err != nil {
		refreshErr := fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		gateway.teardown(refreshCtx)
		waiters := gateway.finishRefresh()
		gateway.release(waiters, refreshOutcome{err: refreshErr})
		gateway.metrics.Increment(EventRefreshFailed)
		gateway.logger.Warn("access token refresh failed",
			zap.String("code", EventRefreshFailed),
			zap.String("request_id", requestID),
			zap.Int("rejected_waiters", len(waiters)),
			zap.Error(err))
		return "", refreshErr
	}

	waiters := gateway.finishRefresh()
	gateway.release(waiters, refreshOutcome{accessToken: pair.AccessToken})
	gateway.metrics.Increment(EventRefreshSucceeded)
	gateway.logger.Info("access token refreshed",
		zap.String("code", EventRefreshSucceeded),
		zap.String("request_id", requestID),
		zap.Int("released_waiters", len(waiters)))
	return pair.AccessToken, nil
}

// finishRefresh returns to IDLE and hands back the queue that built up during the refresh.
func (gateway *Gateway) finishRefresh() []*pendingRequest {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.refreshing = false
	waiters := gateway.pending
	gateway.pending = nil
	return waiters
}

// release hands the outcome to each waiter in the order it was queued.
// Reissues then run on the waiters' own goroutines, so only the handoff is ordered.
func (gateway *Gateway) release(waiters []*pendingRequest, outcome refreshOutcome) {
	for position, waiter := range waiters {
		waiter.settled <- outcome
		gateway.metrics.Increment(EventRequestReleased)
		gateway.logger.Debug("queued request released",
			zap.String("code", EventRequestReleased),
			zap.String("request_id", waiter.requestID),
			zap.Int("position", position),
			zap.Bool("refreshed", outcome.err == nil))
	}
}

func (gateway *Gateway) awaitRefresh(request *http.Request, requestID string, waiter *pendingRequest) (*http.Response, error) {
	select {
	case outcome := <-waiter.settled:
		if outcome.err != nil {
			return nil, newRequestError(KindUnauthorized, request, http.StatusUnauthorized, outcome.err)
		}
		return gateway.reissue(request, requestID, outcome.accessToken)
	case <-request.Context().Done():
		gateway.abandon(waiter)
		gateway.metrics.Increment(EventRequestCancelled)
		return nil, newRequestError(KindCancelled, request, 0, request.Context().Err())
	}
}

// abandon removes a cancelled waiter that is still queued.
func (gateway *Gateway) abandon(waiter *pendingRequest) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	for index, candidate := range gateway.pending {
		if candidate == waiter {
			gateway.pending = append(gateway.pending[:index], gateway.pending[index+1:]...)
			return
		}
	}
}

// reissue resends the request once with the given token, marked as retried.
func (gateway *Gateway) reissue(request *http.Request, requestID string, accessToken string) (*http.Response, error) {
	gateway.metrics.Increment(EventRequestRetried)
	retryRequest := request.WithContext(MarkRetried(request.Context()))
	response, sendErr := gateway.send(retryRequest, requestID, accessToken)
	response, unauthorized, err := gateway.settle(retryRequest, response, sendErr)
	if unauthorized {
		return nil, gateway.rejectRetried(request)
	}
	return response, err
}

func (gateway *Gateway) rejectRetried(request *http.Request) error {
	gateway.metrics.Increment(EventRetryRejected)
	return newRequestError(KindUnauthorized, request, http.StatusUnauthorized, fmt.Errorf("%w: %w", ErrAlreadyRetried, ErrUnauthorized))
}

// settle classifies one send. The boolean is true when the response was a 401 and has been discarded.
func (gateway *Gateway) settle(request *http.Request, response *http.Response, sendErr error) (*http.Response, bool, error) {
	switch classify(request, response, sendErr) {
	case KindCancelled:
		gateway.metrics.Increment(EventRequestCancelled)
		return nil, false, newRequestError(KindCancelled, request, 0, sendErr)
	case KindUnauthorized:
		discard(response)
		return nil, true, nil
	default:
		if sendErr != nil {
			return nil, false, newRequestError(KindOther, request, 0, sendErr)
		}
		return response, false, nil
	}
}

func (gateway *Gateway) teardown(ctx context.Context) {
	if err := gateway.tokens.ClearTokens(context.WithoutCancel(ctx)); err != nil {
		gateway.logger.Error("session teardown failed",
			zap.String("code", "gateway.teardown_failed"),
			zap.Error(err))
		return
	}
	gateway.logger.Info("session cleared", zap.String("code", "gateway.session_cleared"))
}

func (gateway *Gateway) send(request *http.Request, requestID string, accessToken string) (*http.Response, error) {
	outbound := request.Clone(request.Context())
	if request.GetBody != nil {
		body, err := request.GetBody()
		if err != nil {
			return nil, fmt.Errorf("gateway.replay_body: %w", err)
		}
		outbound.Body = body
	}
	outbound.Header.Set(requestIDHeader, requestID)
	if accessToken != "" {
		outbound.Header.Set(authorizationHeader, bearerPrefix+accessToken)
	}
	return gateway.client.Do(outbound)
}

// pendingCount reports the queue length.
func (gateway *Gateway) pendingCount() int {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	return len(gateway.pending)
}

func makeReplayable(request *http.Request) error {
	if request.Body == nil || request.Body == http.NoBody || request.GetBody != nil {
		return nil
	}
	payload, err := io.ReadAll(request.Body)
	_ = request.Body.Close()
	if err != nil {
		return fmt.Errorf("gateway.buffer_body: %w", err)
	}
	request.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	request.Body = io.NopCloser(bytes.NewReader(payload))
	request.ContentLength = int64(len(payload))
	return nil
}

func discard(response *http.Response) {
	if response == nil || response.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, discardLimit))
	_ = response.Body.Close()
}

type retriedKey struct{}

// MarkRetried flags a request context as already reissued after a refresh.
func MarkRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

// IsRetried reports whether the context carries the retried marker.
func IsRetried(ctx context.Context) bool {
	retried, _ := ctx.Value(retriedKey{}).(bool)
	return retried
}
