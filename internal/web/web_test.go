package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/dashgate/internal/authkit"
	"github.com/tyemirov/dashgate/pkg/sessionvalidator"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestConfigureCORS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zaptest.NewLogger(t), []string{"http://localhost:5173"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.OPTIONS("/api/me", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/api/me", nil)
	request.Header.Set("Origin", "http://localhost:5173")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:5173" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
}

func TestSanitizeOrigins(t *testing.T) {
	t.Parallel()
	logger := zap.NewNop()

	sanitized, err := sanitizeOrigins(logger, []string{"https://B.example.com/", "https://b.example.com", " http://localhost:3000 "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sanitized) != 2 {
		t.Fatalf("expected duplicate origins collapsed, got %v", sanitized)
	}

	testCases := []struct {
		name    string
		origins []string
		want    error
	}{
		{name: "nil", origins: nil, want: errEmptyAllowedOrigins},
		{name: "blank", origins: []string{"  "}, want: errEmptyAllowedOrigins},
		{name: "wildcard", origins: []string{"*"}, want: errWildcardOrigin},
		{name: "path", origins: []string{"https://example.com/app"}, want: errInvalidOrigin},
		{name: "scheme", origins: []string{"ftp://example.com"}, want: errInvalidOrigin},
		{name: "no scheme", origins: []string{"example.com"}, want: errInvalidOrigin},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := sanitizeOrigins(logger, testCase.origins); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestParseCredentialUsers(t *testing.T) {
	t.Parallel()

	store, err := ParseCredentialUsers([]string{"alice:wonderland", "bob@example.com:builder:admin|analyst", ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	userID, err := store.Authenticate(context.Background(), "alice", "wonderland")
	if err != nil || userID != "user:alice" {
		t.Fatalf("expected alice to authenticate, got %q %v", userID, err)
	}
	if _, err := store.Authenticate(context.Background(), "alice", "wrong"); !errors.Is(err, authkit.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := store.Authenticate(context.Background(), "mallory", "wonderland"); !errors.Is(err, authkit.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}

	email, display, roles, err := store.GetUserProfile(context.Background(), "user:bob@example.com")
	if err != nil {
		t.Fatalf("unexpected profile error: %v", err)
	}
	if email != "bob@example.com" || display != "bob@example.com" || len(roles) != 2 || roles[0] != "admin" {
		t.Fatalf("unexpected profile %s %s %v", email, display, roles)
	}
	aliceEmail, _, aliceRoles, _ := store.GetUserProfile(context.Background(), "user:alice")
	if aliceEmail != "alice@dashgate.local" || aliceRoles[0] != "analyst" {
		t.Fatalf("unexpected defaults %s %v", aliceEmail, aliceRoles)
	}
	if _, _, _, err := store.GetUserProfile(context.Background(), "alice"); !errors.Is(err, ErrUserProfileNotFound) {
		t.Fatalf("expected missing profile without prefix, got %v", err)
	}
}

func TestParseCredentialUsersRejectsBadInput(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		entries []string
		want    error
	}{
		{name: "empty", entries: []string{" "}, want: errNoUsers},
		{name: "no password", entries: []string{"alice"}, want: errMalformedCredential},
		{name: "blank password", entries: []string{"alice:"}, want: errMalformedCredential},
		{name: "duplicate", entries: []string{"alice:a", "alice:b"}, want: errDuplicateUsername},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := ParseCredentialUsers(testCase.entries); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func newClaims(userID string) *sessionvalidator.Claims {
	return &sessionvalidator.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Unix(1700000000, 0)),
		},
	}
}

func serveWhoAmI(t *testing.T, claims interface{}) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := ParseCredentialUsers([]string{"alice:wonderland"})
	if err != nil {
		t.Fatalf("parse users: %v", err)
	}
	router := gin.New()
	if claims != nil {
		router.Use(func(contextGin *gin.Context) {
			contextGin.Set(sessionvalidator.DefaultContextKey, claims)
			contextGin.Next()
		})
	}
	router.GET("/api/me", HandleWhoAmI(zaptest.NewLogger(t), store))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	return recorder
}

func TestHandleWhoAmI(t *testing.T) {
	t.Parallel()

	recorder := serveWhoAmI(t, newClaims("user:alice"))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["user_id"] != "user:alice" {
		t.Fatalf("unexpected user_id: %v", payload["user_id"])
	}
	if payload["user_email"] != "alice@dashgate.local" {
		t.Fatalf("unexpected user_email: %v", payload["user_email"])
	}
	if payload["display"] != "alice" {
		t.Fatalf("unexpected display: %v", payload["display"])
	}
	if _, ok := payload["roles"]; !ok {
		t.Fatalf("expected roles in response")
	}
	if _, ok := payload["expires"]; !ok {
		t.Fatalf("expected expires in response")
	}
}

func TestHandleWhoAmIRejections(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		claims interface{}
	}{
		{name: "missing claims", claims: nil},
		{name: "wrong claims type", claims: "user:alice"},
		{name: "unknown user", claims: newClaims("user:mallory")},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := serveWhoAmI(t, testCase.claims)
			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", recorder.Code)
			}
		})
	}
}
