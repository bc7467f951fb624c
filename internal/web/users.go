package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/dashgate/internal/authkit"
	"github.com/tyemirov/dashgate/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	userIDPrefix      = "user:"
	defaultUserRole   = "analyst"
	defaultMailDomain = "dashgate.local"
)

var (
	// ErrUserProfileNotFound is returned when a profile is missing in the store.
	ErrUserProfileNotFound = errors.New("user_profile_not_found")

	errMalformedCredential = errors.New("users.malformed_credential")
	errDuplicateUsername   = errors.New("users.duplicate_username")
	errNoUsers             = errors.New("users.empty")
)

// CredentialUsers is a static credential list used by the development backend.
type CredentialUsers struct {
	users map[string]credentialRecord
}

type credentialRecord struct {
	password string
	profile  UserProfile
}

// UserProfile represents an application user.
type UserProfile struct {
	Email   string
	Display string
	Roles   []string
}

// ParseCredentialUsers reads "username:password" or "username:password:role1|role2" entries.
func ParseCredentialUsers(entries []string) (*CredentialUsers, error) {
	store := &CredentialUsers{users: make(map[string]credentialRecord)}
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		parts := strings.SplitN(trimmed, ":", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || parts[1] == "" {
			return nil, fmt.Errorf("%w: %q", errMalformedCredential, redactCredential(trimmed))
		}
		username := strings.TrimSpace(parts[0])
		if _, exists := store.users[username]; exists {
			return nil, fmt.Errorf("%w: %s", errDuplicateUsername, username)
		}
		roles := []string{defaultUserRole}
		if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
			roles = splitRoles(parts[2])
		}
		email := username
		if !strings.Contains(username, "@") {
			email = username + "@" + defaultMailDomain
		}
		store.users[username] = credentialRecord{
			password: parts[1],
			profile:  UserProfile{Email: email, Display: username, Roles: roles},
		}
	}
	if len(store.users) == 0 {
		return nil, errNoUsers
	}
	return store, nil
}

// Authenticate checks a username/password pair and returns the application user id.
func (store *CredentialUsers) Authenticate(ctx context.Context, username string, password string) (string, error) {
	record, ok := store.users[strings.TrimSpace(username)]
	if !ok {
		return "", authkit.ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(record.password), []byte(password)) != 1 {
		return "", authkit.ErrInvalidCredentials
	}
	return userIDPrefix + strings.TrimSpace(username), nil
}

// GetUserProfile returns a profile by application user id.
func (store *CredentialUsers) GetUserProfile(ctx context.Context, applicationUserID string) (string, string, []string, error) {
	record, ok := store.users[strings.TrimPrefix(applicationUserID, userIDPrefix)]
	if !ok || !strings.HasPrefix(applicationUserID, userIDPrefix) {
		return "", "", nil, ErrUserProfileNotFound
	}
	return record.profile.Email, record.profile.Display, append([]string(nil), record.profile.Roles...), nil
}

// HandleWhoAmI resolves the authenticated user's profile payload.
func HandleWhoAmI(logger *zap.Logger, users authkit.UserStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user store is required")
	}

	return func(contextGin *gin.Context) {
		claimsValue, found := contextGin.Get(sessionvalidator.DefaultContextKey)
		if !found {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.me.missing_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, ok := claimsValue.(*sessionvalidator.Claims)
		if !ok || claims.GetUserID() == "" {
			logger.Warn("invalid auth claims on context",
				zap.String("code", "api.me.invalid_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		email, display, roles, profileErr := users.GetUserProfile(contextGin, claims.GetUserID())
		if profileErr != nil {
			if errors.Is(profileErr, ErrUserProfileNotFound) {
				logger.Warn("user profile missing",
					zap.String("code", "api.me.profile_missing"),
					zap.String("user_id", claims.GetUserID()))
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown_user"})
				return
			}
			logger.Error("user profile lookup error",
				zap.String("code", "api.me.profile_error"),
				zap.String("user_id", claims.GetUserID()),
				zap.Error(profileErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":    claims.GetUserID(),
			"user_email": email,
			"display":    display,
			"roles":      roles,
			"expires":    claims.GetExpiresAt(),
		})
	}
}

func splitRoles(raw string) []string {
	var roles []string
	for _, role := range strings.Split(raw, "|") {
		if trimmed := strings.TrimSpace(role); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	if len(roles) == 0 {
		return []string{defaultUserRole}
	}
	return roles
}

func redactCredential(entry string) string {
	username, _, _ := strings.Cut(entry, ":")
	return username + ":***"
}
