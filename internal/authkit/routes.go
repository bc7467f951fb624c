package authkit

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	metricAuthLoginSuccess   = "auth.login.success"
	metricAuthLoginFailure   = "auth.login.failure"
	metricAuthRefreshSuccess = "auth.refresh.success"
	metricAuthRefreshFailure = "auth.refresh.failure"
	metricAuthLogoutSuccess  = "auth.logout.success"

	tokenTypeBearer = "Bearer"
)

var errSessionIssue = errors.New("auth.session.issue_failed")

type tokenPairResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// MountAuthRoutes registers /auth/login, /auth/refresh and /auth/logout.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, users UserStore, refreshTokens RefreshTokenStore) {
	router.POST("/auth/login", func(contextGin *gin.Context) {
		logger := routeLogger()
		var inbound struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Username) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}

		applicationUserID, authErr := users.Authenticate(contextGin, inbound.Username, inbound.Password)
		if authErr != nil {
			recordEvent(metricAuthLoginFailure)
			if errors.Is(authErr, ErrInvalidCredentials) {
				logger.Warn("login rejected",
					zap.String("code", metricAuthLoginFailure),
					zap.String("username", inbound.Username))
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
				return
			}
			logger.Error("login lookup failed",
				zap.String("code", "auth.login.lookup_error"),
				zap.Error(authErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		response, issueErr := issueSession(contextGin, configuration, users, refreshTokens, applicationUserID, "")
		if issueErr != nil {
			logger.Error("session issue failed",
				zap.String("code", "auth.login.issue_error"),
				zap.String("user_id", applicationUserID),
				zap.Error(issueErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		recordEvent(metricAuthLoginSuccess)
		logger.Info("login succeeded",
			zap.String("code", metricAuthLoginSuccess),
			zap.String("user_id", applicationUserID))
		contextGin.JSON(http.StatusOK, response)
	})

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		logger := routeLogger()
		var inbound refreshTokenRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			recordEvent(metricAuthRefreshFailure)
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if strings.TrimSpace(inbound.RefreshToken) == "" {
			recordEvent(metricAuthRefreshFailure)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_refresh_token"})
			return
		}

		applicationUserID, currentTokenID, expiresUnix, validateErr := refreshTokens.Validate(contextGin, inbound.RefreshToken)
		if validateErr != nil || time.Unix(expiresUnix, 0).Before(now()) {
			recordEvent(metricAuthRefreshFailure)
			logger.Warn("refresh rejected",
				zap.String("code", metricAuthRefreshFailure),
				zap.Error(validateErr))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
			return
		}

		response, issueErr := issueSession(contextGin, configuration, users, refreshTokens, applicationUserID, currentTokenID)
		if issueErr != nil {
			recordEvent(metricAuthRefreshFailure)
			logger.Error("refresh issue failed",
				zap.String("code", "auth.refresh.issue_error"),
				zap.String("user_id", applicationUserID),
				zap.Error(issueErr))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
			return
		}
		if revokeErr := refreshTokens.Revoke(contextGin, currentTokenID); revokeErr != nil {
			recordEvent(metricAuthRefreshFailure)
			logger.Error("refresh revoke failed",
				zap.String("code", "auth.refresh.revoke_error"),
				zap.String("token_id", currentTokenID),
				zap.Error(revokeErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		recordEvent(metricAuthRefreshSuccess)
		logger.Info("refresh rotated",
			zap.String("code", metricAuthRefreshSuccess),
			zap.String("user_id", applicationUserID))
		contextGin.JSON(http.StatusOK, response)
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		var inbound refreshTokenRequest
		_ = contextGin.ShouldBindJSON(&inbound)
		if strings.TrimSpace(inbound.RefreshToken) != "" {
			_, tokenID, _, validateErr := refreshTokens.Validate(contextGin, inbound.RefreshToken)
			if validateErr == nil && tokenID != "" {
				_ = refreshTokens.Revoke(contextGin, tokenID)
			}
		}
		recordEvent(metricAuthLogoutSuccess)
		contextGin.Status(http.StatusNoContent)
	})
}

// issueSession mints an access token and a refresh token linked to previousTokenID.
func issueSession(ctx context.Context, configuration ServerConfig, users UserStore, refreshTokens RefreshTokenStore, applicationUserID string, previousTokenID string) (tokenPairResponse, error) {
	userEmail, userDisplayName, userRoles, profileErr := users.GetUserProfile(ctx, applicationUserID)
	if profileErr != nil {
		return tokenPairResponse{}, profileErr
	}
	providersMutex.RLock()
	clock := currentClock
	providersMutex.RUnlock()

	accessToken, expiresAt, mintErr := MintAppJWT(clock, applicationUserID, userEmail, userDisplayName, userRoles, configuration.AppJWTIssuer, configuration.AppJWTSigningKey, configuration.AccessTTL)
	if mintErr != nil {
		return tokenPairResponse{}, mintErr
	}
	_, refreshOpaque, issueErr := refreshTokens.Issue(ctx, applicationUserID, now().Add(configuration.RefreshTTL).Unix(), previousTokenID)
	if issueErr != nil {
		return tokenPairResponse{}, issueErr
	}
	if strings.TrimSpace(refreshOpaque) == "" {
		return tokenPairResponse{}, errSessionIssue
	}
	return tokenPairResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshOpaque,
		TokenType:    tokenTypeBearer,
		ExpiresAt:    expiresAt,
	}, nil
}
