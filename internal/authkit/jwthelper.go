package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/dashgate/pkg/sessionvalidator"
)

var errEmptySubject = errors.New("subject must be non-empty")

// MintAppJWT creates a signed HS256 access token issued at the clock's current time.
func MintAppJWT(clock Clock, applicationUserID string, userEmail string, userDisplayName string, userRoles []string, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(applicationUserID) == "" {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", errEmptySubject)
	}
	if clock == nil {
		clock = systemClock{}
	}
	issuedAt := clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		UserID:          applicationUserID,
		UserEmail:       userEmail,
		UserDisplayName: userDisplayName,
		UserRoles:       userRoles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   applicationUserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return signed, expiresAt, nil
}
