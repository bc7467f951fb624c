package authkit

import "context"

// UserStore authenticates credentials and resolves profiles.
type UserStore interface {
	Authenticate(ctx context.Context, username string, password string) (applicationUserID string, err error)
	GetUserProfile(ctx context.Context, applicationUserID string) (userEmail string, userDisplayName string, userRoles []string, err error)
}

// RefreshTokenStore manages long-lived refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (applicationUserID string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
}
