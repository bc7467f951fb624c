package authkit

import (
	"time"
)

// ServerConfig configures the issuer, signing key and token lifetimes.
type ServerConfig struct {
	AppJWTSigningKey []byte
	AppJWTIssuer     string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
}
