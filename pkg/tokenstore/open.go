package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultProfile is used when no profile name is configured.
const DefaultProfile = "default"

// ErrUnsupportedScheme indicates the store URL names no known backend.
var ErrUnsupportedScheme = errors.New("token_store.unsupported_scheme")

// OpenBackend selects a durable backend from the store URL scheme.
//
//	""/memory            in-process memory
//	file:///path.json    JSON document
//	sqlite://, postgres:// GORM table
//	redis://, rediss://  redis hash
func OpenBackend(ctx context.Context, storeURL string, profile string) (Backend, error) {
	trimmed := strings.TrimSpace(storeURL)
	if trimmed == "" || strings.EqualFold(trimmed, "memory") || strings.EqualFold(trimmed, "memory://") {
		return NewMemoryBackend(), nil
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("token_store.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return NewMemoryBackend(), nil
	case "file":
		path := parsed.Path
		if parsed.Opaque != "" {
			path = parsed.Opaque
		}
		if parsed.Host != "" {
			path = parsed.Host + path
		}
		return NewFileBackend(path, profile)
	case "sqlite", "sqlite3", "postgres", "postgresql":
		return NewDatabaseBackend(ctx, trimmed, profile)
	case "redis", "rediss":
		return NewRedisBackend(ctx, trimmed, profile)
	case "":
		// bare filesystem paths are treated as JSON files
		return NewFileBackend(trimmed, profile)
	default:
		return nil, fmt.Errorf("token_store.scheme.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}
