package authkit

import (
	"testing"
	"time"

	"github.com/tyemirov/dashgate/pkg/sessionvalidator"
)

type fixedClock struct {
	timestamp time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.timestamp
}

func TestMintAppJWTRejectsEmptySubject(t *testing.T) {
	t.Parallel()

	_, _, err := MintAppJWT(fixedClock{timestamp: time.Unix(1700000000, 0)}, "", "user@example.com", "User", []string{"analyst"}, "dashgate", []byte("signing-key"), time.Minute)
	if err == nil {
		t.Fatalf("expected error when user ID is empty")
	}

	expected := "jwt.mint.failure: subject must be non-empty"
	if err.Error() != expected {
		t.Fatalf("expected error %q, got %q", expected, err.Error())
	}
}

func TestMintAppJWTIsAcceptedBySessionValidator(t *testing.T) {
	t.Parallel()

	reference := time.Unix(1700000000, 0).UTC()
	token, expiresAt, err := MintAppJWT(fixedClock{timestamp: reference}, "user:alice", "alice@example.com", "Alice", []string{"analyst"}, "dashgate", []byte("signing-key"), 2*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectedExpiry := reference.Add(2 * time.Minute)
	if !expiresAt.Equal(expectedExpiry) {
		t.Fatalf("expected expiry %v, got %v", expectedExpiry, expiresAt)
	}

	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte("signing-key"),
		Issuer:     "dashgate",
		Clock:      fixedClock{timestamp: reference.Add(time.Minute)},
	})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate minted token: %v", err)
	}
	if claims.GetUserID() != "user:alice" || claims.UserDisplayName != "Alice" {
		t.Fatalf("unexpected claims %#v", claims)
	}
}
