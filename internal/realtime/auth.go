package realtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnauthorized is returned for missing, unknown or inactive credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the active user a credential resolves to.
type Identity struct {
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	BranchID string `json:"branchId"`
	Name     string `json:"name"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

// Authenticator resolves a bearer credential.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// BearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter browsers use for websocket handshakes.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// PostgresAuthenticator looks up api_tokens by SHA-256 hash and requires the
// owning user to be active.
type PostgresAuthenticator struct {
	pool *pgxpool.Pool
}

// NewPostgresAuthenticator creates an authenticator backed by the pool.
func NewPostgresAuthenticator(pool *pgxpool.Pool) *PostgresAuthenticator {
	return &PostgresAuthenticator{pool: pool}
}

// HashToken returns the stored form of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	var id Identity
	var photo *string
	err := a.pool.QueryRow(ctx, "auth_user_by_token", HashToken(token)).
		Scan(&id.UserID, &id.Role, &id.BranchID, &id.Name, &photo)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, ErrUnauthorized
	}
	if err != nil {
		return Identity{}, fmt.Errorf("authenticate: %w", err)
	}
	if photo != nil {
		id.PhotoURL = *photo
	}
	return id, nil
}
