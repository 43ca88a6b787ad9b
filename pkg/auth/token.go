package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	// TokenPrefix identifies badgekit auth tokens
	TokenPrefix = "bk_"
	// TokenLength is the total length of random bytes (32 bytes = 256 bits)
	TokenLength = 32
	// DefaultTokenTTL bounds how long a pre-login token stays valid
	DefaultTokenTTL = 24 * time.Hour
)

// TokenManager issues and verifies opaque auth tokens. The login callback
// uses it to adopt an existing account during the connect process: an
// anonymous session carrying a valid pre-login token resolves to that
// token's user.
type TokenManager struct {
	db  *sql.DB
	ttl time.Duration
}

// NewTokenManager creates a token manager with the default TTL
func NewTokenManager(db *sql.DB) *TokenManager {
	return &TokenManager{db: db, ttl: DefaultTokenTTL}
}

// Issue creates a new token for a user and returns the plaintext token.
// Only the SHA-256 hash is stored.
func (tm *TokenManager) Issue(ctx context.Context, userID int64) (string, error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	token := TokenPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)

	_, err := tm.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (token_hash, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, NOW())
	`, HashToken(token), userID, time.Now().Add(tm.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}
	return token, nil
}

// Verify resolves a plaintext token to its user ID. Expired or unknown
// tokens return an error.
func (tm *TokenManager) Verify(ctx context.Context, token string) (int64, error) {
	if !strings.HasPrefix(token, TokenPrefix) {
		return 0, fmt.Errorf("invalid token format")
	}

	var userID int64
	err := tm.db.QueryRowContext(ctx, `
		SELECT user_id FROM auth_tokens
		WHERE token_hash = $1 AND expires_at > NOW()
	`, HashToken(token)).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("invalid or expired token")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to verify token: %w", err)
	}
	return userID, nil
}

// Revoke deletes a token
func (tm *TokenManager) Revoke(ctx context.Context, token string) error {
	_, err := tm.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE token_hash = $1`, HashToken(token))
	return err
}

// CleanupExpired removes expired tokens, returning the number deleted
func (tm *TokenManager) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := tm.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// HashToken computes the SHA-256 hash of a token for lookup
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
