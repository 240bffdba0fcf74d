package auth

import (
	"context"
	"errors"
	"strings"
)

// Store errors
var (
	ErrUsernameTaken      = errors.New("auth: username already exists")
	ErrCredentialNotFound = errors.New("auth: credential not found")
	ErrPersistence        = errors.New("auth: credential store failure")
)

// Credential is one persisted login. Secret holds an argon2id PHC string,
// never the plain password.
type Credential struct {
	Username string `yaml:"username" msgpack:"username"`
	Secret   string `yaml:"secret" msgpack:"secret"`
}

// CredentialStore persists credentials. Lookups are case-insensitive on the
// username; Insert must reject a username that already exists in any case.
type CredentialStore interface {
	// Load reads all records into memory (called once at startup)
	Load(ctx context.Context) error
	// Lookup returns ErrCredentialNotFound when the user is unknown
	Lookup(ctx context.Context, username string) (Credential, error)
	// Insert returns ErrUsernameTaken on a case-insensitive collision
	Insert(ctx context.Context, cred Credential) error
	// Any reports whether at least one credential is registered
	Any(ctx context.Context) (bool, error)
}

// normalizeUsername is the key used for uniqueness and lookup
func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
