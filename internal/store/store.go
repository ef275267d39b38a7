package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no credential is cached for a key.
var ErrNotFound = errors.New("credential not found")

// CredentialKey identifies one login: a user on a server of a given backend.
type CredentialKey struct {
	Backend string
	Server  string
	User    string
}

// Credential is a cached access token for a previous login.
type Credential struct {
	CredentialKey
	UserID      string // server-assigned id, e.g. @alice:example.org
	AccessToken string
	DeviceID    string
	UpdatedAt   time.Time
}

// CredentialStore persists access tokens between client runs.
type CredentialStore interface {
	// SaveCredential inserts or replaces the credential for its key.
	SaveCredential(ctx context.Context, cred *Credential) error

	// GetCredential returns the credential for key, or ErrNotFound.
	GetCredential(ctx context.Context, key CredentialKey) (*Credential, error)

	// DeleteCredential removes the credential for key. Missing keys are not an error.
	DeleteCredential(ctx context.Context, key CredentialKey) error

	// Close closes the underlying database connection.
	Close() error
}
