// Package credentials manages broker credentials for the NATS transport.
//
// Providers hand out Credentials on demand. StaticProvider and EnvProvider
// cover development and container setups; SecretProvider decrypts a
// gocloud.dev secrets envelope so the same code runs against AWS KMS, GCP
// KMS, Azure Key Vault, HashiCorp Vault, or a local base64 key.
//
// Example usage:
//
//	provider, err := credentials.NewSecretProvider(ctx,
//		"base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4=",
//		credentials.FileSource("/etc/keelson/nats.enc"))
//	if err != nil {
//		return err
//	}
//	defer provider.Close()
//
//	creds, err := provider.GetCredentials(ctx)
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrCredentialsExpired is returned when credentials have expired.
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrInvalidCredentials is returned when credentials are malformed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when using a closed provider.
	ErrProviderClosed = errors.New("provider is closed")
)

// CredentialType defines the type of credential.
type CredentialType string

const (
	// CredentialTypeToken is a bearer token.
	CredentialTypeToken CredentialType = "token"

	// CredentialTypeNKey is NATS NKey authentication.
	CredentialTypeNKey CredentialType = "nkey"

	// CredentialTypeJWT is JWT-based authentication.
	CredentialTypeJWT CredentialType = "jwt"

	// CredentialTypeUserPassword is username/password authentication.
	CredentialTypeUserPassword CredentialType = "user_password"

	// CredentialTypeMTLS is mutual TLS authentication.
	CredentialTypeMTLS CredentialType = "mtls"
)

// Credentials is one set of broker credentials with metadata. Its JSON
// form redacts secret material; persistence goes through SecretData.
type Credentials struct {
	// Type selects which of the remaining fields apply.
	Type CredentialType `json:"type"`

	// Token for token-based authentication.
	Token string `json:"token,omitempty"`

	// User and Password for username/password authentication.
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`

	// PublicKey and Seed for NKey authentication.
	PublicKey string `json:"public_key,omitempty"`
	Seed      string `json:"seed,omitempty"`

	// JWTToken for JWT authentication.
	JWTToken string `json:"jwt_token,omitempty"`

	// CertPEM and KeyPEM for mTLS authentication.
	CertPEM string `json:"cert_pem,omitempty"`
	KeyPEM  string `json:"key_pem,omitempty"`

	// ExpiresAt marks when the credentials stop working, if known.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Metadata carries provenance such as the issuing provider.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsExpired reports whether the credentials have expired.
func (c *Credentials) IsExpired() bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*c.ExpiresAt)
}

// Validate ensures credentials are well-formed for their type.
func (c *Credentials) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	}

	switch c.Type {
	case CredentialTypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}

	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}

	case CredentialTypeNKey:
		if c.PublicKey == "" || c.Seed == "" {
			return fmt.Errorf("%w: public_key and seed are required", ErrInvalidCredentials)
		}

	case CredentialTypeJWT:
		if c.JWTToken == "" {
			return fmt.Errorf("%w: jwt_token is required", ErrInvalidCredentials)
		}

	case CredentialTypeMTLS:
		if c.CertPEM == "" || c.KeyPEM == "" {
			return fmt.Errorf("%w: cert_pem and key_pem are required", ErrInvalidCredentials)
		}

	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCredentials, c.Type)
	}

	return nil
}

const redactedPlaceholder = "***"

// MarshalJSON redacts secret material. Credentials routinely end up in
// debug output and API payloads, so their JSON form never carries secrets;
// the stored envelope uses SecretData, which marshals in full.
func (c *Credentials) MarshalJSON() ([]byte, error) {
	type plain Credentials
	out := plain(*c)
	out.Token = redact(out.Token)
	out.Password = redact(out.Password)
	out.Seed = redact(out.Seed)
	out.JWTToken = redact(out.JWTToken)
	out.KeyPEM = redact(out.KeyPEM)
	return json.Marshal(&out)
}

// LogValue presents credentials to slog without secret material.
func (c *Credentials) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("type", string(c.Type))}
	if c.User != "" {
		attrs = append(attrs, slog.String("user", c.User))
	}
	if c.PublicKey != "" {
		attrs = append(attrs, slog.String("public_key", c.PublicKey))
	}
	if c.ExpiresAt != nil {
		attrs = append(attrs, slog.Time("expires_at", *c.ExpiresAt))
	}
	return slog.GroupValue(attrs...)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redactedPlaceholder
}

// Provider is the interface credential providers implement.
type Provider interface {
	// GetCredentials retrieves the current credentials.
	GetCredentials(ctx context.Context) (*Credentials, error)

	// Rotate triggers credential rotation where the provider supports it.
	Rotate(ctx context.Context) error

	// Type returns the credential type this provider manages.
	Type() CredentialType

	// Close releases any resources held by the provider.
	Close() error
}

// SecretData is the envelope persisted in the secret backend: credentials
// plus rotation bookkeeping. Unlike Credentials it marshals secret material
// in full, so its JSON form must never reach logs.
type SecretData struct {
	Credentials *Credentials      `json:"credentials"`
	Version     int               `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON bypasses the Credentials redaction so the stored envelope
// round-trips the real secrets.
func (d *SecretData) MarshalJSON() ([]byte, error) {
	type plainCredentials Credentials
	type envelope struct {
		Credentials *plainCredentials `json:"credentials"`
		Version     int               `json:"version"`
		CreatedAt   time.Time         `json:"created_at"`
		Metadata    map[string]string `json:"metadata,omitempty"`
	}
	return json.Marshal(&envelope{
		Credentials: (*plainCredentials)(d.Credentials),
		Version:     d.Version,
		CreatedAt:   d.CreatedAt,
		Metadata:    d.Metadata,
	})
}

// ProviderConfig tunes the SecretProvider cache and refresh loop.
type ProviderConfig struct {
	// CacheTTL is how long decrypted credentials are served from memory.
	CacheTTL time.Duration

	// AutoRefresh re-decrypts the secret in the background so rotated
	// credentials are picked up before the cache expires.
	AutoRefresh bool

	// RefreshInterval is how often the background refresh runs.
	RefreshInterval time.Duration

	// Logger receives refresh failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the provider defaults: a five minute cache with
// background refresh at half the TTL.
func DefaultConfig() ProviderConfig {
	return ProviderConfig{
		CacheTTL:        5 * time.Minute,
		AutoRefresh:     true,
		RefreshInterval: 2*time.Minute + 30*time.Second,
	}
}
