package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// StaticProvider serves a fixed credential from memory. Intended for
// development and tests; production credentials belong in a secret backend.
type StaticProvider struct {
	creds *Credentials
}

// NewStaticTokenProvider creates a provider with a static token. A positive
// ttl sets the credential expiry; zero means the token never expires.
func NewStaticTokenProvider(token string, ttl time.Duration) *StaticProvider {
	var expiresAt *time.Time
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		expiresAt = &exp
	}

	return &StaticProvider{
		creds: &Credentials{
			Type:      CredentialTypeToken,
			Token:     token,
			ExpiresAt: expiresAt,
			Metadata: map[string]string{
				"provider": "static",
			},
		},
	}
}

// NewStaticUserPasswordProvider creates a provider with a static
// username/password pair.
func NewStaticUserPasswordProvider(user, password string) *StaticProvider {
	return &StaticProvider{
		creds: &Credentials{
			Type:     CredentialTypeUserPassword,
			User:     user,
			Password: password,
			Metadata: map[string]string{
				"provider": "static",
			},
		},
	}
}

// GetCredentials returns the static credentials.
func (p *StaticProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	if p.creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.creds, nil
}

// Rotate is not supported for static providers.
func (p *StaticProvider) Rotate(ctx context.Context) error {
	return fmt.Errorf("rotation not supported for static provider")
}

// Type returns the credential type.
func (p *StaticProvider) Type() CredentialType {
	return p.creds.Type
}

// Close is a no-op for static providers.
func (p *StaticProvider) Close() error {
	return nil
}

// EnvProvider reads credentials from environment variables on every call,
// so values injected or updated at runtime are picked up without a restart.
type EnvProvider struct {
	tokenVar    string
	userVar     string
	passwordVar string
	credType    CredentialType
	ttl         time.Duration
}

// NewEnvTokenProvider creates a provider that reads a token from the given
// environment variable. A positive ttl sets the expiry on returned
// credentials.
func NewEnvTokenProvider(tokenEnvVar string, ttl time.Duration) *EnvProvider {
	return &EnvProvider{
		tokenVar: tokenEnvVar,
		credType: CredentialTypeToken,
		ttl:      ttl,
	}
}

// NewEnvUserPasswordProvider creates a provider that reads username and
// password from the given environment variables.
func NewEnvUserPasswordProvider(userVar, passwordVar string) *EnvProvider {
	return &EnvProvider{
		userVar:     userVar,
		passwordVar: passwordVar,
		credType:    CredentialTypeUserPassword,
	}
}

// GetCredentials reads credentials from the environment.
func (p *EnvProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	switch p.credType {
	case CredentialTypeToken:
		token := os.Getenv(p.tokenVar)
		if token == "" {
			return nil, fmt.Errorf("environment variable %s not set", p.tokenVar)
		}

		var expiresAt *time.Time
		if p.ttl > 0 {
			exp := time.Now().Add(p.ttl)
			expiresAt = &exp
		}

		return &Credentials{
			Type:      CredentialTypeToken,
			Token:     token,
			ExpiresAt: expiresAt,
			Metadata: map[string]string{
				"provider": "environment",
				"env_var":  p.tokenVar,
			},
		}, nil

	case CredentialTypeUserPassword:
		user := os.Getenv(p.userVar)
		password := os.Getenv(p.passwordVar)
		if user == "" || password == "" {
			return nil, fmt.Errorf("environment variables %s and %s must be set", p.userVar, p.passwordVar)
		}

		return &Credentials{
			Type:     CredentialTypeUserPassword,
			User:     user,
			Password: password,
			Metadata: map[string]string{
				"provider":     "environment",
				"user_var":     p.userVar,
				"password_var": p.passwordVar,
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported credential type: %s", p.credType)
	}
}

// Rotate is a no-op; the next GetCredentials re-reads the environment.
func (p *EnvProvider) Rotate(ctx context.Context) error {
	return nil
}

// Type returns the credential type.
func (p *EnvProvider) Type() CredentialType {
	return p.credType
}

// Close is a no-op for environment providers.
func (p *EnvProvider) Close() error {
	return nil
}

// ChainProvider tries multiple providers in order until one succeeds.
// Typical setup: secret backend first, environment fallback.
type ChainProvider struct {
	providers []Provider
}

// NewChainProvider creates a provider that chains the given providers.
func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{
		providers: providers,
	}
}

// GetCredentials returns credentials from the first provider that succeeds.
func (p *ChainProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	var lastErr error

	for i, provider := range p.providers {
		creds, err := provider.GetCredentials(ctx)
		if err == nil {
			return creds, nil
		}
		lastErr = fmt.Errorf("provider %d failed: %w", i, err)
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all providers failed: %w", lastErr)
	}
	return nil, fmt.Errorf("no providers configured")
}

// Rotate rotates the first provider that accepts the rotation.
func (p *ChainProvider) Rotate(ctx context.Context) error {
	var lastErr error

	for i, provider := range p.providers {
		err := provider.Rotate(ctx)
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("provider %d rotation failed: %w", i, err)
	}

	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("no providers configured")
}

// Type returns the type of the first provider in the chain.
func (p *ChainProvider) Type() CredentialType {
	if len(p.providers) > 0 {
		return p.providers[0].Type()
	}
	return ""
}

// Close closes every provider in the chain.
func (p *ChainProvider) Close() error {
	var errs []error
	for _, provider := range p.providers {
		if err := provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
