package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gocloud.dev/secrets"
	// Keeper drivers are opt-in. Import the ones your deployment uses:
	// _ "gocloud.dev/secrets/awskms"
	// _ "gocloud.dev/secrets/azurekeyvault"
	// _ "gocloud.dev/secrets/gcpkms"
	// _ "gocloud.dev/secrets/hashivault"
	// _ "gocloud.dev/secrets/localsecrets"
)

// Source supplies the encrypted SecretData blob. Keepers encrypt and
// decrypt but do not store, so the ciphertext lives outside the keeper:
// a file, an object store, a database row.
type Source func(ctx context.Context) ([]byte, error)

// FileSource reads the ciphertext from path on every load, so replacing
// the file rotates the credentials.
func FileSource(path string) Source {
	return func(context.Context) ([]byte, error) {
		return os.ReadFile(path)
	}
}

// SecretProvider decrypts credentials through a gocloud.dev secrets keeper
// and caches the result.
type SecretProvider struct {
	keeper *secrets.Keeper
	source Source
	config ProviderConfig
	logger *slog.Logger

	mu             sync.RWMutex
	cachedCreds    *Credentials
	cacheExpiry    time.Time
	credentialType CredentialType
	closed         bool

	closeOnce   sync.Once
	refreshStop chan struct{}
	refreshDone chan struct{}
}

// NewSecretProvider creates a credential provider with default config.
//
// Keeper URL formats:
//   - AWS KMS: "awskms://keyID"
//   - GCP KMS: "gcpkms://projects/P/locations/L/keyRings/R/cryptoKeys/K"
//   - Azure Key Vault: "azurekeyvault://VAULT.vault.azure.net/keys/KEY"
//   - HashiCorp Vault: "hashivault://mykey"
//   - Local (dev): "base64key://BASE64-ENCODED-KEY"
//
// The source supplies the ciphertext the keeper decrypts, typically
// FileSource pointing at a file written by WriteCredentialsFile.
func NewSecretProvider(ctx context.Context, url string, source Source) (*SecretProvider, error) {
	return NewSecretProviderWithConfig(ctx, url, source, DefaultConfig())
}

// NewSecretProviderWithConfig creates a provider with custom configuration.
func NewSecretProviderWithConfig(ctx context.Context, url string, source Source, config ProviderConfig) (*SecretProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("secret keeper URL is required")
	}
	if source == nil {
		return nil, fmt.Errorf("ciphertext source is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}

	provider := &SecretProvider{
		keeper:      keeper,
		source:      source,
		config:      config,
		logger:      config.Logger,
		refreshStop: make(chan struct{}),
		refreshDone: make(chan struct{}),
	}

	if err := provider.loadCredentials(ctx); err != nil {
		keeper.Close()
		return nil, fmt.Errorf("failed to load initial credentials: %w", err)
	}

	if config.AutoRefresh {
		go provider.autoRefresh()
	} else {
		close(provider.refreshDone)
	}

	return provider, nil
}

// GetCredentials returns credentials from cache, reloading when the cache
// has expired.
func (p *SecretProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.RLock()

	if p.closed {
		p.mu.RUnlock()
		return nil, ErrProviderClosed
	}

	if p.cachedCreds != nil && time.Now().Before(p.cacheExpiry) {
		creds := p.cachedCreds
		p.mu.RUnlock()

		if creds.IsExpired() {
			return nil, ErrCredentialsExpired
		}
		return creds, nil
	}

	p.mu.RUnlock()

	if err := p.loadCredentials(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.cachedCreds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.cachedCreds, nil
}

// loadCredentials reads the ciphertext, decrypts it and refreshes the cache.
func (p *SecretProvider) loadCredentials(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProviderClosed
	}

	ciphertext, err := p.source(ctx)
	if err != nil {
		return fmt.Errorf("failed to read secret ciphertext: %w", err)
	}

	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return fmt.Errorf("failed to decrypt secret: %w", err)
	}

	var secretData SecretData
	if err := json.Unmarshal(plaintext, &secretData); err != nil {
		return fmt.Errorf("failed to unmarshal secret data: %w", err)
	}
	if secretData.Credentials == nil {
		return fmt.Errorf("%w: secret envelope has no credentials", ErrInvalidCredentials)
	}

	if err := secretData.Credentials.Validate(); err != nil {
		return fmt.Errorf("invalid credentials in secret: %w", err)
	}

	p.cachedCreds = secretData.Credentials
	p.cacheExpiry = time.Now().Add(p.config.CacheTTL)
	p.credentialType = secretData.Credentials.Type

	return nil
}

// Rotate invalidates the cache and reloads from the secret backend. The
// backend itself rotates the secret; this picks up the new version.
func (p *SecretProvider) Rotate(ctx context.Context) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrProviderClosed
	}
	p.mu.RUnlock()

	p.mu.Lock()
	p.cachedCreds = nil
	p.cacheExpiry = time.Time{}
	p.mu.Unlock()

	return p.loadCredentials(ctx)
}

// Type returns the credential type.
func (p *SecretProvider) Type() CredentialType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.credentialType
}

// Close stops the refresh loop and releases the keeper.
func (p *SecretProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.refreshStop)
		<-p.refreshDone

		if p.keeper != nil {
			err = p.keeper.Close()
		}
	})
	return err
}

// autoRefresh periodically reloads credentials until Close.
func (p *SecretProvider) autoRefresh() {
	defer close(p.refreshDone)

	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := p.loadCredentials(ctx); err != nil {
				p.logger.Error("credential refresh failed", "error", err)
			}
			cancel()

		case <-p.refreshStop:
			return
		}
	}
}

// EncryptCredentials seals creds into a SecretData envelope with the keeper
// at url and returns the ciphertext. Writing the ciphertext to its home is
// the caller's job; keepers have no storage of their own.
func EncryptCredentials(ctx context.Context, url string, creds *Credentials) ([]byte, error) {
	if creds == nil {
		return nil, fmt.Errorf("%w: credentials are required", ErrInvalidCredentials)
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}
	defer keeper.Close()

	secretData := SecretData{
		Credentials: creds,
		Version:     1,
		CreatedAt:   time.Now(),
		Metadata: map[string]string{
			"created_by": "keelson",
		},
	}

	plaintext, err := json.Marshal(&secretData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal secret data: %w", err)
	}

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret data: %w", err)
	}

	return ciphertext, nil
}

// WriteCredentialsFile encrypts creds with the keeper at url and writes the
// ciphertext to path with 0600 permissions, ready for FileSource. Used for
// initial setup and for rotation by replacing the file.
func WriteCredentialsFile(ctx context.Context, url, path string, creds *Credentials) error {
	ciphertext, err := EncryptCredentials(ctx, url, creds)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}
