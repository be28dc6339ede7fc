// Package vault stores per-account broker credentials in HashiCorp Vault
// (KV v2). When Vault is disabled the client keeps credentials in a local
// in-memory store, which is how development and the test suite run.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"trading-guardian/config"
	"trading-guardian/internal/broker"
)

type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]*broker.Credentials // accountID -> credentials
}

var _ broker.CredentialSource = (*Client)(nil)

func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config: cfg,
			cache:  make(map[string]*broker.Credentials),
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
		cache:  make(map[string]*broker.Credentials),
	}, nil
}

// BrokerCredentials resolves an account's API key pair, serving from cache
// when possible. Satisfies broker.CredentialSource.
func (c *Client) BrokerCredentials(ctx context.Context, accountID string) (*broker.Credentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[accountID]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("credentials for account %s not found and vault is disabled", accountID)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credentials for account %s not found", accountID)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	creds := &broker.Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("credentials for account %s are incomplete", accountID)
	}

	c.mu.Lock()
	c.cache[accountID] = creds
	c.mu.Unlock()

	return creds, nil
}

// StoreCredentials writes an account's key pair
func (c *Client) StoreCredentials(ctx context.Context, accountID string, creds broker.Credentials) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[accountID] = &creds
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(accountID), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cache[accountID] = &creds
	c.mu.Unlock()

	return nil
}

// DeleteCredentials removes an account's key pair
func (c *Client) DeleteCredentials(ctx context.Context, accountID string) error {
	c.mu.Lock()
	delete(c.cache, accountID)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(accountID)); err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}

	return nil
}

// InvalidateAccount drops an account's cached credentials, forcing the next
// lookup back to Vault. Called after key rotation.
func (c *Client) InvalidateAccount(accountID string) {
	c.mu.Lock()
	delete(c.cache, accountID)
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func (c *Client) secretPath(accountID string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, accountID)
}

func (c *Client) metadataPath(accountID string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", c.config.MountPath, c.config.SecretPath, accountID)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// NewMockClient creates a disabled client backed by the local store, for tests
func NewMockClient() *Client {
	return &Client{
		config: config.VaultConfig{Enabled: false},
		cache:  make(map[string]*broker.Credentials),
	}
}
