// Package vault loads server secrets from HashiCorp Vault, with the
// configured values as fallback when Vault is disabled.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"srpk-license-server/config"
)

// Secrets are the server-side signing secrets. They never leave this process.
type Secrets struct {
	LicenseSigningSecret string `json:"license_signing_secret"`
	LicenseJWTSecret     string `json:"license_jwt_secret"`
	AdminJWTSecret       string `json:"admin_jwt_secret"`
	SMTPPassword         string `json:"smtp_password"`
}

// Client wraps the Vault KV v2 client.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig
}

// NewClient creates a Vault client. When Vault is disabled the client only
// serves fallback values.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// LoadSecrets reads the secret bundle from Vault, filling any field missing
// there from the fallback. With Vault disabled the fallback is returned
// unchanged.
func (c *Client) LoadSecrets(ctx context.Context, fallback Secrets) (Secrets, error) {
	if !c.cfg.Enabled {
		return fallback, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return Secrets{}, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return fallback, nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return fallback, nil
	}

	out := fallback
	if v, ok := data["license_signing_secret"].(string); ok && v != "" {
		out.LicenseSigningSecret = v
	}
	if v, ok := data["license_jwt_secret"].(string); ok && v != "" {
		out.LicenseJWTSecret = v
	}
	if v, ok := data["admin_jwt_secret"].(string); ok && v != "" {
		out.AdminJWTSecret = v
	}
	if v, ok := data["smtp_password"].(string); ok && v != "" {
		out.SMTPPassword = v
	}
	return out, nil
}

// StoreSecrets writes the secret bundle to Vault. Used by provisioning
// tooling, not the server itself.
func (c *Client) StoreSecrets(ctx context.Context, secrets Secrets) error {
	if !c.cfg.Enabled {
		return fmt.Errorf("vault is not enabled")
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"license_signing_secret": secrets.LicenseSigningSecret,
			"license_jwt_secret":     secrets.LicenseJWTSecret,
			"admin_jwt_secret":       secrets.AdminJWTSecret,
			"smtp_password":          secrets.SMTPPassword,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, path, payload); err != nil {
		return fmt.Errorf("failed to store secrets in vault: %w", err)
	}
	return nil
}
