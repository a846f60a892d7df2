package config

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

// SecretManager wraps the Vault API client for reading transporter
// credentials, adapted from the pack's shared secret-loading pattern.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at address, authenticated
// with token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetKV2 reads a KV v2 secret at path and returns its unwrapped data map.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// ResolveTransporterURL overlays cfg.TransporterURL with the
// TRANSPORTER_URL secret at cfg.VaultSecretPath when Vault is configured;
// it leaves cfg untouched when VaultAddr is empty.
func ResolveTransporterURL(cfg *BrokerConfig) error {
	if cfg.VaultAddr == "" || cfg.VaultSecretPath == "" {
		return nil
	}
	mgr, err := NewSecretManager(cfg.VaultAddr, cfg.VaultToken)
	if err != nil {
		return err
	}
	secrets, err := mgr.GetKV2(cfg.VaultSecretPath)
	if err != nil {
		return err
	}
	if url, ok := secrets["TRANSPORTER_URL"].(string); ok && url != "" {
		cfg.TransporterURL = url
	}
	return nil
}
