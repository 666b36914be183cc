// Package secrets resolves exchange API credentials. With Vault
// enabled it reads a KV v2 secret; disabled (the default) it falls
// back to environment variables, which keeps local development free of
// any Vault dependency.
package secrets

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/vault/api"
)

// Credentials is one exchange API key pair.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Config locates the credentials.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
}

// Store reads credentials from Vault or the environment.
type Store struct {
	cfg    Config
	client *api.Client
}

// NewStore builds a secrets store. With cfg.Enabled false no Vault
// connection is made.
func NewStore(cfg Config) (*Store, error) {
	s := &Store{cfg: cfg}
	if !cfg.Enabled {
		return s, nil
	}

	vaultCfg := api.DefaultConfig()
	vaultCfg.Address = cfg.Address
	client, err := api.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	s.client = client
	return s, nil
}

// ExchangeCredentials returns the API key pair for an exchange.
// Missing credentials are not an error: public market-data endpoints
// work unauthenticated, so both fields may come back empty.
func (s *Store) ExchangeCredentials(ctx context.Context, exchange string) (Credentials, error) {
	if !s.cfg.Enabled {
		prefix := fmt.Sprintf("MARKETFLOW_%s", envKey(exchange))
		return Credentials{
			APIKey:    os.Getenv(prefix + "_API_KEY"),
			SecretKey: os.Getenv(prefix + "_SECRET_KEY"),
		}, nil
	}

	secret, err := s.client.KVv2(s.cfg.MountPath).Get(ctx, s.cfg.SecretPath)
	if err != nil {
		return Credentials{}, fmt.Errorf("read vault secret %s/%s: %w", s.cfg.MountPath, s.cfg.SecretPath, err)
	}

	creds := Credentials{}
	if v, ok := secret.Data["api_key"].(string); ok {
		creds.APIKey = v
	}
	if v, ok := secret.Data["secret_key"].(string); ok {
		creds.SecretKey = v
	}
	return creds, nil
}

func envKey(exchange string) string {
	out := make([]rune, 0, len(exchange))
	for _, r := range exchange {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-'a'+'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
