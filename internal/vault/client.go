package vault

import (
	"context"
	"errors"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/mitchellh/mapstructure"
)

// ErrClientInit indicates failure to initialize the Vault API client.
var ErrClientInit = errors.New("vault client initialization failed")

// ErrSecretNotFound is returned when a path holds no data.
var ErrSecretNotFound = errors.New("vault secret not found")

type Option func(*config)

type config struct {
	address string
	token   string
}

type Client struct {
	// The Vault Client
	api    *vault.Client
	config *config
}

func WithAddress(address string) Option {
	return func(c *config) {
		if address != "" {
			c.address = address
		}
	}
}

func WithToken(token string) Option {
	return func(c *config) {
		if token != "" {
			c.token = token
		}
	}
}

// NewClient creates a Vault Client. Address and token default to VAULT_ADDR
// and VAULT_TOKEN and can be overridden with options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := &config{
		address: os.Getenv("VAULT_ADDR"),
		token:   os.Getenv("VAULT_TOKEN"),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	apiCfg := vault.DefaultConfig()
	if apiCfg.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientInit, apiCfg.Error)
	}
	if cfg.address != "" {
		apiCfg.Address = cfg.address
	}

	api, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientInit, err)
	}
	if cfg.token != "" {
		api.SetToken(cfg.token)
	}

	return &Client{api: api, config: cfg}, nil
}

// ReadInto reads the secret at path and decodes its data into out using
// mapstructure tags. KV v2 responses, which nest the payload under "data",
// are unwrapped.
func (c *Client) ReadInto(ctx context.Context, path string, out any) error {
	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]any); ok {
		data = nested
	}

	if err := mapstructure.Decode(data, out); err != nil {
		return fmt.Errorf("decode secret %s: %w", path, err)
	}
	return nil
}
