package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/mitchellh/mapstructure"
)

const (
	approleSecretIDPath = "auth/approle/role/%s/secret-id"
	approleLoginPath    = "auth/approle/login"
)

// ErrClientInit indicates failure to initialize the Vault API client.
var ErrClientInit = errors.New("vault client initialization failed")

// ErrNoCredentials is returned when a role path yields no usable secret.
var ErrNoCredentials = errors.New("vault returned no credentials")

type Option func(*config)

type config struct {
	address  string
	token    string
	roleID   string
	roleName string
}

// Client is a thin wrapper around the Vault API used to mint database
// credentials for a single backup job.
type Client struct {
	api    *vault.Client
	config *config
}

// DynamicCredentials is a short-lived database user issued by Vault.
type DynamicCredentials struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TTL      time.Duration
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

func WithAppRole(roleID, roleName string) Option {
	return func(c *config) {
		c.roleID = roleID
		c.roleName = roleName
	}
}

// NewClient creates and initializes a Vault Client using provided options.
// It will perform AppRole login if roleID and roleName are both set, otherwise
// a static token (from env or WithToken) is used.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &config{
		address: os.Getenv("VAULT_ADDR"),
		token:   os.Getenv("VAULT_TOKEN"),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	apiCfg := vault.DefaultConfig()
	if cfg.address != "" {
		apiCfg.Address = cfg.address
	}

	api, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientInit, err)
	}

	client := &Client{api: api, config: cfg}

	if cfg.token != "" {
		client.api.SetToken(cfg.token)
	}

	if cfg.roleID != "" && cfg.roleName != "" {
		if err := client.loginAppRole(ctx); err != nil {
			return nil, fmt.Errorf("AppRole login failed: %w", err)
		}
	}

	return client, nil
}

// loginAppRole performs AppRole login using the configured roleID and roleName.
func (c *Client) loginAppRole(ctx context.Context) error {
	secretPath := fmt.Sprintf(approleSecretIDPath, c.config.roleName)
	resp, err := c.api.Logical().WriteWithContext(ctx, secretPath, nil)
	if err != nil {
		return fmt.Errorf("generate secret_id: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("no response from %s", secretPath)
	}
	sid, ok := resp.Data["secret_id"].(string)
	if !ok || sid == "" {
		return fmt.Errorf("no secret_id returned from %s", secretPath)
	}

	loginData := map[string]any{
		"role_id":   c.config.roleID,
		"secret_id": sid,
	}
	loginResp, err := c.api.Logical().WriteWithContext(ctx, approleLoginPath, loginData)
	if err != nil {
		return fmt.Errorf("approle login request: %w", err)
	}
	if loginResp == nil || loginResp.Auth == nil || loginResp.Auth.ClientToken == "" {
		return fmt.Errorf("no token in login response")
	}
	c.api.SetToken(loginResp.Auth.ClientToken)
	return nil
}

// DatabaseCredentials reads dynamic credentials for role under the
// roleBase mount, e.g. "database/creds" + "backup-ro".
func (c *Client) DatabaseCredentials(
	ctx context.Context,
	roleBase, role string,
) (DynamicCredentials, error) {
	secret, err := c.api.Logical().ReadWithContext(ctx, path.Join(roleBase, role))
	if err != nil {
		return DynamicCredentials{}, fmt.Errorf("vault read %s: %w", role, err)
	}
	if secret == nil {
		return DynamicCredentials{}, fmt.Errorf("%w at %s", ErrNoCredentials, role)
	}
	creds, err := decodeCredentials(secret.Data)
	if err != nil {
		return DynamicCredentials{}, fmt.Errorf("decode %s: %w", role, err)
	}
	creds.TTL = time.Duration(secret.LeaseDuration) * time.Second
	return creds, nil
}

func decodeCredentials(data map[string]any) (DynamicCredentials, error) {
	var creds DynamicCredentials
	if err := mapstructure.Decode(data, &creds); err != nil {
		return DynamicCredentials{}, err
	}
	if creds.Username == "" || creds.Password == "" {
		return DynamicCredentials{}, ErrNoCredentials
	}
	return creds, nil
}
