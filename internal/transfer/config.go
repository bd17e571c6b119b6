package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/google/renameio/v2"
	"github.com/mitchellh/mapstructure"

	"github.com/kebairia/sitebackup/internal/secrets"
)

// ConfigFilename is the destination config inside the backup directory.
const ConfigFilename = "remote_config.json"

// Transfer methods.
const (
	MethodSSH   = "ssh"
	MethodSFTP  = "sftp"
	MethodFTP   = "ftp"
	MethodRsync = "rsync"
	MethodS3    = "s3"
)

var (
	ErrInvalidConfig = errors.New("invalid destination configuration")
	ErrNoServer      = errors.New("no remote server configured")
	ErrDisabled      = errors.New("remote backup is disabled")
)

// Config is the destination configuration shared by every transfer.
type Config struct {
	Enabled   bool `json:"enabled"`
	KeepLocal bool `json:"keep_local"`
	// MaxRetries is the total number of attempts per artifact.
	MaxRetries int `json:"max_retries" validate:"gte=1,lte=20"`
	// Timeout bounds a single attempt, in seconds.
	Timeout        int  `json:"timeout" validate:"gte=0"`
	VerifyChecksum bool `json:"verify_checksum"`
	// RateLimit caps upload bandwidth in KB/s; 0 means unlimited.
	RateLimit int      `json:"rate_limit" validate:"gte=0"`
	Servers   []Server `json:"servers" validate:"dive"`
}

// Server describes one destination.
type Server struct {
	ID     string `json:"id" validate:"required"`
	Method string `json:"method" validate:"oneof=ssh sftp ftp rsync s3"`
	Active *bool  `json:"active,omitempty"`

	Host       string `json:"host,omitempty" validate:"required_unless=Method s3"`
	Port       int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	User       string `json:"user,omitempty"`
	Path       string `json:"path,omitempty"`
	Password   string `json:"password,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	KnownHosts string `json:"known_hosts,omitempty"`
	// SSH selects rsync over SSH instead of the rsync daemon protocol.
	SSH bool `json:"ssh,omitempty"`

	Bucket       string `json:"bucket,omitempty" validate:"required_if=Method s3"`
	AccessKey    string `json:"access_key,omitempty"`
	SecretKey    string `json:"secret_key,omitempty"`
	Region       string `json:"region,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	StorageClass string `json:"storage_class,omitempty"`
}

// IsActive reports whether the server takes part in default resolution.
// A server without the flag is active.
func (s Server) IsActive() bool { return s.Active == nil || *s.Active }

// Addr returns host:port with the method's default port.
func (s Server) Addr() string {
	port := s.Port
	if port == 0 {
		switch s.Method {
		case MethodFTP:
			port = 21
		case MethodRsync:
			if !s.SSH {
				port = 873
			} else {
				port = 22
			}
		default:
			port = 22
		}
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// DefaultConfig is used when no destination config has been saved yet.
func DefaultConfig() Config {
	return Config{
		KeepLocal:      true,
		MaxRetries:     3,
		Timeout:        300,
		VerifyChecksum: true,
	}
}

// Validate checks the struct tags and that server ids are unique.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate server id %q", ErrInvalidConfig, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Server returns the named server, or the first active one when id is
// empty.
func (c Config) Server(id string) (Server, error) {
	for _, s := range c.Servers {
		if id != "" && s.ID == id {
			return s, nil
		}
	}
	if id != "" {
		return Server{}, fmt.Errorf("%w: %q", ErrNoServer, id)
	}
	for _, s := range c.Servers {
		if s.IsActive() {
			return s, nil
		}
	}
	return Server{}, ErrNoServer
}

// Redacted returns a copy that is safe to print.
func (c Config) Redacted() Config {
	out := c
	out.Servers = make([]Server, len(c.Servers))
	for i, s := range c.Servers {
		if s.Password != "" {
			s.Password = "********"
		}
		if s.SecretKey != "" {
			s.SecretKey = "********"
		}
		out.Servers[i] = s
	}
	return out
}

// LoadConfig reads the destination config at path and decrypts its
// secrets in memory. A missing file yields DefaultConfig.
func LoadConfig(path string, box *secrets.Box) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read destination config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode destination config: %w", err)
	}
	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		if s.Password, err = box.Decrypt(s.Password); err != nil {
			return cfg, fmt.Errorf("server %q password: %w", s.ID, err)
		}
		if s.SecretKey, err = box.Decrypt(s.SecretKey); err != nil {
			return cfg, fmt.Errorf("server %q secret key: %w", s.ID, err)
		}
	}
	return cfg, nil
}

// SaveConfig validates cfg and writes it to path with every secret
// encrypted. cfg itself is not modified.
func SaveConfig(path string, cfg Config, box *secrets.Box) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	out := cfg
	out.Servers = make([]Server, len(cfg.Servers))
	for i, s := range cfg.Servers {
		var err error
		if s.Password, err = box.Encrypt(s.Password); err != nil {
			return err
		}
		if s.SecretKey, err = box.Encrypt(s.SecretKey); err != nil {
			return err
		}
		out.Servers[i] = s
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode destination config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", filepath.Dir(path), err)
	}
	return renameio.WriteFile(path, data, 0o600)
}

// DecodeServer builds a Server from loosely typed key/value input such as
// form fields or command line pairs, where every value may be a string.
func DecodeServer(input map[string]any) (Server, error) {
	var s Server
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &s,
	})
	if err != nil {
		return s, err
	}
	if err := dec.Decode(input); err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := validator.New().Struct(s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return s, nil
}
