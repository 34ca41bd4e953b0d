package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/gematik/tee3/pkg/certcache"
	"github.com/gematik/tee3/pkg/gempki"
	"github.com/gematik/tee3/pkg/tee3"
	"github.com/gematik/tee3/pkg/vauclient"
	"github.com/gematik/tee3/pkg/vauserver"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddress = ":8080"
	DefaultCluster = "cluster1"
	DefaultPod     = "pod1"
)

type Config struct {
	BaseDir     string             `yaml:"-"` // directory of the config file, relative paths resolve against it
	Environment gempki.Environment `yaml:"environment" validate:"required,oneof=dev ref test prod"`
	Client      *ClientConfig      `yaml:"client"`
	Server      *ServerConfig      `yaml:"server"`
}

type ClientConfig struct {
	BaseURL         string        `yaml:"base_url" validate:"omitempty,url"`
	UserAgent       string        `yaml:"user_agent"`
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
	RetryTimeout    time.Duration `yaml:"retry_timeout" validate:"gte=0"`
	MaxRetryTimeout time.Duration `yaml:"max_retry_timeout" validate:"gte=0,gtefield=RetryTimeout"`
	ContextLifetime time.Duration `yaml:"context_lifetime" validate:"gte=0"`
	CertCachePath   string        `yaml:"cert_cache_path"`
	CertCacheTTL    time.Duration `yaml:"cert_cache_ttl" validate:"gte=0"`
	PoolSize        int           `yaml:"pool_size" validate:"gte=0"`
	// TrustRootsPath points to a PEM file with roots and sub-CAs. Without it the
	// environment's trust anchor and the TSL at TSLURL are used.
	TrustRootsPath string `yaml:"trust_roots_path"`
	TSLURL         string `yaml:"tsl_url" validate:"omitempty,url"`
}

type ServerConfig struct {
	Address     string        `yaml:"address"`
	Cluster     string        `yaml:"cluster" validate:"omitempty,alphanum"`
	Pod         string        `yaml:"pod" validate:"omitempty,alphanum"`
	KeyLifetime time.Duration `yaml:"key_lifetime" validate:"gte=0"`
	ChannelTTL  time.Duration `yaml:"channel_ttl" validate:"gte=0"`
	// MockRootsPath is where serve writes the PEM of its mock PKI.
	MockRootsPath string `yaml:"mock_roots_path"`
}

func LoadConfigFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	cfg, err := Parse([]byte(os.ExpandEnv(string(content))))
	if err != nil {
		return nil, err
	}
	cfg.BaseDir = filepath.Dir(path)
	return cfg, nil
}

// Parse decodes, defaults and validates a config document. Environment
// variables are not expanded.
func Parse(content []byte) (*Config, error) {
	cfg := new(Config)
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}
	cfg.applyDefaults()

	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		return name
	})
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = gempki.EnvDev
	}
	if c.Client == nil {
		c.Client = new(ClientConfig)
	}
	if c.Server == nil {
		c.Server = new(ServerConfig)
	}

	cl := c.Client
	setDuration(&cl.Timeout, vauclient.DefaultTimeout)
	setDuration(&cl.RetryTimeout, vauclient.DefaultRetryTimeout)
	setDuration(&cl.MaxRetryTimeout, vauclient.DefaultMaxRetryTimeout)
	setDuration(&cl.ContextLifetime, vauclient.DefaultContextLifetime)
	setDuration(&cl.CertCacheTTL, certcache.DefaultTTL)
	if cl.PoolSize == 0 {
		cl.PoolSize = 1
	}

	s := c.Server
	if s.Address == "" {
		s.Address = DefaultAddress
	}
	if s.Cluster == "" {
		s.Cluster = DefaultCluster
	}
	if s.Pod == "" {
		s.Pod = DefaultPod
	}
	setDuration(&s.KeyLifetime, tee3.DefaultSignedKeysLifetime)
	setDuration(&s.ChannelTTL, vauserver.DefaultChannelTTL)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Path resolves p against the config file's directory. Empty paths stay empty.
func (c *Config) Path(p string) string {
	p = ExpandPath(p)
	if p == "" || filepath.IsAbs(p) || c.BaseDir == "" {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

// Expand ~ to $HOME
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = strings.Replace(path, "~", home, 1)
	}
	return path
}
