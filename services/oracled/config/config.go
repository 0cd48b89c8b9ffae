package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"evmoracle/core/identity"
	"evmoracle/services/oracled/pipeline"
	"evmoracle/storage"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.set(value.Value)
}

// UnmarshalText lets TOML decode durations from strings.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.set(string(text))
}

func (d *Duration) set(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for oracled.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Storage       StorageConfig   `yaml:"storage" toml:"storage"`
	Owner         string          `yaml:"owner" toml:"owner"`
	EVMPeer       string          `yaml:"evm_peer" toml:"evm_peer"`
	Self          string          `yaml:"self" toml:"self"`
	Chain         ChainConfig     `yaml:"chain" toml:"chain"`
	Decimals      int32           `yaml:"decimals" toml:"decimals"`
	Sources       SourcesConfig   `yaml:"sources" toml:"sources"`
	Scheduler     SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Journal       JournalConfig   `yaml:"journal" toml:"journal"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
}

// StorageConfig selects the key/value backend holding oracle state.
type StorageConfig struct {
	Backend  string `yaml:"backend" toml:"backend"`
	Path     string `yaml:"path" toml:"path"`
	Capacity int    `yaml:"capacity" toml:"capacity"`
}

// ChainConfig describes the EVM side transactions are signed for.
type ChainConfig struct {
	ID          int64  `yaml:"id" toml:"id"`
	GasPriceWei string `yaml:"gas_price_wei" toml:"gas_price_wei"`
	Bytecode    string `yaml:"bytecode" toml:"bytecode"`
	// BytecodeFile is read when Bytecode is empty.
	BytecodeFile string `yaml:"bytecode_file" toml:"bytecode_file"`
}

// SourcesConfig tunes the external price sources.
type SourcesConfig struct {
	Coinbase  SourceConfig `yaml:"coinbase" toml:"coinbase"`
	CoinGecko SourceConfig `yaml:"coingecko" toml:"coingecko"`
}

// SourceConfig describes one upstream price feed.
type SourceConfig struct {
	Disabled          bool              `yaml:"disabled" toml:"disabled"`
	Endpoint          string            `yaml:"endpoint" toml:"endpoint"`
	Assets            map[string]string `yaml:"assets" toml:"assets"`
	RequestsPerSecond float64           `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int               `yaml:"burst" toml:"burst"`
	Timeout           Duration          `yaml:"timeout" toml:"timeout"`
	MaxBodyBytes      int64             `yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// SchedulerConfig drives the periodic sync loop. An empty source disables it.
type SchedulerConfig struct {
	Source   string   `yaml:"source" toml:"source"`
	Interval Duration `yaml:"interval" toml:"interval"`
}

// JournalConfig selects the relay journal database.
type JournalConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// AuthConfig configures caller bearer tokens.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret" toml:"hmac_secret"`
	SecretEnv  string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
	// RequestsPerMinute limits each caller; zero disables limiting.
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = storage.BackendLevelDB
	}
	if cfg.Storage.Path == "" && cfg.Storage.Backend != storage.BackendMemory {
		cfg.Storage.Path = "/var/data/oracled"
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = pipeline.DefaultDecimals
	}
	if cfg.Scheduler.Interval.Duration == 0 {
		cfg.Scheduler.Interval.Duration = time.Minute
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Journal.DSN == "" && cfg.Journal.Driver == "sqlite" {
		cfg.Journal.DSN = "/var/data/oracled-journal.sqlite"
	}
	if cfg.Auth.SecretEnv == "" {
		cfg.Auth.SecretEnv = "ORACLED_JWT_SECRET"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 30 * time.Second
	}
}

func validate(cfg Config) error {
	if _, err := optionalIdentity(cfg.Owner); err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	if _, err := optionalIdentity(cfg.EVMPeer); err != nil {
		return fmt.Errorf("evm_peer: %w", err)
	}
	self, err := identity.Parse(cfg.Self)
	if err != nil {
		return fmt.Errorf("self: %w", err)
	}
	if self.IsAnonymous() {
		return fmt.Errorf("self identity must be configured")
	}
	if cfg.Chain.ID <= 0 {
		return fmt.Errorf("chain.id must be positive")
	}
	if _, err := cfg.GasPrice(); err != nil {
		return err
	}
	if _, err := decodeBytecode(cfg.Chain.Bytecode); err != nil {
		return err
	}
	if cfg.Auth.RequestsPerMinute < 0 {
		return fmt.Errorf("auth.requests_per_minute must not be negative")
	}
	if cfg.Storage.Capacity < 0 {
		return fmt.Errorf("storage.capacity must not be negative")
	}
	if cfg.Decimals < 0 || cfg.Decimals > 18 {
		return fmt.Errorf("decimals must be between 0 and 18")
	}
	if cfg.Scheduler.Source != "" {
		source, err := pipeline.ParseSource(cfg.Scheduler.Source)
		if err != nil {
			return fmt.Errorf("scheduler.source: %w", err)
		}
		if source == pipeline.SourceCoinbase && cfg.Sources.Coinbase.Disabled {
			return fmt.Errorf("scheduler uses coinbase but the source is disabled")
		}
		if source == pipeline.SourceCoinGecko && cfg.Sources.CoinGecko.Disabled {
			return fmt.Errorf("scheduler uses coingecko but the source is disabled")
		}
	}
	switch cfg.Journal.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("journal.driver %q unsupported", cfg.Journal.Driver)
	}
	if cfg.Journal.Driver == "postgres" && strings.TrimSpace(cfg.Journal.DSN) == "" {
		return fmt.Errorf("journal.dsn required for postgres")
	}
	return nil
}

// Identities returns the parsed owner, EVM peer and self identities. Empty
// owner and peer values map to the anonymous identity.
func (c Config) Identities() (owner, peer, self identity.Identity, err error) {
	if owner, err = optionalIdentity(c.Owner); err != nil {
		return
	}
	if peer, err = optionalIdentity(c.EVMPeer); err != nil {
		return
	}
	self, err = identity.Parse(c.Self)
	return
}

func optionalIdentity(raw string) (identity.Identity, error) {
	if strings.TrimSpace(raw) == "" {
		return identity.Anonymous, nil
	}
	return identity.Parse(raw)
}

// ChainID returns the configured chain id.
func (c Config) ChainID() *big.Int {
	return big.NewInt(c.Chain.ID)
}

// GasPrice returns the fixed gas price, or nil to use the node's suggestion.
func (c Config) GasPrice() (*big.Int, error) {
	raw := strings.TrimSpace(c.Chain.GasPriceWei)
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("chain.gas_price_wei %q invalid", raw)
	}
	return value, nil
}

// Bytecode returns the aggregator creation code from the inline value or the
// configured file. An empty result, including a missing file, disables
// contract deployment.
func (c Config) Bytecode() ([]byte, error) {
	raw := c.Chain.Bytecode
	if strings.TrimSpace(raw) == "" && c.Chain.BytecodeFile != "" {
		data, err := os.ReadFile(c.Chain.BytecodeFile)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read bytecode: %w", err)
		}
		raw = string(data)
	}
	return decodeBytecode(raw)
}

// HMACSecret returns the configured secret, preferring the environment.
func (c Config) HMACSecret() string {
	if v := strings.TrimSpace(os.Getenv(c.Auth.SecretEnv)); v != "" {
		return v
	}
	return c.Auth.HMACSecret
}

func decodeBytecode(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, nil
	}
	code, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain.bytecode: %w", err)
	}
	return code, nil
}
