package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"aim-chat/invite-registry/internal/waku"
)

const envPrefix = "REGISTRY_"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Audience  string
	Log       LogConfig
	Network   waku.Config
	KeyStore  KeyStoreConfig
	Directory DirectoryConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type KeyStoreConfig struct {
	Path   string
	Secret string
}

type DirectoryConfig struct {
	Path         string
	InMemory     bool
	RateRPS      float64
	RateBurst    int
	MaxClockSkew time.Duration
}

// FileConfig mirrors the YAML layout. Pointer fields distinguish unset from false.
type FileConfig struct {
	Audience  string         `yaml:"audience"`
	Log       LogConfig      `yaml:"log"`
	Network   NetworkFile    `yaml:"network"`
	KeyStore  KeyStoreConfig `yaml:"keystore"`
	Directory DirectoryFile  `yaml:"directory"`
}

type NetworkFile struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	PubsubTopic         string        `yaml:"pubsubTopic"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	EnableStore         *bool         `yaml:"enableStore"`
	EnableFilter        *bool         `yaml:"enableFilter"`
	EnableLightPush     *bool         `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type DirectoryFile struct {
	Path         string        `yaml:"path"`
	InMemory     *bool         `yaml:"inMemory"`
	RateRPS      float64       `yaml:"rateRPS"`
	RateBurst    int           `yaml:"rateBurst"`
	MaxClockSkew time.Duration `yaml:"maxClockSkew"`
}

func Default() Config {
	return Config{
		Audience: "aim-registry",
		Log:      LogConfig{Level: "info", Format: "text"},
		Network:  waku.DefaultConfig(),
		Directory: DirectoryConfig{
			InMemory:     true,
			RateRPS:      1,
			RateBurst:    5,
			MaxClockSkew: 5 * time.Minute,
		},
	}
}

// LoadFromPath reads configPath, or the first default location that exists when
// it is empty, and layers it over Default and the environment.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{"configs/registry.yaml", "registry.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	cfg = normalize(cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Merge(dst *Config, src FileConfig) {
	if src.Audience != "" {
		dst.Audience = src.Audience
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
	mergeNetwork(&dst.Network, src.Network)
	if src.KeyStore.Path != "" {
		dst.KeyStore.Path = src.KeyStore.Path
	}
	if src.KeyStore.Secret != "" {
		dst.KeyStore.Secret = src.KeyStore.Secret
	}
	if src.Directory.Path != "" {
		dst.Directory.Path = src.Directory.Path
		dst.Directory.InMemory = false
	}
	if src.Directory.InMemory != nil {
		dst.Directory.InMemory = *src.Directory.InMemory
	}
	if src.Directory.RateRPS != 0 {
		dst.Directory.RateRPS = src.Directory.RateRPS
	}
	if src.Directory.RateBurst != 0 {
		dst.Directory.RateBurst = src.Directory.RateBurst
	}
	if src.Directory.MaxClockSkew != 0 {
		dst.Directory.MaxClockSkew = src.Directory.MaxClockSkew
	}
}

func mergeNetwork(dst *waku.Config, src NetworkFile) {
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.PubsubTopic != "" {
		dst.PubsubTopic = src.PubsubTopic
	}
	if src.EnableRelay != nil {
		dst.EnableRelay = *src.EnableRelay
	}
	if src.EnableStore != nil {
		dst.EnableStore = *src.EnableStore
	}
	if src.EnableFilter != nil {
		dst.EnableFilter = *src.EnableFilter
	}
	if src.EnableLightPush != nil {
		dst.EnableLightPush = *src.EnableLightPush
	}
	if src.BootstrapNodes != nil {
		dst.BootstrapNodes = src.BootstrapNodes
	}
	if src.MinPeers != 0 {
		dst.MinPeers = src.MinPeers
	}
	if src.ReconnectInterval != 0 {
		dst.ReconnectInterval = src.ReconnectInterval
	}
	if src.ReconnectBackoffMax != 0 {
		dst.ReconnectBackoffMax = src.ReconnectBackoffMax
	}
}

// ApplyEnvOverrides applies REGISTRY_* variables. Unparseable values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := env("AUDIENCE"); v != "" {
		cfg.Audience = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := env("NETWORK_TRANSPORT"); v != "" {
		cfg.Network.Transport = v
	}
	if v := env("NETWORK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Network.Port = port
		}
	}
	if v := env("BOOTSTRAP_NODES"); v != "" {
		nodes := make([]string, 0)
		for _, node := range strings.Split(v, ",") {
			if node = strings.TrimSpace(node); node != "" {
				nodes = append(nodes, node)
			}
		}
		cfg.Network.BootstrapNodes = nodes
	}
	if v := env("KEYSTORE_PATH"); v != "" {
		cfg.KeyStore.Path = v
	}
	if v := env("KEYSTORE_SECRET"); v != "" {
		cfg.KeyStore.Secret = v
	}
	ApplyDataDir(cfg, env("DATA_DIR"))
	if v := env("DIRECTORY_PATH"); v != "" {
		cfg.Directory.Path = v
		cfg.Directory.InMemory = false
	}
	if v := env("DIRECTORY_IN_MEMORY"); v != "" {
		if inMemory, err := strconv.ParseBool(v); err == nil {
			cfg.Directory.InMemory = inMemory
		}
	}
}

// ApplyDataDir places the directory database, and the keystore snapshot when a
// secret is configured, under dir. Paths that are already set are kept.
func ApplyDataDir(cfg *Config, dir string) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return
	}
	if strings.TrimSpace(cfg.Directory.Path) == "" {
		cfg.Directory.Path = filepath.Join(dir, "directory")
		cfg.Directory.InMemory = false
	}
	if cfg.KeyStore.Path == "" && cfg.KeyStore.Secret != "" {
		cfg.KeyStore.Path = filepath.Join(dir, "keys.enc")
	}
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func normalize(cfg Config) Config {
	def := Default()
	cfg.Network = waku.NormalizeConfig(cfg.Network)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if cfg.Audience == "" {
		cfg.Audience = def.Audience
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	if cfg.Directory.RateRPS < 0 {
		cfg.Directory.RateRPS = 0
	}
	if cfg.Directory.RateBurst < 0 {
		cfg.Directory.RateBurst = 0
	}
	if cfg.Directory.MaxClockSkew < 0 {
		cfg.Directory.MaxClockSkew = 0
	}
	return cfg
}

func Validate(cfg Config) error {
	if _, err := cfg.SlogLevel(); err != nil {
		return err
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, cfg.Log.Format)
	}
	switch cfg.Network.Transport {
	case waku.TransportMock, waku.TransportGoWaku:
	default:
		return fmt.Errorf("%w: transport %q", ErrInvalidConfig, cfg.Network.Transport)
	}
	for _, node := range cfg.Network.BootstrapNodes {
		if _, err := ma.NewMultiaddr(node); err != nil {
			return fmt.Errorf("%w: bootstrap node %q: %v", ErrInvalidConfig, node, err)
		}
	}
	if !cfg.Directory.InMemory && strings.TrimSpace(cfg.Directory.Path) == "" {
		return fmt.Errorf("%w: directory path is required unless inMemory", ErrInvalidConfig)
	}
	if cfg.KeyStore.Path != "" && cfg.KeyStore.Secret == "" {
		return fmt.Errorf("%w: keystore secret is required with a keystore path", ErrInvalidConfig)
	}
	return nil
}

func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.Log.Level)
	}
	return level, nil
}
