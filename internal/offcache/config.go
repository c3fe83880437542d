package offcache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/syndtr/goleveldb/leveldb/opt"
	yamlv3 "gopkg.in/yaml.v3"
)

const envPrefix = "OFFCACHE_"

const defaultTimeout = 30 * time.Second

type Config struct {
	Server struct {
		Port    int    `yaml:"port" koanf:"port"`
		Origin  string `yaml:"origin" koanf:"origin"`
		Timeout string `yaml:"timeout" koanf:"timeout"`
	} `yaml:"server" koanf:"server"`

	// Bumping any of these names invalidates the matching bucket at the
	// next activation.
	Cache struct {
		CacheName    string `yaml:"cache_name" koanf:"cache_name"`
		StaticCache  string `yaml:"static_cache" koanf:"static_cache"`
		DynamicCache string `yaml:"dynamic_cache" koanf:"dynamic_cache"`
	} `yaml:"cache" koanf:"cache"`

	Manifest struct {
		Static  []string `yaml:"static" koanf:"static"`
		Dynamic []string `yaml:"dynamic" koanf:"dynamic"`
	} `yaml:"manifest" koanf:"manifest"`

	Storage struct {
		Path        string `yaml:"path" koanf:"path"`
		WriteBuffer string `yaml:"write_buffer" koanf:"write_buffer"`
		BlockCache  string `yaml:"block_cache" koanf:"block_cache"`
	} `yaml:"storage" koanf:"storage"`

	Logging struct {
		LogStatsEvery string `yaml:"log_stats_every" koanf:"log_stats_every"`
	} `yaml:"logging" koanf:"logging"`

	Site struct {
		Port int    `yaml:"port" koanf:"port"`
		Root string `yaml:"root" koanf:"root"`
	} `yaml:"site" koanf:"site"`

	// compiled
	timeoutDur       time.Duration
	logStatsEveryDur time.Duration
	writeBufferBytes int64
	blockCacheBytes  int64
}

// DefaultConfig mirrors the lab site's service worker constants.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.Origin = "http://127.0.0.1:4321"
	cfg.Server.Timeout = "30s"
	cfg.Cache.CacheName = "emo-lab-v1.0.0"
	cfg.Cache.StaticCache = "emo-lab-static-v1.0.0"
	cfg.Cache.DynamicCache = "emo-lab-dynamic-v1.0.0"
	cfg.Manifest.Static = []string{
		"/",
		"/index.html",
		"/about.html",
		"/team.html",
		"/achievements.html",
		"/partners.html",
		"/contact.html",
		"/css/main.css",
		"/css/responsive.css",
		"/js/main.js",
		"/js/dataLoader.js",
		"/data/site-data.json",
		"/data/achievements.json",
		"/images/team/team-photo.jpg",
	}
	cfg.Manifest.Dynamic = []string{
		"/css/animations.css",
		"/js/animations.js",
		"/js/lazyLoading.js",
		"/js/performanceOptimizer.js",
	}
	cfg.Storage.Path = "./data/leveldb"
	cfg.Storage.WriteBuffer = "4mb"
	cfg.Storage.BlockCache = "8mb"
	cfg.Logging.LogStatsEvery = "1m"
	cfg.Site.Port = 4321
	cfg.Site.Root = "./public"
	return cfg
}

// LoadConfig starts from DefaultConfig, overlays the YAML file at path (if it
// exists) and then OFFCACHE_* environment variables. Nested keys use a double
// underscore: OFFCACHE_SERVER__ORIGIN sets server.origin.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return Config{}, fmt.Errorf("loading env overrides: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

func (c *Config) compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	u, err := url.Parse(c.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.origin: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("server.origin: missing host")
	}

	c.timeoutDur = defaultTimeout
	if c.Server.Timeout != "" {
		d, err := time.ParseDuration(c.Server.Timeout)
		if err != nil {
			return fmt.Errorf("server.timeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("server.timeout: must be positive, got %s", d)
		}
		c.timeoutDur = d
	}

	if c.Cache.StaticCache == "" || c.Cache.DynamicCache == "" {
		return fmt.Errorf("cache.static_cache and cache.dynamic_cache are required")
	}
	if c.Cache.StaticCache == c.Cache.DynamicCache {
		return fmt.Errorf("cache.static_cache and cache.dynamic_cache must differ")
	}

	for i, p := range c.Manifest.Static {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("manifest.static[%d]: %q is not root-relative", i, p)
		}
	}
	for i, p := range c.Manifest.Dynamic {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("manifest.dynamic[%d]: %q is not root-relative", i, p)
		}
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Storage.WriteBuffer != "" {
		n, err := parseBytes(c.Storage.WriteBuffer)
		if err != nil {
			return fmt.Errorf("storage.write_buffer: %w", err)
		}
		c.writeBufferBytes = n
	}
	if c.Storage.BlockCache != "" {
		n, err := parseBytes(c.Storage.BlockCache)
		if err != nil {
			return fmt.Errorf("storage.block_cache: %w", err)
		}
		c.blockCacheBytes = n
	}

	if c.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(c.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.log_stats_every: %w", err)
		}
		c.logStatsEveryDur = d
	}
	return nil
}

// StaticBucket and DynamicBucket return the versioned bucket names.
func (c Config) StaticBucket() string  { return c.Cache.StaticCache }
func (c Config) DynamicBucket() string { return c.Cache.DynamicCache }

func (c Config) bucketFor(kind BucketKind) string {
	if kind == BucketStatic {
		return c.Cache.StaticCache
	}
	return c.Cache.DynamicCache
}

// LevelDBOptions maps the storage sizes onto leveldb options.
func (c Config) LevelDBOptions() *opt.Options {
	return &opt.Options{
		WriteBuffer:        int(c.writeBufferBytes),
		BlockCacheCapacity: int(c.blockCacheBytes),
	}
}

// Timeout is the per-request origin timeout.
func (c Config) Timeout() time.Duration {
	if c.timeoutDur <= 0 {
		return defaultTimeout
	}
	return c.timeoutDur
}
