// Package config provides configuration loading for the retrieval service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Search    SearchConfig    `yaml:"search"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Audit     AuditConfig     `yaml:"audit"`
	Auth      AuthConfig      `yaml:"auth"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	HTTPAddr    string `yaml:"http_addr"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// CircuitConfig describes the encrypted dot-product circuit.
type CircuitConfig struct {
	Backend            string        `yaml:"backend"` // bfv or simulated
	ReducedDim         int           `yaml:"reduced_dim"`
	Bits               int           `yaml:"bits"`
	CalibrationSamples int           `yaml:"calibration_samples"`
	Workers            int           `yaml:"workers"`
	KeyDir             string        `yaml:"key_dir"`
	CompileTimeout     time.Duration `yaml:"compile_timeout"`

	// KeyPassphrase seals the cached secret key. It is only read from the
	// environment.
	KeyPassphrase string `yaml:"-"`
}

// SearchConfig holds ranking settings.
type SearchConfig struct {
	DefaultK            int `yaml:"default_k"`
	MaxK                int `yaml:"max_k"`
	MaxConcurrentScores int `yaml:"max_concurrent_scores"`
}

// StorageConfig selects and configures the chunk store.
type StorageConfig struct {
	Backend      string      `yaml:"backend"` // memory, file, sqlite or minio
	Path         string      `yaml:"path"`
	DatabasePath string      `yaml:"database_path"`
	Minio        MinioConfig `yaml:"minio"`
	Cache        CacheConfig `yaml:"cache"`
}

// CacheConfig puts a chunk cache in front of the store. An empty backend
// disables it.
type CacheConfig struct {
	Backend       string        `yaml:"backend"` // "", memory or redis
	MaxEntries    int           `yaml:"max_entries"`
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// MinioConfig holds object storage credentials.
type MinioConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
}

// EmbeddingConfig points at the external embedding service. With no URL, a
// positive Dimensions selects the local hashing embedder; otherwise callers
// must send embeddings with their requests.
type EmbeddingConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	Dimensions int           `yaml:"dimensions"`
}

// AuditConfig configures extra audit sinks.
type AuditConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// AuthConfig enables bearer-token auth on the gRPC and HTTP APIs.
type AuthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	Tokens   []TokenConfig `yaml:"tokens"`
	Users    []UserConfig  `yaml:"users"`

	// AdminToken registers an extra admin-scoped static token. SigningKey
	// signs session JWTs. Both are only read from the environment.
	AdminToken string `yaml:"-"`
	SigningKey string `yaml:"-"`
}

// TokenConfig is one static API token.
type TokenConfig struct {
	Value   string   `yaml:"value"`
	Subject string   `yaml:"subject"`
	Scopes  []string `yaml:"scopes"`
}

// UserConfig is one login user. PasswordHash is a bcrypt hash.
type UserConfig struct {
	ID           string   `yaml:"id"`
	PasswordHash string   `yaml:"password_hash"`
	Scopes       []string `yaml:"scopes"`
}

// Load reads the config file at path, applies environment overrides and
// defaults, and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	var cfg Config
	configDir := "."

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		configDir = filepath.Dir(path)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)

	cfg.Circuit.KeyDir = expandPath(cfg.Circuit.KeyDir, configDir)
	cfg.Storage.Path = expandPath(cfg.Storage.Path, configDir)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option combinations that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error

	switch c.Circuit.Backend {
	case "bfv", "simulated":
	default:
		errs = append(errs, fmt.Errorf("circuit.backend must be bfv or simulated, got %q", c.Circuit.Backend))
	}
	if c.Circuit.ReducedDim <= 0 {
		errs = append(errs, fmt.Errorf("circuit.reduced_dim must be positive, got %d", c.Circuit.ReducedDim))
	}
	if c.Circuit.Bits < 2 || c.Circuit.Bits > 16 {
		errs = append(errs, fmt.Errorf("circuit.bits must be in [2, 16], got %d", c.Circuit.Bits))
	}
	if c.Embedding.Dimensions > 0 && c.Embedding.Dimensions < c.Circuit.ReducedDim {
		errs = append(errs, fmt.Errorf("embedding.dimensions %d is smaller than circuit.reduced_dim %d",
			c.Embedding.Dimensions, c.Circuit.ReducedDim))
	}

	switch c.Storage.Backend {
	case "memory", "file", "sqlite":
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			errs = append(errs, errors.New("storage.minio requires endpoint and bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be memory, file, sqlite or minio, got %q", c.Storage.Backend))
	}

	switch c.Storage.Cache.Backend {
	case "", "memory":
	case "redis":
		if c.Storage.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("storage.cache.redis_addr is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.cache.backend must be memory or redis, got %q", c.Storage.Cache.Backend))
	}

	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.tls_cert_file and server.tls_key_file must be set together"))
	}
	if len(c.Audit.KafkaBrokers) > 0 && c.Audit.KafkaTopic == "" {
		errs = append(errs, errors.New("audit.kafka_topic is required with kafka_brokers"))
	}
	if c.Auth.Enabled {
		if len(c.Auth.Tokens) == 0 && len(c.Auth.Users) == 0 && c.Auth.AdminToken == "" {
			errs = append(errs, errors.New("auth.enabled requires at least one token or user"))
		}
		for i, t := range c.Auth.Tokens {
			if t.Value == "" {
				errs = append(errs, fmt.Errorf("auth.tokens[%d].value is empty", i))
			}
			errs = append(errs, validScopes(fmt.Sprintf("auth.tokens[%d]", i), t.Scopes)...)
		}
		for i, u := range c.Auth.Users {
			if u.ID == "" || u.PasswordHash == "" {
				errs = append(errs, fmt.Errorf("auth.users[%d] requires id and password_hash", i))
			}
			errs = append(errs, validScopes(fmt.Sprintf("auth.users[%d]", i), u.Scopes)...)
		}
	}
	if c.Search.MaxK < c.Search.DefaultK {
		errs = append(errs, fmt.Errorf("search.max_k %d is below default_k %d", c.Search.MaxK, c.Search.DefaultK))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func validScopes(field string, scopes []string) []error {
	var errs []error
	for _, s := range scopes {
		switch s {
		case "retrieve", "ingest", "admin":
		default:
			errs = append(errs, fmt.Errorf("%s: unknown scope %q", field, s))
		}
	}
	return errs
}

// ApplyEnv overrides cfg from CIPHERRAG_* environment variables.
func ApplyEnv(cfg *Config) error {
	strVars := map[string]*string{
		"CIPHERRAG_LOG_LEVEL":               &cfg.Log.Level,
		"CIPHERRAG_GRPC_ADDR":               &cfg.Server.GRPCAddr,
		"CIPHERRAG_HTTP_ADDR":               &cfg.Server.HTTPAddr,
		"CIPHERRAG_CIRCUIT_BACKEND":         &cfg.Circuit.Backend,
		"CIPHERRAG_KEY_DIR":                 &cfg.Circuit.KeyDir,
		"CIPHERRAG_KEY_PASSPHRASE":          &cfg.Circuit.KeyPassphrase,
		"CIPHERRAG_STORAGE_BACKEND":         &cfg.Storage.Backend,
		"CIPHERRAG_STORAGE_PATH":            &cfg.Storage.Path,
		"CIPHERRAG_DATABASE_PATH":           &cfg.Storage.DatabasePath,
		"CIPHERRAG_MINIO_ENDPOINT":          &cfg.Storage.Minio.Endpoint,
		"CIPHERRAG_MINIO_ACCESS_KEY_ID":     &cfg.Storage.Minio.AccessKeyID,
		"CIPHERRAG_MINIO_SECRET_ACCESS_KEY": &cfg.Storage.Minio.SecretAccessKey,
		"CIPHERRAG_MINIO_BUCKET":            &cfg.Storage.Minio.Bucket,
		"CIPHERRAG_EMBEDDING_URL":           &cfg.Embedding.URL,
		"CIPHERRAG_CACHE_BACKEND":           &cfg.Storage.Cache.Backend,
		"CIPHERRAG_REDIS_ADDR":              &cfg.Storage.Cache.RedisAddr,
		"CIPHERRAG_REDIS_PASSWORD":          &cfg.Storage.Cache.RedisPassword,
		"CIPHERRAG_KAFKA_TOPIC":             &cfg.Audit.KafkaTopic,
		"CIPHERRAG_AUTH_TOKEN":              &cfg.Auth.AdminToken,
		"CIPHERRAG_AUTH_SIGNING_KEY":        &cfg.Auth.SigningKey,
	}
	for name, dst := range strVars {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"CIPHERRAG_REDUCED_DIM":          &cfg.Circuit.ReducedDim,
		"CIPHERRAG_BITS":                 &cfg.Circuit.Bits,
		"CIPHERRAG_WORKERS":              &cfg.Circuit.Workers,
		"CIPHERRAG_EMBEDDING_DIMENSIONS": &cfg.Embedding.Dimensions,
	}
	for name, dst := range intVars {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}

	if cfg.Auth.AdminToken != "" {
		cfg.Auth.Enabled = true
	}
	if v, ok := os.LookupEnv("CIPHERRAG_KAFKA_BROKERS"); ok {
		cfg.Audit.KafkaBrokers = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// expandPath makes a relative path relative to configDir. "~/" expands to
// the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
		return path
	}
	return filepath.Join(configDir, path)
}
