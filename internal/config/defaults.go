package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
		if cfg.Debug {
			cfg.Log.Level = "debug"
		}
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Server.GRPCAddr == "" {
		cfg.Server.GRPCAddr = ":50051"
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = ":8080"
	}
	if cfg.Circuit.Backend == "" {
		cfg.Circuit.Backend = "bfv"
	}
	if cfg.Circuit.ReducedDim == 0 {
		cfg.Circuit.ReducedDim = 32
	}
	if cfg.Circuit.Bits == 0 {
		cfg.Circuit.Bits = 4
	}
	if cfg.Circuit.CalibrationSamples == 0 {
		cfg.Circuit.CalibrationSamples = 16
	}
	if cfg.Circuit.KeyDir == "" {
		cfg.Circuit.KeyDir = "./data/keys"
	}
	if cfg.Circuit.CompileTimeout == 0 {
		cfg.Circuit.CompileTimeout = 5 * time.Minute
	}
	if cfg.Search.DefaultK == 0 {
		cfg.Search.DefaultK = 4
	}
	if cfg.Search.MaxK == 0 {
		cfg.Search.MaxK = 50
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/chunks"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "./data/cipherrag.db"
	}
	if cfg.Storage.Minio.Bucket == "" {
		cfg.Storage.Minio.Bucket = "cipherrag"
	}
	if cfg.Storage.Cache.MaxEntries == 0 {
		cfg.Storage.Cache.MaxEntries = 256
	}
	if cfg.Storage.Cache.TTL == 0 {
		cfg.Storage.Cache.TTL = 10 * time.Minute
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = time.Hour
	}
	if cfg.Audit.KafkaTopic == "" && len(cfg.Audit.KafkaBrokers) > 0 {
		cfg.Audit.KafkaTopic = "cipherrag.privacy_audits"
	}
}
