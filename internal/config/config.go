package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvConfigFile names an optional TOML file whose values sit between the
// built-in defaults and the environment.
const EnvConfigFile = "SHOPFLOOR_CONFIG"

type Config struct {
	Addr            string
	CORSOrigin      string
	DataFile        string
	MutationTimeout time.Duration
	StrictLoad      bool
	// Commit consumers; each is disabled when its address is empty.
	HistoryDir     string
	DatabaseURL    string
	RedisURL       string
	RedisChannel   string
	MeiliURL       string
	MeiliMasterKey string
	Backup         BackupConfig
	// Seed and sign-in
	AdminLogin    string
	AdminPassword string
	JWTSecret     string
	AccessTTL     time.Duration
}

type BackupConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Every     int
}

// fileConfig mirrors Config in TOML form.
type fileConfig struct {
	Addr                   string `toml:"addr"`
	CORSOrigin             string `toml:"cors_origin"`
	DataFile               string `toml:"data_file"`
	MutationTimeoutSeconds int    `toml:"mutation_timeout_seconds"`
	StrictLoad             *bool  `toml:"strict_load"`
	HistoryDir             string `toml:"history_dir"`
	DatabaseURL            string `toml:"database_url"`
	Redis                  struct {
		URL     string `toml:"url"`
		Channel string `toml:"channel"`
	} `toml:"redis"`
	Meili struct {
		URL       string `toml:"url"`
		MasterKey string `toml:"master_key"`
	} `toml:"meili"`
	Backup struct {
		Endpoint  string `toml:"endpoint"`
		AccessKey string `toml:"access_key"`
		SecretKey string `toml:"secret_key"`
		Bucket    string `toml:"bucket"`
		UseSSL    *bool  `toml:"use_ssl"`
		Every     int    `toml:"every"`
	} `toml:"backup"`
	Admin struct {
		Login    string `toml:"login"`
		Password string `toml:"password"`
	} `toml:"admin"`
	JWTSecret        string `toml:"jwt_secret"`
	AccessTTLSeconds int    `toml:"access_ttl_seconds"`
}

func Load() (Config, error) {
	return LoadWith(os.Getenv)
}

func LoadWith(getenv func(string) string) (Config, error) {
	var file fileConfig
	if path := strings.TrimSpace(getenv(EnvConfigFile)); path != "" {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	env := source{getenv: getenv}

	cfg := Config{
		Addr:            env.str("API_ADDR", file.Addr, ":8787"),
		CORSOrigin:      env.str("SHOPFLOOR_CORS_ORIGIN", file.CORSOrigin, "*"),
		DataFile:        env.str("SHOPFLOOR_DATA_FILE", file.DataFile, "./data/database.json"),
		MutationTimeout: time.Duration(env.int("SHOPFLOOR_MUTATION_TIMEOUT_SECONDS", file.MutationTimeoutSeconds, 30)) * time.Second,
		StrictLoad:      env.bool("SHOPFLOOR_STRICT_LOAD", file.StrictLoad, false),
		HistoryDir:      env.str("SHOPFLOOR_HISTORY_DIR", file.HistoryDir, ""),
		DatabaseURL:     env.str("DATABASE_URL", file.DatabaseURL, ""),
		RedisURL:        env.str("REDIS_URL", file.Redis.URL, ""),
		RedisChannel:    env.str("SHOPFLOOR_REDIS_CHANNEL", file.Redis.Channel, "shopfloor:commits"),
		MeiliURL:        env.str("MEILI_URL", file.Meili.URL, ""),
		MeiliMasterKey:  env.str("MEILI_MASTER_KEY", file.Meili.MasterKey, ""),
		Backup: BackupConfig{
			Endpoint:  env.str("BACKUP_ENDPOINT", file.Backup.Endpoint, ""),
			AccessKey: env.str("BACKUP_ACCESS_KEY", file.Backup.AccessKey, ""),
			SecretKey: env.str("BACKUP_SECRET_KEY", file.Backup.SecretKey, ""),
			Bucket:    env.str("BACKUP_BUCKET", file.Backup.Bucket, "shopfloor-backups"),
			UseSSL:    env.bool("BACKUP_USE_SSL", file.Backup.UseSSL, false),
			Every:     env.int("BACKUP_EVERY", file.Backup.Every, 50),
		},
		AdminLogin:    env.str("SHOPFLOOR_ADMIN_LOGIN", file.Admin.Login, "admin"),
		AdminPassword: env.str("SHOPFLOOR_ADMIN_PASSWORD", file.Admin.Password, "admin"),
		JWTSecret:     env.str("SHOPFLOOR_JWT_SECRET", file.JWTSecret, "shopfloor-dev-secret"),
		AccessTTL:     time.Duration(env.int("SHOPFLOOR_ACCESS_TTL_SECONDS", file.AccessTTLSeconds, 43200)) * time.Second,
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("config missing addr")
	}
	if strings.TrimSpace(cfg.DataFile) == "" {
		return fmt.Errorf("config missing data file")
	}
	if cfg.AccessTTL <= 0 {
		return fmt.Errorf("access ttl must be positive")
	}
	if cfg.Backup.Endpoint != "" && cfg.Backup.Every <= 0 {
		return fmt.Errorf("backup interval must be positive")
	}
	return nil
}

type source struct {
	getenv func(string) string
}

func (s source) str(key, fromFile, fallback string) string {
	if value := s.getenv(key); value != "" {
		return value
	}
	if strings.TrimSpace(fromFile) != "" {
		return fromFile
	}
	return fallback
}

func (s source) int(key string, fromFile, fallback int) int {
	if value := s.getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	if fromFile != 0 {
		return fromFile
	}
	return fallback
}

func (s source) bool(key string, fromFile *bool, fallback bool) bool {
	if value := s.getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	if fromFile != nil {
		return *fromFile
	}
	return fallback
}
