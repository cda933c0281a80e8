package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageProvider string

const (
	ProviderMinio StorageProvider = "minio"
	ProviderS3    StorageProvider = "s3"
	ProviderGCS   StorageProvider = "gcs"
	ProviderLocal StorageProvider = "local"
)

type StorageConfig struct {
	Provider  StorageProvider
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// CredentialsFile is the service account JSON used by the gcs provider.
	CredentialsFile string
	UseSSL          bool
	PublicBaseURL   string
	LocalRoot       string
	ServeLocal      bool
}

// RemoteComplete reports whether enough is configured to talk to a remote
// object store.
func (c StorageConfig) RemoteComplete() bool {
	if c.Provider == ProviderGCS {
		return c.Bucket != "" && c.CredentialsFile != ""
	}
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type ImageConfig struct {
	MaxUploadBytes      int64
	PrimaryWidth        int
	PrimaryHeight       int
	ThumbWidth          int
	ThumbHeight         int
	Quality             int
	SignedURLTTL        time.Duration
	CacheSize           int
	CacheMaxObjectBytes int
}

type SecurityConfig struct {
	JWTSecret string
	JWTIssuer string
}

type MaintenanceConfig struct {
	Stream        string
	AuditStream   string
	Group         string
	Consumer      string
	ClaimInterval time.Duration
	SweepGrace    time.Duration
	SweepSchedule string
	MetricsAddr   string
}

type LoggingConfig struct {
	Level string
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Images           ImageConfig
	Security         SecurityConfig
	Maintenance      MaintenanceConfig
	Logging          LoggingConfig
	AllowCORSOrigins []string
}

func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}

func Load() (*AppConfig, error) {
	return load("config")
}

// LoadWorker reads worker.yaml; the worker shares the API's sections so that
// both binaries resolve the same storage backend.
func LoadWorker() (*AppConfig, error) {
	return load("worker")
}

func load(name string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("EYECARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "30s")
	v.SetDefault("http.writetimeout", "60s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")
	v.SetDefault("postgres.automigrate", true)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.provider", string(ProviderMinio))
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.credentialsfile", "")
	v.SetDefault("storage.usessl", true)
	v.SetDefault("storage.publicbaseurl", "http://localhost:8080")
	v.SetDefault("storage.localroot", "./data/images")
	v.SetDefault("storage.servelocal", false)

	v.SetDefault("images.maxuploadbytes", 10<<20)
	v.SetDefault("images.primarywidth", 1920)
	v.SetDefault("images.primaryheight", 1920)
	v.SetDefault("images.thumbwidth", 400)
	v.SetDefault("images.thumbheight", 400)
	v.SetDefault("images.quality", 85)
	v.SetDefault("images.signedurlttl", "1h")
	v.SetDefault("images.cachesize", 512)
	v.SetDefault("images.cachemaxobjectbytes", 512<<10)

	v.SetDefault("security.jwtsecret", "")
	v.SetDefault("security.jwtissuer", "")

	v.SetDefault("maintenance.stream", "images:maintenance")
	v.SetDefault("maintenance.auditstream", "audit:events")
	v.SetDefault("maintenance.group", "image-workers")
	v.SetDefault("maintenance.consumer", "worker-1")
	v.SetDefault("maintenance.claiminterval", "30s")
	v.SetDefault("maintenance.sweepgrace", "24h")
	v.SetDefault("maintenance.sweepschedule", "0 30 3 * * *") // daily, 03:30
	v.SetDefault("maintenance.metricsaddr", ":9102")

	v.SetDefault("logging.level", "info")
	v.SetDefault("allowcorsorigins", []string{})
}
