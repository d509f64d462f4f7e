package conf

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config application configuration structure
type Config struct {
	// Client transfer engine configuration
	Transfer TransferConfig

	// Reference sink server configuration
	Server ServerConfig
}

// TransferConfig client transfer engine configuration
type TransferConfig struct {
	UploadUrl       string // Upload endpoint, e.g. https://host:8889/api/upload
	DownloadBaseUrl string // Base URL resolved against relative download sources
	MaxConcurrent   int    // Active slot count, min 1
	ChunkSize       int64  // Chunk size in bytes, min 64 KiB
	MaxFileSize     int64  // Upload size cap in bytes
	SaveDir         string // Default download destination directory
	MaxRetry        int    // Attempts per chunk before the task fails
	RequestTimeout  int    // Transport inactivity timeout in seconds
	CleanupGrace    int    // Seconds a terminal task stays visible before removal
	DataDir         string // Resume journal directory, empty disables persistence
}

// ServerConfig reference sink server configuration
type ServerConfig struct {
	Port          string
	PublicBaseUrl string // Prefix for result URLs; empty yields relative URLs

	Storage StorageConfig
	Redis   RedisConfig
}

// StorageConfig storage configuration
type StorageConfig struct {
	Type  string
	Local LocalStorageConfig
	OSS   OSSStorageConfig
	S3    S3StorageConfig
}

// LocalStorageConfig local storage configuration
type LocalStorageConfig struct {
	BasePath string
}

// OSSStorageConfig OSS storage configuration
type OSSStorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// S3StorageConfig AWS S3 compatible storage configuration
type S3StorageConfig struct {
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Endpoint  string // Optional custom endpoint (MinIO and friends)
}

// RedisConfig redis dedupe cache configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	CacheTTL int // seconds
}

// Size limits and defaults shared by the engine and the sink server.
const (
	DefaultMaxConcurrent      = 3
	DefaultChunkSizeBytes     = 1 << 20  // 1 MiB
	MinChunkSizeBytes         = 64 << 10 // 64 KiB
	DefaultMaxFileSizeBytes   = 100 << 20
	DefaultMaxRetry           = 3
	DefaultRequestTimeoutSecs = 30
	DefaultCleanupGraceSecs   = 5
)

// Cfg global configuration instance
var Cfg *Config

// InitConfig initialize configuration from the environment's yaml file.
func InitConfig() error {
	viper.SetConfigFile(GetYaml())
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("fatal error config file: %w", err)
	}

	Cfg = &Config{
		Transfer: TransferConfig{
			UploadUrl:       viper.GetString("transfer.upload_url"),
			DownloadBaseUrl: viper.GetString("transfer.download_base_url"),
			MaxConcurrent:   viper.GetInt("transfer.max_concurrent"),
			ChunkSize:       viper.GetInt64("transfer.chunk_size_kb") * 1024, // KB to bytes
			MaxFileSize:     viper.GetInt64("transfer.max_file_size_mb") * 1024 * 1024,
			SaveDir:         viper.GetString("transfer.save_dir"),
			MaxRetry:        viper.GetInt("transfer.max_retry"),
			RequestTimeout:  viper.GetInt("transfer.request_timeout_seconds"),
			CleanupGrace:    viper.GetInt("transfer.cleanup_grace_seconds"),
			DataDir:         viper.GetString("transfer.data_dir"),
		},

		Server: ServerConfig{
			Port:          viper.GetString("server.port"),
			PublicBaseUrl: viper.GetString("server.public_base_url"),

			Storage: StorageConfig{
				Type: viper.GetString("server.storage.type"),
				Local: LocalStorageConfig{
					BasePath: viper.GetString("server.storage.local.base_path"),
				},
				OSS: OSSStorageConfig{
					Endpoint:  viper.GetString("server.storage.oss.endpoint"),
					AccessKey: viper.GetString("server.storage.oss.access_key"),
					SecretKey: viper.GetString("server.storage.oss.secret_key"),
					Bucket:    viper.GetString("server.storage.oss.bucket"),
				},
				S3: S3StorageConfig{
					Region:    viper.GetString("server.storage.s3.region"),
					AccessKey: viper.GetString("server.storage.s3.access_key"),
					SecretKey: viper.GetString("server.storage.s3.secret_key"),
					Bucket:    viper.GetString("server.storage.s3.bucket"),
					Endpoint:  viper.GetString("server.storage.s3.endpoint"),
				},
			},

			Redis: RedisConfig{
				Enabled:  viper.GetBool("server.redis.enabled"),
				Host:     viper.GetString("server.redis.host"),
				Port:     viper.GetInt("server.redis.port"),
				Password: viper.GetString("server.redis.password"),
				DB:       viper.GetInt("server.redis.db"),
				CacheTTL: viper.GetInt("server.redis.cache_ttl"),
			},
		},
	}

	Cfg.Transfer.ApplyDefaults()

	// Server defaults
	if Cfg.Server.Port == "" {
		Cfg.Server.Port = "8889"
	}
	if Cfg.Server.Storage.Type == "" {
		Cfg.Server.Storage.Type = "local"
	}
	if Cfg.Server.Storage.Local.BasePath == "" {
		Cfg.Server.Storage.Local.BasePath = "./data/files"
	}
	if Cfg.Server.Redis.CacheTTL == 0 {
		Cfg.Server.Redis.CacheTTL = 300
	}

	return nil
}

// ApplyDefaults fills unset transfer settings with their documented defaults
// and clamps the configurable limits to their minimums.
func (c *TransferConfig) ApplyDefaults() {
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSizeBytes
	}
	if c.ChunkSize < MinChunkSizeBytes {
		c.ChunkSize = MinChunkSizeBytes
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSizeBytes
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = DefaultMaxRetry
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeoutSecs
	}
	if c.CleanupGrace <= 0 {
		c.CleanupGrace = DefaultCleanupGraceSecs
	}
	if c.SaveDir == "" {
		c.SaveDir = DefaultSaveDir()
	}
}

// DefaultSaveDir returns the QKChat subdirectory of the OS download location.
func DefaultSaveDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "Downloads", "QKChat")
	}
	return filepath.Join(home, "Downloads", "QKChat")
}
