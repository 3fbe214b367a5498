// Package config handles configuration loading and validation for chunkvault.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/chunkvault/chunkvault/pkg/bytesize"
)

// AuthConfig holds account and token settings.
type AuthConfig struct {
	TokenSecret       string        `yaml:"token_secret" validate:"required,min=32"`
	TokenTTL          time.Duration `yaml:"token_ttl" validate:"gte=0"`
	AllowRegistration bool          `yaml:"allow_registration"`
	MinPasswordLength int           `yaml:"min_password_length" validate:"gte=0"`
}

// ServicesConfig holds the shared secrets workers connect with.
type ServicesConfig struct {
	UploadKey    string `yaml:"upload_key" validate:"required,min=16"`
	ThumbnailKey string `yaml:"thumbnail_key" validate:"omitempty,min=16"`
}

// ProtocolConfig tunes the packet protocol.
type ProtocolConfig struct {
	ReplyTimeout time.Duration `yaml:"reply_timeout" validate:"gte=0"`
	PingInterval time.Duration `yaml:"ping_interval" validate:"gte=0"`
}

// UploadConfig tunes the upload orchestrator.
type UploadConfig struct {
	ChunkSize         bytesize.Size `yaml:"chunk_size" validate:"gte=0"`
	MaxRenameAttempts int           `yaml:"max_rename_attempts" validate:"gte=0,lte=10000"`
	MaxFileSize       bytesize.Size `yaml:"max_file_size" validate:"gte=0"`
}

// DownloadConfig tunes the stream pipeline and signed links.
type DownloadConfig struct {
	DrainTimeout time.Duration `yaml:"drain_timeout" validate:"gte=0"`
	SignedTTL    time.Duration `yaml:"signed_ttl" validate:"gte=0"` // 0 = links never expire
}

// CryptoConfig holds the master key chunk keys and signed links derive from.
type CryptoConfig struct {
	MasterKey string `yaml:"master_key"` // base64, at least 32 bytes decoded
}

// BlobConfig configures the blob backend client.
type BlobConfig struct {
	BaseURL    string        `yaml:"base_url" validate:"required,url"`
	Token      string        `yaml:"token"`
	RateLimit  float64       `yaml:"rate_limit" validate:"gte=0"` // requests per second, 0 = unlimited
	RateBurst  int           `yaml:"rate_burst" validate:"gte=0"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0,lte=20"`
	MaxWait    time.Duration `yaml:"max_wait" validate:"gte=0"`
}

// ThumbnailsConfig configures the S3 bucket thumbnails are served from.
type ThumbnailsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Endpoint     string        `yaml:"endpoint" validate:"omitempty,url"`
	Region       string        `yaml:"region"`
	Bucket       string        `yaml:"bucket" validate:"required_if=Enabled true"`
	AccessKey    string        `yaml:"access_key"`
	SecretKey    string        `yaml:"secret_key"`
	UsePathStyle bool          `yaml:"use_path_style"`
	PresignTTL   time.Duration `yaml:"presign_ttl" validate:"gte=0"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LokiConfig ships logs to a Loki push endpoint when URL is set.
type LokiConfig struct {
	URL           string            `yaml:"url" validate:"omitempty,url"`
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size" validate:"gte=0"`
	FlushInterval time.Duration     `yaml:"flush_interval" validate:"gte=0"`
}

// ManagerConfig holds configuration for the manager process.
type ManagerConfig struct {
	Listen     string           `yaml:"listen" validate:"required"`
	LogLevel   string           `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	DataDir    string           `yaml:"data_dir" validate:"required"`
	Auth       AuthConfig       `yaml:"auth"`
	Services   ServicesConfig   `yaml:"services"`
	Protocol   ProtocolConfig   `yaml:"protocol"`
	Upload     UploadConfig     `yaml:"upload"`
	Download   DownloadConfig   `yaml:"download"`
	Crypto     CryptoConfig     `yaml:"crypto"`
	Blob       BlobConfig       `yaml:"blob"`
	Thumbnails ThumbnailsConfig `yaml:"thumbnails"`
	CORS       CORSConfig       `yaml:"cors"`
	Loki       LokiConfig       `yaml:"loki"`
}

// WorkerConfig holds configuration for an upload worker.
type WorkerConfig struct {
	ManagerURL        string        `yaml:"manager_url" validate:"required,url"`
	Key               string        `yaml:"key" validate:"required"`
	Listen            string        `yaml:"listen" validate:"required"`
	Address           string        `yaml:"address" validate:"required,url"` // advertised to clients for chunk POSTs
	LogLevel          string        `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	Channels          []string      `yaml:"channels" validate:"required,min=1,dive,required"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" validate:"gte=0"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" validate:"gte=0"`
	Encrypt           bool          `yaml:"encrypt"`
	Crypto            CryptoConfig  `yaml:"crypto"`
	Blob              BlobConfig    `yaml:"blob"`
	Loki              LokiConfig    `yaml:"loki"`
}

// Defaults.
const (
	DefaultListen            = ":8080"
	DefaultDataDir           = "/var/lib/chunkvault"
	DefaultReplyTimeout      = 10 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultChunkSize         = 10*bytesize.MB - bytesize.KB
	DefaultMaxRenameAttempts = 99
	DefaultDrainTimeout      = 1000 * time.Second
	DefaultPresignTTL        = 15 * time.Minute
	DefaultWorkerListen      = ":8090"
	DefaultInactivityTimeout = 60 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultBlobRateLimit     = 5
	DefaultBlobRateBurst     = 5
	DefaultBlobMaxRetries    = 3
)

// readYAML reads path, expands ${VAR} references and decodes into out.
func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// LoadManagerConfig loads manager configuration from a YAML file.
func LoadManagerConfig(path string) (*ManagerConfig, error) {
	cfg := &ManagerConfig{}
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.Protocol.ReplyTimeout == 0 {
		cfg.Protocol.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.Protocol.PingInterval == 0 {
		cfg.Protocol.PingInterval = DefaultPingInterval
	}
	if cfg.Upload.ChunkSize == 0 {
		cfg.Upload.ChunkSize = bytesize.Size(DefaultChunkSize)
	}
	if cfg.Upload.MaxRenameAttempts == 0 {
		cfg.Upload.MaxRenameAttempts = DefaultMaxRenameAttempts
	}
	if cfg.Download.DrainTimeout == 0 {
		cfg.Download.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Thumbnails.PresignTTL == 0 {
		cfg.Thumbnails.PresignTTL = DefaultPresignTTL
	}
	applyBlobDefaults(&cfg.Blob)

	return cfg, nil
}

// LoadWorkerConfig loads upload worker configuration from a YAML file.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = DefaultWorkerListen
	}
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	applyBlobDefaults(&cfg.Blob)

	return cfg, nil
}

func applyBlobDefaults(b *BlobConfig) {
	if b.RateLimit == 0 {
		b.RateLimit = DefaultBlobRateLimit
	}
	if b.RateBurst == 0 {
		b.RateBurst = DefaultBlobRateBurst
	}
	if b.MaxRetries == 0 {
		b.MaxRetries = DefaultBlobMaxRetries
	}
}

// MasterKeyBytes decodes the base64 master key.
func (c CryptoConfig) MasterKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.MasterKey))
	if err != nil {
		return nil, fmt.Errorf("crypto.master_key: not valid base64: %w", err)
	}
	return key, nil
}

// ApplyLogLevel sets the global zerolog level from a config value. It reports
// whether a level was applied; empty and unknown values leave it unchanged.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}
