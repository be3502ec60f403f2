// Package config loads the settings of the chunkupload command.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/session"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up in the working directory when no config path is given.
const DefaultFileName = "chunkupload.yaml"

// Environment variables overriding the config file.
const (
	ConfigPathKey      = "CHUNKUPLOAD_CONFIG"
	BaseURLKey         = "CHUNKUPLOAD_BASE_URL"
	EndpointKey        = "CHUNKUPLOAD_ENDPOINT"
	ChunkSizeKey       = "CHUNKUPLOAD_CHUNK_SIZE"
	AttemptsKey        = "CHUNKUPLOAD_ATTEMPTS"
	TokenKey           = "CHUNKUPLOAD_TOKEN"
	AnalyticsKey       = "CHUNKUPLOAD_ANALYTICS"
	S3RegionKey        = "AWS_REGION"
	S3AccessKeyIDKey   = "AWS_ACCESS_KEY_ID"
	S3SecretAccessKey  = "AWS_SECRET_ACCESS_KEY"
	MaxFileSizeKey     = "CHUNKUPLOAD_MAX_FILE_SIZE"
	AcceptedTypesKey   = "CHUNKUPLOAD_ACCEPTED_TYPES"
	RevertOnFailureKey = "CHUNKUPLOAD_REVERT_ON_FAILURE"
)

// Config holds the complete command configuration
type Config struct {
	Server Server `yaml:"server"`
	Upload Upload `yaml:"upload"`
	S3     S3     `yaml:"s3"`
	// Analytics enables the upload event tracker.
	Analytics bool `yaml:"analytics"`
}

// Server describes the receiving service.
type Server struct {
	BaseURL  string            `yaml:"baseURL"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
}

// Upload holds the per file settings. Sizes are human readable, e.g. 80MiB.
type Upload struct {
	ChunkSize            string        `yaml:"chunkSize"`
	MaxFileSize          string        `yaml:"maxFileSize"`
	AcceptedTypes        []string      `yaml:"acceptedTypes"`
	Attempts             int           `yaml:"attempts"`
	RetryWait            time.Duration `yaml:"retryWait"`
	Parallel             int           `yaml:"parallel"`
	RevertOnChunkFailure bool          `yaml:"revertOnChunkFailure"`
}

// S3 holds the credentials used for s3:// sources. Empty keys fall back to the default AWS chain.
type S3 struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"accessKeyID"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		Server: Server{
			Endpoint: session.DefaultEndpoint,
			Headers:  map[string]string{},
		},
		Upload: Upload{
			ChunkSize:     units.BytesSize(float64(session.DefaultChunkSize)),
			MaxFileSize:   "5GiB",
			AcceptedTypes: []string{"*/*"},
			Attempts:      3,
			RetryWait:     5 * time.Second,
			Parallel:      5,
		},
	}
}

// Load reads the configuration with Read and validates it.
func Load(path string, envRepo env.Repository) (*Config, error) {
	config, err := Read(path, envRepo)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Read builds the configuration from the defaults, the YAML file at path and the environment,
// in this order of precedence (lowest first). An empty path falls back to $CHUNKUPLOAD_CONFIG
// and then to DefaultFileName when it exists. The result is not validated.
func Read(path string, envRepo env.Repository) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		path = envRepo.Get(ConfigPathKey)
	}
	if path == "" {
		if _, err := os.Stat(DefaultFileName); err == nil {
			path = DefaultFileName
		}
	}
	if path != "" {
		if err := loadFromFile(&config, path); err != nil {
			return nil, err
		}
	}

	if err := loadFromEnv(&config, envRepo); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return &config, nil
}

func loadFromFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

func loadFromEnv(config *Config, envRepo env.Repository) error {
	if val := envRepo.Get(BaseURLKey); val != "" {
		config.Server.BaseURL = val
	}
	if val := envRepo.Get(EndpointKey); val != "" {
		config.Server.Endpoint = val
	}
	if val := envRepo.Get(TokenKey); val != "" {
		if config.Server.Headers == nil {
			config.Server.Headers = map[string]string{}
		}
		config.Server.Headers["Authorization"] = "Bearer " + val
	}

	if val := envRepo.Get(ChunkSizeKey); val != "" {
		config.Upload.ChunkSize = val
	}
	if val := envRepo.Get(MaxFileSizeKey); val != "" {
		config.Upload.MaxFileSize = val
	}
	if val := envRepo.Get(AcceptedTypesKey); val != "" {
		config.Upload.AcceptedTypes = splitList(val)
	}
	if val := envRepo.Get(AttemptsKey); val != "" {
		attempts, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", AttemptsKey, err)
		}
		config.Upload.Attempts = attempts
	}
	if val := envRepo.Get(RevertOnFailureKey); val != "" {
		revert, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", RevertOnFailureKey, err)
		}
		config.Upload.RevertOnChunkFailure = revert
	}

	if val := envRepo.Get(S3RegionKey); val != "" {
		config.S3.Region = val
	}
	if val := envRepo.Get(S3AccessKeyIDKey); val != "" {
		config.S3.AccessKeyID = val
	}
	if val := envRepo.Get(S3SecretAccessKey); val != "" {
		config.S3.SecretAccessKey = val
	}

	if val := envRepo.Get(AnalyticsKey); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", AnalyticsKey, err)
		}
		config.Analytics = enabled
	}

	return nil
}

// Validate ...
func (c *Config) Validate() error {
	if c.Server.Endpoint == "" {
		return errors.New("endpoint must not be empty")
	}
	endpoint, err := url.Parse(c.Server.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %s: %w", c.Server.Endpoint, err)
	}
	if !endpoint.IsAbs() {
		if c.Server.BaseURL == "" {
			return fmt.Errorf("base URL is required for relative endpoint %s", c.Server.Endpoint)
		}
		base, err := url.Parse(c.Server.BaseURL)
		if err != nil || !base.IsAbs() {
			return fmt.Errorf("invalid base URL: %s", c.Server.BaseURL)
		}
	}

	for key := range c.Server.Headers {
		if strings.TrimSpace(key) == "" {
			return errors.New("header name must not be empty")
		}
	}

	if _, err := c.ChunkSizeBytes(); err != nil {
		return err
	}
	if _, err := c.MaxFileSizeBytes(); err != nil {
		return err
	}
	if c.Upload.Attempts < 1 {
		return fmt.Errorf("invalid attempts: %d", c.Upload.Attempts)
	}
	if c.Upload.RetryWait < 0 {
		return fmt.Errorf("invalid retry wait: %s", c.Upload.RetryWait)
	}
	if c.Upload.Parallel < 1 {
		return fmt.Errorf("invalid parallel uploads: %d", c.Upload.Parallel)
	}

	return nil
}

// ChunkSizeBytes parses Upload.ChunkSize.
func (c *Config) ChunkSizeBytes() (int64, error) {
	return parseSize("chunk size", c.Upload.ChunkSize)
}

// MaxFileSizeBytes parses Upload.MaxFileSize.
func (c *Config) MaxFileSizeBytes() (int64, error) {
	return parseSize("max file size", c.Upload.MaxFileSize)
}

// ToYAML ...
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func parseSize(name, value string) (int64, error) {
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", name, value)
	}
	return size, nil
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
