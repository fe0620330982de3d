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

// Config holds the EWoC classification worker configuration.
type Config struct {
	// DevMode switches every bucket to its -dev twin (EWOC_DEV_MODE).
	DevMode bool `yaml:"dev_mode"`

	// Object storage
	S3 S3Config `yaml:"s3"`

	// External classifier process
	Classifier ClassifierConfig `yaml:"classifier"`

	// VDM ingestion
	VDM VDMConfig `yaml:"vdm"`

	// Model locations
	Models ModelsConfig `yaml:"models"`

	// Tile partitioning
	Blocks BlocksConfig `yaml:"blocks"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Run ledger
	State StateConfig `yaml:"state"`
}

// S3Config configures the EWoC object storage.
type S3Config struct {
	Provider        string `yaml:"provider"` // creodias, aws
	Endpoint        string `yaml:"endpoint"` // host[:port], overrides provider
	Region          string `yaml:"region"`
	Insecure        bool   `yaml:"insecure"` // plain http, local test endpoints only
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	ARDBucket string `yaml:"ard_bucket"`
	AuxBucket string `yaml:"aux_bucket"`
	PrdBucket string `yaml:"prd_bucket"`

	// Parallel file transfers per upload/download.
	Concurrency int `yaml:"concurrency"`
}

// ClassifierConfig configures the external classifier invocation.
type ClassifierConfig struct {
	Binary        string   `yaml:"binary"`
	Args          []string `yaml:"args"` // inserted before the tile id
	BlockTimeout  string   `yaml:"block_timeout"`
	MosaicTimeout string   `yaml:"mosaic_timeout"`
	OutputLimit   int      `yaml:"output_limit"` // bytes kept per stream
	PassEnv       []string `yaml:"pass_env"`     // inherited environment variables
}

// VDMConfig configures product ingestion into the VDM.
type VDMConfig struct {
	Host           string `yaml:"host"`
	UserInfo       string `yaml:"user_info"`
	ConnectTimeout string `yaml:"connect_timeout"`
	Timeout        string `yaml:"timeout"`
}

// ModelsConfig configures where the classifier finds its models.
type ModelsConfig struct {
	// DirRoot is the local mirror root (EWOC_MODELS_DIR_ROOT). Empty means
	// the classifier reads models from RemotePrefix.
	DirRoot string `yaml:"dir_root"`
	// RemotePrefix is the artifactory worldcereal root written in configs.
	RemotePrefix string `yaml:"remote_prefix"`
	// IndexURL is the browsable index crawled by ewoc_get_models.
	IndexURL string `yaml:"index_url"`
	Timeout  string `yaml:"timeout"`
}

// BlocksConfig configures tile partitioning.
type BlocksConfig struct {
	Size int `yaml:"size"` // 512 or 1024 (EWOC_BLOCKSIZE)
}

// StateConfig configures the run ledger.
type StateConfig struct {
	// DBPath is the SQLite ledger path. Empty disables the ledger.
	DBPath string `yaml:"db_path"`
}

// Known providers and their S3 endpoints.
var providerEndpoints = map[string]string{
	"creodias": "s3.waw2-1.cloudferro.com",
	"aws":      "s3.amazonaws.com",
}

// ValidProviders lists the accepted EWOC_CLOUD_PROVIDER values.
var ValidProviders = []string{"creodias", "aws"}

// ErrMissingCredentials is returned when the S3 credentials are not set.
var ErrMissingCredentials = errors.New("S3 credentials not configured (set EWOC_S3_ACCESS_KEY_ID and EWOC_S3_SECRET_ACCESS_KEY)")

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		S3: S3Config{
			Provider:    "creodias",
			ARDBucket:   "ewoc-ard",
			AuxBucket:   "ewoc-aux-data",
			PrdBucket:   "ewoc-prd",
			Concurrency: 4,
		},

		Classifier: ClassifierConfig{
			Binary:        "ewoc_run_tile",
			BlockTimeout:  "2h",
			MosaicTimeout: "4h",
			OutputLimit:   1 << 20,
			PassEnv: []string{
				"PATH", "HOME", "TMPDIR", "LANG",
				"EWOC_S3_ACCESS_KEY_ID", "EWOC_S3_SECRET_ACCESS_KEY",
				"EWOC_DEV_MODE", "EWOC_CLOUD_PROVIDER", "EWOC_BLOCKSIZE",
				"EWOC_MODELS_DIR_ROOT", "AWS_S3_ENDPOINT", "GDAL_DATA", "PROJ_LIB",
			},
		},

		VDM: VDMConfig{
			ConnectTimeout: "5s",
			Timeout:        "15s",
		},

		Models: ModelsConfig{
			RemotePrefix: "https://artifactory.vgt.vito.be:443/auxdata-public/worldcereal",
			IndexURL:     "https://artifactory.vgt.vito.be/auxdata-public/worldcereal/models/WorldCerealPixelCatBoost",
			Timeout:      "10m",
		},

		Blocks: BlocksConfig{
			Size: 512,
		},

		Logging: LoggingConfig{
			Format: "console",
		},
	}
}

// DefaultPath returns EWOC_CONFIG, or ~/.config/ewoc/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("EWOC_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ewoc", "config.yaml")
	}
	return filepath.Join(home, ".config", "ewoc", "config.yaml")
}

// Load loads configuration from a YAML file, then applies environment
// overrides. An empty path means DefaultPath(); a missing file means defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Credentials may be in there.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies the EWoC environment variables.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("EWOC_S3_ACCESS_KEY_ID"); v != "" {
		c.S3.AccessKeyID = v
	}
	if v := os.Getenv("EWOC_S3_SECRET_ACCESS_KEY"); v != "" {
		c.S3.SecretAccessKey = v
	}
	if v := os.Getenv("EWOC_CLOUD_PROVIDER"); v != "" {
		c.S3.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("EWOC_S3_ENDPOINT"); v != "" {
		c.S3.Endpoint = v
	}
	if v := os.Getenv("EWOC_DEV_MODE"); v != "" {
		dev, err := ParseBool(v)
		if err != nil {
			return fmt.Errorf("EWOC_DEV_MODE: %w", err)
		}
		c.DevMode = dev
	}
	if v := os.Getenv("EWOC_MODELS_DIR_ROOT"); v != "" {
		c.Models.DirRoot = v
	}
	if v := os.Getenv("EWOC_BLOCKSIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EWOC_BLOCKSIZE: %q is not an integer", v)
		}
		c.Blocks.Size = size
	}
	if v := os.Getenv("VDM_HOST"); v != "" {
		c.VDM.Host = v
	}
	if v := os.Getenv("VDM_USERINFO"); v != "" {
		c.VDM.UserInfo = v
	}
	if v := os.Getenv("EWOC_CLASSIFIER_BIN"); v != "" {
		c.Classifier.Binary = v
	}
	if v := os.Getenv("EWOC_STATE_DB"); v != "" {
		c.State.DBPath = v
	}
	if v := os.Getenv("EWOC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// ParseBool accepts the usual truthy and falsy spellings
// (y, yes, t, true, on, 1 / n, no, f, false, off, 0), case-insensitively.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "t", "true", "on", "1":
		return true, nil
	case "n", "no", "f", "false", "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid truth value %q", s)
	}
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

func devBucket(name string, dev bool) string {
	if dev && !strings.HasSuffix(name, "-dev") {
		return name + "-dev"
	}
	return name
}

// ARDBucket returns the ARD bucket name, -dev suffixed in dev mode.
func (c *Config) ARDBucket() string { return devBucket(c.S3.ARDBucket, c.DevMode) }

// AuxBucket returns the auxiliary data bucket name. It has no dev twin.
func (c *Config) AuxBucket() string { return c.S3.AuxBucket }

// PrdBucket returns the product bucket name, -dev suffixed in dev mode.
func (c *Config) PrdBucket() string { return devBucket(c.S3.PrdBucket, c.DevMode) }

// S3Endpoint resolves the S3 endpoint host from the explicit endpoint or
// the provider.
func (c *Config) S3Endpoint() (string, error) {
	if c.S3.Endpoint != "" {
		ep := strings.TrimPrefix(strings.TrimPrefix(c.S3.Endpoint, "https://"), "http://")
		return strings.TrimSuffix(ep, "/"), nil
	}
	ep, ok := providerEndpoints[c.S3.Provider]
	if !ok {
		return "", fmt.Errorf("invalid cloud provider: %s (valid: %v)", c.S3.Provider, ValidProviders)
	}
	return ep, nil
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetBlockTimeout returns the per-block classifier timeout.
func (c *Config) GetBlockTimeout() time.Duration {
	return durationOr(c.Classifier.BlockTimeout, 2*time.Hour)
}

// GetMosaicTimeout returns the postprocess classifier timeout.
func (c *Config) GetMosaicTimeout() time.Duration {
	return durationOr(c.Classifier.MosaicTimeout, 4*time.Hour)
}

// GetVDMConnectTimeout returns the VDM dial timeout.
func (c *Config) GetVDMConnectTimeout() time.Duration {
	return durationOr(c.VDM.ConnectTimeout, 5*time.Second)
}

// GetVDMTimeout returns the overall VDM request timeout.
func (c *Config) GetVDMTimeout() time.Duration {
	return durationOr(c.VDM.Timeout, 15*time.Second)
}

// GetModelsTimeout returns the overall model mirror timeout.
func (c *Config) GetModelsTimeout() time.Duration {
	return durationOr(c.Models.Timeout, 10*time.Minute)
}

// ModelPrefix returns the prefix written in classifier configs: the local
// mirror root when set, the artifactory root otherwise.
func (c *Config) ModelPrefix() string {
	if c.Models.DirRoot != "" {
		return strings.TrimSuffix(c.Models.DirRoot, "/")
	}
	return strings.TrimSuffix(c.Models.RemotePrefix, "/")
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the settings every command relies on.
func (c *Config) Validate() error {
	if _, err := c.S3Endpoint(); err != nil {
		return err
	}
	if c.Blocks.Size != 512 && c.Blocks.Size != 1024 {
		return fmt.Errorf("invalid block size: %d (valid: 512, 1024)", c.Blocks.Size)
	}
	if c.Classifier.Binary == "" {
		return fmt.Errorf("classifier binary not configured")
	}
	if c.S3.ARDBucket == "" || c.S3.AuxBucket == "" || c.S3.PrdBucket == "" {
		return fmt.Errorf("bucket names must not be empty")
	}
	if c.S3.Concurrency < 1 {
		return fmt.Errorf("s3 concurrency must be at least 1, got %d", c.S3.Concurrency)
	}
	return nil
}

// RequireS3Credentials fails when the S3 access key pair is incomplete.
func (c *Config) RequireS3Credentials() error {
	if c.S3.AccessKeyID == "" || c.S3.SecretAccessKey == "" {
		return ErrMissingCredentials
	}
	return nil
}
