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

	"wasp/internal/filestore"
)

// Environment variables read by Load.
const (
	EnvConfigPath         = "WASP_CONFIG"
	EnvServerURLs         = "WASP_SERVER_URLS"
	EnvUploadURLs         = "WASP_UPLOAD_URLS"
	EnvInsecureSkipVerify = "WASP_INSECURE_SKIP_VERIFY"
	EnvProxyMode          = "WASP_PROXY_MODE"
	EnvRetryAttempts      = "WASP_RETRY_ATTEMPTS"
	EnvRetryDelay         = "WASP_RETRY_DELAY"
	EnvBearerToken        = "WASP_BEARER_TOKEN"
	EnvReferenceCacheSize = "WASP_REFERENCE_CACHE_SIZE"
	EnvLogLevel           = "WASP_LOG_LEVEL"
)

// fileConfig mirrors the YAML file. Pointers distinguish unset from zero.
type fileConfig struct {
	ServerURLs         []string `yaml:"server_urls"`
	UploadURLs         []string `yaml:"upload_urls"`
	InsecureSkipVerify *bool    `yaml:"insecure_skip_verify"`
	ProxyMode          string   `yaml:"proxy_mode"`
	RetryAttempts      *int     `yaml:"retry_attempts"`
	RetryDelay         string   `yaml:"retry_delay"`
	BearerToken        string   `yaml:"bearer_token"`
	ReferenceCacheSize *int     `yaml:"reference_cache_size"`
	LogLevel           string   `yaml:"log_level"`
}

// Load resolves configuration from defaults, the YAML file, the environment
// and caller overrides, in that order.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	cfg := Config{
		ProxyMode:          DefaultProxyMode,
		RetryAttempts:      DefaultRetryAttempts,
		RetryDelay:         DefaultRetryDelay,
		ReferenceCacheSize: DefaultReferenceCacheSize,
		LogLevel:           DefaultLogLevel,
	}

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)

	if err := normalize(&cfg); err != nil {
		return Config{}, Metadata{}, err
	}
	return cfg, meta, nil
}

func resolveConfigPath(opts loadOptions) string {
	if opts.configPath != "" {
		return filestore.ResolvePath(opts.configPath, "")
	}
	if value, ok := opts.envLookup(EnvConfigPath); ok && strings.TrimSpace(value) != "" {
		return filestore.ResolvePath(strings.TrimSpace(value), "")
	}
	home, err := opts.homeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, DefaultConfigFile)
}

func applyFile(cfg *Config, meta *Metadata, opts loadOptions) error {
	configPath := resolveConfigPath(opts)
	if configPath == "" {
		return nil
	}

	data, err := opts.readFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	meta.path = configPath

	var parsed fileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", configPath, err)
	}

	if len(parsed.ServerURLs) > 0 {
		cfg.ServerURLs = parsed.ServerURLs
		meta.sources["server_urls"] = SourceFile
	}
	if len(parsed.UploadURLs) > 0 {
		cfg.UploadURLs = parsed.UploadURLs
		meta.sources["upload_urls"] = SourceFile
	}
	if parsed.InsecureSkipVerify != nil {
		cfg.InsecureSkipVerify = *parsed.InsecureSkipVerify
		meta.sources["insecure_skip_verify"] = SourceFile
	}
	if parsed.ProxyMode != "" {
		cfg.ProxyMode = parsed.ProxyMode
		meta.sources["proxy_mode"] = SourceFile
	}
	if parsed.RetryAttempts != nil {
		cfg.RetryAttempts = *parsed.RetryAttempts
		meta.sources["retry_attempts"] = SourceFile
	}
	if parsed.RetryDelay != "" {
		delay, err := time.ParseDuration(parsed.RetryDelay)
		if err != nil {
			return fmt.Errorf("parse config file %s: retry_delay: %w", configPath, err)
		}
		cfg.RetryDelay = delay
		meta.sources["retry_delay"] = SourceFile
	}
	if parsed.BearerToken != "" {
		cfg.BearerToken = parsed.BearerToken
		meta.sources["bearer_token"] = SourceFile
	}
	if parsed.ReferenceCacheSize != nil {
		cfg.ReferenceCacheSize = *parsed.ReferenceCacheSize
		meta.sources["reference_cache_size"] = SourceFile
	}
	if parsed.LogLevel != "" {
		cfg.LogLevel = parsed.LogLevel
		meta.sources["log_level"] = SourceFile
	}
	return nil
}

func applyEnv(cfg *Config, meta *Metadata, opts loadOptions) error {
	lookup := opts.envLookup
	if lookup == nil {
		lookup = DefaultEnvLookup
	}

	if value, ok := lookup(EnvServerURLs); ok && value != "" {
		cfg.ServerURLs = splitList(value)
		meta.sources["server_urls"] = SourceEnv
	}
	if value, ok := lookup(EnvUploadURLs); ok && value != "" {
		cfg.UploadURLs = splitList(value)
		meta.sources["upload_urls"] = SourceEnv
	}
	if value, ok := lookup(EnvInsecureSkipVerify); ok && value != "" {
		parsed, err := parseBoolEnv(value)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvInsecureSkipVerify, err)
		}
		cfg.InsecureSkipVerify = parsed
		meta.sources["insecure_skip_verify"] = SourceEnv
	}
	if value, ok := lookup(EnvProxyMode); ok && value != "" {
		cfg.ProxyMode = value
		meta.sources["proxy_mode"] = SourceEnv
	}
	if value, ok := lookup(EnvRetryAttempts); ok && value != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRetryAttempts, err)
		}
		cfg.RetryAttempts = parsed
		meta.sources["retry_attempts"] = SourceEnv
	}
	if value, ok := lookup(EnvRetryDelay); ok && value != "" {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRetryDelay, err)
		}
		cfg.RetryDelay = parsed
		meta.sources["retry_delay"] = SourceEnv
	}
	if value, ok := lookup(EnvBearerToken); ok && value != "" {
		cfg.BearerToken = value
		meta.sources["bearer_token"] = SourceEnv
	}
	if value, ok := lookup(EnvReferenceCacheSize); ok && value != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvReferenceCacheSize, err)
		}
		cfg.ReferenceCacheSize = parsed
		meta.sources["reference_cache_size"] = SourceEnv
	}
	if value, ok := lookup(EnvLogLevel); ok && value != "" {
		cfg.LogLevel = value
		meta.sources["log_level"] = SourceEnv
	}
	return nil
}

func applyOverrides(cfg *Config, meta *Metadata, overrides Overrides) {
	if overrides.ServerURLs != nil {
		cfg.ServerURLs = *overrides.ServerURLs
		meta.sources["server_urls"] = SourceOverride
	}
	if overrides.UploadURLs != nil {
		cfg.UploadURLs = *overrides.UploadURLs
		meta.sources["upload_urls"] = SourceOverride
	}
	if overrides.InsecureSkipVerify != nil {
		cfg.InsecureSkipVerify = *overrides.InsecureSkipVerify
		meta.sources["insecure_skip_verify"] = SourceOverride
	}
	if overrides.ProxyMode != nil {
		cfg.ProxyMode = *overrides.ProxyMode
		meta.sources["proxy_mode"] = SourceOverride
	}
	if overrides.RetryAttempts != nil {
		cfg.RetryAttempts = *overrides.RetryAttempts
		meta.sources["retry_attempts"] = SourceOverride
	}
	if overrides.RetryDelay != nil {
		cfg.RetryDelay = *overrides.RetryDelay
		meta.sources["retry_delay"] = SourceOverride
	}
	if overrides.BearerToken != nil {
		cfg.BearerToken = *overrides.BearerToken
		meta.sources["bearer_token"] = SourceOverride
	}
	if overrides.ReferenceCacheSize != nil {
		cfg.ReferenceCacheSize = *overrides.ReferenceCacheSize
		meta.sources["reference_cache_size"] = SourceOverride
	}
	if overrides.LogLevel != nil {
		cfg.LogLevel = *overrides.LogLevel
		meta.sources["log_level"] = SourceOverride
	}
}

func normalize(cfg *Config) error {
	cfg.ServerURLs = trimList(cfg.ServerURLs)
	cfg.UploadURLs = trimList(cfg.UploadURLs)
	cfg.ProxyMode = strings.ToLower(strings.TrimSpace(cfg.ProxyMode))
	cfg.BearerToken = strings.TrimSpace(cfg.BearerToken)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	switch cfg.ProxyMode {
	case "":
		cfg.ProxyMode = DefaultProxyMode
	case "direct", "auto", "strict":
	default:
		return fmt.Errorf("invalid proxy mode %q", cfg.ProxyMode)
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.ReferenceCacheSize < 0 {
		cfg.ReferenceCacheSize = 0
	}
	return nil
}

func splitList(value string) []string {
	return trimList(strings.Split(value, ","))
}

func trimList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseBoolEnv(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", value)
	}
}
