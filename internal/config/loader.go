package config

import (
	"os"
	"time"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

const (
	DefaultRetryAttempts      = 4
	DefaultRetryDelay         = 4 * time.Second
	DefaultProxyMode          = "direct"
	DefaultReferenceCacheSize = 256
	DefaultLogLevel           = "warn"
	DefaultConfigFile         = ".wasp.yaml"
)

// Config is the client configuration after all layers are applied.
type Config struct {
	ServerURLs         []string
	UploadURLs         []string
	InsecureSkipVerify bool
	ProxyMode          string
	RetryAttempts      int
	RetryDelay         time.Duration
	BearerToken        string
	ReferenceCacheSize int
	LogLevel           string
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
	path     string
}

// Source returns the origin for the given configuration field.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// ConfigPath returns the file that was read, or "" when none was found.
func (m Metadata) ConfigPath() string {
	return m.path
}

// Overrides conveys caller-specified values that should win over env/file sources.
type Overrides struct {
	ServerURLs         *[]string
	UploadURLs         *[]string
	InsecureSkipVerify *bool
	ProxyMode          *string
	RetryAttempts      *int
	RetryDelay         *time.Duration
	BearerToken        *string
	ReferenceCacheSize *int
	LogLevel           *string
}

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	configPath string
	overrides  Overrides
}

// WithEnv supplies a custom environment lookup.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithOverrides applies caller overrides on top of file and env values.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

// WithConfigPath forces the loader to read configuration from a specific file path.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader injects a custom file reader, primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// WithHomeDir overrides the home directory resolver, primarily for tests.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}
