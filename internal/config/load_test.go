package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type envMap map[string]string

func (e envMap) Lookup(key string) (string, bool) {
	val, ok := e[key]
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func noFile(string) ([]byte, error) { return nil, os.ErrNotExist }

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := Load(WithEnv(envMap{}.Lookup), WithFileReader(noFile))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.RetryAttempts != DefaultRetryAttempts || cfg.RetryDelay != DefaultRetryDelay {
		t.Fatalf("unexpected retry defaults: %d %v", cfg.RetryAttempts, cfg.RetryDelay)
	}
	if cfg.ProxyMode != "direct" {
		t.Fatalf("expected direct proxy mode, got %q", cfg.ProxyMode)
	}
	if cfg.InsecureSkipVerify {
		t.Fatal("expected TLS verification on by default")
	}
	if cfg.ReferenceCacheSize != DefaultReferenceCacheSize {
		t.Fatalf("unexpected cache size %d", cfg.ReferenceCacheSize)
	}
	if got := meta.Source("server_urls"); got != SourceDefault {
		t.Fatalf("expected default source, got %s", got)
	}
	if meta.ConfigPath() != "" {
		t.Fatalf("expected no config path, got %q", meta.ConfigPath())
	}
}

func TestLoadLayersFileEnvOverrides(t *testing.T) {
	fileData := []byte(`
server_urls:
  - wasp-a:2233
  - wasp-b:2233
upload_urls: [upload:2233]
insecure_skip_verify: true
proxy_mode: auto
retry_attempts: 2
retry_delay: 1500ms
reference_cache_size: 16
`)
	var readPath string
	reader := func(path string) ([]byte, error) {
		readPath = path
		return fileData, nil
	}

	token := "override-token"
	cfg, meta, err := Load(
		WithHomeDir(func() (string, error) { return "/home/test", nil }),
		WithFileReader(reader),
		WithEnv(envMap{
			EnvRetryAttempts: "3",
			EnvBearerToken:   "env-token",
		}.Lookup),
		WithOverrides(Overrides{BearerToken: &token}),
	)
	require.NoError(t, err)

	require.Equal(t, filepath.Join("/home/test", DefaultConfigFile), readPath)
	require.Equal(t, readPath, meta.ConfigPath())
	require.Equal(t, []string{"wasp-a:2233", "wasp-b:2233"}, cfg.ServerURLs)
	require.Equal(t, []string{"upload:2233"}, cfg.UploadURLs)
	require.True(t, cfg.InsecureSkipVerify)
	require.Equal(t, "auto", cfg.ProxyMode)
	require.Equal(t, 3, cfg.RetryAttempts)
	require.Equal(t, 1500*time.Millisecond, cfg.RetryDelay)
	require.Equal(t, 16, cfg.ReferenceCacheSize)
	require.Equal(t, "override-token", cfg.BearerToken)

	require.Equal(t, SourceFile, meta.Source("server_urls"))
	require.Equal(t, SourceEnv, meta.Source("retry_attempts"))
	require.Equal(t, SourceOverride, meta.Source("bearer_token"))
	require.Equal(t, SourceDefault, meta.Source("log_level"))
}

func TestLoadEnvLists(t *testing.T) {
	cfg, meta, err := Load(
		WithFileReader(noFile),
		WithEnv(envMap{
			EnvServerURLs:         " http://a , ,b:1 ",
			EnvInsecureSkipVerify: "yes",
			EnvRetryDelay:         "0s",
		}.Lookup),
	)
	require.NoError(t, err)
	require.Equal(t, []string{"http://a", "b:1"}, cfg.ServerURLs)
	require.True(t, cfg.InsecureSkipVerify)
	require.Zero(t, cfg.RetryDelay)
	require.Equal(t, SourceEnv, meta.Source("insecure_skip_verify"))
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	var readPath string
	_, _, err := Load(
		WithEnv(envMap{EnvConfigPath: "/etc/wasp.yaml"}.Lookup),
		WithFileReader(func(path string) ([]byte, error) {
			readPath = path
			return []byte("server_urls: [x]\n"), nil
		}),
	)
	require.NoError(t, err)
	require.Equal(t, "/etc/wasp.yaml", readPath)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		opts []Option
	}{
		{"bad bool", []Option{WithFileReader(noFile), WithEnv(envMap{EnvInsecureSkipVerify: "maybe"}.Lookup)}},
		{"bad attempts", []Option{WithFileReader(noFile), WithEnv(envMap{EnvRetryAttempts: "many"}.Lookup)}},
		{"bad proxy", []Option{WithFileReader(noFile), WithEnv(envMap{EnvProxyMode: "sometimes"}.Lookup)}},
		{"bad yaml", []Option{WithEnv(envMap{}.Lookup), WithConfigPath("/x.yaml"), WithFileReader(func(string) ([]byte, error) {
			return []byte("server_urls: [unterminated"), nil
		})}},
		{"unreadable", []Option{WithEnv(envMap{}.Lookup), WithConfigPath("/x.yaml"), WithFileReader(func(string) ([]byte, error) {
			return nil, errors.New("permission denied")
		})}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := Load(tc.opts...); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
