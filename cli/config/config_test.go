package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_FullConfig(t *testing.T) {
	yaml := `unaccounted: 4096
method: used
diff: true
stats: true
keep_logs: true
no_show: true
verbose: 2
interval: 250ms

flush:
  policy: interval
  interval: 5s

archive:
  backend: s3
  path: rescues/lab
  region: us-east-1
  endpoint: https://minio.example.com
  s3_path_style: true

notify:
  type: webhook
  url: https://hooks.example.com/usedrescue
  headers:
    Authorization: Bearer token123
  timeout: 10s
  retries: 3
`
	cfg, err := Load(writeTemp(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Unaccounted == nil || *cfg.Unaccounted != 4096 {
		t.Errorf("unaccounted = %v, want 4096", cfg.Unaccounted)
	}
	assertEqual(t, "method", cfg.Method, "used")
	if !cfg.Diff || !cfg.Stats || !cfg.KeepLogs || !cfg.NoShow {
		t.Errorf("booleans = %v/%v/%v/%v, want all true", cfg.Diff, cfg.Stats, cfg.KeepLogs, cfg.NoShow)
	}
	if cfg.Verbose != 2 {
		t.Errorf("verbose = %d, want 2", cfg.Verbose)
	}
	if cfg.Interval.Duration != 250*time.Millisecond {
		t.Errorf("interval = %v, want 250ms", cfg.Interval.Duration)
	}

	assertEqual(t, "flush.policy", cfg.Flush.Policy, "interval")
	if cfg.Flush.Interval.Duration != 5*time.Second {
		t.Errorf("flush.interval = %v, want 5s", cfg.Flush.Interval.Duration)
	}

	assertEqual(t, "archive.backend", cfg.Archive.Backend, "s3")
	assertEqual(t, "archive.path", cfg.Archive.Path, "rescues/lab")
	assertEqual(t, "archive.region", cfg.Archive.Region, "us-east-1")
	assertEqual(t, "archive.endpoint", cfg.Archive.Endpoint, "https://minio.example.com")
	if !cfg.Archive.S3PathStyle {
		t.Error("expected archive.s3_path_style=true")
	}

	assertEqual(t, "notify.type", cfg.Notify.Type, "webhook")
	assertEqual(t, "notify.url", cfg.Notify.URL, "https://hooks.example.com/usedrescue")
	assertEqual(t, "notify.headers.Authorization", cfg.Notify.Headers["Authorization"], "Bearer token123")
	if cfg.Notify.Timeout.Duration != 10*time.Second {
		t.Errorf("notify.timeout = %v, want 10s", cfg.Notify.Timeout.Duration)
	}
	if cfg.Notify.Retries == nil || *cfg.Notify.Retries != 3 {
		t.Errorf("notify.retries = %v, want 3", cfg.Notify.Retries)
	}
}

func TestLoad_Empty(t *testing.T) {
	for name, content := range map[string]string{
		"empty":      "",
		"whitespace": "   \n  \n",
		"comments":   "# a comment\n# another\n",
	} {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeTemp(t, content))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Unaccounted != nil || cfg.Method != "" || cfg.Archive.Backend != "" {
				t.Errorf("expected zero config, got %+v", cfg)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{"invalid YAML", "method: [unclosed\n", "invalid YAML"},
		{"unknown key", "method: used\nbogus_key: 1\n", "bogus_key"},
		{"unknown nested key", "archive:\n  backend: fs\n  path: ./a\n  unknown_field: x\n", "unknown_field"},
		{"bad method", "method: sometimes\n", "sometimes"},
		{"negative unaccounted", "unaccounted: -1\n", "unaccounted"},
		{"bad flush policy", "flush:\n  policy: buffered\n", "flush.policy"},
		{"bad duration", "interval: soon\n", "invalid duration"},
		{"archive without path", "archive:\n  backend: fs\n", "archive.path"},
		{"bad archive backend", "archive:\n  backend: ftp\n  path: x\n", "archive.backend"},
		{"notify without URL", "notify:\n  type: redis\n", "notify.url"},
		{"bad notify type", "notify:\n  type: smtp\n  url: x\n", "notify.type"},
		{"negative retries", "notify:\n  type: webhook\n  url: http://x\n  retries: -2\n", "notify.retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error %q should mention %q", err.Error(), tt.mention)
			}
		})
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("UR_HOOK", "https://hooks.example.com/x")
	yaml := `notify:
  type: webhook
  url: ${UR_HOOK}
archive:
  backend: fs
  path: ${UR_ARCHIVE_UNSET:-/var/lib/usedrescue}
`
	cfg, err := Load(writeTemp(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "notify.url", cfg.Notify.URL, "https://hooks.example.com/x")
	assertEqual(t, "archive.path", cfg.Archive.Path, "/var/lib/usedrescue")
}

func TestLoad_RetriesZeroDistinctFromNil(t *testing.T) {
	cfg, err := Load(writeTemp(t, "notify:\n  type: redis\n  url: redis://localhost:6379\n  retries: 0\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Notify.Retries == nil || *cfg.Notify.Retries != 0 {
		t.Errorf("retries = %v, want pointer to 0", cfg.Notify.Retries)
	}

	cfg, err = Load(writeTemp(t, "notify:\n  type: redis\n  url: redis://localhost:6379\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Notify.Retries != nil {
		t.Errorf("retries = %v, want nil", *cfg.Notify.Retries)
	}
}

// writeTemp writes content to a temp file and returns the path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usedrescue.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func assertEqual(t *testing.T, field, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}
