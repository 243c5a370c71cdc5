package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "icap-server.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeConfigFile(t, `
listen:
  addr: ":1345"
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Listen.Addr != ":1345" {
		t.Fatalf("Listen.Addr = %q, want the configured value to survive", f.Listen.Addr)
	}
	if f.Listen.MaxConnections != 100 {
		t.Fatalf("Listen.MaxConnections = %d, want the default of 100", f.Listen.MaxConnections)
	}
	if f.Listen.IdleTimeout != 60*time.Second {
		t.Fatalf("Listen.IdleTimeout = %v, want the default of 60s", f.Listen.IdleTimeout)
	}
	if f.ServerBanner == "" {
		t.Fatal("expected ServerBanner to fall back to the server package default")
	}
}

func TestLoadKeepsExplicitValuesOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
listen:
  addr: ":1346"
  max_connections: 7
  idle_timeout: 5s
server_banner: "custom-banner/9.9"
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Listen.MaxConnections != 7 {
		t.Fatalf("Listen.MaxConnections = %d, want 7", f.Listen.MaxConnections)
	}
	if f.Listen.IdleTimeout != 5*time.Second {
		t.Fatalf("Listen.IdleTimeout = %v, want 5s", f.Listen.IdleTimeout)
	}
	if f.ServerBanner != "custom-banner/9.9" {
		t.Fatalf("ServerBanner = %q, want the explicit value to win", f.ServerBanner)
	}
}

func TestLoadFailsOnMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("expected Load to fail for a nonexistent config file")
	}
}

func TestServerConfigTranslatesListenBlock(t *testing.T) {
	path := writeConfigFile(t, `
listen:
  addr: ":1347"
  max_connections: 42
rate_limit:
  max_attempts: 5
  window: 1m
  block: 5m
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sc := f.ServerConfig()
	if sc.Addr != ":1347" || sc.MaxConnections != 42 {
		t.Fatalf("ServerConfig = %+v, want Addr=:1347 MaxConnections=42", sc)
	}
	if sc.RateLimitMaxAttempts != 5 || sc.RateLimitWindow != time.Minute || sc.RateLimitBlock != 5*time.Minute {
		t.Fatalf("ServerConfig rate limit fields = %+v", sc)
	}
}

func TestModuleConfigsKeyedByDeclaredName(t *testing.T) {
	path := writeConfigFile(t, `
modules:
  - name: filter-primary
    type: content-filter
    version: "1.0.0"
    payload:
      BlockedDomains:
        - bad.example.com
  - name: filter-secondary
    type: content-filter
    payload:
      BlockedDomains:
        - worse.example.com
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	mods := f.ModuleConfigs()
	if len(mods) != 2 {
		t.Fatalf("ModuleConfigs returned %d entries, want 2", len(mods))
	}
	primary, ok := mods["filter-primary"]
	if !ok {
		t.Fatal("expected a module config keyed by \"filter-primary\"")
	}
	if primary.Version != "1.0.0" {
		t.Fatalf("Version = %q, want 1.0.0", primary.Version)
	}
}

func TestWatcherInvokesOnChangeAfterFileWrite(t *testing.T) {
	path := writeConfigFile(t, `
listen:
  addr: ":1348"
`)
	changed := make(chan *File, 1)
	failed := make(chan error, 1)

	_, err := NewWatcher(path, func(f *File) { changed <- f }, func(err error) { failed <- err })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	if err := os.WriteFile(path, []byte("listen:\n  addr: \":1349\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case f := <-changed:
		if f.Listen.Addr != ":1349" {
			t.Fatalf("reloaded Listen.Addr = %q, want :1349", f.Listen.Addr)
		}
	case err := <-failed:
		t.Fatalf("onError called: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the config watcher to observe the file write")
	}
}
