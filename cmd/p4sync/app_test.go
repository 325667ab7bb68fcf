package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mschirtzinger/p4sync/internal/changelist"
	"github.com/mschirtzinger/p4sync/internal/changelist/changelisttest"
	"github.com/mschirtzinger/p4sync/internal/config"
)

func TestApplyFlags(t *testing.T) {
	prompted := func(string) (string, error) { return "typed", nil }
	failing := func(string) (string, error) { return "", errors.New("no tty") }

	tests := []struct {
		name     string
		user     string
		password string
		prompt   func(string) (string, error)
		wantUser string
		wantPass string
		wantErr  bool
	}{
		{"no overrides", "", "", prompted, "file-user", "file-pass", false},
		{"user and password", "alan", "secret", prompted, "alan", "secret", false},
		{"prompt", "", "-", prompted, "file-user", "typed", false},
		{"prompt fails", "", "-", failing, "file-user", "file-pass", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Config{P4: config.P4Config{User: "file-user", Password: "file-pass"}}
			err := applyFlags(&cfg, tt.user, tt.password, true, tt.prompt)
			if (err != nil) != tt.wantErr {
				t.Fatalf("applyFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if cfg.P4.User != tt.wantUser || cfg.P4.Password != tt.wantPass {
				t.Errorf("got user %q password %q", cfg.P4.User, cfg.P4.Password)
			}
			if !tt.wantErr && !cfg.Log.Debug {
				t.Error("Expected debug enabled")
			}
		})
	}
}

func sqliteConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("P4SYNC_PROJECT_ID", "65")
	t.Setenv("P4SYNC_P4_PORT", "perforce:1666")
	t.Setenv("P4SYNC_STORE_BACKEND", "sqlite")
	t.Setenv("P4SYNC_STORE_PATH", filepath.Join(dir, "entities.db"))
	t.Setenv("P4SYNC_SIDECHANNEL_PATH", filepath.Join(dir, "sidechannel.db"))
	t.Setenv("P4SYNC_LOG_FILE", filepath.Join(dir, "p4sync.log"))

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	return cfg
}

func TestNewApp_SQLiteWiring(t *testing.T) {
	cfg := sqliteConfig(t)

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newApp() failed: %v", err)
	}
	defer a.Close()

	if a.side == nil {
		t.Error("Expected the side channel opened")
	}
	if got := a.counterName(); got != "tk_perforcesync_project_65" {
		t.Errorf("counterName() = %q", got)
	}

	d, err := a.driver(0, nil)
	if err != nil {
		t.Fatalf("driver() failed: %v", err)
	}
	if d.ID() == "" {
		t.Error("Expected a worker id")
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}

func TestNewApp_BadRules(t *testing.T) {
	cfg := sqliteConfig(t)
	a, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	a.cfg.Identity.MapFile = filepath.Join(t.TempDir(), "missing.toml")
	if _, err := a.driver(0, nil); err == nil {
		t.Error("Expected error for a missing login map")
	}
}

func TestReadStatus(t *testing.T) {
	src := changelisttest.New()
	src.AddChange(changelist.Change{ID: 104})
	if err := src.SetCounter(context.Background(), "c_65", 100); err != nil {
		t.Fatal(err)
	}

	status, err := readStatus(context.Background(), src, 65, "c_65")
	if err != nil {
		t.Fatalf("readStatus() failed: %v", err)
	}
	if status.Cursor != 100 || status.LatestSubmitted != 104 {
		t.Errorf("Unexpected status %+v", status)
	}

	src.Fail("LatestSubmitted", changelist.ErrTimeout)
	if _, err := readStatus(context.Background(), src, 65, "c_65"); !changelist.IsTransient(err) {
		t.Errorf("Expected transient error, got %v", err)
	}
}

func TestMetaPutGet(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "p4sync.yaml")
	content := "sidechannel:\n  path: " + filepath.Join(dir, "side.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	keyArgs := []string{"--kind", "review", "--path", "//depot/projects/racer/car.ma", "--rev", "4", "--p4-user", "alan", "--workspace", "alan-ws"}

	rootCmd.SetIn(strings.NewReader(`{"sg_take": 3}`))
	rootCmd.SetArgs(append([]string{"meta", "put", "--config", cfgPath}, keyArgs...))
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("meta put failed: %v", err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"meta", "get", "--config", cfgPath}, keyArgs...))
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("meta get failed: %v", err)
	}
	if !strings.Contains(out.String(), `"sg_take": 3`) {
		t.Errorf("Unexpected payload %q", out.String())
	}

	rootCmd.SetArgs(append([]string{"meta", "get", "--config", cfgPath, "--kind", "bogus"}, keyArgs[2:]...))
	if err := rootCmd.Execute(); err == nil {
		t.Error("Expected error for an unknown kind")
	}
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "p4sync dev") {
		t.Errorf("Unexpected version output %q", out.String())
	}
}

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	lock, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquireLock() failed: %v", err)
	}
	defer lock.Unlock()

	if _, err := acquireLock(path); err == nil {
		t.Error("Expected the second lock to fail")
	}
}
