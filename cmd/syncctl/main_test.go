package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/blocksync/internal/config"
	"github.com/danmuck/blocksync/internal/testutil/testlog"
)

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
name = "cellar"
api_url = "http://10.0.0.5/api"
feed = "sse"
services = ["spark-one", "spark-two"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	opts, err := parseFlags([]string{"-c", path, "--feed", "WS", "--services", "spark-three", "--listen", ":9400"})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Name != "cellar" || cfg.APIURL != "http://10.0.0.5/api" {
		t.Fatalf("unexpected file values: %+v", cfg)
	}
	if cfg.Feed != config.FeedWS {
		t.Fatalf("unexpected feed: %q", cfg.Feed)
	}
	if len(cfg.Services) != 1 || cfg.Services[0] != "spark-three" {
		t.Fatalf("unexpected services: %v", cfg.Services)
	}
	if cfg.ListenAddr != ":9400" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
}

func TestLoadConfigWithoutFileUsesDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadConfig(options{})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != ":9300" || cfg.Feed != config.FeedSSE {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigRejectsBadFeed(t *testing.T) {
	testlog.Start(t)
	if _, err := loadConfig(options{feed: "grpc"}); err == nil {
		t.Fatalf("expected feed validation error")
	}
}
