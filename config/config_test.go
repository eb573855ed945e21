package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)

	firstCfg, firstPath, dataDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if dataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, dataDir)
	}
	if firstCfg.ServerID == "" {
		t.Fatalf("expected non-empty server ID")
	}
	if firstCfg.ChatPort != DefaultChatPort || firstCfg.FileTransferPort != DefaultFileTransferPort {
		t.Fatalf("unexpected default ports %d/%d", firstCfg.ChatPort, firstCfg.FileTransferPort)
	}
	if firstCfg.BufferSize != DefaultBufferSize || firstCfg.MaxConnections != DefaultMaxConnections {
		t.Fatalf("unexpected defaults: %+v", firstCfg)
	}
	if firstCfg.FilesDir != filepath.Join(tempDir, "files") {
		t.Fatalf("unexpected files dir %q", firstCfg.FilesDir)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.ServerID != firstCfg.ServerID {
		t.Fatalf("expected stable server ID, got %q then %q", firstCfg.ServerID, secondCfg.ServerID)
	}
}

func TestLoadOrCreateNormalizesMissingFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	legacy := &ServerConfig{ServerID: "legacy-server", ChatPort: 7000, BufferSize: -1}
	if err := Save(ConfigPath(tempDir), legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.ServerID != "legacy-server" || cfg.ChatPort != 7000 {
		t.Fatalf("expected persisted values retained, got %+v", cfg)
	}
	if cfg.BufferSize != DefaultBufferSize || cfg.FileTransferPort != DefaultFileTransferPort {
		t.Fatalf("expected missing values defaulted, got %+v", cfg)
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.BufferSize != DefaultBufferSize {
		t.Fatalf("expected normalized config persisted, got %d", reloaded.BufferSize)
	}
}

func TestServerEnvOverridesAreNotPersisted(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)
	t.Setenv(EnvChatPort, "11000")
	t.Setenv(EnvFileTransferPort, "21000")
	t.Setenv(EnvBufferSize, "4096")
	t.Setenv(EnvMaxConnections, "not-a-number")
	t.Setenv(EnvAcceptRatePerSecond, "2.5")
	t.Setenv(EnvAdvertiseMDNS, "true")

	cfg, cfgPath, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.ChatPort != 11000 || cfg.FileTransferPort != 21000 || cfg.BufferSize != 4096 {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
	if cfg.MaxConnections != DefaultMaxConnections {
		t.Fatalf("expected invalid env value ignored, got %d", cfg.MaxConnections)
	}
	if cfg.AcceptRatePerSecond != 2.5 || !cfg.AdvertiseMDNS {
		t.Fatalf("expected rate and mdns overrides, got %+v", cfg)
	}
	if cfg.ChatAddress() != ":11000" {
		t.Fatalf("unexpected chat address %q", cfg.ChatAddress())
	}

	persisted, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if persisted.ChatPort != DefaultChatPort {
		t.Fatalf("env override leaked to disk: %d", persisted.ChatPort)
	}
}

func TestDefaultClientConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvHost, "chat.local")
	t.Setenv(EnvChatPort, "12000")
	t.Setenv(EnvFileTransferPort, "")

	cfg := DefaultClientConfig()
	if cfg.ChatAddress() != "chat.local:12000" {
		t.Fatalf("unexpected chat address %q", cfg.ChatAddress())
	}
	if cfg.FileTransferAddress() != "chat.local:20023" {
		t.Fatalf("unexpected transfer address %q", cfg.FileTransferAddress())
	}
	if cfg.ListInterval != 5*time.Second {
		t.Fatalf("unexpected list interval %s", cfg.ListInterval)
	}
	if cfg.DownloadDir != filepath.Join(home, "Downloads") {
		t.Fatalf("unexpected download dir %q", cfg.DownloadDir)
	}

	ipv6 := &ClientConfig{Host: "::1", ChatPort: 1}
	if ipv6.ChatAddress() != "[::1]:1" {
		t.Fatalf("unexpected ipv6 address %q", ipv6.ChatAddress())
	}
}
