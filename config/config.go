package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "relaychat"
	// DefaultChatPort is the chat listener port when no override exists.
	DefaultChatPort = 10023
	// DefaultFileTransferPort is the side-channel listener port.
	DefaultFileTransferPort = 20023
	// DefaultBufferSize bounds frame lines and transfer chunks.
	DefaultBufferSize = 1024
	// DefaultMaxConnections caps concurrent connections per listener.
	DefaultMaxConnections = 100
	// DefaultAcceptBurst is the per-IP connection burst when rate limiting is on.
	DefaultAcceptBurst = 10
	// DefaultSessionEventRetentionDays bounds the session audit log.
	DefaultSessionEventRetentionDays = 30
	// DefaultListInterval is how often the console refreshes the roster.
	DefaultListInterval = 5 * time.Second
	// DefaultHost is the chat server host clients dial when unset.
	DefaultHost = "127.0.0.1"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Environment variables read on top of the persisted configuration.
const (
	EnvDataDir             = "RELAYCHAT_DATA_DIR"
	EnvHost                = "RELAYCHAT_HOST"
	EnvChatPort            = "CHAT_PORT"
	EnvFileTransferPort    = "FILE_TRANSFER_PORT"
	EnvBufferSize          = "BUFFER_SIZE"
	EnvMaxConnections      = "MAX_CONNECTIONS"
	EnvAcceptRatePerSecond = "ACCEPT_RATE_PER_SECOND"
	EnvAdvertiseMDNS       = "ADVERTISE_MDNS"
)

// ServerConfig contains persistent relay server settings.
type ServerConfig struct {
	ServerID                  string  `json:"server_id"`
	ServerName                string  `json:"server_name"`
	ListenHost                string  `json:"listen_host"`
	ChatPort                  int     `json:"chat_port"`
	FileTransferPort          int     `json:"file_transfer_port"`
	BufferSize                int     `json:"buffer_size"`
	MaxConnections            int     `json:"max_connections"`
	AcceptRatePerSecond       float64 `json:"accept_rate_per_second"`
	AcceptBurst               int     `json:"accept_burst"`
	AdvertiseMDNS             bool    `json:"advertise_mdns"`
	FilesDir                  string  `json:"files_dir"`
	SessionEventRetentionDays int     `json:"session_event_retention_days"`
}

// ChatAddress returns host:port for the chat listener.
func (c *ServerConfig) ChatAddress() string {
	return joinHostPort(c.ListenHost, c.ChatPort)
}

// FileTransferAddress returns host:port for the side-channel listener.
func (c *ServerConfig) FileTransferAddress() string {
	return joinHostPort(c.ListenHost, c.FileTransferPort)
}

// SessionEventRetention converts the retention setting to a duration.
func (c *ServerConfig) SessionEventRetention() time.Duration {
	return time.Duration(c.SessionEventRetentionDays) * 24 * time.Hour
}

// ClientConfig contains client settings. It is not persisted.
type ClientConfig struct {
	Host             string
	ChatPort         int
	FileTransferPort int
	Username         string
	DownloadDir      string
	ListInterval     time.Duration
	BufferSize       int
}

// ChatAddress returns host:port of the chat server.
func (c *ClientConfig) ChatAddress() string {
	return joinHostPort(c.Host, c.ChatPort)
}

// FileTransferAddress returns host:port of the side channel.
func (c *ClientConfig) FileTransferAddress() string {
	return joinHostPort(c.Host, c.FileTransferPort)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If RELAYCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ServerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ServerConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the server
// config with environment overrides applied, its path, and the data directory.
// Environment overrides are never written back to disk.
func LoadOrCreate() (*ServerConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	ApplyServerEnv(cfg)
	return cfg, cfgPath, dataDir, nil
}

// ApplyServerEnv overlays environment variables on cfg. Unparseable values
// keep the current setting.
func ApplyServerEnv(cfg *ServerConfig) {
	cfg.ChatPort = envPort(EnvChatPort, cfg.ChatPort)
	cfg.FileTransferPort = envPort(EnvFileTransferPort, cfg.FileTransferPort)
	cfg.BufferSize = envPositiveInt(EnvBufferSize, cfg.BufferSize)
	cfg.MaxConnections = envPositiveInt(EnvMaxConnections, cfg.MaxConnections)
	if value := os.Getenv(EnvAcceptRatePerSecond); value != "" {
		if rate, err := strconv.ParseFloat(value, 64); err == nil && rate >= 0 {
			cfg.AcceptRatePerSecond = rate
		}
	}
	if value := os.Getenv(EnvAdvertiseMDNS); value != "" {
		if advertise, err := strconv.ParseBool(value); err == nil {
			cfg.AdvertiseMDNS = advertise
		}
	}
}

// DefaultClientConfig returns client settings with environment overrides applied.
func DefaultClientConfig() *ClientConfig {
	cfg := &ClientConfig{
		Host:             DefaultHost,
		ChatPort:         DefaultChatPort,
		FileTransferPort: DefaultFileTransferPort,
		DownloadDir:      defaultDownloadDir(),
		ListInterval:     DefaultListInterval,
		BufferSize:       DefaultBufferSize,
	}
	if host := strings.TrimSpace(os.Getenv(EnvHost)); host != "" {
		cfg.Host = host
	}
	cfg.ChatPort = envPort(EnvChatPort, cfg.ChatPort)
	cfg.FileTransferPort = envPort(EnvFileTransferPort, cfg.FileTransferPort)
	cfg.BufferSize = envPositiveInt(EnvBufferSize, cfg.BufferSize)
	return cfg
}

func defaultConfig(dataDir string) *ServerConfig {
	return &ServerConfig{
		ServerID:                  uuid.NewString(),
		ServerName:                defaultServerName(),
		ListenHost:                "",
		ChatPort:                  DefaultChatPort,
		FileTransferPort:          DefaultFileTransferPort,
		BufferSize:                DefaultBufferSize,
		MaxConnections:            DefaultMaxConnections,
		AcceptRatePerSecond:       0,
		AcceptBurst:               DefaultAcceptBurst,
		AdvertiseMDNS:             false,
		FilesDir:                  filepath.Join(dataDir, "files"),
		SessionEventRetentionDays: DefaultSessionEventRetentionDays,
	}
}

func normalizeDefaults(cfg *ServerConfig, dataDir string) bool {
	updated := false

	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
		updated = true
	}
	if cfg.ServerName == "" {
		cfg.ServerName = defaultServerName()
		updated = true
	}
	if !validPort(cfg.ChatPort) {
		cfg.ChatPort = DefaultChatPort
		updated = true
	}
	if !validPort(cfg.FileTransferPort) {
		cfg.FileTransferPort = DefaultFileTransferPort
		updated = true
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
		updated = true
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
		updated = true
	}
	if cfg.AcceptRatePerSecond < 0 {
		cfg.AcceptRatePerSecond = 0
		updated = true
	}
	if cfg.AcceptBurst <= 0 {
		cfg.AcceptBurst = DefaultAcceptBurst
		updated = true
	}
	if cfg.FilesDir == "" {
		cfg.FilesDir = filepath.Join(dataDir, "files")
		updated = true
	}
	if cfg.SessionEventRetentionDays <= 0 {
		cfg.SessionEventRetentionDays = DefaultSessionEventRetentionDays
		updated = true
	}

	return updated
}

func defaultServerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Relay Chat Server"
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, "Downloads")
}

func envPort(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if port, err := strconv.Atoi(value); err == nil && validPort(port) {
		return port
	}
	return fallback
}

func envPositiveInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

func joinHostPort(host string, port int) string {
	return fmt.Sprintf("%s:%d", bracketIPv6(host), port)
}

func bracketIPv6(host string) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return "[" + host + "]"
	}
	return host
}
