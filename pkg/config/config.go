// Package config holds the server-wide settings for BoltD: the socket
// address, WebSocket toggle, and connection cap the bolt package's
// Server needs. Values come from a YAML file, overridable by
// environment variables, and are held in an atomic value
// (GetSettings/SetSettings). `boltd serve` reads them once at startup,
// so a change installed afterwards does not reach a running server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Environment variable names recognized by Load.
const (
	EnvListenAddr      = "BOLTD_LISTEN_ADDR"
	EnvWebSocket       = "BOLTD_WEBSOCKET_ENABLED"
	EnvMaxConnections  = "BOLTD_MAX_CONNECTIONS"
	EnvDataDir         = "BOLTD_DATA_DIR"
	EnvAuditLogPath    = "BOLTD_AUDIT_LOG_PATH"
	EnvEncryptionKeyFD = "BOLTD_ENCRYPTION_KEY_FILE"
)

// Settings is the full set of server configuration. It is intentionally
// small and flat, matching the shape a single YAML file and a handful
// of environment overrides can express.
type Settings struct {
	ListenAddr        string `yaml:"listen_addr"`
	WebSocketEnabled  bool   `yaml:"websocket_enabled"`
	MaxConnections    int    `yaml:"max_connections"`
	DataDir           string `yaml:"data_dir"`
	AuditLogPath      string `yaml:"audit_log_path"`
	EncryptionKeyFile string `yaml:"encryption_key_file"`
}

// Default returns the settings a fresh local install starts with.
func Default() Settings {
	return Settings{
		ListenAddr:       "127.0.0.1:7687",
		WebSocketEnabled: true,
		MaxConnections:   0,
		DataDir:          "./data",
		AuditLogPath:     "./data/audit.log",
	}
}

// current holds the live settings; GetSettings/apply give atomic,
// lock-free access the way the teacher's executor-mode config did.
var current atomic.Value

func init() {
	current.Store(Default())
}

// GetSettings returns the currently active settings.
func GetSettings() Settings {
	return current.Load().(Settings)
}

// setSettings installs s as the active settings (used by Load and
// tests; SetSettings is the exported form for tests that need a bespoke
// configuration without going through a file).
func setSettings(s Settings) {
	current.Store(s)
}

// SetSettings installs s as the active configuration, bypassing file
// and environment loading. Intended for tests.
func SetSettings(s Settings) {
	setSettings(s)
}

// Load reads path (if non-empty) as a YAML Settings document layered
// over Default, then applies any recognized environment variable
// overrides, and installs the result as the active configuration.
func Load(path string) (Settings, error) {
	settings := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return Settings{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	setSettings(settings)
	return settings, nil
}

func applyEnv(s *Settings) error {
	if v := os.Getenv(EnvListenAddr); v != "" {
		s.ListenAddr = v
	}
	if v := os.Getenv(EnvWebSocket); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvWebSocket, err)
		}
		s.WebSocketEnabled = b
	}
	if v := os.Getenv(EnvMaxConnections); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvMaxConnections, err)
		}
		s.MaxConnections = n
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		s.DataDir = v
	}
	if v := os.Getenv(EnvAuditLogPath); v != "" {
		s.AuditLogPath = v
	}
	if v := os.Getenv(EnvEncryptionKeyFD); v != "" {
		s.EncryptionKeyFile = v
	}
	return nil
}
