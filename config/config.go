package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/bcrypt"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatrelay"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "CHATRELAY_DATA_DIR"
	// DefaultListenHost binds every IPv4 interface.
	DefaultListenHost = "0.0.0.0"
	// DefaultListeningPort is the TCP port used when no override exists.
	DefaultListeningPort = 5050
	// DefaultTypeWidth and DefaultLengthWidth size the frame header fields.
	DefaultTypeWidth   = 1
	DefaultLengthWidth = 10
	// DefaultDispatchInterval is the pause between dispatch passes.
	DefaultDispatchInterval = Duration(500 * time.Millisecond)
	// DefaultNoticeRetention keeps delivered notices this long.
	DefaultNoticeRetention = Duration(24 * time.Hour)
	// DefaultMessageRetention keeps delivered peer messages this long.
	DefaultMessageRetention = Duration(24 * time.Hour)
	// DefaultEventRetention keeps journal events this long.
	DefaultEventRetention = Duration(30 * 24 * time.Hour)
	// DefaultCompactSchedule runs compaction every quarter hour.
	DefaultCompactSchedule = "*/15 * * * *"
	// DefaultLogEnv selects the development logger.
	DefaultLogEnv = "development"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Duration is a time.Duration stored as text, like "500ms" or "24h".
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RelayConfig contains persistent relay settings.
type RelayConfig struct {
	ServerID         string   `json:"server_id"`
	ServerName       string   `json:"server_name"`
	ListenHost       string   `json:"listen_host"`
	ListeningPort    int      `json:"listening_port"`
	PasscodeHash     string   `json:"passcode_hash"`
	TypeWidth        int      `json:"type_width"`
	LengthWidth      int      `json:"length_width"`
	DispatchEvery    Duration `json:"dispatch_interval"`
	SortByDate       bool     `json:"sort_by_date"`
	NoticeRetention  Duration `json:"notice_retention"`
	MessageRetention Duration `json:"message_retention"`
	EventRetention   Duration `json:"event_retention"`
	CompactSchedule  string   `json:"compact_schedule"`
	LogEnv           string   `json:"log_env"`
	Advertise        bool     `json:"advertise"`
}

// ListenAddress returns host:port for the listener.
func (c *RelayConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListeningPort)
}

// SetPasscode stores the bcrypt hash of passcode.
func (c *RelayConfig) SetPasscode(passcode string) error {
	if passcode == "" {
		return errors.New("passcode must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash passcode: %w", err)
	}
	c.PasscodeHash = string(hash)
	return nil
}

// Validate checks values that defaults cannot repair.
func (c *RelayConfig) Validate() error {
	if c.PasscodeHash == "" {
		return errors.New("passcode hash is not set")
	}
	if _, err := bcrypt.Cost([]byte(c.PasscodeHash)); err != nil {
		return fmt.Errorf("passcode hash: %w", err)
	}
	if c.ListeningPort < 0 || c.ListeningPort > 65535 {
		return fmt.Errorf("listening port %d out of range", c.ListeningPort)
	}
	if _, err := cron.ParseStandard(c.CompactSchedule); err != nil {
		return fmt.Errorf("compact schedule %q: %w", c.CompactSchedule, err)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATRELAY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*RelayConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg RelayConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *RelayConfig) error {
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

// LoadOrCreate ensures the data directory and config exist, then returns the
// config, its path and the data directory.
func LoadOrCreate() (*RelayConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultServerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Chat Relay"
}

func defaultConfig() *RelayConfig {
	return &RelayConfig{
		ServerID:         uuid.NewString(),
		ServerName:       defaultServerName(),
		ListenHost:       DefaultListenHost,
		ListeningPort:    DefaultListeningPort,
		TypeWidth:        DefaultTypeWidth,
		LengthWidth:      DefaultLengthWidth,
		DispatchEvery:    DefaultDispatchInterval,
		SortByDate:       true,
		NoticeRetention:  DefaultNoticeRetention,
		MessageRetention: DefaultMessageRetention,
		EventRetention:   DefaultEventRetention,
		CompactSchedule:  DefaultCompactSchedule,
		LogEnv:           DefaultLogEnv,
		Advertise:        true,
	}
}

func normalizeDefaults(cfg *RelayConfig) bool {
	updated := false
	set := func(cond bool, apply func()) {
		if cond {
			apply()
			updated = true
		}
	}

	set(cfg.ServerID == "", func() { cfg.ServerID = uuid.NewString() })
	set(cfg.ServerName == "", func() { cfg.ServerName = defaultServerName() })
	set(cfg.ListenHost == "", func() { cfg.ListenHost = DefaultListenHost })
	set(cfg.ListeningPort == 0, func() { cfg.ListeningPort = DefaultListeningPort })
	set(cfg.TypeWidth <= 0, func() { cfg.TypeWidth = DefaultTypeWidth })
	set(cfg.LengthWidth <= 0, func() { cfg.LengthWidth = DefaultLengthWidth })
	set(cfg.DispatchEvery <= 0, func() { cfg.DispatchEvery = DefaultDispatchInterval })
	set(cfg.NoticeRetention <= 0, func() { cfg.NoticeRetention = DefaultNoticeRetention })
	set(cfg.MessageRetention <= 0, func() { cfg.MessageRetention = DefaultMessageRetention })
	set(cfg.EventRetention <= 0, func() { cfg.EventRetention = DefaultEventRetention })
	set(cfg.CompactSchedule == "", func() { cfg.CompactSchedule = DefaultCompactSchedule })
	set(cfg.LogEnv == "", func() { cfg.LogEnv = DefaultLogEnv })

	return updated
}
