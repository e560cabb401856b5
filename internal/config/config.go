package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration: tape device and LTFS paths,
// backup retention policy, scheduler timing, encryption, and the ambient
// fields the rest of the core depends on (log level/format/path, db path,
// drain grace).
type Config struct {
	Database      DatabaseConfig      `json:"database"`
	Tape          TapeConfig          `json:"tape"`
	Backup        BackupPolicyConfig  `json:"backup"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Encryption    EncryptionConfig    `json:"encryption"`
	Logging       LoggingConfig       `json:"logging"`
	Notifications NotificationsConfig `json:"notifications"`
}

// EncryptionConfig supplies the opaque key blob internal/encryption passes
// through to the drive's hardware encryption; this core never generates or
// manages key material itself. Either KeyBlobBase64 is
// set directly (a 32-byte AES-256 key, base64-encoded, e.g. sourced from an
// external KMS) or Passphrase+Salt are set and a key is derived with
// PBKDF2 at startup; leaving all three empty disables hardware encryption.
type EncryptionConfig struct {
	Enabled       bool   `json:"enabled"`
	KeyBlobBase64 string `json:"key_blob_base64"`
	Passphrase    string `json:"passphrase"`
	SaltHex       string `json:"salt_hex"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `json:"path"`
}

// TapeConfig holds tape-related configuration for the single drive this
// process drives; multi-drive orchestration is out of scope.
type TapeConfig struct {
	// Interface selects the transport backend: "scsi" or "itdt".
	Interface string `json:"interface"`
	// DevicePath is the drive's OS path: /dev/nst0 or /dev/sg0 on Linux,
	// \\.\TAPEn or \\.\Changern on Windows.
	DevicePath string `json:"device_path"`
	// ITDTPath is the itdt binary location; only consulted when Interface
	// is "itdt".
	ITDTPath string `json:"itdt_path"`
	// DefaultBlockSize is the fixed block size in bytes; 0 selects
	// variable block mode.
	DefaultBlockSize int  `json:"default_block_size"`
	GzipArchives     bool `json:"gzip_archives"`
	MountPath        string `json:"mount_path"`
}

// BackupPolicyConfig holds the retention/erase/ceiling options under
// backup.*.
type BackupPolicyConfig struct {
	RetentionMonths  int   `json:"retention_months"`
	AutoEraseExpired bool  `json:"auto_erase_expired"`
	MaxVolumeBytes   int64 `json:"max_volume_bytes"`
}

// SchedulerConfig holds the check interval (tape.check_interval_s) plus the
// shutdown drain grace period. CheckIntervalSeconds is only logged at
// startup: the scheduler ticks at its own fixed 60-second interval and does
// not read this value.
type SchedulerConfig struct {
	CheckIntervalSeconds int `json:"check_interval_s"`
	DrainGraceSeconds    int `json:"drain_grace_s"`
}

// DrainGrace returns the configured drain grace as a time.Duration.
func (s SchedulerConfig) DrainGrace() time.Duration {
	return time.Duration(s.DrainGraceSeconds) * time.Second
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"` // "json" or "text"
	OutputPath string `json:"output_path"`
}

// NotificationsConfig holds notification configuration
type NotificationsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Email    EmailConfig    `json:"email"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// EmailConfig holds SMTP email configuration
type EmailConfig struct {
	Enabled    bool   `json:"enabled"`
	SMTPHost   string `json:"smtp_host"`
	SMTPPort   int    `json:"smtp_port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	FromEmail  string `json:"from_email"`
	FromName   string `json:"from_name"`
	ToEmails   string `json:"to_emails"` // Comma-separated list
	UseTLS     bool   `json:"use_tls"`
	SkipVerify bool   `json:"skip_verify"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "/var/lib/tapebackarr/tapebackarr.db",
		},
		Tape: TapeConfig{
			Interface:        "scsi",
			DevicePath:       "/dev/nst0",
			ITDTPath:         "itdt",
			DefaultBlockSize: 0,
			GzipArchives:     false,
			MountPath:        "/mnt/ltfs",
		},
		Backup: BackupPolicyConfig{
			RetentionMonths:  12,
			AutoEraseExpired: false,
			MaxVolumeBytes:   0,
		},
		Scheduler: SchedulerConfig{
			CheckIntervalSeconds: 60,
			DrainGraceSeconds:    300,
		},
		Encryption: EncryptionConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "/var/log/tapebackarr/tapebackarr.log",
		},
		Notifications: NotificationsConfig{
			Telegram: TelegramConfig{
				Enabled:  false,
				BotToken: "",
				ChatID:   "",
			},
			Email: EmailConfig{
				Enabled:    false,
				SMTPHost:   "",
				SMTPPort:   587,
				Username:   "",
				Password:   "",
				FromEmail:  "",
				FromName:   "TapeBackarr",
				ToEmails:   "",
				UseTLS:     true,
				SkipVerify: false,
			},
		},
	}
}

// Load loads configuration from a JSON file
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a JSON file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
