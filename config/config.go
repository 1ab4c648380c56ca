package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dhcgn/imap-to-zip/workdir"
)

const (
	DefaultConfigFile     = "config.yml"
	DefaultConnectTimeout = 30 * time.Second
	DefaultSessionTimeout = 5 * time.Minute
)

const (
	TransportSMTP = "smtp"
	TransportSES  = "ses"
)

const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// Config is the settings record for one run. It is loaded once and passed by
// value to every stage.
type Config struct {
	Main      MainConfig     `yaml:"main"`
	Zip       ZipConfig      `yaml:"zip"`
	Other     OtherConfig    `yaml:"other"`
	IMAP      IMAPConfig     `yaml:"imap"`
	SMTP      SMTPConfig     `yaml:"smtp"`
	Transport string         `yaml:"transport"`
	SES       SESConfig      `yaml:"ses"`
	Timeouts  TimeoutsConfig `yaml:"timeouts"`
	Log       LogConfig      `yaml:"log"`

	DryRun bool `yaml:"-"`
}

// MainConfig holds the account and the message routing settings.
type MainConfig struct {
	Login              string `yaml:"login"`
	Password           string `yaml:"password"`
	PrefixEmailSubject string `yaml:"prefix_email_subject"`
	ToEmail            string `yaml:"to_email"`
	ToEmailSubject     string `yaml:"to_email_subject"`
}

type ZipConfig struct {
	ArchiveName string `yaml:"archive_name"`
	Password    string `yaml:"password"`
	Encryption  string `yaml:"encryption"`
}

type OtherConfig struct {
	TmpFolder string `yaml:"tmp_folder"`
	StateDir  string `yaml:"state_dir"`
}

type IMAPConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	TLS                bool   `yaml:"tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	Folder             string `yaml:"folder"`
}

type SMTPConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Security           string `yaml:"security"`
	From               string `yaml:"from"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// SESConfig is used when transport is "ses". Empty keys fall back to the
// default AWS credential chain.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type TimeoutsConfig struct {
	Connect time.Duration `yaml:"connect"`
	Session time.Duration `yaml:"session"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// Sender returns the envelope sender for the notification.
func (c Config) Sender() string {
	if c.SMTP.From != "" {
		return c.SMTP.From
	}
	return c.Main.Login
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("config", DefaultConfigFile, "Path to the YAML settings file")
	flags.String("log-level", "", "Logging level: debug, info, warn, error (overrides the settings file)")
	flags.String("log-dir", "", "Directory for run log files (overrides the settings file)")
	flags.String("state-dir", "", "Directory for the processed-message ledger (overrides the settings file)")
	flags.Bool("dry-run", false, "Scan, extract and archive without flagging the message or sending the notification")
	return nil
}

// LoadConfig reads the settings file named by --config, applies environment
// and flag overrides and validates the result.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}

	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open settings file: %w", err)
	}
	defer file.Close()

	cfg, err := Parse(file)
	if err != nil {
		return Config{}, fmt.Errorf("settings file %s: %w", path, err)
	}

	if flags.Changed("log-level") {
		if cfg.Log.Level, err = flags.GetString("log-level"); err != nil {
			return Config{}, err
		}
	}
	if flags.Changed("log-dir") {
		if cfg.Log.Dir, err = flags.GetString("log-dir"); err != nil {
			return Config{}, err
		}
	}
	if flags.Changed("state-dir") {
		if cfg.Other.StateDir, err = flags.GetString("state-dir"); err != nil {
			return Config{}, err
		}
	}
	if cfg.DryRun, err = flags.GetBool("dry-run"); err != nil {
		return Config{}, err
	}

	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadStateDir returns the ledger directory configured in the settings file
// at path, or DefaultStateDir when none is set. A missing file is an error
// only when required is true. Settings other than the state directory are
// not validated.
func LoadStateDir(path string, required bool) (string, error) {
	file, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !required:
		return DefaultStateDir()
	case err != nil:
		return "", fmt.Errorf("open settings file: %w", err)
	}
	defer file.Close()

	cfg, err := Parse(file)
	if err != nil {
		return "", fmt.Errorf("settings file %s: %w", path, err)
	}
	if strings.TrimSpace(cfg.Other.StateDir) == "" {
		return DefaultStateDir()
	}
	return filepath.Clean(cfg.Other.StateDir), nil
}

// Parse decodes a settings document on top of the defaults and applies
// environment overrides. Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	cfg := defaults()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func defaults() Config {
	return Config{
		Zip: ZipConfig{
			ArchiveName: "archive.zip",
			Encryption:  "aes128",
		},
		Other: OtherConfig{
			TmpFolder: "tmp",
		},
		IMAP: IMAPConfig{
			Host:   "imap.gmail.com",
			Port:   993,
			TLS:    true,
			Folder: "INBOX",
		},
		SMTP: SMTPConfig{
			Host:     "smtp.gmail.com",
			Port:     465,
			Security: SecurityTLS,
		},
		Transport: TransportSMTP,
		Timeouts: TimeoutsConfig{
			Connect: DefaultConnectTimeout,
			Session: DefaultSessionTimeout,
		},
		Log: LogConfig{Level: "info"},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MAIL_LOGIN"); v != "" {
		c.Main.Login = v
	}
	if v := os.Getenv("MAIL_PASSWORD"); v != "" {
		c.Main.Password = v
	}
	if v := os.Getenv("ZIP_PASSWORD"); v != "" {
		c.Zip.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) finalize() error {
	if c.Other.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return err
		}
		c.Other.StateDir = dir
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.Level == "warning" {
		c.Log.Level = "warn"
	}
	c.Zip.Encryption = strings.ToLower(c.Zip.Encryption)
	c.SMTP.Security = strings.ToLower(c.SMTP.Security)
	c.Transport = strings.ToLower(c.Transport)

	c.Other.TmpFolder = filepath.Clean(c.Other.TmpFolder)
	c.Other.StateDir = filepath.Clean(c.Other.StateDir)
	c.Zip.ArchiveName = filepath.Clean(c.Zip.ArchiveName)

	return Validate(*c)
}

// Validate reports the first missing or malformed setting.
func Validate(cfg Config) error {
	required := []struct {
		key, value string
	}{
		{"main.login", cfg.Main.Login},
		{"main.password", cfg.Main.Password},
		{"main.prefix_email_subject", cfg.Main.PrefixEmailSubject},
		{"main.to_email", cfg.Main.ToEmail},
		{"main.to_email_subject", cfg.Main.ToEmailSubject},
		{"zip.archive_name", cfg.Zip.ArchiveName},
		{"zip.password", cfg.Zip.Password},
		{"other.tmp_folder", cfg.Other.TmpFolder},
		{"imap.host", cfg.IMAP.Host},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.key)
		}
	}

	if cfg.IMAP.Port <= 0 || cfg.IMAP.Port > 65535 {
		return fmt.Errorf("imap.port must be between 1 and 65535")
	}
	if cfg.Other.TmpFolder == "." || cfg.Other.TmpFolder == string(filepath.Separator) {
		return fmt.Errorf("other.tmp_folder must name a dedicated directory")
	}
	if workdir.Contains(cfg.Other.TmpFolder, cfg.Zip.ArchiveName) {
		return fmt.Errorf("zip.archive_name must lie outside other.tmp_folder, which is removed after archiving")
	}

	switch cfg.Zip.Encryption {
	case "aes128", "aes192", "aes256":
	default:
		return fmt.Errorf("invalid zip.encryption: %s", cfg.Zip.Encryption)
	}

	switch cfg.Transport {
	case TransportSMTP:
		if cfg.SMTP.Host == "" {
			return fmt.Errorf("smtp.host is required")
		}
		if cfg.SMTP.Port <= 0 || cfg.SMTP.Port > 65535 {
			return fmt.Errorf("smtp.port must be between 1 and 65535")
		}
		switch cfg.SMTP.Security {
		case SecurityTLS, SecurityStartTLS, SecurityNone:
		default:
			return fmt.Errorf("invalid smtp.security: %s", cfg.SMTP.Security)
		}
	case TransportSES:
		if cfg.SES.Region == "" {
			return fmt.Errorf("ses.region is required")
		}
	default:
		return fmt.Errorf("invalid transport: %s", cfg.Transport)
	}

	if cfg.Timeouts.Connect <= 0 || cfg.Timeouts.Session <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s", cfg.Log.Level)
	}

	return nil
}

// DefaultStateDir is the ledger location used when none is configured.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".imap-to-zip", "state"), nil
}
