package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

const validSettings = `
main:
  login: reader@example.com
  password: secret
  prefix_email_subject: INVOICE
  to_email: accounting@example.com
  to_email_subject: Invoices
zip:
  archive_name: out/invoices.zip
  password: zip-secret
other:
  tmp_folder: tmp
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"MAIL_LOGIN", "MAIL_PASSWORD", "ZIP_PASSWORD", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	if err := RegisterFlags(cmd); err != nil {
		t.Fatalf("RegisterFlags() error = %v", err)
	}
	if err := cmd.Flags().Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return cmd
}

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	path := writeSettings(t, validSettings)

	cfg, err := LoadConfig(newCommand(t, "--config", path, "--state-dir", t.TempDir()))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.IMAP.Host != "imap.gmail.com" || cfg.IMAP.Port != 993 || !cfg.IMAP.TLS {
		t.Errorf("IMAP defaults: got %+v", cfg.IMAP)
	}
	if cfg.IMAP.Folder != "INBOX" {
		t.Errorf("IMAP.Folder: got %q, want INBOX", cfg.IMAP.Folder)
	}
	if cfg.SMTP.Host != "smtp.gmail.com" || cfg.SMTP.Port != 465 || cfg.SMTP.Security != SecurityTLS {
		t.Errorf("SMTP defaults: got %+v", cfg.SMTP)
	}
	if cfg.Transport != TransportSMTP {
		t.Errorf("Transport: got %q, want %q", cfg.Transport, TransportSMTP)
	}
	if cfg.Zip.Encryption != "aes128" {
		t.Errorf("Zip.Encryption: got %q, want aes128", cfg.Zip.Encryption)
	}
	if cfg.Timeouts.Connect != DefaultConnectTimeout || cfg.Timeouts.Session != DefaultSessionTimeout {
		t.Errorf("Timeouts: got %+v", cfg.Timeouts)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level: got %q, want info", cfg.Log.Level)
	}
	if cfg.Zip.ArchiveName != filepath.Join("out", "invoices.zip") {
		t.Errorf("Zip.ArchiveName: got %q", cfg.Zip.ArchiveName)
	}
	if cfg.Sender() != "reader@example.com" {
		t.Errorf("Sender(): got %q, want login", cfg.Sender())
	}
	if cfg.DryRun {
		t.Error("DryRun should default to false")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAIL_PASSWORD", "from-env")
	t.Setenv("ZIP_PASSWORD", "zip-from-env")
	t.Setenv("LOG_LEVEL", "WARNING")

	path := writeSettings(t, validSettings+`
timeouts:
  connect: 5s
  session: 1m
smtp:
  from: sender@example.com
  security: STARTTLS
  port: 587
`)
	stateDir := t.TempDir()

	cfg, err := LoadConfig(newCommand(t, "--config", path, "--state-dir", stateDir, "--dry-run", "--log-level", "debug"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Main.Password != "from-env" {
		t.Errorf("Main.Password: got %q, want from-env", cfg.Main.Password)
	}
	if cfg.Zip.Password != "zip-from-env" {
		t.Errorf("Zip.Password: got %q, want zip-from-env", cfg.Zip.Password)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q, want debug (flag beats env)", cfg.Log.Level)
	}
	if cfg.Other.StateDir != stateDir {
		t.Errorf("Other.StateDir: got %q, want %q", cfg.Other.StateDir, stateDir)
	}
	if !cfg.DryRun {
		t.Error("DryRun: got false, want true")
	}
	if cfg.Timeouts.Connect != 5*time.Second || cfg.Timeouts.Session != time.Minute {
		t.Errorf("Timeouts: got %+v", cfg.Timeouts)
	}
	if cfg.SMTP.Security != SecurityStartTLS || cfg.SMTP.Port != 587 {
		t.Errorf("SMTP: got %+v", cfg.SMTP)
	}
	if cfg.Sender() != "sender@example.com" {
		t.Errorf("Sender(): got %q", cfg.Sender())
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := LoadConfig(newCommand(t, "--config", filepath.Join(t.TempDir(), "absent.yml")))
	if err == nil {
		t.Fatal("expected error for missing settings file")
	}
}

func TestParse_UnknownKey(t *testing.T) {
	clearEnv(t)
	_, err := Parse(strings.NewReader(validSettings + "\nunexpected: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParse_Malformed(t *testing.T) {
	clearEnv(t)
	_, err := Parse(strings.NewReader("main: [unterminated"))
	if err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base, err := Parse(strings.NewReader(validSettings))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing login", mutate: func(c *Config) { c.Main.Login = "" }, wantErr: "main.login"},
		{name: "missing prefix", mutate: func(c *Config) { c.Main.PrefixEmailSubject = " " }, wantErr: "main.prefix_email_subject"},
		{name: "missing recipient", mutate: func(c *Config) { c.Main.ToEmail = "" }, wantErr: "main.to_email"},
		{name: "missing zip password", mutate: func(c *Config) { c.Zip.Password = "" }, wantErr: "zip.password"},
		{name: "bad imap port", mutate: func(c *Config) { c.IMAP.Port = 70000 }, wantErr: "imap.port"},
		{name: "tmp folder is cwd", mutate: func(c *Config) { c.Other.TmpFolder = "." }, wantErr: "other.tmp_folder"},
		{name: "archive equals tmp", mutate: func(c *Config) { c.Zip.ArchiveName = "tmp" }, wantErr: "zip.archive_name"},
		{name: "archive inside tmp", mutate: func(c *Config) { c.Zip.ArchiveName = filepath.Join("tmp", "archive.zip") }, wantErr: "zip.archive_name"},
		{name: "archive deep inside tmp", mutate: func(c *Config) { c.Zip.ArchiveName = filepath.Join("tmp", "out", "..", "x", "a.zip") }, wantErr: "zip.archive_name"},
		{name: "archive beside tmp", mutate: func(c *Config) { c.Zip.ArchiveName = filepath.Join("tmpx", "archive.zip") }},
		{name: "bad encryption", mutate: func(c *Config) { c.Zip.Encryption = "zipcrypto" }, wantErr: "zip.encryption"},
		{name: "bad security", mutate: func(c *Config) { c.SMTP.Security = "ssl" }, wantErr: "smtp.security"},
		{name: "bad transport", mutate: func(c *Config) { c.Transport = "carrier-pigeon" }, wantErr: "transport"},
		{name: "ses without region", mutate: func(c *Config) { c.Transport = TransportSES }, wantErr: "ses.region"},
		{name: "ses with region", mutate: func(c *Config) { c.Transport = TransportSES; c.SES.Region = "eu-central-1" }},
		{name: "zero timeout", mutate: func(c *Config) { c.Timeouts.Session = 0 }, wantErr: "timeouts"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "trace" }, wantErr: "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadStateDir(t *testing.T) {
	clearEnv(t)
	want := filepath.Join(t.TempDir(), "ledger")
	path := writeSettings(t, "other:\n  state_dir: "+want+"\n")

	got, err := LoadStateDir(path, true)
	if err != nil {
		t.Fatalf("LoadStateDir() error = %v", err)
	}
	if got != want {
		t.Errorf("LoadStateDir() = %q, want %q", got, want)
	}

	missing := filepath.Join(t.TempDir(), "absent.yml")
	if _, err := LoadStateDir(missing, true); err == nil {
		t.Error("expected error for a required settings file that does not exist")
	}
	fallback, err := LoadStateDir(missing, false)
	if err != nil {
		t.Fatalf("LoadStateDir() fallback error = %v", err)
	}
	if def, _ := DefaultStateDir(); fallback != def {
		t.Errorf("fallback = %q, want %q", fallback, def)
	}
}
