package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	DBPath     string
	RawMailDir string
	OutputDir  string

	GatewayAddr       string
	GatewayBaseURL    string
	BackendWebhookURL string

	ImageMaxWidth    int
	ImageJPEGQuality int
	ScanIntervalMs   int
	IntakePaceRPS    int

	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string
	GmailRefreshToken string

	IMAPHost     string
	IMAPPort     int
	IMAPSecure   bool
	IMAPUser     string
	IMAPPassword string
	IMAPMarkSeen bool

	MailListenerProvider     string
	MailListenerLabel        string
	MailListenerIntervalSec  int
	MailListenerFetchMax     int
	MailListenerProcessBatch int

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
}

const DefaultBackendWebhookURL = "https://forbuy.app.n8n.cloud/webhook/4buy/intake"

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	src := source{}
	if src.file, err = readOverlay(getEnv("FOURBUY_CONFIG_FILE", "config.yaml")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:     src.getEnv("DB_PATH", filepath.Join(cwd, "data", "fourbuy.db")),
		RawMailDir: src.getEnv("RAW_MAIL_DIR", filepath.Join(cwd, "data", "raw")),
		OutputDir:  src.getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),

		GatewayAddr:       src.getEnv("GATEWAY_ADDR", ":8080"),
		GatewayBaseURL:    src.getEnv("GATEWAY_BASE_URL", "http://localhost:8080"),
		BackendWebhookURL: src.getEnv("BACKEND_WEBHOOK_URL", DefaultBackendWebhookURL),

		ImageMaxWidth:    src.getEnvInt("IMAGE_MAX_WIDTH", 1600),
		ImageJPEGQuality: src.getEnvInt("IMAGE_JPEG_QUALITY", 75),
		ScanIntervalMs:   src.getEnvInt("SCAN_INTERVAL_MS", 1000),
		IntakePaceRPS:    src.getEnvInt("INTAKE_PACE_RPS", 1),

		GmailClientID:     src.getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: src.getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  src.getEnv("GMAIL_REDIRECT_URI", "https://developers.google.com/oauthplayground"),
		GmailRefreshToken: src.getEnv("GMAIL_REFRESH_TOKEN", ""),

		IMAPHost:     src.getEnv("IMAP_HOST", ""),
		IMAPPort:     src.getEnvInt("IMAP_PORT", 993),
		IMAPSecure:   src.getEnvBool("IMAP_SECURE", true),
		IMAPUser:     src.getEnv("IMAP_USER", ""),
		IMAPPassword: src.getEnv("IMAP_PASSWORD", ""),
		IMAPMarkSeen: src.getEnvBool("IMAP_MARK_SEEN", false),

		MailListenerProvider:     src.getEnv("MAIL_LISTENER_PROVIDER", "imap"),
		MailListenerLabel:        src.getEnv("MAIL_LISTENER_LABEL", "INBOX"),
		MailListenerIntervalSec:  src.getEnvInt("MAIL_LISTENER_INTERVAL_SEC", 60),
		MailListenerFetchMax:     src.getEnvInt("MAIL_LISTENER_FETCH_MAX", 20),
		MailListenerProcessBatch: src.getEnvInt("MAIL_LISTENER_PROCESS_BATCH", 10),

		SMTPHost:     src.getEnv("SMTP_HOST", ""),
		SMTPPort:     src.getEnvInt("SMTP_PORT", 587),
		SMTPUser:     src.getEnv("SMTP_USER", ""),
		SMTPPassword: src.getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     src.getEnv("SMTP_FROM", ""),
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

// readOverlay loads a flat YAML mapping of env-style keys. A missing file is
// not an error.
func readOverlay(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = fmt.Sprint(v)
	}
	return out, nil
}

// source resolves a key from the environment first, then the YAML overlay.
type source struct {
	file map[string]string
}

func (s source) getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	if value, ok := s.file[key]; ok {
		return value
	}
	return fallback
}

func (s source) getEnvInt(key string, fallback int) int {
	value := s.getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s source) getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(s.getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}

func getEnv(key, fallback string) string {
	return source{}.getEnv(key, fallback)
}
