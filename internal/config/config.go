package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// MinPollInterval is the fastest a mailbox is ever polled
	MinPollInterval = 10 * time.Second
	// MinTextNum is the smallest accepted body preview cap
	MinTextNum = 20
)

// Config application configuration
type Config struct {
	// Telegram
	TelegramToken string  `env:"TELEGRAM_BOT_TOKEN,required"`
	AdminUserIDs  []int64 `env:"ADMIN_USER_IDS" envSeparator:","`

	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/narrator.db"`

	// Accounts, one "server,login,credential" per line
	Accounts     string `env:"ACCOUNTS"`
	AccountsFile string `env:"ACCOUNTS_FILE"`
	KeyringDir   string `env:"KEYRING_DIR" envDefault:"./data/keyring"`

	// Targets
	PreconfiguredTargets []string `env:"PRECONFIGURED_TARGETS" envSeparator:","`
	FixedTarget          bool     `env:"FIXED_TARGET" envDefault:"false"`

	// Polling
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	TextNum         int           `env:"TEXT_NUM" envDefault:"150"`
	BatchLimit      int           `env:"BATCH_LIMIT" envDefault:"20"`
	IMAPDialTimeout time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`
	BackoffInitial  time.Duration `env:"BACKOFF_INITIAL" envDefault:"30s"`
	BackoffMax      time.Duration `env:"BACKOFF_MAX" envDefault:"10m"`

	// Delivery
	PromptTemplate       string `env:"PROMPT_TEMPLATE"`
	NarratorURL          string `env:"NARRATOR_URL"` // e.g., https://api.openai.com/v1
	NarratorAPIKey       string `env:"NARRATOR_API_KEY"`
	NarratorModel        string `env:"NARRATOR_MODEL" envDefault:"gpt-4o-mini"`
	NarratorSystemPrompt string `env:"NARRATOR_SYSTEM_PROMPT"`
	NarratorHistory      int    `env:"NARRATOR_HISTORY" envDefault:"6"`
	SendRate             int    `env:"SEND_RATE" envDefault:"20"` // messages per second
	RetryAttempts        int    `env:"RETRY_ATTEMPTS" envDefault:"3"`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Reload re-reads the environment, letting .env override values loaded
// at startup
func Reload() (*Config, error) {
	_ = godotenv.Overload()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) normalize() error {
	// Validate encryption key length (32 bytes for AES-256)
	if c.EncryptionKey != "" && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(c.EncryptionKey))
	}

	if c.PollInterval < MinPollInterval {
		c.PollInterval = MinPollInterval
	}
	if c.TextNum < MinTextNum {
		c.TextNum = MinTextNum
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 20
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = c.PollInterval
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	return nil
}

// AccountLines returns the raw account list from ACCOUNTS and ACCOUNTS_FILE.
// ACCOUNTS may separate lines with newlines or semicolons.
func (c *Config) AccountLines() (string, error) {
	var sb strings.Builder
	sb.WriteString(strings.ReplaceAll(c.Accounts, ";", "\n"))

	if c.AccountsFile != "" {
		data, err := os.ReadFile(c.AccountsFile)
		if err != nil {
			return "", fmt.Errorf("failed to read accounts file: %w", err)
		}
		sb.WriteString("\n")
		sb.Write(data)
	}

	return sb.String(), nil
}
