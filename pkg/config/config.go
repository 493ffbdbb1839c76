package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mirror-core/pkg/broker"
)

// Config holds environment-driven settings for the replication core.
type Config struct {
	Port string

	// Accounts
	AccountsFile string

	// Broker
	BrokerBaseURL   string
	BrokerStreamURL string
	CallTimeoutSec  int

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Persistence
	DBPath string

	// API auth
	JWTSecret        string
	OperatorPassHash string // bcrypt hash of the operator password
}

// AccountConfig is one credential set from the accounts file. Index 1 is the
// master; children follow.
type AccountConfig struct {
	Index       int                `yaml:"index"`
	DisplayName string             `yaml:"display_name"`
	Credentials broker.Credentials `yaml:"credentials"`
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:             getEnv("PORT", "8080"),
		AccountsFile:     getEnv("ACCOUNTS_FILE", "./accounts.yaml"),
		BrokerBaseURL:    getEnv("BROKER_BASE_URL", "https://api.shoonya.com/NorenWClientTP"),
		BrokerStreamURL:  getEnv("BROKER_STREAM_URL", "wss://api.shoonya.com/NorenWSTP/"),
		CallTimeoutSec:   getEnvInt("BROKER_CALL_TIMEOUT_SEC", 10),
		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   getEnvInt64("TELEGRAM_CHAT_ID", 0),
		DBPath:           getEnv("DB_PATH", "./data/orders.db"),
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret"),
		OperatorPassHash: os.Getenv("OPERATOR_PASS_HASH"),
	}, nil
}

// LoadAccounts parses the yaml credential sets. Missing credentials for one
// account are fatal only for that account, so validation is per entry and the
// caller receives every well-formed set.
func LoadAccounts(path string) ([]AccountConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var doc struct {
		Accounts []AccountConfig `yaml:"accounts"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	if len(doc.Accounts) == 0 {
		return nil, fmt.Errorf("accounts file %s lists no accounts", path)
	}

	valid := make([]AccountConfig, 0, len(doc.Accounts))
	for _, acc := range doc.Accounts {
		if acc.Index <= 0 || acc.Credentials.UserID == "" {
			continue
		}
		if acc.DisplayName == "" {
			acc.DisplayName = acc.Credentials.UserID
		}
		valid = append(valid, acc)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("accounts file %s has no usable credential sets", path)
	}
	return valid, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}
