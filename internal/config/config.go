package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds service configuration.
type Config struct {
	StoreBackend string // "postgres" or "bolt"
	DatabaseURL  string
	BoltPath     string
	ServerAddr   string

	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	ApprovalTTL     time.Duration
	SweepInterval   time.Duration
	ExecutorTimeout time.Duration

	// Bcrypt hashes of accepted operator bearer tokens.
	OperatorTokenHashes []string

	// Optional webhook sink for governance notifications.
	NotifyWebhookURL string

	// ActionTypes maps action type to its base tier ("L1"/"L2"/"L3").
	ActionTypes map[string]string
	// ExecutorURLs maps action type to its collaborator endpoint.
	ExecutorURLs map[string]string
	// EscalationRules raise tiers by param expression:
	// "financial_trade|amount > 250|L3;token_burn|amount > 1000|L3".
	EscalationRules []EscalationRule
}

// EscalationRule raises an action type's tier when its expression holds.
type EscalationRule struct {
	ActionType string
	Expression string
	Level      string
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "constituent")
		pass := getenv("POSTGRES_PASSWORD", "constituent_pass")
		db := getenv("POSTGRES_DB", "constituent")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg := &Config{
		StoreBackend:        getenv("STORE_BACKEND", "postgres"),
		DatabaseURL:         dsn,
		BoltPath:            getenv("BOLT_PATH", "constituent.db"),
		ServerAddr:          getenv("SERVER_ADDR", "0.0.0.0:8080"),
		MaxRetries:          parseInt(getenv("MAX_RETRIES", "3"), 3),
		RetryBaseDelay:      parseDuration(getenv("RETRY_BASE_DELAY", "1m"), time.Minute),
		RetryMaxDelay:       parseDuration(getenv("RETRY_MAX_DELAY", "1h"), time.Hour),
		ApprovalTTL:         parseDuration(getenv("APPROVAL_TTL", "24h"), 24*time.Hour),
		SweepInterval:       parseDuration(getenv("SWEEP_INTERVAL", "1m"), time.Minute),
		ExecutorTimeout:     parseDuration(getenv("EXECUTOR_TIMEOUT", "30s"), 30*time.Second),
		OperatorTokenHashes: splitCSV(os.Getenv("OPERATOR_TOKEN_HASHES")),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		ActionTypes:         parsePairs(os.Getenv("ACTION_TYPES")),
		ExecutorURLs:        parsePairs(os.Getenv("EXECUTOR_URLS")),
	}

	rules, err := parseEscalationRules(os.Getenv("ESCALATION_RULES"))
	if err != nil {
		return nil, err
	}
	cfg.EscalationRules = rules

	if cfg.StoreBackend != "postgres" && cfg.StoreBackend != "bolt" {
		return nil, fmt.Errorf("unsupported STORE_BACKEND: %s", cfg.StoreBackend)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePairs parses "key=value,key=value" lists.
func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, item := range splitCSV(s) {
		kv := strings.SplitN(item, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// parseEscalationRules parses "type|expression|level" entries separated
// by semicolons.
func parseEscalationRules(s string) ([]EscalationRule, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var rules []EscalationRule
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "|", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid escalation rule %q (want type|expression|level)", item)
		}
		rules = append(rules, EscalationRule{
			ActionType: strings.TrimSpace(parts[0]),
			Expression: strings.TrimSpace(parts[1]),
			Level:      strings.TrimSpace(parts[2]),
		})
	}
	return rules, nil
}
