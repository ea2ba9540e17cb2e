package agent

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "15s".
// Bare integers are treated as seconds, matching the upstream env-var
// convention.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// QueueMode selects the dispatch concurrency model.
type QueueMode string

const (
	// QueueShared drains one bounded queue with all workers. Highest
	// throughput, no ordering guarantee across envelopes.
	QueueShared QueueMode = "shared"
	// QueueConversation shards envelopes by conversation id so messages of
	// one conversation are processed in arrival order.
	QueueConversation QueueMode = "conversation"
)

// Config is the full configuration surface of the agent. Values come from a
// YAML file with environment-variable overrides; every field has a default
// matching the upstream gateway's expected timings.
type Config struct {
	GatewayURL string `yaml:"gateway_url"`
	APIBaseURL string `yaml:"api_base_url"`
	Cookies    string `yaml:"cookies"`
	AppKey     string `yaml:"app_key"`
	UserAgent  string `yaml:"user_agent"`

	HeartbeatInterval    Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout     Duration `yaml:"heartbeat_timeout"`
	TokenRefreshInterval Duration `yaml:"token_refresh_interval"`
	TokenRetryInterval   Duration `yaml:"token_retry_interval"`
	ManualModeTimeout    Duration `yaml:"manual_mode_timeout"`
	MessageExpiry        Duration `yaml:"message_expiry"`
	ReconnectDelay       Duration `yaml:"reconnect_delay"`

	TogglePhrases []string  `yaml:"toggle_phrases"`
	Workers       int       `yaml:"workers"`
	QueueCapacity int       `yaml:"queue_capacity"`
	QueueMode     QueueMode `yaml:"queue_mode"`
	RateLimit     int       `yaml:"rate_limit_per_minute"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the configuration the agent runs with when nothing
// is overridden.
func DefaultConfig() Config {
	return Config{
		GatewayURL:           "wss://wss-goofish.dingtalk.com/",
		APIBaseURL:           "https://h5api.m.goofish.com",
		AppKey:               "444e9908a51d1cb236a27862abc769c9",
		UserAgent:            "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
		HeartbeatInterval:    Duration(15 * time.Second),
		HeartbeatTimeout:     Duration(5 * time.Second),
		TokenRefreshInterval: Duration(time.Hour),
		TokenRetryInterval:   Duration(5 * time.Minute),
		ManualModeTimeout:    Duration(time.Hour),
		MessageExpiry:        Duration(5 * time.Minute),
		ReconnectDelay:       Duration(5 * time.Second),
		TogglePhrases:        []string{"。"},
		Workers:              3,
		QueueCapacity:        100,
		QueueMode:            QueueShared,
		RateLimit:            100,
		DBPath:               "agent.db",
		LogLevel:             "info",
	}
}

// LoadConfig reads the YAML file at path (optional, "" skips the file),
// applies environment overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := parseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("GATEWAY_URL", &c.GatewayURL)
	setString("API_BASE_URL", &c.APIBaseURL)
	setString("COOKIES_STR", &c.Cookies)
	setString("DB_PATH", &c.DBPath)
	setString("LOG_LEVEL", &c.LogLevel)
	setDuration("HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	setDuration("HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout)
	setDuration("TOKEN_REFRESH_INTERVAL", &c.TokenRefreshInterval)
	setDuration("TOKEN_RETRY_INTERVAL", &c.TokenRetryInterval)
	setDuration("MANUAL_MODE_TIMEOUT", &c.ManualModeTimeout)
	setDuration("MESSAGE_EXPIRE_TIME", &c.MessageExpiry)
	setInt("WORKERS", &c.Workers)
	setInt("QUEUE_CAPACITY", &c.QueueCapacity)
	setInt("RATE_LIMIT_PER_MINUTE", &c.RateLimit)

	if v := os.Getenv("TOGGLE_KEYWORDS"); v != "" {
		c.TogglePhrases = strings.Split(v, ",")
	}
	if v := os.Getenv("QUEUE_MODE"); v != "" {
		c.QueueMode = QueueMode(v)
	}
}

// Validate checks the configuration for values the agent cannot run with.
func (c *Config) Validate() error {
	if c.Cookies == "" {
		return fmt.Errorf("config: cookies not set (COOKIES_STR)")
	}
	if _, ok := ParseCookies(c.Cookies)["unb"]; !ok {
		return fmt.Errorf("config: cookies missing operator id (unb)")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("config: queue_capacity must be positive, got %d", c.QueueCapacity)
	}
	switch c.QueueMode {
	case QueueShared, QueueConversation:
	default:
		return fmt.Errorf("config: unknown queue_mode %q", c.QueueMode)
	}
	return nil
}

// OperatorID is the account id of the operator, derived from the session
// cookie. All messages sent by this id are commands or events, never
// chat queries.
func (c *Config) OperatorID() string {
	return ParseCookies(c.Cookies)["unb"]
}

// ParseCookies parses a browser-style "k=v; k2=v2" cookie string.
func ParseCookies(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
