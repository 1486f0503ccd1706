package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/domain"
)

// Config holds the application configuration.
type Config struct {
	RelayBase   string
	Secure      bool
	Token       string
	APIBase     string
	UserID      domain.UserID
	DisplayName string

	// STUNURLs is nil when unset so the transport default applies.
	STUNURLs           []string
	ReconnectDelay     time.Duration
	PingInterval       time.Duration
	MaxPeers           int
	NegotiationTimeout time.Duration
	InviteTTL          time.Duration

	LogLevel    string
	LogFile     string
	Mode        string
	MetricsAddr string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		RelayBase:   getenv("SC_RELAY_BASE"),
		Token:       getenv("SC_TOKEN"),
		APIBase:     getenv("SC_API_BASE"),
		DisplayName: getenv("SC_DISPLAY_NAME"),
		LogLevel:    p.str("SC_LOG_LEVEL", "info"),
		LogFile:     getenv("SC_LOG_FILE"),
		Mode:        p.str("SC_MODE", "production"),
		MetricsAddr: getenv("SC_METRICS_ADDR"),

		Secure:             p.boolean("SC_SECURE", false),
		UserID:             domain.UserID(p.uint("SC_USER_ID")),
		ReconnectDelay:     p.duration("SC_RECONNECT_DELAY", 3*time.Second),
		PingInterval:       p.duration("SC_PING_INTERVAL", 30*time.Second),
		MaxPeers:           p.integer("SC_MAX_PEERS", 8),
		NegotiationTimeout: p.duration("SC_NEGOTIATION_TIMEOUT", 0),
		InviteTTL:          p.duration("SC_INVITE_TTL", 45*time.Second),
	}
	if v := getenv("SC_STUN_URLS"); v != "" {
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.STUNURLs = append(cfg.STUNURLs, u)
			}
		}
	}

	if p.err != nil {
		return nil, p.err
	}
	if cfg.RelayBase == "" {
		return nil, fmt.Errorf("SC_RELAY_BASE environment variable is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("SC_TOKEN environment variable is required")
	}
	if cfg.MaxPeers < 0 {
		return nil, fmt.Errorf("SC_MAX_PEERS must not be negative")
	}
	return cfg, nil
}

// parser keeps the first conversion error.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, def string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	b, err := cast.ToBoolE(v)
	p.fail(key, err)
	return b
}

func (p *parser) integer(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := cast.ToIntE(v)
	p.fail(key, err)
	return n
}

func (p *parser) uint(key string) uint64 {
	v := p.getenv(key)
	if v == "" {
		return 0
	}
	n, err := cast.ToUint64E(v)
	p.fail(key, err)
	return n
}

// duration needs a unit, e.g. "3s" or "500ms".
func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		d, err = cast.ToDurationE(v)
	}
	p.fail(key, err)
	return d
}

func (p *parser) fail(key string, err error) {
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
}
