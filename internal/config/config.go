package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ranksync/internal/model"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Placeholder prefixes every first-run value an operator must replace.
const Placeholder = "CHANGE_ME"

// Role selects which process a config is validated for.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleBackend     Role = "backend"
	// RoleStandalone runs the coordinator and a single backend in one process without Redis.
	RoleStandalone Role = "standalone"
)

// Config holds all application configuration.
//
// Fields tagged with yaml are persisted in the operator file and may be overridden from the
// environment; process-only settings come from the environment alone and carry defaults.
type Config struct {
	App        AppConfig        `yaml:"-"`
	Server     ServerConfig     `yaml:"-"`
	Poller     PollerConfig     `yaml:"-"`
	Relay      RelayConfig      `yaml:"-"`
	Realtime   RealtimeConfig   `yaml:"-"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Redis      RedisConfig      `yaml:"redis"`
	Permission PermissionConfig `yaml:"permission"`
	Host       HostConfig       `yaml:"host"`

	Ranks map[string]model.RankDefinition `yaml:"ranks" ignored:"true"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string `envconfig:"APP_NAME" default:"ranksync"`
	Environment string `envconfig:"APP_ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	AdminKey    string `envconfig:"ADMIN_KEY" default:""`
}

// ServerConfig holds HTTP server settings shared by the coordinator and backend listeners.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// WebhookTimeout bounds purchase processing for one webhook request. It must stay below
	// WriteTimeout so the error body still reaches the caller.
	WebhookTimeout time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"25s"`
}

// PollerConfig holds drain scheduling settings.
type PollerConfig struct {
	Delay        time.Duration `envconfig:"POLL_DELAY" default:"30s"`
	Interval     time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	DrainTimeout time.Duration `envconfig:"DRAIN_TIMEOUT" default:"2m"`
	StaleAfter   time.Duration `envconfig:"STALE_AFTER" default:"24h"`
}

// RelayConfig holds command relay settings.
type RelayConfig struct {
	ApplyTimeout time.Duration `envconfig:"APPLY_TIMEOUT" default:"10s"`
	Workers      int           `envconfig:"RELAY_WORKERS" default:"4"`
	QueueSize    int           `envconfig:"RELAY_QUEUE_SIZE" default:"64"`
}

// RealtimeConfig selects the push source feeding the reconciler.
type RealtimeConfig struct {
	Source   string        `envconfig:"REALTIME_SOURCE" default:"none"` // none, stream, or supabase
	Stream   string        `envconfig:"REALTIME_STREAM" default:"ranksync:rank_updates"`
	Group    string        `envconfig:"REALTIME_GROUP" default:"ranksync"`
	Consumer string        `envconfig:"REALTIME_CONSUMER" default:""`
	DedupTTL time.Duration `envconfig:"REALTIME_DEDUP_TTL" default:"5m"`
}

// LedgerConfig holds the rank update ledger connection.
type LedgerConfig struct {
	Type     string `yaml:"type" envconfig:"LEDGER_TYPE"` // sqlite, postgres, mysql, mongodb, or supabase
	DSN      string `yaml:"dsn" envconfig:"LEDGER_DSN"`
	Database string `yaml:"database" envconfig:"LEDGER_DATABASE"`
	URL      string `yaml:"url" envconfig:"SUPABASE_URL"`
	Key      string `yaml:"key" envconfig:"SUPABASE_KEY"`
}

// WebhookConfig holds the purchase webhook listener settings.
type WebhookConfig struct {
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
	Secret string `yaml:"secret" envconfig:"WEBHOOK_SECRET"`
}

// RedisConfig holds the redis connection used for presence, relay, streams and locks.
type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"REDIS_ADDR"`
	Password string `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" envconfig:"REDIS_DB"`
}

// PermissionConfig holds the permission backend connection.
type PermissionConfig struct {
	Type string `yaml:"type" envconfig:"PERMISSION_TYPE"` // rest or memory
	URL  string `yaml:"url" envconfig:"PERMISSION_URL"`
	Key  string `yaml:"key" envconfig:"PERMISSION_KEY"`
}

// HostConfig identifies a backend server and its host bridge listener.
type HostConfig struct {
	ServerName string `yaml:"server_name" envconfig:"SERVER_NAME"`
	Port       int    `yaml:"port" envconfig:"HOST_PORT"`
}

// Defaults returns the first-run configuration. Secrets and remote endpoints are placeholders.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			Type:     "sqlite",
			DSN:      "./data/ranksync.db",
			Database: "ranksync",
			URL:      "https://" + Placeholder + ".supabase.co",
			Key:      Placeholder + "_SUPABASE_KEY",
		},
		Webhook: WebhookConfig{
			Port:   8081,
			Secret: Placeholder + "_TO_A_SECURE_SECRET",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Permission: PermissionConfig{
			Type: "rest",
			URL:  "http://localhost:8080",
			Key:  Placeholder + "_LUCKPERMS_API_KEY",
		},
		Host: HostConfig{
			ServerName: "lobby",
			Port:       8082,
		},
		Ranks: map[string]model.RankDefinition{
			"VIP": {
				Name:        "VIP",
				Prefix:      "&a[VIP]",
				Permissions: []string{"fly.lobby", "vip.chat", "vip.perks"},
			},
			"MVP": {
				Name:        "MVP",
				Prefix:      "&b[MVP]",
				Permissions: []string{"fly.lobby", "fly.survival", "mvp.chat", "mvp.perks"},
			},
			"ELITE": {
				Name:        "ELITE",
				Prefix:      "&5[ELITE]",
				Permissions: []string{"fly.*", "elite.chat", "elite.perks", "elite.commands"},
			},
		},
	}
}

// WriteDefaults writes the first-run file at path unless one already exists.
// It reports whether a file was created.
func WriteDefaults(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to stat config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("failed to create config dir: %w", err)
		}
	}

	cfg := Defaults()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return false, fmt.Errorf("failed to encode default config: %w", err)
	}

	header := "# ranksync configuration.\n# Values starting with " + Placeholder + " are placeholders and must be replaced before use.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return false, fmt.Errorf("failed to write default config: %w", err)
	}
	return true, nil
}

// Load reads the operator file at path (creating it on first run), then applies environment overrides.
func Load(path string) (*Config, error) {
	if _, err := WriteDefaults(path); err != nil {
		return nil, err
	}

	cfg := Defaults()
	// The file replaces the default rank set rather than merging into it.
	cfg.Ranks = nil

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	for name, rank := range cfg.Ranks {
		if rank.Name == "" {
			rank.Name = name
			cfg.Ranks[name] = rank
		}
	}

	return &cfg, nil
}

// IsPlaceholder reports whether v is an unreplaced first-run value.
func IsPlaceholder(v string) bool {
	return strings.Contains(v, Placeholder)
}

// Validate checks that everything the given role depends on has been configured.
func (c *Config) Validate(role Role) error {
	var problems []string

	switch role {
	case RoleCoordinator:
		problems = c.coordinatorProblems()
	case RoleBackend:
		problems = c.backendProblems()
	case RoleStandalone:
		problems = append(c.coordinatorProblems(), c.backendProblems()...)
		if c.Realtime.Source == "stream" {
			problems = append(problems, "REALTIME_SOURCE stream needs redis and cannot run standalone")
		}
	}
	if len(c.Ranks) == 0 {
		problems = append(problems, "at least one rank must be configured")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid %s config: %s", role, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) coordinatorProblems() []string {
	var problems []string
	if c.Webhook.Secret == "" || IsPlaceholder(c.Webhook.Secret) {
		problems = append(problems, "webhook.secret must be set to a real shared secret")
	}
	if c.Webhook.Port <= 0 {
		problems = append(problems, "webhook.port must be positive")
	}
	if c.Server.WriteTimeout > 0 && c.Server.WebhookTimeout >= c.Server.WriteTimeout {
		problems = append(problems, fmt.Sprintf("WEBHOOK_TIMEOUT (%s) must be below SERVER_WRITE_TIMEOUT (%s)",
			c.Server.WebhookTimeout, c.Server.WriteTimeout))
	}
	switch c.Ledger.Type {
	case "sqlite", "postgres", "postgresql", "mysql", "mongodb", "mongo":
		if c.Ledger.DSN == "" || IsPlaceholder(c.Ledger.DSN) {
			problems = append(problems, "ledger.dsn must be set")
		}
	case "supabase":
		if IsPlaceholder(c.Ledger.URL) || IsPlaceholder(c.Ledger.Key) || c.Ledger.URL == "" || c.Ledger.Key == "" {
			problems = append(problems, "ledger.url and ledger.key must be set for supabase")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown ledger.type %q", c.Ledger.Type))
	}
	switch c.Realtime.Source {
	case "", "none", "stream":
	case "supabase":
		if c.Ledger.URL == "" || c.Ledger.Key == "" || IsPlaceholder(c.Ledger.URL) || IsPlaceholder(c.Ledger.Key) {
			problems = append(problems, "ledger.url and ledger.key must be set for the supabase realtime source")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown REALTIME_SOURCE %q", c.Realtime.Source))
	}
	return problems
}

func (c *Config) backendProblems() []string {
	var problems []string
	if c.Host.ServerName == "" {
		problems = append(problems, "host.server_name must be set")
	}
	switch c.Permission.Type {
	case "rest":
		if c.Permission.URL == "" || IsPlaceholder(c.Permission.Key) {
			problems = append(problems, "permission.url and permission.key must be set for the rest backend")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown permission.type %q", c.Permission.Type))
	}
	return problems
}

// RankNames returns the configured rank names in sorted order.
func (c *Config) RankNames() []string {
	names := make([]string, 0, len(c.Ranks))
	for name := range c.Ranks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WebhookAddress returns the webhook listener address in host:port format.
func (c *Config) WebhookAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Webhook.Port)
}

// HostAddress returns the host bridge listener address in host:port format.
func (c *Config) HostAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Host.Port)
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}
