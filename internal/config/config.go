// Package config handles loading and validating the application
// configuration from a coop.json file.
//
// The configuration file is a JSON object with database connection
// details, the HTTP listen address, the instance hostname, secrets for
// admin access, session tokens and key sealing, and tuning sections for
// the outbox, firehose, AppView indexer and identity resolver. Secrets
// may instead come from the environment (optionally via a .env file).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvConfigPath = "PRIMAL_COOP_CONFIG"
	EnvDBPass     = "PRIMAL_COOP_DB_PASS"
	EnvAdminKey   = "PRIMAL_COOP_ADMIN_KEY"
	EnvKeySecret  = "PRIMAL_COOP_KEY_SECRET"
	EnvJWTSecret  = "PRIMAL_COOP_JWT_SECRET"
)

// Duration is a time.Duration that reads from a JSON string like "10s".
type Duration time.Duration

// UnmarshalJSON accepts either a Go duration string or a number of
// nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration in its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all application configuration loaded from coop.json.
// The file is read once at startup; changes require a restart.
type Config struct {
	// DBConn is the PostgreSQL host:port (e.g., "infra-postgres:5432").
	DBConn string `json:"dbConn"`

	// DBName is the PostgreSQL database name.
	DBName string `json:"dbName"`

	// DBUser is the PostgreSQL username.
	DBUser string `json:"dbUser"`

	// DBPass is the PostgreSQL password.
	DBPass string `json:"dbPass"`

	// ListenAddr is the HTTP listen address (default ":3000").
	ListenAddr string `json:"listenAddr"`

	// Hostname is the public host of this instance. The instance DID is
	// did:web:<hostname> and member DIDs are did:web:<hostname>:u:<name>.
	Hostname string `json:"hostname"`

	// AdminKey is a shared secret for authenticating management API calls.
	// Clients send it as "Authorization: Bearer <adminKey>".
	AdminKey string `json:"adminKey"`

	// JWTSecret signs local session tokens.
	JWTSecret string `json:"jwtSecret"`

	// KeySecret seals signing keys at rest. Any length; it is stretched
	// to a 32-byte key.
	KeySecret string `json:"keySecret"`

	// PLCEndpoint is the PLC directory used to resolve did:plc identities
	// (default "https://plc.directory").
	PLCEndpoint string `json:"plcEndpoint,omitempty"`

	// LogLevel is one of debug, info, warn, error (default "info").
	LogLevel string `json:"logLevel,omitempty"`

	// HubURL and HubDID name the federation hub notified when members
	// request to join. Both empty disables hub notification.
	HubURL string `json:"hubURL,omitempty"`
	HubDID string `json:"hubDID,omitempty"`

	Outbox   OutboxConfig   `json:"outbox"`
	Firehose FirehoseConfig `json:"firehose"`
	AppView  AppViewConfig  `json:"appview"`
	Identity IdentityConfig `json:"identity"`
}

// OutboxConfig tunes the outbound delivery queue.
type OutboxConfig struct {
	Workers        int      `json:"workers"`
	PollInterval   Duration `json:"pollInterval"`
	BatchSize      int      `json:"batchSize"`
	MaxAttempts    int      `json:"maxAttempts"`
	BaseBackoff    Duration `json:"baseBackoff"`
	MaxBackoff     Duration `json:"maxBackoff"`
	RequestTimeout Duration `json:"requestTimeout"`
	LeaseTimeout   Duration `json:"leaseTimeout"`
	Retention      Duration `json:"retention"`
	// RetentionCron is a cron expression for pruning sent messages.
	RetentionCron string `json:"retentionCron"`
	// RatePerTarget is the sustained requests/second allowed per target
	// host; RateBurst is its bucket size.
	RatePerTarget float64 `json:"ratePerTarget"`
	RateBurst     int     `json:"rateBurst"`
}

// FirehoseConfig tunes per-subscription buffering.
type FirehoseConfig struct {
	QueueLimit int `json:"queueLimit"`
	ReplayPage int `json:"replayPage"`
}

// AppViewConfig configures the indexer.
type AppViewConfig struct {
	// Enabled turns the indexer loop on (default true).
	Enabled *bool `json:"enabled,omitempty"`
	// DataDir is where pebble keeps projections. "" uses memory.
	DataDir string `json:"dataDir"`
	// FirehoseURL, when set, makes the indexer consume a remote
	// subscribeRepos endpoint instead of the in-process emitter.
	FirehoseURL string `json:"firehoseURL,omitempty"`
	// Consumer names the persisted cursor (default "appview").
	Consumer string `json:"consumer"`
}

// IdentityConfig tunes DID document resolution.
type IdentityConfig struct {
	CacheSize     int      `json:"cacheSize"`
	CacheTTL      Duration `json:"cacheTTL"`
	FetchTimeout  Duration `json:"fetchTimeout"`
	RetryMax      int      `json:"retryMax"`
	SignatureSkew Duration `json:"signatureSkew"`
	// AllowHTTP resolves did:web over plain http. Tests and local
	// development only.
	AllowHTTP bool `json:"allowHTTP,omitempty"`
}

// IndexerEnabled reports whether the AppView loop should run.
func (a AppViewConfig) IndexerEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// LoadEnv reads a .env file into the process environment if one exists.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load env %s: %w", path, err)
	}
	return nil
}

// Load reads and parses configuration from the given file path.
// It returns an error if the file cannot be read, parsed, or is missing
// required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes configuration JSON, applies environment overrides and
// defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	for env, dst := range map[string]*string{
		EnvDBPass:    &c.DBPass,
		EnvAdminKey:  &c.AdminKey,
		EnvKeySecret: &c.KeySecret,
		EnvJWTSecret: &c.JWTSecret,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	if c.PLCEndpoint == "" {
		c.PLCEndpoint = "https://plc.directory"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	o := &c.Outbox
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval == 0 {
		o.PollInterval = Duration(time.Second)
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff == 0 {
		o.BaseBackoff = Duration(2 * time.Second)
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = Duration(10 * time.Minute)
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = Duration(10 * time.Second)
	}
	if o.LeaseTimeout == 0 {
		o.LeaseTimeout = Duration(5 * time.Minute)
	}
	if o.Retention == 0 {
		o.Retention = Duration(7 * 24 * time.Hour)
	}
	if o.RetentionCron == "" {
		o.RetentionCron = "17 3 * * *"
	}
	if o.RatePerTarget <= 0 {
		o.RatePerTarget = 10
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}

	if c.Firehose.QueueLimit <= 0 {
		c.Firehose.QueueLimit = 4096
	}
	if c.Firehose.ReplayPage <= 0 {
		c.Firehose.ReplayPage = 500
	}

	if c.AppView.Consumer == "" {
		c.AppView.Consumer = "appview"
	}

	id := &c.Identity
	if id.CacheSize <= 0 {
		id.CacheSize = 1024
	}
	if id.CacheTTL == 0 {
		id.CacheTTL = Duration(10 * time.Minute)
	}
	if id.FetchTimeout == 0 {
		id.FetchTimeout = Duration(5 * time.Second)
	}
	if id.RetryMax <= 0 {
		id.RetryMax = 2
	}
	if id.SignatureSkew == 0 {
		id.SignatureSkew = Duration(5 * time.Minute)
	}
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.DBPass == "":
		return fmt.Errorf("config: dbPass is required")
	case c.Hostname == "":
		return fmt.Errorf("config: hostname is required")
	case c.AdminKey == "":
		return fmt.Errorf("config: adminKey is required")
	case c.JWTSecret == "":
		return fmt.Errorf("config: jwtSecret is required")
	case c.KeySecret == "":
		return fmt.Errorf("config: keySecret is required")
	case (c.HubURL == "") != (c.HubDID == ""):
		return fmt.Errorf("config: hubURL and hubDID must be set together")
	case c.Outbox.MaxBackoff < c.Outbox.BaseBackoff:
		return fmt.Errorf("config: outbox.maxBackoff must not be below outbox.baseBackoff")
	case !gronx.IsValid(c.Outbox.RetentionCron):
		return fmt.Errorf("config: outbox.retentionCron %q is not a valid cron expression", c.Outbox.RetentionCron)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logLevel must be debug, info, warn or error")
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI from the config fields.
// The password is URL-encoded to handle special characters safely.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}
