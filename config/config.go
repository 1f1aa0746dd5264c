// Package config holds the typed configuration for logical database
// connections: hosts and replica sets, pool tunables, stickiness, load
// balancing and guard settings. Everything is validated at load time so
// zero values never leak into the runtime.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Strategy names accepted under load_balancing.strategy.
const (
	StrategyRandom     = "random"
	StrategyRoundRobin = "round-robin"
	StrategyWeighted   = "weighted"
)

// Driver names. "pgsql" is accepted as an alias for postgres in config
// files and normalized away.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

var (
	errDriverRequired   = errors.New("config: driver is required")
	errUnknownDriver    = errors.New("config: unsupported driver")
	errHostRequired     = errors.New("config: host is required")
	errDatabaseRequired = errors.New("config: database is required")
	errBadWeight        = errors.New("config: host weight must be >= 0")
	errBadStrategy      = errors.New("config: unknown load balancing strategy")
	errBadMaxFailures   = errors.New("config: max_failures must be >= 1")
	errMinExceedsMax    = errors.New("config: min_connections must be <= max_connections")
	errBadMaxConns      = errors.New("config: max_connections must be >= 1")
)

// LBConfig tunes host selection and health tracking for a replica set.
type LBConfig struct {
	Strategy            string   `yaml:"strategy"`
	HealthCheckCooldown Duration `yaml:"health_check_cooldown"`
	MaxFailures         int      `yaml:"max_failures"`
}

// EndpointConfig overrides connection coordinates for one side of a
// read/write split.
type EndpointConfig struct {
	Host     HostList `yaml:"host"`
	Port     int      `yaml:"port"`
	Database string   `yaml:"database"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// ConnectionConfig is the immutable record for one logical connection name.
type ConnectionConfig struct {
	Name     string            `yaml:"-"`
	Driver   string            `yaml:"driver" validate:"required"`
	Host     HostList          `yaml:"host"`
	Port     int               `yaml:"port" validate:"min=0,max=65535"`
	Database string            `yaml:"database"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Params   map[string]string `yaml:"params"`

	Sticky       bool     `yaml:"sticky"`
	StickyWindow Duration `yaml:"sticky_window"`

	Read  *EndpointConfig `yaml:"read"`
	Write *EndpointConfig `yaml:"write"`

	LoadBalancing LBConfig `yaml:"load_balancing"`

	MaxIdleTime        Duration `yaml:"max_idle_time"`
	StrictGuards       bool     `yaml:"strict_guards"`
	SlowQueryThreshold Duration `yaml:"slow_query_threshold"`
	StatementCacheSize int      `yaml:"statement_cache_size" validate:"min=0"`
	AuditLog           string   `yaml:"audit_log"`
}

// PoolConfig carries the global pool tunables, optionally per environment.
type PoolConfig struct {
	MinConnections     int      `yaml:"min_connections" validate:"min=0"`
	MaxConnections     int      `yaml:"max_connections"`
	ConnectionTimeout  Duration `yaml:"connection_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	ValidateOnCheckout bool     `yaml:"validate_on_checkout"`
	Persistent         bool     `yaml:"persistent"`
}

// Production is the preset for production workloads.
func Production() PoolConfig {
	return PoolConfig{
		MinConnections:     5,
		MaxConnections:     50,
		ConnectionTimeout:  Duration(5 * time.Second),
		IdleTimeout:        Duration(5 * time.Minute),
		ValidateOnCheckout: true,
		Persistent:         true,
	}
}

// Development favors fast startup over warm capacity.
func Development() PoolConfig {
	return PoolConfig{
		MinConnections:    1,
		MaxConnections:    10,
		ConnectionTimeout: Duration(10 * time.Second),
		IdleTimeout:       Duration(10 * time.Minute),
	}
}

// Testing keeps the pool tiny and fails fast.
func Testing() PoolConfig {
	return PoolConfig{
		MinConnections:    0,
		MaxConnections:    5,
		ConnectionTimeout: Duration(time.Second),
		IdleTimeout:       Duration(time.Minute),
	}
}

// Preset returns the pool tunables for an environment name, defaulting
// to Development for anything unrecognized.
func Preset(env string) PoolConfig {
	switch env {
	case "production":
		return Production()
	case "testing":
		return Testing()
	default:
		return Development()
	}
}

var validate = validator.New()

// WithDefaults returns a copy with defaults applied: driver alias
// normalization, default ports, sticky window 500ms, cooldown 30s,
// max failures 3, round-robin strategy.
func (c ConnectionConfig) WithDefaults() ConnectionConfig {
	if c.Driver == "pgsql" {
		c.Driver = DriverPostgres
	}
	if c.Port == 0 {
		c.Port = defaultPort(c.Driver)
	}
	if c.StickyWindow == 0 {
		c.StickyWindow = Duration(500 * time.Millisecond)
	}
	if c.LoadBalancing.Strategy == "" {
		c.LoadBalancing.Strategy = StrategyRoundRobin
	}
	if c.LoadBalancing.HealthCheckCooldown == 0 {
		c.LoadBalancing.HealthCheckCooldown = Duration(30 * time.Second)
	}
	if c.LoadBalancing.MaxFailures == 0 {
		c.LoadBalancing.MaxFailures = 3
	}
	if c.MaxIdleTime == 0 {
		c.MaxIdleTime = Duration(5 * time.Minute)
	}
	if c.SlowQueryThreshold == 0 {
		c.SlowQueryThreshold = Duration(time.Second)
	}
	if c.StatementCacheSize == 0 {
		c.StatementCacheSize = 64
	}
	return c
}

// Validate checks the record. Failures are configuration errors and are
// never retried.
func (c ConnectionConfig) Validate() error {
	if c.Driver == "" {
		return errDriverRequired
	}
	if c.Driver != DriverMySQL && c.Driver != DriverPostgres {
		return fmt.Errorf("%w: %q", errUnknownDriver, c.Driver)
	}
	if len(c.WriteHosts()) == 0 {
		return errHostRequired
	}
	if c.Database == "" && (c.Write == nil || c.Write.Database == "") {
		return errDatabaseRequired
	}
	for _, h := range append(c.WriteHosts(), c.ReadHosts()...) {
		if h.Weight < 0 {
			return fmt.Errorf("%w: %s", errBadWeight, h.Key())
		}
	}
	switch c.LoadBalancing.Strategy {
	case StrategyRandom, StrategyRoundRobin, StrategyWeighted:
	default:
		return fmt.Errorf("%w: %q", errBadStrategy, c.LoadBalancing.Strategy)
	}
	if c.LoadBalancing.MaxFailures < 1 {
		return errBadMaxFailures
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (p PoolConfig) Validate() error {
	if p.MaxConnections < 1 {
		return errBadMaxConns
	}
	if p.MinConnections > p.MaxConnections {
		return errMinExceedsMax
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// WriteHosts resolves the host list queries for writes go to. The write
// override block wins over the top-level host list.
func (c ConnectionConfig) WriteHosts() []HostConfig {
	port := c.Port
	if port == 0 {
		port = defaultPort(c.Driver)
	}
	if c.Write != nil && len(c.Write.Host) > 0 {
		if c.Write.Port != 0 {
			port = c.Write.Port
		}
		return c.Write.Host.normalized(port)
	}
	return c.Host.normalized(port)
}

// ReadHosts resolves the replica set, or nil when reads share the write
// handle.
func (c ConnectionConfig) ReadHosts() []HostConfig {
	if c.Read == nil || len(c.Read.Host) == 0 {
		return nil
	}
	port := c.Port
	if port == 0 {
		port = defaultPort(c.Driver)
	}
	if c.Read.Port != 0 {
		port = c.Read.Port
	}
	return c.Read.Host.normalized(port)
}

// HasReadReplicas reports whether a distinct read endpoint is configured.
func (c ConnectionConfig) HasReadReplicas() bool {
	return len(c.ReadHosts()) > 0
}

// ReadCredentials resolves the read-side credentials: the override
// block wins, top-level is the fallback.
func (c ConnectionConfig) ReadCredentials() (database, username, password string) {
	return c.credentials(c.Read)
}

func (c ConnectionConfig) WriteCredentials() (database, username, password string) {
	return c.credentials(c.Write)
}

func (c ConnectionConfig) credentials(ep *EndpointConfig) (string, string, string) {
	database, username, password := c.Database, c.Username, c.Password
	if ep != nil {
		if ep.Database != "" {
			database = ep.Database
		}
		if ep.Username != "" {
			username = ep.Username
		}
		if ep.Password != "" {
			password = ep.Password
		}
	}
	return database, username, password
}

func defaultPort(driver string) int {
	switch driver {
	case DriverPostgres, "pgsql":
		return 5432
	default:
		return 3306
	}
}
