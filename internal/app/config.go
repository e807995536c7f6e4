package app

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the knockgate service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Gate       GateConfig       `mapstructure:"gate"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	Knock      KnockConfig      `mapstructure:"knock"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	BasePath       string   `mapstructure:"base_path"`
	LogLevel       string   `mapstructure:"log_level"`
	LogFormat      string   `mapstructure:"log_format"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// ByePath is the goodbye route derived from the knock route.
func (s ServerConfig) ByePath() string {
	return strings.TrimRight(s.BasePath, "/") + "/bye"
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// GateConfig selects and configures the ingress-control backend.
type GateConfig struct {
	Driver          string          `mapstructure:"driver"`
	SecurityGroupID string          `mapstructure:"security_group_id"`
	Region          string          `mapstructure:"region"`
	Profile         string          `mapstructure:"profile"`
	IngressPort     int             `mapstructure:"ingress_port"`
	Protocol        string          `mapstructure:"protocol"`
	Timeout         time.Duration   `mapstructure:"timeout"`
	RateLimit       GateRateLimiter `mapstructure:"rate_limit"`
}

// GateRateLimiter caps outbound calls to the ingress-control API. RPS <= 0 disables it.
type GateRateLimiter struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// SessionsConfig controls session lifetime and sweeping.
type SessionsConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SummaryEvery  int           `mapstructure:"summary_every"`
	RetentionDays int           `mapstructure:"retention_days"`
}

// Retention converts RetentionDays to a duration; zero disables purging.
func (s SessionsConfig) Retention() time.Duration {
	if s.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// KnockConfig guards the knock endpoints.
type KnockConfig struct {
	TOTPSecret string          `mapstructure:"totp_secret"`
	RateLimit  KnockRateLimits `mapstructure:"rate_limit"`
}

// KnockRateLimits bounds knock requests per client address.
type KnockRateLimits struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

const (
	flagConfig      = "config"
	flagExpiration  = "expiration"
	flagIngressPort = "ingress-port"
	flagListenPort  = "listen-port"
	flagDBFile      = "db-file"
	flagSGID        = "sg-id"
	flagURL         = "url"
)

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	flagIngressPort: "gate.ingress_port",
	flagListenPort:  "server.port",
	flagDBFile:      "database.path",
	flagSGID:        "gate.security_group_id",
	flagURL:         "server.base_path",
}

// NewFlagSet declares the command-line flags understood by LoadConfig.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String(flagConfig, "", "path to a config.yaml file")
	fs.Int(flagExpiration, 30, "minutes after which an ingress rule is revoked; must be positive")
	fs.Int(flagIngressPort, 22, "port authorized and revoked in the security group")
	fs.Int(flagListenPort, 11235, "port the HTTP server listens on")
	fs.String(flagDBFile, "", "path to the SQLite database used to track ingress sessions")
	fs.String(flagSGID, "", "id of the EC2 security group altered by knock requests")
	fs.String(flagURL, "", "relative URL for knock requests; the same URL suffixed with /bye revokes")
	return fs
}

// LoadConfig initialises application configuration using Viper. Precedence, highest first:
// explicitly set flags, KNOCKGATE_* environment variables, the config file, defaults.
// flags may be nil.
func LoadConfig(flags *pflag.FlagSet, paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("KNOCKGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if file, _ := flags.GetString(flagConfig); strings.TrimSpace(file) != "" {
			v.SetConfigFile(file)
		}
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
		if f := flags.Lookup(flagExpiration); f != nil && f.Changed {
			minutes, err := flags.GetInt(flagExpiration)
			if err != nil {
				return nil, fmt.Errorf("config: parse --%s: %w", flagExpiration, err)
			}
			v.Set("sessions.ttl", time.Duration(minutes)*time.Minute)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 11235)
	v.SetDefault("server.base_path", "/knock")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/knockgate.sqlite")

	v.SetDefault("gate.driver", "ec2")
	v.SetDefault("gate.security_group_id", "")
	v.SetDefault("gate.region", "")
	v.SetDefault("gate.profile", "")
	v.SetDefault("gate.ingress_port", 22)
	v.SetDefault("gate.protocol", "tcp")
	v.SetDefault("gate.timeout", "10s")
	v.SetDefault("gate.rate_limit.rps", 5)
	v.SetDefault("gate.rate_limit.burst", 5)

	v.SetDefault("sessions.ttl", "30m")
	v.SetDefault("sessions.sweep_interval", "20s")
	v.SetDefault("sessions.summary_every", 3)
	v.SetDefault("sessions.retention_days", 0)

	v.SetDefault("knock.totp_secret", "")
	v.SetDefault("knock.rate_limit.requests", 10)
	v.SetDefault("knock.rate_limit.window", "1m")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if !strings.HasPrefix(strings.TrimSpace(c.Server.BasePath), "/") || strings.TrimSpace(c.Server.BasePath) == "/" {
		problems = append(problems, "server.base_path must be a non-root path starting with /")
	}
	for _, proxy := range c.Server.TrustedProxies {
		if net.ParseIP(proxy) == nil {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				problems = append(problems, fmt.Sprintf("server.trusted_proxies entry %q is not an IP or CIDR", proxy))
			}
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Gate.Driver)) {
	case "ec2":
		if strings.TrimSpace(c.Gate.SecurityGroupID) == "" {
			problems = append(problems, "gate.security_group_id is required for the ec2 driver")
		}
	case "log":
	default:
		problems = append(problems, fmt.Sprintf("gate.driver %q is not supported", c.Gate.Driver))
	}
	if c.Gate.IngressPort < 1 || c.Gate.IngressPort > 65535 {
		problems = append(problems, fmt.Sprintf("gate.ingress_port %d out of range", c.Gate.IngressPort))
	}

	if c.Sessions.TTL <= 0 {
		problems = append(problems, "sessions.ttl must be positive")
	}
	if c.Sessions.SweepInterval <= 0 {
		problems = append(problems, "sessions.sweep_interval must be positive")
	}
	if c.Sessions.RetentionDays < 0 {
		problems = append(problems, "sessions.retention_days must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
