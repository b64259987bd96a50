package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// EnvPrefix is prepended to every environment override, e.g. GATEWAY_SERVER_ADDRESS.
const EnvPrefix = "GATEWAY"

var defaultIdempotentMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete,
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Environment     string        `mapstructure:"environment"`
	APIPrefix       string        `mapstructure:"api_prefix"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// TrustedProxies lists CIDR ranges or addresses whose X-Forwarded-For
	// header is believed when identifying clients.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	// AdminAPIKeys lists the API key ids allowed to reset breakers.
	AdminAPIKeys []string `mapstructure:"admin_api_keys"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

type HealthCheckConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// BreakerConfig tunes a circuit breaker. Inside a service block a zero field
// means "inherit the top-level breaker section".
type BreakerConfig struct {
	FailureThreshold  float64       `mapstructure:"failure_threshold"`
	VolumeThreshold   int           `mapstructure:"volume_threshold"`
	RollingWindow     time.Duration `mapstructure:"rolling_window"`
	OpenDuration      time.Duration `mapstructure:"open_duration"`
	MaxOpenDuration   time.Duration `mapstructure:"max_open_duration"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

type RetryConfig struct {
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       float64       `mapstructure:"jitter"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type RateLimitConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Requests      int           `mapstructure:"requests"`
	Window        time.Duration `mapstructure:"window"`
	DelayAfter    int           `mapstructure:"delay_after"`
	DelayStep     time.Duration `mapstructure:"delay_step"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	Backend       string        `mapstructure:"backend"`
	Redis         RedisConfig   `mapstructure:"redis"`
	FallbackRPS   float64       `mapstructure:"fallback_rps"`
	FallbackBurst int           `mapstructure:"fallback_burst"`
}

type IdentityConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// APIKeys maps a key id to the key presented in the X-API-Key header.
	APIKeys map[string]string `mapstructure:"api_keys"`
}

type ServiceConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Prefix            string        `mapstructure:"prefix"`
	HealthPath        string        `mapstructure:"health_path"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Retries           int           `mapstructure:"retries"`
	IdempotentMethods []string      `mapstructure:"idempotent_methods"`
	Capability        string        `mapstructure:"capability"`
	Critical          bool          `mapstructure:"critical"`
	Breaker           BreakerConfig `mapstructure:"breaker"`
}

type Config struct {
	Server      ServerConfig             `mapstructure:"server"`
	Logging     LoggingConfig            `mapstructure:"logging"`
	HealthCheck HealthCheckConfig        `mapstructure:"health_check"`
	Breaker     BreakerConfig            `mapstructure:"breaker"`
	Retry       RetryConfig              `mapstructure:"retry"`
	RateLimit   RateLimitConfig          `mapstructure:"rate_limit"`
	Identity    IdentityConfig           `mapstructure:"identity"`
	Services    map[string]ServiceConfig `mapstructure:"services"`
}

// Load reads configuration from path, or from config.yaml in ./config or the
// working directory when path is empty. A .env file in the working directory
// is loaded first; GATEWAY_* environment variables override file values.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	if !v.IsSet("services") {
		setDefaultServices(v)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.api_prefix", "/api/v1")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.add_source", false)

	v.SetDefault("health_check.interval", "30s")
	v.SetDefault("health_check.timeout", "5s")

	v.SetDefault("breaker.failure_threshold", 0.5)
	v.SetDefault("breaker.volume_threshold", 5)
	v.SetDefault("breaker.rolling_window", "60s")
	v.SetDefault("breaker.open_duration", "30s")
	v.SetDefault("breaker.max_open_duration", "5m")
	v.SetDefault("breaker.backoff_multiplier", 2.0)

	v.SetDefault("retry.base_delay", "100ms")
	v.SetDefault("retry.max_delay", "2s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.max_body_bytes", 1<<20)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", 100)
	v.SetDefault("rate_limit.window", "15m")
	v.SetDefault("rate_limit.delay_after", 50)
	v.SetDefault("rate_limit.delay_step", "500ms")
	v.SetDefault("rate_limit.max_delay", "20s")
	v.SetDefault("rate_limit.backend", RateLimitBackendMemory)
	v.SetDefault("rate_limit.redis.address", "localhost:6379")
	v.SetDefault("rate_limit.redis.prefix", "gateway:ratelimit:")
	v.SetDefault("rate_limit.fallback_rps", 10.0)
	v.SetDefault("rate_limit.fallback_burst", 20)
}

type defaultService struct {
	name       string
	port       int
	capability string
	critical   bool
	timeout    string
	retries    int
}

// The platform's backends, used when no services are configured.
var defaultServices = []defaultService{
	{name: "auth", port: 3001, capability: "auth", critical: true, timeout: "5s", retries: 1},
	{name: "reservations", port: 3002, capability: "booking", critical: true, timeout: "10s", retries: 2},
	{name: "inventory", port: 3003, capability: "booking", critical: true, timeout: "5s", retries: 2},
	{name: "payments", port: 3004, capability: "payments", critical: true, timeout: "15s", retries: 0},
	{name: "notifications", port: 3005, capability: "notifications", critical: false, timeout: "5s", retries: 1},
	{name: "flights", port: 3006, capability: "flights", critical: false, timeout: "8s", retries: 2},
}

func setDefaultServices(v *viper.Viper) {
	for _, s := range defaultServices {
		key := "services." + s.name
		v.SetDefault(key+".base_url", fmt.Sprintf("http://localhost:%d", s.port))
		v.SetDefault(key+".prefix", "/"+s.name)
		v.SetDefault(key+".health_path", "/health")
		v.SetDefault(key+".timeout", s.timeout)
		v.SetDefault(key+".retries", s.retries)
		v.SetDefault(key+".capability", s.capability)
		v.SetDefault(key+".critical", s.critical)
	}
}

func (c *Config) normalize() {
	for name, svc := range c.Services {
		if svc.HealthPath == "" {
			svc.HealthPath = "/health"
		}
		if svc.Capability == "" {
			svc.Capability = name
		}
		if len(svc.IdempotentMethods) == 0 {
			svc.IdempotentMethods = append([]string(nil), defaultIdempotentMethods...)
		}
		for i, m := range svc.IdempotentMethods {
			svc.IdempotentMethods[i] = strings.ToUpper(strings.TrimSpace(m))
		}
		c.Services[name] = svc
	}
}

// EffectiveBreaker returns the service's breaker tuning with zero fields
// filled from defaults.
func (s ServiceConfig) EffectiveBreaker(defaults BreakerConfig) BreakerConfig {
	b := s.Breaker
	if b.FailureThreshold == 0 {
		b.FailureThreshold = defaults.FailureThreshold
	}
	if b.VolumeThreshold == 0 {
		b.VolumeThreshold = defaults.VolumeThreshold
	}
	if b.RollingWindow == 0 {
		b.RollingWindow = defaults.RollingWindow
	}
	if b.OpenDuration == 0 {
		b.OpenDuration = defaults.OpenDuration
	}
	if b.MaxOpenDuration == 0 {
		b.MaxOpenDuration = defaults.MaxOpenDuration
	}
	if b.BackoffMultiplier == 0 {
		b.BackoffMultiplier = defaults.BackoffMultiplier
	}
	return b
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server, validation.Required),
		validation.Field(&c.Logging, validation.Required),
		validation.Field(&c.HealthCheck, validation.Required),
		validation.Field(&c.Breaker,
			validation.Required,
			validation.By(validateBreakerDefaults),
		),
		validation.Field(&c.Retry),
		validation.Field(&c.RateLimit),
		validation.Field(&c.Services,
			validation.Required,
			validation.Length(1, 0),
		),
	)
}

func (sc ServerConfig) Validate() error {
	return validation.ValidateStruct(&sc,
		validation.Field(&sc.Environment,
			validation.Required,
			validation.In(EnvDev, EnvStaging, EnvProd),
		),
		validation.Field(&sc.Address,
			validation.Required,
			validation.By(validateHostPort),
		),
		validation.Field(&sc.APIPrefix, validation.By(validatePathPrefix)),
		validation.Field(&sc.ReadTimeout, validation.Min(time.Duration(0))),
		validation.Field(&sc.WriteTimeout, validation.Min(time.Duration(0))),
		validation.Field(&sc.ShutdownTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&sc.TrustedProxies, validation.Each(validation.By(validateTrustedProxy))),
	)
}

func (lc LoggingConfig) Validate() error {
	return validation.ValidateStruct(&lc,
		validation.Field(&lc.Level,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
		),
	)
}

func (hc HealthCheckConfig) Validate() error {
	return validation.ValidateStruct(&hc,
		validation.Field(&hc.Interval, validation.Required, validation.Min(10*time.Millisecond)),
		validation.Field(&hc.Timeout, validation.Required, validation.Min(time.Millisecond)),
	)
}

func (bc BreakerConfig) Validate() error {
	return validation.ValidateStruct(&bc,
		validation.Field(&bc.FailureThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&bc.VolumeThreshold, validation.Min(0)),
		validation.Field(&bc.RollingWindow, validation.Min(time.Duration(0))),
		validation.Field(&bc.OpenDuration, validation.Min(time.Duration(0))),
		validation.Field(&bc.MaxOpenDuration, validation.Min(time.Duration(0))),
		validation.Field(&bc.BackoffMultiplier, validation.Min(0.0)),
	)
}

func (rc RetryConfig) Validate() error {
	return validation.ValidateStruct(&rc,
		validation.Field(&rc.BaseDelay, validation.Min(time.Duration(0))),
		validation.Field(&rc.MaxDelay, validation.Min(rc.BaseDelay)),
		validation.Field(&rc.Multiplier, validation.Min(1.0)),
		validation.Field(&rc.Jitter, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&rc.MaxBodyBytes, validation.Min(int64(0))),
	)
}

func (rl RateLimitConfig) Validate() error {
	if !rl.Enabled {
		return nil
	}
	return validation.ValidateStruct(&rl,
		validation.Field(&rl.Requests, validation.Required, validation.Min(1)),
		validation.Field(&rl.Window, validation.Required, validation.Min(time.Second)),
		validation.Field(&rl.DelayAfter, validation.Min(0)),
		validation.Field(&rl.DelayStep, validation.Min(time.Duration(0))),
		validation.Field(&rl.MaxDelay, validation.Min(time.Duration(0))),
		validation.Field(&rl.Backend,
			validation.Required,
			validation.In(RateLimitBackendMemory, RateLimitBackendRedis),
		),
		validation.Field(&rl.Redis,
			validation.When(rl.Backend == RateLimitBackendRedis, validation.Required).Else(validation.Skip),
		),
		validation.Field(&rl.FallbackRPS, validation.Min(0.0)),
		validation.Field(&rl.FallbackBurst, validation.Min(0)),
	)
}

func (rc RedisConfig) Validate() error {
	return validation.ValidateStruct(&rc,
		validation.Field(&rc.Address, validation.Required, validation.By(validateHostPort)),
		validation.Field(&rc.DB, validation.Min(0)),
	)
}

func (s ServiceConfig) Validate() error {
	methods := []interface{}{
		http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace,
		http.MethodPut, http.MethodDelete, http.MethodPost, http.MethodPatch,
	}
	return validation.ValidateStruct(&s,
		validation.Field(&s.BaseURL, validation.Required, validation.By(validateServerURL)),
		validation.Field(&s.Prefix, validation.Required, validation.By(validatePathPrefix)),
		validation.Field(&s.HealthPath, validation.By(validatePathPrefix)),
		validation.Field(&s.Timeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&s.Retries, validation.Min(0), validation.Max(10)),
		validation.Field(&s.IdempotentMethods, validation.Each(validation.In(methods...))),
		validation.Field(&s.Breaker),
	)
}

func validateBreakerDefaults(value interface{}) error {
	bc, ok := value.(BreakerConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BreakerConfig")
	}
	return validation.ValidateStruct(&bc,
		validation.Field(&bc.FailureThreshold, validation.Required),
		validation.Field(&bc.VolumeThreshold, validation.Required, validation.Min(1)),
		validation.Field(&bc.RollingWindow, validation.Required, validation.Min(time.Second)),
		validation.Field(&bc.OpenDuration, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&bc.MaxOpenDuration, validation.Min(bc.OpenDuration)),
		validation.Field(&bc.BackoffMultiplier, validation.Min(1.0)),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateTrustedProxy(value interface{}) error {
	entry, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if strings.Contains(entry, "/") {
		if _, err := netip.ParsePrefix(entry); err != nil {
			return validation.NewError("validation_invalid_cidr", "must be a valid CIDR range")
		}
		return nil
	}
	if _, err := netip.ParseAddr(entry); err != nil {
		return validation.NewError("validation_invalid_ip", "must be an IP address or CIDR range")
	}
	return nil
}

func validatePathPrefix(value interface{}) error {
	p, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if p == "" {
		return nil
	}
	if !strings.HasPrefix(p, "/") {
		return validation.NewError("validation_invalid_path", "must start with /")
	}
	if strings.ContainsAny(p, "?#* ") {
		return validation.NewError("validation_invalid_path", "must be a plain path")
	}
	return nil
}

func validateServerURL(value interface{}) error {
	serverURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if serverURL == "" {
		return validation.NewError("validation_empty_url", "server URL cannot be empty")
	}

	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}
