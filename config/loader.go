// Package config loads the daemon configuration. Values resolve in three
// layers: built-in defaults, then an optional YAML file, then environment
// variables, each overriding the one before it.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("rendezvousd.yaml").
//	    WithEnvPrefix("RDZV").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration tree.
type Config struct {
	// Server configures the bridge endpoint and HTTP listeners.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Table configures the local rendezvous table.
	Table TableConfig `yaml:"table" env:"TABLE"`

	// Log configures the zap logger.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Redis configures the incarnation registry.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database configures the exchange ledger.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
}

// ServerConfig holds the listener and bridge settings.
type ServerConfig struct {
	// ListenAddr is the main HTTP address (websocket bridge plus health).
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	// MetricsAddr is the prometheus address. Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	// AuthSecret enables bearer-token authentication when non-empty.
	AuthSecret string `yaml:"auth_secret" env:"AUTH_SECRET"`
	// TLSCertFile and TLSKeyFile switch the main listener to HTTPS.
	// Both must be set together.
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	// MaxConns caps concurrent bridge connections. Zero means unlimited.
	MaxConns int `yaml:"max_conns" env:"MAX_CONNS"`
	// FramesPerSecond rate-limits inbound frames per connection.
	FramesPerSecond float64 `yaml:"frames_per_second" env:"FRAMES_PER_SECOND"`
	// FrameBurst is the burst allowance of the frame limiter.
	FrameBurst int `yaml:"frame_burst" env:"FRAME_BURST"`
	// MaxFrameBytes caps a single inbound frame.
	MaxFrameBytes int64 `yaml:"max_frame_bytes" env:"MAX_FRAME_BYTES"`
	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// ShutdownTimeout is the graceful drain budget on SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// TableConfig mirrors the knobs of the local table.
type TableConfig struct {
	// Shards is the lock shard count, rounded up to a power of two.
	Shards int `yaml:"shards" env:"SHARDS"`
	// DispatchWorkers is the callback worker budget. Zero runs callbacks
	// inline on the sender.
	DispatchWorkers int `yaml:"dispatch_workers" env:"DISPATCH_WORKERS"`
	// DispatchQueue bounds the callback queue.
	DispatchQueue int `yaml:"dispatch_queue" env:"DISPATCH_QUEUE"`
}

// LogConfig holds the zap settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths lists sinks, stdout by default.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller annotates entries with file:line.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// EnableStacktrace attaches stacks to error entries.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig holds the OpenTelemetry settings.
type TelemetryConfig struct {
	// Enabled turns on OTLP export. Disabled installs noop providers.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLPEndpoint is the collector host:port.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// ServiceName names this process in traces.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// SampleRate is the trace sampling ratio in [0, 1].
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// Insecure skips TLS towards the collector.
	Insecure bool `yaml:"insecure" env:"INSECURE"`
}

// RedisConfig holds the incarnation registry settings.
type RedisConfig struct {
	// Enabled wires the registry into the daemon.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Addr is the redis host:port.
	Addr string `yaml:"addr" env:"ADDR"`
	// Password authenticates the connection.
	Password string `yaml:"password" env:"PASSWORD"`
	// DB selects the redis database number.
	DB int `yaml:"db" env:"DB"`
	// KeyPrefix namespaces registry keys.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// TTL is the registration lifetime without a heartbeat.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// MaxRetries caps redis command retries.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// PoolSize is the connection pool size.
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// MinIdleConns keeps warm connections in the pool.
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig holds the exchange ledger settings.
type DatabaseConfig struct {
	// Enabled wires the ledger into the daemon.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Driver is sqlite, mysql or postgres.
	Driver string `yaml:"driver" env:"DRIVER"`
	// Host and Port locate a server-based database.
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
	// User and Password authenticate against it.
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	// Name is the database name, or the file path for sqlite.
	Name string `yaml:"name" env:"NAME"`
	// SSLMode is passed through to postgres.
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// Connection pool knobs.
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// DSN renders the driver-specific connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// Loader assembles a Config through the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader returns a loader with the RDZV env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "RDZV",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file to load. A missing file is not an
// error; defaults apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then file, then environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks the struct tree; nested structs extend the key
// with their env tag, so Server.ListenAddr resolves PREFIX_SERVER_LISTEN_ADDR.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration parses as a duration string, not an integer.
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices only.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads from path and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the loaded values for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.ListenAddr == "" {
		errs = append(errs, "server listen_addr is required")
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = append(errs, "server shutdown_timeout must not be negative")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "server tls_cert_file and tls_key_file must be set together")
	}
	if c.Table.Shards <= 0 {
		errs = append(errs, "table shards must be positive")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be between 0 and 1")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis addr is required when redis is enabled")
	}

	if c.Database.Enabled {
		switch c.Database.Driver {
		case "sqlite", "mysql", "postgres":
		default:
			errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
