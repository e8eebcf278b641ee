// Package config loads settings shared by the server, worker and CLI binaries.
//
// Values come from built-in defaults, then an optional TOML file, then
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPath names the variable holding the config file path.
const EnvPath = "TASKRPC_CONFIG"

// Duration is a time.Duration written as "1s", "250ms" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	Worker   WorkerConfig   `toml:"worker"`
	Email    EmailConfig    `toml:"email"`
	Client   ClientConfig   `toml:"client"`
}

type ServerConfig struct {
	Port string `toml:"port"`
	// Actions limits launch_task to these names. Empty accepts any action.
	Actions         []string `toml:"actions"`
	MaxUploadMB     int64    `toml:"max_upload_mb"`
	MetricsInterval Duration `toml:"metrics_interval"`
}

type RedisConfig struct {
	Addr string `toml:"addr"`
}

type PostgresConfig struct {
	// DSN is optional for the server and worker; without it no run history
	// is kept.
	DSN string `toml:"dsn"`
}

type WorkerConfig struct {
	ID           string   `toml:"id"`
	PollInterval Duration `toml:"poll_interval"`
	StepInterval Duration `toml:"step_interval"`
}

type EmailConfig struct {
	APIKey      string `toml:"api_key"`
	FromName    string `toml:"from_name"`
	FromAddress string `toml:"from_address"`
	To          string `toml:"to"`
}

// Enabled reports whether completion notifications can be sent.
func (e EmailConfig) Enabled() bool {
	return e.APIKey != "" && e.FromAddress != "" && e.To != ""
}

type ClientConfig struct {
	URL               string   `toml:"url"`
	PollInterval      Duration `toml:"poll_interval"`
	Timeout           Duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			MaxUploadMB:     32,
			MetricsInterval: Duration{15 * time.Second},
		},
		Redis: RedisConfig{
			Addr: "localhost:9401",
		},
		Worker: WorkerConfig{
			PollInterval: Duration{time.Second},
			StepInterval: Duration{time.Second},
		},
		Email: EmailConfig{
			FromName: "taskrpc",
		},
		Client: ClientConfig{
			URL:          "http://localhost:8080",
			PollInterval: Duration{2 * time.Second},
			Timeout:      Duration{30 * time.Second},
		},
	}
}

// Load reads path when it is not empty, applies environment overrides and
// validates the result. Unknown keys in the file are an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}

		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// FromEnv loads the file named by TASKRPC_CONFIG, if any.
func FromEnv() (*Config, error) {
	return Load(os.Getenv(EnvPath))
}

func (c *Config) ApplyEnvOverrides() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Redis.Addr, "POGOCACHE_ADDR")
	setString(&c.Postgres.DSN, "POSTGRES_DSN")
	setString(&c.Worker.ID, "WORKER_ID")
	setString(&c.Email.APIKey, "EMAIL_API_KEY")
	setString(&c.Email.FromName, "FROM_NAME")
	setString(&c.Email.FromAddress, "FROM_ADDRESS")
	setString(&c.Email.To, "NOTIFY_TO")
	setString(&c.Client.URL, "TASKRPC_URL")

	if v := os.Getenv("TASK_ACTIONS"); v != "" {
		c.Server.Actions = splitList(v)
	}

	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid POLL_INTERVAL: %w", err)
		}
		c.Client.PollInterval = Duration{d}
	}

	if v := os.Getenv("MAX_UPLOAD_MB"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_UPLOAD_MB: %w", err)
		}
		c.Server.MaxUploadMB = n
	}

	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	} else if _, err := strconv.Atoi(c.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("server.port %q is not a number", c.Server.Port))
	}
	if c.Server.MetricsInterval.Duration <= 0 {
		errs = append(errs, errors.New("server.metrics_interval must be positive"))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("server.max_upload_mb must be positive"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Worker.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if c.Worker.StepInterval.Duration <= 0 {
		errs = append(errs, errors.New("worker.step_interval must be positive"))
	}
	if c.Client.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("client.poll_interval must be positive"))
	}
	if c.Client.RequestsPerSecond < 0 || c.Client.Burst < 0 {
		errs = append(errs, errors.New("client rate limit must not be negative"))
	}
	if c.Email.APIKey != "" && (c.Email.FromAddress == "" || c.Email.To == "") {
		errs = append(errs, errors.New("email.from_address and email.to are required with email.api_key"))
	}

	return errors.Join(errs...)
}

// MaxUploadBytes is the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.Server.MaxUploadMB << 20
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
