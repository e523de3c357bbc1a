// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is everything the forwarder processes read at startup.
type Config struct {
	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Queue struct {
		DSN         string        `mapstructure:"dsn"`
		Name        string        `mapstructure:"name"`
		Workers     int           `mapstructure:"workers"`
		MaxAttempts int           `mapstructure:"max_attempts"`
		BaseBackoff time.Duration `mapstructure:"base_backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
		PollEvery   time.Duration `mapstructure:"poll_every"`
	} `mapstructure:"queue"`

	Cache struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"cache"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Log struct {
		Path  string `mapstructure:"path"`
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Audit struct {
		Retention     time.Duration `mapstructure:"retention"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		BufferSize    int           `mapstructure:"buffer_size"`
	} `mapstructure:"audit"`

	Dedup struct {
		Policy   string        `mapstructure:"policy"` // none | memory | redis
		Window   time.Duration `mapstructure:"window"`
		RedisURL string        `mapstructure:"redis_url"`
	} `mapstructure:"dedup"`

	Templates struct {
		Subject string `mapstructure:"subject"`
		Body    string `mapstructure:"body"`
	} `mapstructure:"templates"`

	Probe struct {
		HTTPURL   string `mapstructure:"http_url"`
		SOCKSAddr string `mapstructure:"socks_addr"`
	} `mapstructure:"probe"`

	Listener struct {
		InboxSize int `mapstructure:"inbox_size"`
	} `mapstructure:"listener"`
}

func defaults() map[string]any {
	return map[string]any{
		"database.dsn":         "sqlite://forwarder.db",
		"queue.dsn":            "sql://",
		"queue.name":           "sms_deliveries",
		"queue.workers":        2,
		"queue.max_attempts":   5,
		"queue.base_backoff":   "2s",
		"queue.max_backoff":    "5m",
		"queue.poll_every":     "1s",
		"cache.dir":            "./cache",
		"http.addr":            ":8080",
		"log.path":             "",
		"log.level":            "info",
		"audit.retention":      "168h",
		"audit.sweep_interval": "1h",
		"audit.buffer_size":    256,
		"dedup.policy":         "none",
		"dedup.window":         "10m",
		"dedup.redis_url":      "",
		"templates.subject":    "",
		"templates.body":       "",
		"probe.http_url":       "http://www.google.com",
		"probe.socks_addr":     "8.8.8.8:53",
		"listener.inbox_size":  128,
	}
}

// Load reads .env (if present), then an optional YAML file, then FORWARDER_*
// environment variables, highest precedence last.
func Load(file string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	v.SetEnvPrefix("forwarder")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if c.Queue.Workers < 1 {
		c.Queue.Workers = 1
	}
	if c.Queue.MaxAttempts < 1 {
		c.Queue.MaxAttempts = 1
	}
	return &c, nil
}
