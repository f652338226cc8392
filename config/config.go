// Package config loads the self-test harness configuration.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	ModeLoopback = "loopback"
	ModeServer   = "server"
	ModeClient   = "client"
)

// Config is the root harness configuration.
type Config struct {
	// Mode is one of loopback, server or client.
	Mode string `mapstructure:"mode"`

	// Addr is the "ip:port" to listen on or dial.
	Addr string `mapstructure:"addr"`

	// Timeout bounds a whole run.
	Timeout time.Duration `mapstructure:"timeout"`

	// DialAttempts is how many times the client dials before giving up.
	DialAttempts int `mapstructure:"dial_attempts"`

	// PipeBufSize sizes the in-memory pipes in loopback mode.
	PipeBufSize uint `mapstructure:"pipe_buf_size"`

	// Payload is a file sent by the client and expected by the server.
	// Empty means a built-in greeting.
	Payload string `mapstructure:"payload"`

	// Request, when set, is sent as an HTTP/1.0 GET path instead of the payload.
	Request string `mapstructure:"request"`

	TLS TLSConfig `mapstructure:"tls"`

	Log LogConfig `mapstructure:"log"`
}

type TLSConfig struct {
	ServerName string `mapstructure:"server_name"`

	// CertFile and KeyFile hold the server's PEM key pair.
	// A self-signed certificate for ServerName is generated when they are empty.
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`

	// CAFile holds PEM roots the client trusts.
	CAFile string `mapstructure:"ca_file"`

	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
	ALPN               []string `mapstructure:"alpn"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation RotationConfig `mapstructure:"rotation"`

	Development bool `mapstructure:"development"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func Default() *Config {
	return &Config{
		Mode:         ModeLoopback,
		Addr:         "127.0.0.1:4433",
		Timeout:      30 * time.Second,
		DialAttempts: 5,
		PipeBufSize:  1 << 16,
		TLS: TLSConfig{
			ServerName: "localhost",
			ALPN:       []string{"tls-stream"},
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/tlsstream.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path, or from tlsstream.yaml in the usual
// places when path is empty. A missing file leaves the defaults in place.
// Environment variables override both, e.g. TLSSTREAM_TLS_SERVER_NAME.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TLSSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only sees keys viper already knows.
	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("dial_attempts", cfg.DialAttempts)
	v.SetDefault("pipe_buf_size", cfg.PipeBufSize)
	v.SetDefault("payload", cfg.Payload)
	v.SetDefault("request", cfg.Request)
	v.SetDefault("tls.server_name", cfg.TLS.ServerName)
	v.SetDefault("tls.cert_file", cfg.TLS.CertFile)
	v.SetDefault("tls.key_file", cfg.TLS.KeyFile)
	v.SetDefault("tls.ca_file", cfg.TLS.CAFile)
	v.SetDefault("tls.insecure_skip_verify", cfg.TLS.InsecureSkipVerify)
	v.SetDefault("tls.alpn", cfg.TLS.ALPN)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv("TLSSTREAM_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tlsstream")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tlsstream"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeLoopback, ModeServer, ModeClient:
	default:
		return errors.Errorf("invalid mode: %q", c.Mode)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Errorf("invalid log.level: %q", c.Log.Level)
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return errors.Errorf("invalid log.format: %q", c.Log.Format)
	}

	if len(c.Log.Outputs) == 0 {
		return errors.New("log.outputs must not be empty")
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file go together")
	}

	if c.Timeout <= 0 {
		return errors.Errorf("invalid timeout: %s", c.Timeout)
	}

	if c.Mode == ModeLoopback && c.PipeBufSize == 0 {
		return errors.New("pipe_buf_size must be positive in loopback mode")
	}
	return nil
}
