package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gopresence/pkg/crypto"
	"github.com/NicolasHaas/gopresence/pkg/datastore"
	"github.com/NicolasHaas/gopresence/pkg/logging"
	"github.com/NicolasHaas/gopresence/pkg/presence"
)

// Config holds server configuration. Values come from DefaultConfig, then
// the YAML file, then GOPRESENCE_* environment variables, then flags.
type Config struct {
	HTTPAddr    string `yaml:"http_addr" env:"GOPRESENCE_HTTP_ADDR"`       // API bind address
	MetricsAddr string `yaml:"metrics_addr" env:"GOPRESENCE_METRICS_ADDR"` // separate /metrics listener (empty = disabled)

	DB   DBConfig   `yaml:"db"`
	QR   QRConfig   `yaml:"qr"`
	Keys KeysConfig `yaml:"keys"`
	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
	Log  LogConfig  `yaml:"log"`
}

type DBConfig struct {
	Driver      string        `yaml:"driver" env:"GOPRESENCE_DB_DRIVER"` // sqlite or postgres
	DSN         string        `yaml:"dsn" env:"GOPRESENCE_DB_DSN"`       // file path or connection string
	LockTimeout time.Duration `yaml:"lock_timeout" env:"GOPRESENCE_DB_LOCK_TIMEOUT"`
}

type QRConfig struct {
	TTL           time.Duration `yaml:"ttl" env:"GOPRESENCE_QR_TTL"`
	CheckoutAfter int           `yaml:"checkout_after" env:"GOPRESENCE_QR_CHECKOUT_AFTER"` // hour of day
	SweepInterval time.Duration `yaml:"sweep_interval" env:"GOPRESENCE_QR_SWEEP_INTERVAL"`
	Timezone      string        `yaml:"timezone" env:"GOPRESENCE_QR_TIMEZONE"` // IANA name, empty = local
}

// KeysConfig names the token signing secrets: hex strings, or an
// age-encrypted keyring file.
type KeysConfig struct {
	Current         string   `yaml:"current" env:"GOPRESENCE_KEYS_CURRENT"`
	Previous        []string `yaml:"previous" env:"GOPRESENCE_KEYS_PREVIOUS" env-separator:","`
	AgeFile         string   `yaml:"age_file" env:"GOPRESENCE_KEYS_AGE_FILE"`
	AgeIdentityFile string   `yaml:"age_identity_file" env:"GOPRESENCE_KEYS_AGE_IDENTITY_FILE"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"GOPRESENCE_AUTH_JWT_SECRET"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"GOPRESENCE_LOG_LEVEL"`
	Format string `yaml:"format" env:"GOPRESENCE_LOG_FORMAT"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9602",
		DB: DBConfig{
			Driver:      string(datastore.DriverSQLite),
			DSN:         "gopresence.db",
			LockTimeout: datastore.DefaultLockTimeout,
		},
		QR: QRConfig{
			TTL:           presence.DefaultTTL,
			CheckoutAfter: presence.DefaultCheckoutAfter,
			SweepInterval: presence.DefaultSweepInterval,
		},
		TLS: TLSConfig{DataDir: "."},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads path (optional) over the defaults and applies
// environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decodeConfig(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("read config env: %w", err)
	}
	return cfg, nil
}

// decodeConfig parses YAML strictly: unknown keys are errors.
func decodeConfig(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate reports the first configuration error.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: http_addr is required")
	}
	if _, err := datastore.ParseDriver(c.DB.Driver); err != nil {
		return fmt.Errorf("config: db.driver: %w", err)
	}
	if c.DB.DSN == "" {
		return errors.New("config: db.dsn is required")
	}
	if c.DB.LockTimeout < 0 {
		return errors.New("config: db.lock_timeout must not be negative")
	}
	if c.QR.CheckoutAfter < 0 || c.QR.CheckoutAfter > 23 {
		return fmt.Errorf("config: qr.checkout_after %d is not an hour of day", c.QR.CheckoutAfter)
	}
	if c.QR.SweepInterval < 0 {
		return errors.New("config: qr.sweep_interval must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Keys.Current == "" && c.Keys.AgeFile == "" {
		return errors.New("config: keys.current or keys.age_file is required")
	}
	if c.Keys.AgeFile != "" && c.Keys.AgeIdentityFile == "" {
		return errors.New("config: keys.age_identity_file is required with keys.age_file")
	}
	if len(c.Auth.JWTSecret) < crypto.MinSecretSize {
		return fmt.Errorf("config: auth.jwt_secret: %w", crypto.ErrSecretTooShort)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("config: tls.cert_file and tls.key_file must be set together")
	}
	if err := logging.Validate(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: log.format %q (valid: text, json)", c.Log.Format)
	}
	return nil
}

// Location resolves qr.timezone.
func (c Config) Location() (*time.Location, error) {
	if c.QR.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.QR.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: qr.timezone: %w", err)
	}
	return loc, nil
}

// Keyring loads the signing keys, from the age file when configured.
func (c Config) Keyring() (*crypto.Keyring, error) {
	if c.Keys.AgeFile != "" {
		return crypto.LoadKeyringFile(c.Keys.AgeFile, c.Keys.AgeIdentityFile)
	}
	return crypto.KeyringFromHex(c.Keys.Current, c.Keys.Previous)
}

// StoreConfig converts the db section for datastore.Open.
func (c Config) StoreConfig() (datastore.Config, error) {
	driver, err := datastore.ParseDriver(c.DB.Driver)
	if err != nil {
		return datastore.Config{}, err
	}
	return datastore.Config{Driver: driver, DSN: c.DB.DSN, LockTimeout: c.DB.LockTimeout}, nil
}
