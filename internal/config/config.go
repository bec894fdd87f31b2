package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the signaling process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Push      PushConfig
	Signaling SignalingConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// DBConfig is the call-history archive database.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is the live call-record store.
type RedisConfig struct {
	Host string
	Port int
}

// PushConfig carries FCM service-account credentials for the wake path.
// Push may be disabled entirely for local runs.
type PushConfig struct {
	Enabled       bool
	ProjectID     string
	ClientEmail   string
	PrivateKeyPEM string
}

// SignalingConfig tunes call lifecycle timing.
type SignalingConfig struct {
	// RingTimeout expires unanswered calls as missed.
	RingTimeout time.Duration
	// ConnectTimeout expires calls stuck in media negotiation as failed.
	ConnectTimeout time.Duration
	// Retention keeps terminal records visible before they are archived.
	Retention time.Duration
	// SweepInterval is the reaper's pause between sweeps.
	SweepInterval time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Push.Enabled = parseBool(os.Getenv("PUSH_ENABLED"))
	c.Push.ProjectID = strings.TrimSpace(os.Getenv("FCM_PROJECT_ID"))
	c.Push.ClientEmail = strings.TrimSpace(os.Getenv("FCM_CLIENT_EMAIL"))
	c.Push.PrivateKeyPEM = os.Getenv("FCM_PRIVATE_KEY")

	// Timing env vars are optional; zero means "use the reaper's defaults".
	c.Signaling.RingTimeout = mustDuration("SIGNALING_RING_TIMEOUT")
	c.Signaling.ConnectTimeout = mustDuration("SIGNALING_CONNECT_TIMEOUT")
	c.Signaling.Retention = mustDuration("SIGNALING_RETENTION")
	c.Signaling.SweepInterval = mustDuration("SIGNALING_SWEEP_INTERVAL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" && c.IsProduction() {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.IsProduction() && !c.Push.Enabled {
		errs = append(errs, errors.New("PUSH_ENABLED must be true in production; calls cannot wake recipients without it"))
	}
	if c.Push.Enabled {
		if c.Push.ProjectID == "" {
			errs = append(errs, errors.New("FCM_PROJECT_ID is required when push is enabled"))
		}
		if c.Push.ClientEmail == "" {
			errs = append(errs, errors.New("FCM_CLIENT_EMAIL is required when push is enabled"))
		}
		if c.Push.PrivateKeyPEM == "" {
			errs = append(errs, errors.New("FCM_PRIVATE_KEY is required when push is enabled"))
		}
	}

	if c.Signaling.RingTimeout < 0 {
		errs = append(errs, errors.New("SIGNALING_RING_TIMEOUT must not be negative"))
	}
	if c.Signaling.ConnectTimeout < 0 {
		errs = append(errs, errors.New("SIGNALING_CONNECT_TIMEOUT must not be negative"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	sslMode := c.DB.SSLMode
	if sslMode == "" {
		// Local-friendly default; production must be explicit.
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		sslMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
