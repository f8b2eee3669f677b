package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/jogardn/stylestore/internal/store/postgres"
	"github.com/sirupsen/logrus"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"

	ModeStrict     = "strict"
	ModePermissive = "permissive"
)

// Config is read from flags first; environment variables override them.
// Fields without a flag take their default from envDefault.
type Config struct {
	Port        string `env:"ORDER_SERVICE_PORT"`
	LogLevel    string `env:"LOG_LEVEL"`
	StoreDriver string `env:"STORE_DRIVER"`
	StoreMode   string `env:"STORE_MODE"`

	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"stylestore"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"stylestore"`
	DBName     string `env:"DB_NAME" envDefault:"stylestore"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"stylestore"`

	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"5s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	HealthCheckInterval  time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"60s"`
	ConnectTimeout       time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`

	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaGroupID string `env:"KAFKA_GROUP_ID" envDefault:"order-service-updates"`

	JWTSecret     string        `env:"JWT_SECRET"`
	TokenTTL      time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	AdminEmail    string        `env:"ADMIN_EMAIL"`
	AdminPassword string        `env:"ADMIN_PASSWORD"`

	CatalogURL     string        `env:"CATALOG_URL"`
	CatalogTimeout time.Duration `env:"CATALOG_TIMEOUT" envDefault:"5s"`

	PaymentWebhookSecret string `env:"PAYMENT_WEBHOOK_SECRET"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load parses args (without the program name) and the environment.
func Load(args []string) (*Config, error) {
	config := &Config{}

	fs := flag.NewFlagSet("order-service", flag.ContinueOnError)
	fs.StringVar(&config.Port, "port", "8081", "HTTP listen port")
	fs.StringVar(&config.LogLevel, "log-level", "info", "log level")
	fs.StringVar(&config.StoreDriver, "store-driver", DriverPostgres, "durable store driver: postgres or mongo")
	fs.StringVar(&config.StoreMode, "store-mode", ModePermissive, "behaviour while the durable store is down: strict or permissive")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("error while parsing config: %w", err)
	}

	config.StoreDriver = strings.ToLower(config.StoreDriver)
	config.StoreMode = strings.ToLower(config.StoreMode)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverPostgres, DriverMongo:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %s or %s, got %q", DriverPostgres, DriverMongo, c.StoreDriver))
	}
	switch c.StoreMode {
	case ModeStrict, ModePermissive:
	default:
		errs = append(errs, fmt.Errorf("STORE_MODE must be %s or %s, got %q", ModeStrict, ModePermissive, c.StoreMode))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	for name, d := range map[string]time.Duration{
		"RECONNECT_BASE_DELAY":  c.ReconnectBaseDelay,
		"HEALTH_CHECK_INTERVAL": c.HealthCheckInterval,
		"CONNECT_TIMEOUT":       c.ConnectTimeout,
		"TOKEN_TTL":             c.TokenTTL,
		"CATALOG_TIMEOUT":       c.CatalogTimeout,
		"SHUTDOWN_TIMEOUT":      c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.ReconnectMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1, got %d", c.ReconnectMaxAttempts))
	}

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		errs = append(errs, errors.New("ADMIN_EMAIL and ADMIN_PASSWORD must be set together"))
	}

	return errors.Join(errs...)
}

func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func (c *Config) Postgres() postgres.Config {
	return postgres.Config{
		Host:     c.DBHost,
		Port:     c.DBPort,
		User:     c.DBUser,
		Password: c.DBPassword,
		Name:     c.DBName,
		SSLMode:  c.DBSSLMode,
	}
}
