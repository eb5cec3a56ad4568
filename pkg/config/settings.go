package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database      DbSettings      `mapstructure:"database"`
	Broker        BrokerSettings  `mapstructure:"broker"`
	Worker        WorkerSettings  `mapstructure:"worker"`
	Gateway       GatewaySettings `mapstructure:"gateway"`
	Health        HealthSettings  `mapstructure:"health"`
	Observability Observability   `mapstructure:"observability"`
}

type DbSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=postgres mongo spanner"`
	DSN  string `mapstructure:"dsn"`
	URI  string `mapstructure:"uri"`
	// Mongo only: database and collection holding chat messages.
	Database   string `mapstructure:"name"`
	Collection string `mapstructure:"collection"`
}

type WorkerSettings struct {
	MaxRetries  int           `mapstructure:"max_retries" validate:"gte=0"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" validate:"gt=0"`
	Prefetch    int           `mapstructure:"prefetch" validate:"gt=0"`
}

type GatewaySettings struct {
	InstanceID string `mapstructure:"instance_id"`
	Prefetch   int    `mapstructure:"prefetch" validate:"gt=0"`
}

type HealthSettings struct {
	Addr string `mapstructure:"addr"`
	// DLQ depth at which messaging health flips to unhealthy, and the more
	// lenient depth at which readiness probes start failing.
	DLQUnhealthyDepth int `mapstructure:"dlq_unhealthy_depth" validate:"gt=0"`
	DLQNotReadyDepth  int `mapstructure:"dlq_not_ready_depth" validate:"gt=0"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// LoadFromFile reads <name>.yaml from the given path, merges the
// environment-specific <name>.<env>.yaml overlay when present, then applies
// OPCHAT_-prefixed environment variables on top.
func LoadFromFile(filePath, name string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName(name)
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, name+"."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging %s config: %s\n", env, err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load from env: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("OPCHAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like OPCHAT_BROKER_URL

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("database.name")
	viper.BindEnv("database.collection")
	viper.BindEnv("broker.url")
	viper.BindEnv("broker.pool_size")
	viper.BindEnv("worker.max_retries")
	viper.BindEnv("worker.base_backoff")
	viper.BindEnv("worker.prefetch")
	viper.BindEnv("gateway.instance_id")
	viper.BindEnv("gateway.prefetch")
	viper.BindEnv("health.addr")
	viper.BindEnv("health.dlq_unhealthy_depth")
	viper.BindEnv("health.dlq_not_ready_depth")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
