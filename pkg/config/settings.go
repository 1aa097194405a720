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
	Database      DbSettings       `mapstructure:"database"`
	Broker        BrokerSettings   `mapstructure:"broker"`
	Poll          PollSettings     `mapstructure:"poll"`
	Retry         RetrySettings    `mapstructure:"retry"`
	Dispatch      DispatchSettings `mapstructure:"dispatch"`
	Claim         ClaimSettings    `mapstructure:"claim"`
	MetricsAddr   string           `mapstructure:"metrics_addr"`
	Observability Observability    `mapstructure:"observability"`
}

// PollSettings controls the primary dispatch sweep.
type PollSettings struct {
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize int           `mapstructure:"batch_size" validate:"gt=0"`
}

// RetrySettings controls the slower retry/dead-letter sweep.
type RetrySettings struct {
	Interval    time.Duration `mapstructure:"interval" validate:"gt=0"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gt=0"`
}

type DispatchSettings struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// ClaimSettings controls how long a PROCESSING row is considered owned by a
// claimant before it becomes eligible for re-claim.
type ClaimSettings struct {
	Expiry time.Duration `mapstructure:"expiry" validate:"gt=0"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

func setDefaults() {
	viper.SetDefault("poll.interval", time.Second)
	viper.SetDefault("poll.batch_size", 100)
	viper.SetDefault("retry.interval", 5*time.Minute)
	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("dispatch.timeout", 10*time.Second)
	viper.SetDefault("claim.expiry", 5*time.Minute)
	viper.SetDefault("metrics_addr", ":9102")
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("relay")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "relay."+env)
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
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like RELAY_DATABASE_TYPE
	setDefaults()

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("database.name")
	viper.BindEnv("database.collection")
	viper.BindEnv("broker.type")
	viper.BindEnv("broker.url")
	viper.BindEnv("broker.exchange")
	viper.BindEnv("broker.pool_size")
	viper.BindEnv("broker.projectID")
	viper.BindEnv("poll.interval")
	viper.BindEnv("poll.batch_size")
	viper.BindEnv("retry.interval")
	viper.BindEnv("retry.max_attempts")
	viper.BindEnv("dispatch.timeout")
	viper.BindEnv("claim.expiry")
	viper.BindEnv("metrics_addr")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.metrics_url")

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
