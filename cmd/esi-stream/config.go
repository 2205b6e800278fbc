package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/Sternrassler/esi-pagestream/pkg/client"
	"github.com/Sternrassler/esi-pagestream/pkg/logging"
	"github.com/Sternrassler/esi-pagestream/pkg/pagination"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envPrefix namespaces the environment variables of esi-stream.
const envPrefix = "ESI_STREAM"

const defaultEnvFile = ".env"

// config holds the server configuration. Keys are the flag names; every key
// can also be set as ESI_STREAM_<KEY> with dashes replaced by underscores.
type config struct {
	Addr           string        `mapstructure:"addr" validate:"required"`
	RedisAddr      string        `mapstructure:"redis-addr" validate:"required,hostname_port"`
	UserAgent      string        `mapstructure:"user-agent" validate:"required"`
	BaseURL        string        `mapstructure:"base-url" validate:"required,url"`
	BatchSize      int64         `mapstructure:"batch-size" validate:"min=1,max=1000"`
	RateLimit      int           `mapstructure:"rate-limit" validate:"min=0"`
	MaxConcurrency int           `mapstructure:"max-concurrency" validate:"min=1,max=50"`
	PageTimeout    time.Duration `mapstructure:"page-timeout" validate:"gt=0"`
	LogLevel       string        `mapstructure:"log-level" validate:"loglevel"`
	LogPretty      bool          `mapstructure:"log-pretty"`
}

// clientConfig maps the server configuration onto the ESI client configuration.
func (c config) clientConfig(redisClient redis.UniversalClient) client.Config {
	cfg := client.DefaultConfig(redisClient, c.UserAgent)
	cfg.BaseURL = c.BaseURL
	cfg.RateLimit = c.RateLimit
	cfg.MaxConcurrency = c.MaxConcurrency
	cfg.PageTimeout = c.PageTimeout
	return cfg
}

func registerFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.String("addr", ":8080", "listen address of the HTTP server")
	fs.String("redis-addr", "localhost:6379", "Redis address for the page cache and error limit state")
	fs.String("user-agent", "", "User-Agent sent to ESI, e.g. \"AppName/1.0 (contact@example.com)\"")
	fs.String("base-url", client.DefaultBaseURL, "ESI base URL")
	fs.Int64("batch-size", pagination.DefaultBatchSize, "items requested from a stream at a time")
	fs.Int("rate-limit", 10, "ESI requests per second (0 = unpaced)")
	fs.Int("max-concurrency", 5, "parallel page fetches of /pages requests")
	fs.Duration("page-timeout", 15*time.Second, "timeout of a single page fetch in /pages requests")
	fs.String("log-level", string(logging.LevelInfo), "log level (trace, debug, info, warn, error)")
	fs.Bool("log-pretty", false, "human-readable console logs instead of JSON")
	fs.String("env-file", defaultEnvFile, "optional .env file loaded before reading the environment")
}

// loadConfig resolves the configuration from flags, the environment and the
// .env file, in that order of precedence, and validates it.
func loadConfig(cmd *cobra.Command) (config, error) {
	if err := loadEnvFile(cmd); err != nil {
		return config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return config{}, fmt.Errorf("bind flags: %w", err)
	}

	// Environment names used by earlier esi-proxy deployments.
	if err := v.BindEnv("redis-addr", envPrefix+"_REDIS_ADDR", "REDIS_URL"); err != nil {
		return config{}, err
	}
	if err := v.BindEnv("user-agent", envPrefix+"_USER_AGENT", "USER_AGENT"); err != nil {
		return config{}, err
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("decode configuration: %w", err)
	}

	if port := os.Getenv("PORT"); port != "" && !cmd.Flags().Changed("addr") && os.Getenv(envPrefix+"_ADDR") == "" {
		cfg.Addr = ":" + port
	}

	if err := validateConfig(cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// loadEnvFile loads the --env-file into the process environment. A missing
// default file is ignored; a missing explicit file is an error.
func loadEnvFile(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString("env-file")
	if err != nil || path == "" {
		return err
	}

	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) && !cmd.Flags().Changed("env-file") {
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("mapstructure")
	})

	_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		_, err := logging.ParseLevel(fl.Field().String())
		return err == nil
	})

	return v
}

// validateConfig reports every invalid field in one error.
func validateConfig(cfg config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	messages := make([]string, 0, len(fieldErrs))
	for _, e := range fieldErrs {
		messages = append(messages, e.Field()+": "+formatValidationError(e))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(messages, "; "))
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "hostname_port":
		return "must be host:port"
	case "url":
		return "must be a valid URL"
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	case "gt":
		return "must be greater than " + e.Param()
	case "loglevel":
		return fmt.Sprintf("unknown log level %q", e.Value())
	default:
		return "failed " + e.Tag() + " validation"
	}
}
