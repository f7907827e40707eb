package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "RAVEN"

type Settings struct {
	Elasticsearch ElasticsearchSettings `mapstructure:"elasticsearch"`
	Queue         QueueSettings         `mapstructure:"queue"`
	Retry         RetrySettings         `mapstructure:"retry"`
	Listener      ListenerSettings      `mapstructure:"listener"`
	Logging       Logging               `mapstructure:"logging"`
	Observability Observability         `mapstructure:"observability"`
	DrainTimeout  time.Duration         `mapstructure:"drain_timeout"` // zero waits until the queue is empty
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// legacyEnv maps setting keys to the variable names older deployments use.
var legacyEnv = map[string]string{
	"elasticsearch.host":      "ELASTICSEARCH_HOST",
	"elasticsearch.use_ssl":   "USE_SSL",
	"elasticsearch.http_auth": "ELASTICSEARCH_AUTH",
	"queue.max_size":          "QUEUE_MAXSIZE",
	"queue.url":               "AMQP_URL",
	"queue.name":              "AMQP_QUEUE",
}

var envKeys = []string{
	"elasticsearch.host",
	"elasticsearch.use_ssl",
	"elasticsearch.http_auth",
	"elasticsearch.error_index",
	"elasticsearch.error_doc_type",
	"elasticsearch.doc_type",
	"queue.type",
	"queue.max_size",
	"queue.url",
	"queue.name",
	"queue.project_id",
	"queue.subscription",
	"queue.dsn",
	"queue.uri",
	"queue.database",
	"queue.poll_interval",
	"queue.lock_expiration",
	"retry.initial_delay",
	"retry.back_off",
	"retry.max_elapsed",
	"retry.attempt_timeout",
	"listener.http_address",
	"listener.read_timeout",
	"listener.debug",
	"logging.environment",
	"logging.level",
	"observability.enabled",
	"observability.service_name",
	"observability.tracing_url",
	"observability.sample_ratio",
	"drain_timeout",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("elasticsearch.host", "localhost:9200")
	v.SetDefault("elasticsearch.use_ssl", false)
	v.SetDefault("elasticsearch.error_index", "elasticsearch-raven-error")
	v.SetDefault("elasticsearch.error_doc_type", "elasticsearch-raven-log")
	v.SetDefault("elasticsearch.doc_type", "raven-log")
	v.SetDefault("queue.type", QueueMemory)
	v.SetDefault("queue.max_size", 1000)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.lock_expiration", 15*time.Minute)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.back_off", 1.5)
	v.SetDefault("retry.max_elapsed", 15*time.Minute)
	v.SetDefault("retry.attempt_timeout", 30*time.Second)
	v.SetDefault("listener.http_address", ":8000")
	v.SetDefault("listener.read_timeout", time.Second)
	v.SetDefault("logging.environment", getEnvWithDefaultLookup("ENVIRONMENT", "development"))
	v.SetDefault("logging.level", "info")
	v.SetDefault("observability.service_name", "elasticsearch-raven")
	v.SetDefault("observability.sample_ratio", 1.0)
}

// LoadFromFile reads raven.yaml and raven.<ENVIRONMENT>.yaml from filePath (or
// the working directory), overlays environment variables and validates.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetConfigName("raven")
	v.AddConfigPath(filePath)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config")
		}
	}

	if err := mergeConfig(v, filePath, "raven."+env); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "merge "+env+" config")
		}
	}

	return load(v)
}

// LoadFromEnv builds settings from defaults and environment variables only.
func LoadFromEnv() (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	return load(v)
}

func load(v *viper.Viper) (*Settings, error) {
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) error {
	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // RAVEN_QUEUE_MAX_SIZE

	for _, key := range envKeys {
		names := []string{key, envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}
		if legacy, ok := legacyEnv[key]; ok {
			names = append(names, legacy)
		}
		if err := v.BindEnv(names...); err != nil {
			return errors.Wrapf(err, "bind env %s", key)
		}
	}
	return nil
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
