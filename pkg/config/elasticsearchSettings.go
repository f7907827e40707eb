package config

import (
	"strings"
	"time"
)

// ElasticsearchSettings configures the document store connections.
type ElasticsearchSettings struct {
	Host         string `mapstructure:"host" validate:"required"`
	UseSSL       bool   `mapstructure:"use_ssl"`
	HTTPAuth     string `mapstructure:"http_auth"` // user:password used for error reports and maintenance
	ErrorIndex   string `mapstructure:"error_index" validate:"required"`
	ErrorDocType string `mapstructure:"error_doc_type" validate:"required"`
	DocType      string `mapstructure:"doc_type" validate:"required"`
}

// Credentials splits HTTPAuth into user and password.
func (e ElasticsearchSettings) Credentials() (string, string) {
	user, password, _ := strings.Cut(e.HTTPAuth, ":")
	return user, password
}

// RetrySettings configures delivery backoff.
type RetrySettings struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gt=0"`
	BackOff      float64       `mapstructure:"back_off" validate:"gte=1"`
	MaxElapsed   time.Duration `mapstructure:"max_elapsed" validate:"gt=0"`
	// AttemptTimeout bounds one store request. A stopping worker lets the
	// current request run to this limit.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" validate:"gt=0"`
}

// ListenerSettings configures the ingest transports.
type ListenerSettings struct {
	HTTPAddress string        `mapstructure:"http_address"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	Debug       bool          `mapstructure:"debug"`
}
