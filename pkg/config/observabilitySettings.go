package config

type Observability struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name" validate:"required"`
	TracingURL  string  `mapstructure:"tracing_url" validate:"required_if=Enabled true"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"` // share of root spans exported
}

type Logging struct {
	Environment string `mapstructure:"environment"`
	Level       string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
}
