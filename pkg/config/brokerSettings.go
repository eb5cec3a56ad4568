package config

// BrokerSettings holds configuration for connecting to RabbitMQ.
type BrokerSettings struct {
	URL      string `mapstructure:"url" validate:"required"`
	PoolSize int    `mapstructure:"pool_size" validate:"gt=0"`
}
