package config

// BrokerSettings holds configuration for connecting to the delivery target.
type BrokerSettings struct {
	Type      string `mapstructure:"type" validate:"required,oneof=rabbitmq gcp-pubsub"`
	URL       string `mapstructure:"url"`
	Exchange  string `mapstructure:"exchange"`
	PoolSize  int    `mapstructure:"pool_size"`
	ProjectID string `mapstructure:"projectID"` // Optional for brokers like GCP Pub/Sub
}
