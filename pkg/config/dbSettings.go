package config

// DbSettings holds configuration for the store backend that owns the
// outbox_messages table (or collection).
type DbSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=postgres spanner mongo"`
	DSN        string `mapstructure:"dsn"`        // postgres
	URI        string `mapstructure:"uri"`        // spanner database path or mongo URI
	Name       string `mapstructure:"name"`       // mongo database name
	Collection string `mapstructure:"collection"` // mongo collection name
}
