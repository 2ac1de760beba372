package config

// TeamsConfig holds the Bot Framework registration used to validate
// incoming activities and to call back to the connector service.
type TeamsConfig struct {
	AppID       string `env:"MICROSOFT_APP_ID" yaml:"app_id" required:"true"`
	AppPassword string `env:"MICROSOFT_APP_PASSWORD" yaml:"app_password" required:"true"`
	AppTenantID string `env:"MICROSOFT_APP_TENANT_ID" yaml:"app_tenant_id" required:"true"`

	// DisableAuth skips JWT validation of incoming activities. Local
	// emulator use only, never in production.
	DisableAuth bool `env:"TEAMS_DISABLE_AUTH" yaml:"disable_auth" default:"false"`
}
