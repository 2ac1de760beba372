package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// DatabricksConfig holds the Databricks workspace and Genie space
// configuration, plus the Entra ID service principal used to mint
// workspace tokens.
type DatabricksConfig struct {
	Host         string `env:"DATABRICKS_HOST" yaml:"host" required:"true"`
	ClientID     string `env:"DATABRICKS_CLIENT_ID" yaml:"client_id" required:"true"`
	ClientSecret string `env:"DATABRICKS_CLIENT_SECRET" yaml:"client_secret" required:"true"`
	TenantID     string `env:"DATABRICKS_TENANT_ID" yaml:"tenant_id" required:"true"`
	GenieSpaceID string `env:"DATABRICKS_GENIE_SPACE_ID" yaml:"genie_space_id" required:"true"`

	// Polling configuration for Genie message completion
	PollInitialInterval time.Duration `env:"GENIE_POLL_INITIAL_INTERVAL" yaml:"poll_initial_interval" default:"1s"`
	PollMaxInterval     time.Duration `env:"GENIE_POLL_MAX_INTERVAL" yaml:"poll_max_interval" default:"5s"`
	PollTimeout         time.Duration `env:"GENIE_POLL_TIMEOUT" yaml:"poll_timeout" default:"10m"`

	// HTTP client behaviour against the Databricks REST API
	RequestTimeout time.Duration `env:"DATABRICKS_REQUEST_TIMEOUT" yaml:"request_timeout" default:"30s"`
	MaxRetries     int           `env:"DATABRICKS_MAX_RETRIES" yaml:"max_retries" default:"3"`
}

// NormalizedHost returns the workspace host with a https scheme and no
// trailing slash, whatever form the environment provided.
func (c *DatabricksConfig) NormalizedHost() string {
	host := strings.TrimRight(c.Host, "/")
	if host == "" {
		return host
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return host
}

func (c *DatabricksConfig) validate() error {
	var result error

	if c.PollInitialInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("genie_poll_initial_interval must be greater than 0"))
	}
	if c.PollMaxInterval < c.PollInitialInterval {
		result = multierror.Append(result, fmt.Errorf("genie_poll_max_interval must be greater than or equal to genie_poll_initial_interval"))
	}
	if c.PollTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("genie_poll_timeout must be greater than 0"))
	}
	if c.MaxRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("databricks_max_retries cannot be negative"))
	}

	return result
}
