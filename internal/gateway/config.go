package gateway

import (
	"time"

	"github.com/flemzord/tokenguard/internal/config"
)

// Config holds HTTP gateway configuration.
type Config struct {
	Bind            string
	Auth            AuthConfig
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// ConfigFrom converts the gateway section of the settings.
func ConfigFrom(s config.GatewaySettings) Config {
	c := Config{
		Bind: s.Bind,
		Auth: AuthConfig{
			BearerToken: s.BearerToken,
			BasicUser:   s.BasicUser,
			BasicPass:   s.BasicPass,
		},
		ReadTimeout:     s.ReadTimeout.Std(),
		WriteTimeout:    s.WriteTimeout.Std(),
		ShutdownTimeout: s.ShutdownTimeout.Std(),
	}
	c.defaults()
	return c
}

// defaults fills zero values with sensible defaults.
func (c *Config) defaults() {
	if c.Bind == "" {
		c.Bind = config.DefaultBind
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// AuthConfig configures authentication for admin endpoints.
type AuthConfig struct {
	BearerToken string
	BasicUser   string
	BasicPass   string
}

// IsConfigured returns true if any auth method is configured.
func (a AuthConfig) IsConfigured() bool {
	return a.BearerToken != "" || (a.BasicUser != "" && a.BasicPass != "")
}
