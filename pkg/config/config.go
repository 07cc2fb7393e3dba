// Package config holds the runtime configuration for bumper. Values come
// from BUMPER_* environment variables with CLI flags layered on top.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Default service ports.
const (
	DefaultMQTTPort    = 8883
	DefaultXMPPPort    = 5223
	DefaultWebPort     = 443
	DefaultWebLogPort  = 8007
	DefaultTokenTTL    = 3600         // seconds a user token stays valid
	DefaultOAuthTTLDay = 15           // days an oauth token stays valid
	DefaultAuthCodeTTL = 60 * 60 * 24 // seconds an authcode stays valid
)

// Config is the resolved bumper configuration.
type Config struct {
	// Listen is the address the servers bind to.
	Listen string `env:"BUMPER_LISTEN" envDefault:"0.0.0.0"`

	// AnnounceIP is the address handed to devices so they can find us.
	AnnounceIP string `env:"BUMPER_ANNOUNCE_IP"`

	// DataDir is where the identity database lives.
	DataDir string `env:"BUMPER_DATA"`

	// CertsDir is the base directory for TLS material.
	CertsDir string `env:"BUMPER_CERTS"`

	// CAFile, CertFile and KeyFile override the per-file defaults
	// derived from CertsDir.
	CAFile   string `env:"BUMPER_CA"`
	CertFile string `env:"BUMPER_CERT"`
	KeyFile  string `env:"BUMPER_KEY"`

	// Debug enables verbose logging.
	Debug bool `env:"BUMPER_DEBUG"`

	// ProxyMQTT mirrors robot MQTT traffic to the vendor cloud.
	ProxyMQTT bool `env:"BUMPER_PROXY_MQTT"`

	// ProxyWeb mirrors unhandled web requests to the vendor cloud.
	ProxyWeb bool `env:"BUMPER_PROXY_WEB"`

	// MQTTPort is the TLS MQTT listener port.
	MQTTPort int `env:"BUMPER_MQTT_PORT" envDefault:"8883"`

	// XMPPPort is the XMPP listener port.
	XMPPPort int `env:"BUMPER_XMPP_PORT" envDefault:"5223"`

	// WebPort is the HTTPS API port devices are told about.
	WebPort int `env:"WEB_SERVER_HTTPS_PORT" envDefault:"443"`

	// PasswdFile is an optional MQTT password file (user:bcrypt-hash lines).
	PasswdFile string `env:"BUMPER_PASSWD"`

	// UseAuth requires app clients to present a valid authcode.
	UseAuth bool `env:"BUMPER_USE_AUTH"`

	// AllowAnonymous accepts MQTT clients that match no known shape.
	AllowAnonymous bool `env:"BUMPER_ALLOW_ANON" envDefault:"true"`
}

// Load builds a Config from the environment, filling in derived defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = filepath.Join(".", "data")
	}
	if c.CertsDir == "" {
		c.CertsDir = filepath.Join(".", "certs")
	}
	if c.CAFile == "" {
		c.CAFile = filepath.Join(c.CertsDir, "ca.crt")
	}
	if c.CertFile == "" {
		c.CertFile = filepath.Join(c.CertsDir, "bumper.crt")
	}
	if c.KeyFile == "" {
		c.KeyFile = filepath.Join(c.CertsDir, "bumper.key")
	}
	if c.AnnounceIP == "" {
		c.AnnounceIP = c.Listen
	}
}

// Validate checks that the configuration is usable. Missing TLS material
// is fatal since every listener is TLS-only.
func (c *Config) Validate() error {
	for _, f := range []struct{ name, path string }{
		{"ca", c.CAFile},
		{"cert", c.CertFile},
		{"key", c.KeyFile},
	} {
		if _, err := os.Stat(f.path); err != nil {
			return fmt.Errorf("%s file %q: %w", f.name, f.path, err)
		}
	}
	if ip := net.ParseIP(c.Listen); ip == nil {
		if _, err := net.LookupHost(c.Listen); err != nil {
			return fmt.Errorf("listen address %q does not resolve: %w", c.Listen, err)
		}
	}
	return nil
}

// MQTTAddr returns the broker bind address.
func (c *Config) MQTTAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen, c.MQTTPort)
}

// XMPPAddr returns the XMPP bind address.
func (c *Config) XMPPAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen, c.XMPPPort)
}

// DBFile returns the identity database path.
func (c *Config) DBFile() string {
	return filepath.Join(c.DataDir, "bumper.db.json")
}
