package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Default ports per the IMAP service registrations.
const (
	PlainPort = 143
	TLSPort   = 993
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Sanitizer SanitizerConfig `toml:"sanitizer"`
	MISP      MISPConfig      `toml:"misp"`
	Metrics   MetricsConfig   `toml:"metrics"`

	// Hosts extends (never replaces) the built-in domain→upstream map.
	// Keys use the space-joined domain form, e.g. "corp example".
	Hosts map[string]string `toml:"hosts"`
}

type ServerConfig struct {
	// Port is the listening port. Zero selects 143, or 993 when a
	// certificate is configured.
	Port       int    `toml:"port"`
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MaxClients int    `toml:"max_clients"`
	IPv6       bool   `toml:"ipv6"`
	Verbose    bool   `toml:"verbose"`
}

type SanitizerConfig struct {
	MACKey           string   `toml:"mac_key"`
	QuarantineFolder string   `toml:"quarantine_folder"`
	// GroomerCommand is the argv of the external grooming engine the
	// raw message is piped through (stdin→stdout). Empty means the
	// message passes through unmodified.
	GroomerCommand []string `toml:"groomer_command"`
}

type MISPConfig struct {
	Folder   string `toml:"folder"`
	SMTPAddr string `toml:"smtp_addr"`
	From     string `toml:"from"`
	To       string `toml:"to"`
	Subject  string `toml:"subject"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type MetricsConfig struct {
	// Listen is the address of the Prometheus exposer; empty disables it.
	Listen string `toml:"listen"`
}

// Default returns the configuration used when no file or flag overrides
// a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			MaxClients: 5,
		},
		Sanitizer: SanitizerConfig{
			MACKey:           "secret-proxy",
			QuarantineFolder: "Quarantine",
		},
		MISP: MISPConfig{
			Folder:   "MISP",
			SMTPAddr: "freeblind.net:25",
			From:     "imapproxy",
			To:       "mail2misp@freeblind.net",
			Subject:  "IMAP proxy email",
		},
	}
}

// Load reads a TOML config file from path over the defaults, validates
// it, and returns the Config.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that hold for file- and flag-sourced
// configurations alike.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Server.Port)
	}
	if c.Server.MaxClients < 1 {
		return fmt.Errorf("config: max_clients must be at least 1")
	}
	if c.Server.KeyFile != "" && c.Server.CertFile == "" {
		return fmt.Errorf("config: key_file set without cert_file")
	}
	if c.Sanitizer.MACKey == "" {
		return fmt.Errorf("config: mac_key must not be empty")
	}
	if c.Sanitizer.QuarantineFolder == "" {
		return fmt.Errorf("config: quarantine_folder must not be empty")
	}
	if c.MISP.Folder == "" {
		return fmt.Errorf("config: misp folder must not be empty")
	}
	return nil
}

// TLSEnabled reports whether the proxy terminates TLS on the client side.
func (c *Config) TLSEnabled() bool {
	return c.Server.CertFile != ""
}

// ListenPort returns the effective listening port: the configured one,
// or the protocol default for the plaintext/TLS mode.
func (c *Config) ListenPort() int {
	if c.Server.Port != 0 {
		return c.Server.Port
	}
	if c.TLSEnabled() {
		return TLSPort
	}
	return PlainPort
}

// TLSKeyFile returns the private-key path, falling back to the
// certificate file for combined PEM bundles.
func (c *Config) TLSKeyFile() string {
	if c.Server.KeyFile != "" {
		return c.Server.KeyFile
	}
	return c.Server.CertFile
}
