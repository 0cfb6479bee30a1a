package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RendezvousConfig is the YAML configuration for the rendezvous-server
// binary (spec.md §4.7).
type RendezvousConfig struct {
	Listen  string          `yaml:"listen"`
	TLS     TLSServer       `yaml:"tls"`
	History HistoryConfig   `yaml:"history"`
	Logging LoggingInfo     `yaml:"logging"`
}

// TLSServer carries the certificate and key the rendezvous server
// presents to dialing peers over plain TLS (wss://). CACert is accepted
// but not used: client certificates are not requested or verified.
// Empty cert/key fields mean plaintext ws:// — fine for a
// loopback or sidecar deployment, not for exposure on a public network.
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// Enabled reports whether TLS material was configured.
func (t TLSServer) Enabled() bool {
	return t.ServerCert != "" && t.ServerKey != ""
}

// HistoryConfig controls the JSONL session-history sink
// (SPEC_FULL.md supplemented feature #2).
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"` // default: "rendezvous-history.jsonl"
}

// LoadRendezvousConfig reads and validates the rendezvous-server config.
func LoadRendezvousConfig(path string) (*RendezvousConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rendezvous config: %w", err)
	}

	var cfg RendezvousConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing rendezvous config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating rendezvous config: %w", err)
	}

	return &cfg, nil
}

func (c *RendezvousConfig) validate() error {
	if c.Listen == "" {
		c.Listen = "0.0.0.0:3000"
	}

	if c.TLS.ServerCert != "" && c.TLS.ServerKey == "" {
		return fmt.Errorf("tls.server_key is required when tls.server_cert is set")
	}
	if c.TLS.ServerKey != "" && c.TLS.ServerCert == "" {
		return fmt.Errorf("tls.server_cert is required when tls.server_key is set")
	}

	if c.History.Enabled && c.History.File == "" {
		c.History.File = "rendezvous-history.jsonl"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)

	return nil
}
