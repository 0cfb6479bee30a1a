package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/AkaakuHub/fast-transfre/internal/chunkplan"
	"github.com/AkaakuHub/fast-transfre/internal/protocol"
	"gopkg.in/yaml.v3"
)

// PeerConfig is the YAML configuration loaded by the fastxfer send and
// receive subcommands (spec.md §6's configurable parameters table).
// Both roles share one config shape, the way the teacher's agent and
// server configs share a family resemblance rather than diverging
// for no reason.
type PeerConfig struct {
	Rendezvous RendezvousClient `yaml:"rendezvous"`
	TLS        TLSPeer          `yaml:"tls"`
	Transfer   TransferTuning   `yaml:"transfer"`
	Throttle   ThrottleConfig   `yaml:"throttle"`
	Logging    LoggingInfo      `yaml:"logging"`
}

// RendezvousClient points at the signaling server a peer dials to be
// paired by room code.
type RendezvousClient struct {
	Address string `yaml:"address"` // host:port, no scheme
	TLS     bool   `yaml:"tls"`     // dial wss instead of ws
}

// TLSPeer carries the mTLS material for the direct peer transport
// established after rendezvous. Empty fields leave the transport
// unencrypted — acceptable only on a trusted LAN, never the default
// for anything crossing an untrusted network.
type TLSPeer struct {
	CACert     string `yaml:"ca_cert"`
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
}

// Enabled reports whether TLS material was configured for the direct
// peer transport.
func (t TLSPeer) Enabled() bool {
	return t.CACert != "" && t.Cert != "" && t.Key != ""
}

// TransferTuning holds the chunk-plan and backpressure parameters from
// spec.md §6 ("Configurable Parameters"). The *Raw fields are filled in
// by validate() from their human-readable string counterparts.
type TransferTuning struct {
	MainSize             string `yaml:"main_size"`               // default: "50mb"
	MainSizeRaw          int64  `yaml:"-"`
	SubSize              string `yaml:"sub_size"`                // default: "1mb"
	SubSizeRaw           int64  `yaml:"-"`
	HighWaterMark        string `yaml:"high_water_mark"`         // default: "64mb"
	HighWaterMarkRaw     int64  `yaml:"-"`
	LowWaterThreshold    string `yaml:"low_water_threshold"`     // default: "1mb"
	LowWaterThresholdRaw int64  `yaml:"-"`
	MaxConcurrentSends   int    `yaml:"max_concurrent_sends"`    // default: 3
	MaxRetries           int    `yaml:"max_retries"`             // default: 3
	AdaptiveTuning       bool   `yaml:"adaptive_tuning"`         // default: false
}

// ThrottleConfig bounds the send pipeline's outbound byte rate.
type ThrottleConfig struct {
	RateLimit    string `yaml:"rate_limit"` // e.g. "20mb"; empty or "0" disables throttling
	RateLimitRaw int64  `yaml:"-"`
}

// LoadPeerConfig reads and validates a fastxfer send/receive config file.
func LoadPeerConfig(path string) (*PeerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading peer config: %w", err)
	}

	var cfg PeerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing peer config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating peer config: %w", err)
	}

	return &cfg, nil
}

func (c *PeerConfig) validate() error {
	if c.Rendezvous.Address == "" {
		return fmt.Errorf("rendezvous.address is required")
	}

	hasTLSField := c.TLS.CACert != "" || c.TLS.Cert != "" || c.TLS.Key != ""
	if hasTLSField && !c.TLS.Enabled() {
		return fmt.Errorf("tls: ca_cert, cert, and key must all be set or all be empty")
	}

	t := &c.Transfer
	if t.MainSize == "" {
		t.MainSize = "50mb"
	}
	parsed, err := ParseByteSize(t.MainSize)
	if err != nil {
		return fmt.Errorf("transfer.main_size: %w", err)
	}
	t.MainSizeRaw = parsed
	if t.MainSizeRaw <= 0 {
		t.MainSizeRaw = chunkplan.DefaultMainSize
	}

	if t.SubSize == "" {
		t.SubSize = "1mb"
	}
	parsed, err = ParseByteSize(t.SubSize)
	if err != nil {
		return fmt.Errorf("transfer.sub_size: %w", err)
	}
	t.SubSizeRaw = parsed
	if t.SubSizeRaw <= 0 {
		t.SubSizeRaw = chunkplan.DefaultSubSize
	}
	if t.SubSizeRaw > t.MainSizeRaw {
		return fmt.Errorf("transfer.sub_size (%d) must not exceed transfer.main_size (%d)", t.SubSizeRaw, t.MainSizeRaw)
	}
	if t.SubSizeRaw > protocol.MaxDataFramePayload {
		return fmt.Errorf("transfer.sub_size (%s) exceeds the wire protocol's maximum data frame payload (%s)",
			FormatByteSize(t.SubSizeRaw), FormatByteSize(protocol.MaxDataFramePayload))
	}

	if t.HighWaterMark == "" {
		t.HighWaterMark = "64mb"
	}
	parsed, err = ParseByteSize(t.HighWaterMark)
	if err != nil {
		return fmt.Errorf("transfer.high_water_mark: %w", err)
	}
	t.HighWaterMarkRaw = parsed
	if t.HighWaterMarkRaw <= 0 {
		return fmt.Errorf("transfer.high_water_mark must be > 0")
	}

	if t.LowWaterThreshold == "" {
		t.LowWaterThreshold = "1mb"
	}
	parsed, err = ParseByteSize(t.LowWaterThreshold)
	if err != nil {
		return fmt.Errorf("transfer.low_water_threshold: %w", err)
	}
	t.LowWaterThresholdRaw = parsed
	if t.LowWaterThresholdRaw <= 0 || t.LowWaterThresholdRaw > t.HighWaterMarkRaw {
		return fmt.Errorf("transfer.low_water_threshold must be > 0 and <= high_water_mark")
	}

	if t.MaxConcurrentSends <= 0 {
		t.MaxConcurrentSends = 3
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = 3
	}

	if c.Throttle.RateLimit == "" || c.Throttle.RateLimit == "0" {
		c.Throttle.RateLimitRaw = 0
	} else {
		parsed, err := ParseByteSize(c.Throttle.RateLimit)
		if err != nil {
			return fmt.Errorf("throttle.rate_limit: %w", err)
		}
		if parsed <= 0 {
			return fmt.Errorf("throttle.rate_limit must be > 0 or \"0\" to disable, got %s", c.Throttle.RateLimit)
		}
		c.Throttle.RateLimitRaw = parsed
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
