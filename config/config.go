package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/thrylos-labs/clcat/network/discovery"
	"github.com/thrylos-labs/clcat/network/topics"
)

type Config struct {
	LogLevel string `json:"log_level"`
	Fork     string `json:"fork"`

	// Network configuration
	Network NetworkConfig `json:"network"`

	// Gossip configuration
	Gossip GossipConfig `json:"gossip"`

	// API configuration
	API APIConfig `json:"api"`
}

type NetworkConfig struct {
	ListenAddrs      []string      `json:"listen_addrs"`
	DialAddrs        []string      `json:"dial_addrs"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	EnableMDNS       bool          `json:"enable_mdns"`
	MDNSServiceName  string        `json:"mdns_service_name"`
	DiscoveryTTL     time.Duration `json:"discovery_ttl"`
	ConnLow          int           `json:"conn_low"`
	ConnHigh         int           `json:"conn_high"`
	ConnGracePeriod  time.Duration `json:"conn_grace_period"`
}

type GossipConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	MaxMessageSize    int           `json:"max_message_size"`
	PublishRate       float64       `json:"publish_rate"`
	PublishBurst      int           `json:"publish_burst"`
	InboundBuffer     int           `json:"inbound_buffer"`
}

type APIConfig struct {
	Addr       string `json:"addr"`
	EnableCORS bool   `json:"enable_cors"`
}

// Load returns a default configuration
func Load() (*Config, error) {
	return &Config{
		LogLevel: "info",
		Fork:     topics.DefaultFork.String(),
		Network: NetworkConfig{
			ListenAddrs:      []string{},
			DialAddrs:        []string{},
			HandshakeTimeout: 20 * time.Second,
			EnableMDNS:       true,
			MDNSServiceName:  "clcat",
			DiscoveryTTL:     discovery.MinTTL,
			ConnLow:          16,
			ConnHigh:         64,
			ConnGracePeriod:  30 * time.Second,
		},
		Gossip: GossipConfig{
			HeartbeatInterval: 10 * time.Second,
			MaxMessageSize:    1 << 20, // 1MiB
			PublishRate:       100,     // msgs/sec
			PublishBurst:      200,
			InboundBuffer:     256,
		},
		API: APIConfig{
			Addr:       "", // disabled
			EnableCORS: true,
		},
	}, nil
}

// LoadFile overlays the JSON file at path on the defaults. Durations are
// given in nanoseconds, as encoding/json does for time.Duration.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ForkName returns the parsed fork.
func (c *Config) ForkName() (topics.ForkName, error) {
	return topics.ParseForkName(c.Fork)
}

// Validate checks ranges and the fork name.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.ForkName(); err != nil {
		errs = append(errs, err)
	}
	if c.Network.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("network.handshake_timeout must be positive"))
	}
	if c.Network.DiscoveryTTL < time.Second {
		errs = append(errs, errors.New("network.discovery_ttl must be at least 1s"))
	}
	if c.Network.MDNSServiceName == "" {
		errs = append(errs, errors.New("network.mdns_service_name cannot be empty"))
	}
	if c.Network.ConnLow < 0 || c.Network.ConnHigh < c.Network.ConnLow {
		errs = append(errs, fmt.Errorf("network.conn_low (%d) and conn_high (%d) must satisfy 0 <= low <= high", c.Network.ConnLow, c.Network.ConnHigh))
	}
	if c.Gossip.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("gossip.heartbeat_interval must be positive"))
	}
	if c.Gossip.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("gossip.max_message_size must be positive"))
	}
	if c.Gossip.PublishRate <= 0 || c.Gossip.PublishBurst <= 0 {
		errs = append(errs, errors.New("gossip.publish_rate and publish_burst must be positive"))
	}

	return errors.Join(errs...)
}
