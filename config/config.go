// Package config loads the YAML configuration of a HiveCom node.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"hivecom_core/aurl"
	"hivecom_core/discovery"
	"hivecom_core/net_service"
	"hivecom_core/routing"
)

type Config struct {
	Identifier string `yaml:"identifier"`

	// Client is the announcement tag, e.g. "HiveCom-Desktop".
	Client string `yaml:"client"`

	Network NetworkConfig `yaml:"network"`
	Routing RoutingConfig `yaml:"routing"`
	Log     LogConfig     `yaml:"log"`
	Trust   TrustConfig   `yaml:"trust"`

	// Metrics serves Prometheus metrics at /metrics.
	Metrics bool `yaml:"metrics"`

	// Trace emits a log event describing every transmitted packet.
	Trace bool `yaml:"trace"`
}

type NetworkConfig struct {
	BroadcastAddress  string        `yaml:"broadcast_address"`
	BroadcastPort     int           `yaml:"broadcast_port"`
	MessagePort       int           `yaml:"message_port"`
	PeerPort          int           `yaml:"peer_port"`
	StaticPeers       []string      `yaml:"static_peers"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	DisableBroadcast  bool          `yaml:"disable_broadcast"`
}

type RoutingConfig struct {
	Policy      string        `yaml:"policy"`
	RelayBudget int           `yaml:"relay_budget"`
	RelayWindow time.Duration `yaml:"relay_window"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

type TrustConfig struct {
	// IssuerKey signs this node's certificate.
	IssuerKey string `yaml:"issuer_key"`

	// TrustedKeys are issuer public keys whose certificates are accepted.
	// The issuer of IssuerKey is always trusted.
	TrustedKeys []string `yaml:"trusted_keys"`
}

func Default() *Config {
	return &Config{
		Client:  discovery.DesktopTag,
		Network: DefaultNetworkConfig(),
		Routing: DefaultRoutingConfig(),
		Log:     DefaultLogConfig(),
		Trust:   DefaultTrustConfig(),
	}
}

func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		BroadcastAddress:  net_service.DefaultBroadcastAddress,
		BroadcastPort:     net_service.DefaultBroadcastPort,
		MessagePort:       net_service.DefaultMessagePort,
		PeerPort:          net_service.DefaultMessagePort,
		RequestTimeout:    net_service.DefaultRequestTimeout,
		DiscoveryInterval: 30 * time.Second,
	}
}

func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		Policy:      routing.AvoidSender.String(),
		RelayBudget: 8,
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info"}
}

func DefaultTrustConfig() TrustConfig {
	return TrustConfig{IssuerKey: "issuer.pem"}
}

// Load decodes YAML from r over the defaults and validates the result.
// Unknown keys are rejected.
func Load(r io.Reader) (*Config, error) {
	result := Default()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(result); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

func LoadFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Load(file)
}

func (c *Config) Validate() error {
	if c.Identifier == "" {
		return errors.New("config: identifier is required")
	}
	if _, err := discovery.ParseClientType(c.Client); err != nil {
		return fmt.Errorf("config: client %q: %w", c.Client, err)
	}
	if err := c.Network.Validate(); err != nil {
		return err
	}
	if err := c.Routing.Validate(); err != nil {
		return err
	}
	if c.Trust.IssuerKey == "" {
		return errors.New("config: trust.issuer_key is required")
	}
	return nil
}

func (c *NetworkConfig) Validate() error {
	for name, port := range map[string]int{
		"broadcast_port": c.BroadcastPort,
		"peer_port":      c.PeerPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("config: network.%s %d out of range", name, port)
		}
	}
	if c.MessagePort < 0 || c.MessagePort > 65535 {
		return fmt.Errorf("config: network.message_port %d out of range", c.MessagePort)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("config: network.request_timeout must be positive")
	}
	if c.DiscoveryInterval < 0 {
		return errors.New("config: network.discovery_interval must not be negative")
	}
	for _, raw := range c.StaticPeers {
		if _, err := aurl.ParseAURL(raw); err != nil {
			return fmt.Errorf("config: static peer %q: %w", raw, err)
		}
	}
	return nil
}

func (c *RoutingConfig) Validate() error {
	if _, err := routing.ParsePolicy(c.Policy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.RelayBudget < 0 {
		return errors.New("config: routing.relay_budget must not be negative")
	}
	if c.RelayWindow < 0 {
		return errors.New("config: routing.relay_window must not be negative")
	}
	return nil
}

// ToNetConfig converts c into the network transport configuration.
// Metrics, the identity and the trust authority are wired by the caller.
func (c *Config) ToNetConfig() (net_service.Config, error) {
	if err := c.Validate(); err != nil {
		return net_service.Config{}, err
	}
	client, _ := discovery.ParseClientType(c.Client)
	policy, _ := routing.ParsePolicy(c.Routing.Policy)

	static_peers := make([]*aurl.AURL, 0, len(c.Network.StaticPeers))
	for _, raw := range c.Network.StaticPeers {
		peer, _ := aurl.ParseAURL(raw)
		static_peers = append(static_peers, peer)
	}

	result := net_service.DefaultConfig()
	result.Identifier = c.Identifier
	result.Client = client
	result.BroadcastAddress = c.Network.BroadcastAddress
	result.BroadcastPort = c.Network.BroadcastPort
	result.MessagePort = c.Network.MessagePort
	result.PeerPort = c.Network.PeerPort
	result.StaticPeers = static_peers
	result.RequestTimeout = c.Network.RequestTimeout
	result.DiscoveryInterval = c.Network.DiscoveryInterval
	result.DisableBroadcast = c.Network.DisableBroadcast
	result.RoutingPolicy = policy
	result.RelayBudget = c.Routing.RelayBudget
	result.RelayWindow = c.Routing.RelayWindow
	result.Trace = c.Trace
	return result, nil
}
