package net_service

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hivecom_core/aurl"
	"hivecom_core/discovery"
	"hivecom_core/metrics"
	"hivecom_core/routing"
)

const (
	DefaultBroadcastAddress = "255.255.255.255"
	DefaultBroadcastPort    = 1234
	DefaultMessagePort      = 1235
	DefaultRequestTimeout   = 5 * time.Second
)

// request headers
const (
	IdentifierHeader = "HiveCom-Identifier"
	ClientHeader     = "HiveCom-Client"
	PortHeader       = "HiveCom-Port"
)

// logical endpoints
const (
	DiscoveryPath     = "/discovery"
	AuthorizationPath = "/authorization"
	MessagePath       = "/message"
	PingPath          = "/ping"
	MetricsPath       = "/metrics"
)

type Config struct {
	Identifier string
	Client     discovery.ClientType

	BroadcastAddress  string
	BroadcastPort     int
	MessagePort       int // local listen port, advertised to peers
	PeerPort          int // port assumed for peers that do not advertise one
	StaticPeers       []*aurl.AURL
	RequestTimeout    time.Duration
	DiscoveryInterval time.Duration // 0: announce only on SendDiscovery

	RoutingPolicy routing.Policy
	RoutingSource routing.Source
	RelayBudget   int
	RelayWindow   time.Duration // 0: three request timeouts
	Trace         bool

	Metrics         *metrics.Collector
	MetricsRegistry *prometheus.Registry // served at /metrics when set

	DisableBroadcast bool
	DisableHTTP3     bool         // serve Handler() yourself
	HTTPClient       *http.Client // replaces the HTTP/3 client
	Scheme           string       // default "https"
}

func DefaultConfig() Config {
	return Config{
		Client:           discovery.Desktop,
		BroadcastAddress: DefaultBroadcastAddress,
		BroadcastPort:    DefaultBroadcastPort,
		MessagePort:      DefaultMessagePort,
		PeerPort:         DefaultMessagePort,
		RequestTimeout:   DefaultRequestTimeout,
		RoutingPolicy:    routing.AvoidSender,
		Scheme:           "https",
	}
}

func (c *Config) Validate() error {
	if c.Identifier == "" || strings.ContainsRune(c.Identifier, '\n') {
		return fmt.Errorf("invalid identifier %q", c.Identifier)
	}
	if c.Client.Tag() == "" {
		return discovery.ErrUnknownClientType
	}
	if !c.DisableBroadcast && (c.BroadcastPort <= 0 || c.BroadcastPort > 65535) {
		return fmt.Errorf("invalid broadcast port %d", c.BroadcastPort)
	}
	if c.MessagePort < 0 || c.MessagePort > 65535 {
		return fmt.Errorf("invalid message port %d", c.MessagePort)
	}
	if c.PeerPort <= 0 || c.PeerPort > 65535 {
		return fmt.Errorf("invalid peer port %d", c.PeerPort)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.DisableHTTP3 && c.HTTPClient == nil {
		return errors.New("an HTTP client is required without HTTP/3")
	}
	return nil
}
