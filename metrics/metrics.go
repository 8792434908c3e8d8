package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// drop reasons
const (
	DropMalformed   = "malformed"
	DropUntrusted   = "untrusted"
	DropMisdirected = "misdirected"
	DropNoRoute     = "no_route"
	DropBudget      = "relay_budget"
	DropRejected    = "rejected_certificate"
	DropUnknownPeer = "unknown_peer"
	DropEventQueue  = "event_queue_full"
	DropTransport   = "transport"
)

const (
	Inbound  = "in"
	Outbound = "out"
)

// Collector exposes Prometheus metrics shared by every node of a process.
type Collector struct {
	packets *prometheus.CounterVec
	drops   *prometheus.CounterVec
	relays  *prometheus.CounterVec
	peers   *prometheus.GaugeVec
}

// New registers the collector with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hivecom_packets_total",
			Help: "Packets handled grouped by node, direction and flag",
		}, []string{"node", "direction", "flag"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hivecom_drops_total",
			Help: "Packets dropped grouped by node and reason",
		}, []string{"node", "reason"}),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hivecom_relays_total",
			Help: "Packets relayed on behalf of other nodes",
		}, []string{"node"}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hivecom_peers",
			Help: "Number of trusted neighbours",
		}, []string{"node"}),
	}

	reg.MustRegister(
		c.packets,
		c.drops,
		c.relays,
		c.peers,
	)
	return c
}

// Handler returns HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Node binds the collector to one node identifier.
func (c *Collector) Node(identifier string) *Node {
	if c == nil {
		return nil
	}
	return &Node{c, identifier}
}

func (c *Collector) Relays(identifier string) prometheus.Counter {
	return c.relays.WithLabelValues(identifier)
}

func (c *Collector) Drops(identifier string, reason string) prometheus.Counter {
	return c.drops.WithLabelValues(identifier, reason)
}

func (c *Collector) Packets(identifier string, direction string, flag string) prometheus.Counter {
	return c.packets.WithLabelValues(identifier, direction, flag)
}

func (c *Collector) Peers(identifier string) prometheus.Gauge {
	return c.peers.WithLabelValues(identifier)
}

// Node records for a single node. A nil *Node discards everything.
type Node struct {
	collector  *Collector
	identifier string
}

func (n *Node) Packet(direction string, flag string) {
	if n == nil {
		return
	}
	n.collector.Packets(n.identifier, direction, flag).Inc()
}

func (n *Node) Drop(reason string) {
	if n == nil {
		return
	}
	n.collector.Drops(n.identifier, reason).Inc()
}

func (n *Node) Relay() {
	if n == nil {
		return
	}
	n.collector.Relays(n.identifier).Inc()
}

func (n *Node) SetPeers(count int) {
	if n == nil {
		return
	}
	n.collector.Peers(n.identifier).Set(float64(count))
}
