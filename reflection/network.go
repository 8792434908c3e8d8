package reflection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/phuslu/log"
	"go.uber.org/multierr"

	hivecom "hivecom_core"
	"hivecom_core/metrics"
	"hivecom_core/routing"
	"hivecom_core/trust"
)

var (
	ErrDuplicateNode = errors.New("duplicate node identifier")
	ErrUnknownNode   = errors.New("unknown node")
	ErrNotStarted    = errors.New("network not started")
)

// Network is an in-process overlay: nodes joined by static undirected links.
// Packets still pass through the wire codec, so the simulation exercises
// exactly what the network transport sends.
type Network struct {
	authority hivecom.CertificateAuthority
	nodes     map[string]*Node
	order     []string
	links     map[string]map[string]bool
	started   bool

	mtx *sync.Mutex
}

func NewNetwork(authority hivecom.CertificateAuthority) *Network {
	return &Network{
		authority: authority,
		nodes:     make(map[string]*Node),
		order:     make([]string, 0),
		links:     make(map[string]map[string]bool),
		mtx:       new(sync.Mutex),
	}
}

// AddNode creates a node for identity. Nodes added after Start run immediately.
func (n *Network) AddNode(identity *trust.Identity, opts ...Option) (*Node, error) {
	o := new(options)
	for _, opt := range opts {
		opt(o)
	}

	n.mtx.Lock()
	defer n.mtx.Unlock()

	if _, ok := n.nodes[identity.Identifier]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, identity.Identifier)
	}

	node := &Node{
		network: n,
		id:      identity.Identifier,
		client:  o.client,
		mailbox: newMailbox(),
		done:    make(chan struct{}),
	}
	var node_metrics *metrics.Node
	if o.collector != nil {
		node_metrics = o.collector.Node(identity.Identifier)
	}
	protocol, err := hivecom.NewProtocol(hivecom.ProtocolConfig{
		Identifier:  identity.Identifier,
		Client:      o.client,
		Certificate: identity.Certificate,
		Authority:   n.authority,
		KeyExchange: identity.KEM,
		Transmitter: nodeTransmitter{node},
		Router:      routing.NewRouter(o.policy, newSource(o, len(n.order))),
		RelayBudget: o.budget,
		RelayWindow: o.window,
		EventBuffer: o.eventBuffer,
		Trace:       o.trace,
		Metrics:     node_metrics,
	})
	if err != nil {
		return nil, err
	}
	node.protocol = protocol

	n.nodes[node.id] = node
	n.order = append(n.order, node.id)
	n.links[node.id] = make(map[string]bool)
	if n.started {
		node.start()
	}
	return node, nil
}

func (n *Network) Node(identifier string) *Node {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.nodes[identifier]
}

// Nodes returns every node in insertion order.
func (n *Network) Nodes() []*Node {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	result := make([]*Node, 0, len(n.order))
	for _, id := range n.order {
		result = append(result, n.nodes[id])
	}
	return result
}

func (n *Network) Link(a string, b string) error {
	if a == b {
		return fmt.Errorf("self link on %s", a)
	}
	n.mtx.Lock()
	defer n.mtx.Unlock()

	if _, ok := n.nodes[a]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, a)
	}
	if _, ok := n.nodes[b]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, b)
	}
	n.links[a][b] = true
	n.links[b][a] = true
	return nil
}

// Unlink cuts the link between a and b; both ends observe a disconnect.
func (n *Network) Unlink(a string, b string) error {
	n.mtx.Lock()
	na, oka := n.nodes[a]
	nb, okb := n.nodes[b]
	if !oka || !okb || !n.links[a][b] {
		n.mtx.Unlock()
		return fmt.Errorf("%w: no link %s-%s", ErrUnknownNode, a, b)
	}
	delete(n.links[a], b)
	delete(n.links[b], a)
	n.mtx.Unlock()

	na.mailbox.post(func() { na.protocol.Disconnect(b) })
	nb.mailbox.post(func() { nb.protocol.Disconnect(a) })
	return nil
}

// Neighbours returns the identifiers linked to identifier, sorted.
func (n *Network) Neighbours(identifier string) []string {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	result := make([]string, 0, len(n.links[identifier]))
	for neighbour := range n.links[identifier] {
		result = append(result, neighbour)
	}
	sort.Strings(result)
	return result
}

// Start runs every node until ctx is done or Stop is called.
func (n *Network) Start(ctx context.Context) {
	n.mtx.Lock()
	if n.started {
		n.mtx.Unlock()
		return
	}
	n.started = true
	for _, id := range n.order {
		n.nodes[id].start()
	}
	n.mtx.Unlock()

	go func() {
		<-ctx.Done()
		n.Stop()
	}()
}

// Stop closes every node. Queued work is drained first.
func (n *Network) Stop() error {
	var err error
	for _, node := range n.Nodes() {
		err = multierr.Append(err, node.Close())
	}
	return err
}

// SendDiscovery makes every node announce itself to its neighbours.
func (n *Network) SendDiscovery() {
	for _, node := range n.Nodes() {
		node.SendDiscovery()
	}
}

func (n *Network) deliver(from *Node, target hivecom.Target, raw []byte) {
	n.mtx.Lock()
	to, ok := n.nodes[target.Endpoint]
	linked := n.links[from.id][target.Endpoint]
	n.mtx.Unlock()

	if !ok || !linked {
		log.Debug().Str("node", from.id).Str("target", target.Endpoint).Msg("no link, transmission lost")
		return
	}

	origin := hivecom.Origin{Endpoint: from.id, Hop: from.id, Client: from.client}
	if !to.mailbox.post(func() {
		to.protocol.HandleTransmission(origin, raw)
	}) {
		// the peer is gone: transport-level disconnect
		from.mailbox.post(func() { from.protocol.Disconnect(to.id) })
	}
}
