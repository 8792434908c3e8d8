package reflection

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/phuslu/log"

	hivecom "hivecom_core"
	"hivecom_core/discovery"
	"hivecom_core/metrics"
	"hivecom_core/packet"
	"hivecom_core/registry"
	"hivecom_core/routing"
)

type options struct {
	source      routing.Source
	seed        *uint64
	policy      routing.Policy
	client      discovery.ClientType
	budget      int
	window      time.Duration
	eventBuffer int
	trace       bool
	collector   *metrics.Collector
}

type Option func(*options)

// WithSource fixes the relay randomness. Every node built with the returned
// Option draws from source under one shared lock.
func WithSource(source routing.Source) Option {
	shared := &lockedSource{source: source, mtx: new(sync.Mutex)}
	return func(o *options) { o.source = shared }
}

type lockedSource struct {
	source routing.Source
	mtx    *sync.Mutex
}

func (s *lockedSource) IntN(n int) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.source.IntN(n)
}

// WithSeed gives every node its own deterministic source derived from seed.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = &seed }
}

func WithPolicy(policy routing.Policy) Option {
	return func(o *options) { o.policy = policy }
}

func WithClient(client discovery.ClientType) Option {
	return func(o *options) { o.client = client }
}

func WithRelayBudget(budget int) Option {
	return func(o *options) { o.budget = budget }
}

// WithRelayWindow sets how long a node remembers the packets it relayed.
func WithRelayWindow(window time.Duration) Option {
	return func(o *options) { o.window = window }
}

func WithEventBuffer(size int) Option {
	return func(o *options) { o.eventBuffer = size }
}

// WithTrace emits an EventLog describing every transmission.
func WithTrace() Option {
	return func(o *options) { o.trace = true }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) { o.collector = collector }
}

// Node is one simulated data link. All protocol work runs on its own goroutine,
// fed by a mailbox; other nodes reach it only by posting into that mailbox.
type Node struct {
	network  *Network
	id       string
	client   discovery.ClientType
	protocol *hivecom.Protocol
	mailbox  *mailbox
	done     chan struct{}
	started  bool
}

var _ hivecom.DataLink = (*Node)(nil)

type nodeTransmitter struct {
	node *Node
}

func (t nodeTransmitter) Transmit(target hivecom.Target, flag packet.MessageFlag, raw []byte) {
	t.node.network.deliver(t.node, target, raw)
}

func (n *Node) start() {
	if n.started {
		return
	}
	n.started = true
	go func() {
		defer close(n.done)
		n.mailbox.run()
	}()
}

func (n *Node) Identifier() string {
	return n.id
}

func (n *Node) Client() discovery.ClientType {
	return n.client
}

// SendDiscovery unicasts a Discovery packet to every linked neighbour.
func (n *Node) SendDiscovery() {
	n.mailbox.post(func() {
		for _, neighbour := range n.network.Neighbours(n.id) {
			n.protocol.SendDiscoveryTo(hivecom.Target{Identifier: neighbour, Endpoint: neighbour})
		}
	})
}

func (n *Node) Send(receiver string, message []byte) {
	n.mailbox.post(func() {
		n.protocol.Send(receiver, message)
	})
}

// Route waits until the node goroutine has handed the message to its first hop.
// It fails with ErrNotStarted before Network.Start; Send and SendDiscovery are
// queued instead.
func (n *Node) Route(receiver string, message []byte) error {
	n.network.mtx.Lock()
	started := n.started
	n.network.mtx.Unlock()
	if !started {
		return ErrNotStarted
	}

	result := make(chan error, 1)
	if !n.mailbox.post(func() {
		result <- n.protocol.Route(receiver, message)
	}) {
		return hivecom.ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-n.done:
		select {
		case err := <-result:
			return err
		default:
			return hivecom.ErrClosed
		}
	}
}

func (n *Node) BlacklistConnection(identifier string) {
	n.mailbox.post(func() {
		n.protocol.Blacklist(identifier)
	})
}

func (n *Node) Peers() []registry.PeerRecord {
	return n.protocol.Peers()
}

func (n *Node) IsTrusted(identifier string) bool {
	return n.protocol.IsTrusted(identifier)
}

func (n *Node) Events() <-chan hivecom.Event {
	return n.protocol.Events()
}

// Close says goodbye to the neighbours, drains queued work and stops the goroutine.
func (n *Node) Close() error {
	if !n.mailbox.post(func() {
		n.protocol.Farewell()
		n.protocol.Shutdown()
	}) {
		<-n.done
		return nil
	}
	n.mailbox.close()

	n.network.mtx.Lock()
	n.start()
	n.network.mtx.Unlock()

	<-n.done
	log.Debug().Str("node", n.id).Msg("stopped")
	return nil
}

func newSource(o *options, index int) routing.Source {
	if o.source != nil {
		return o.source
	}
	if o.seed != nil {
		return rand.New(rand.NewPCG(*o.seed, uint64(index)))
	}
	return nil
}
