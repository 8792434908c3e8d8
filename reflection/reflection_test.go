package reflection_test

import (
	"context"
	"crypto/rand"
	mrand "math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hivecom "hivecom_core"
	"hivecom_core/discovery"
	"hivecom_core/metrics"
	"hivecom_core/reflection"
	"hivecom_core/trust"
)

const waitTimeout = 5 * time.Second

func newAuthority(t *testing.T) (*trust.Authority, *mode3.PrivateKey) {
	t.Helper()
	public, private, err := trust.GenerateIssuerKey(rand.Reader)
	require.NoError(t, err)
	authority := trust.NewAuthority()
	require.NoError(t, authority.AddTrustedPublicKey(public))
	return authority, private
}

func buildTopology(t *testing.T, yaml string, opts ...reflection.Option) *reflection.Network {
	t.Helper()
	topology, err := reflection.LoadTopology(strings.NewReader(yaml))
	require.NoError(t, err)
	authority, issuer := newAuthority(t)
	network, err := topology.Build(authority, issuer, opts...)
	require.NoError(t, err)
	return network
}

// settle starts the network, runs discovery and waits until every link is trusted both ways.
func settle(t *testing.T, network *reflection.Network) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		network.Stop()
	})
	network.Start(ctx)
	network.SendDiscovery()

	require.Eventually(t, func() bool {
		for _, node := range network.Nodes() {
			for _, neighbour := range network.Neighbours(node.Identifier()) {
				if !node.IsTrusted(neighbour) {
					return false
				}
			}
		}
		return true
	}, waitTimeout, 10*time.Millisecond)
}

// waitEvent reads events of node until match accepts one.
func waitEvent(t *testing.T, node *reflection.Node, match func(hivecom.Event) bool) hivecom.Event {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case e, ok := <-node.Events():
			require.True(t, ok, "event stream closed")
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatalf("%s: event not observed", node.Identifier())
			return nil
		}
	}
}

func TestMailboxKeepsOrderAndDrains(t *testing.T) {
	network := buildTopology(t, "nodes: [A, B]\nlinks: [[A, B]]\n")
	settle(t, network)

	a := network.Node("A")
	b := network.Node("B")
	for i := 0; i < 50; i++ {
		a.Send("B", []byte{byte(i)})
	}
	for i := 0; i < 50; i++ {
		e := waitEvent(t, b, func(e hivecom.Event) bool {
			_, ok := e.(hivecom.EventPacketReceived)
			return ok
		})
		assert.Equal(t, []byte{byte(i)}, e.(hivecom.EventPacketReceived).Payload)
	}
}

func TestDiscoveryOverSimulation(t *testing.T) {
	network := buildTopology(t, "nodes: [A, B]\nclients: {B: HiveCom-Mobile}\nlinks: [[A, B]]\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	network.Start(ctx)
	defer network.Stop()

	network.Node("A").SendDiscovery()

	e := waitEvent(t, network.Node("B"), func(e hivecom.Event) bool {
		_, ok := e.(hivecom.EventPeerDiscovered)
		return ok
	})
	assert.Equal(t, hivecom.EventPeerDiscovered{Client: discovery.Desktop, Identifier: "A"}, e)

	e = waitEvent(t, network.Node("A"), func(e hivecom.Event) bool {
		_, ok := e.(hivecom.EventPeerDiscovered)
		return ok
	})
	assert.Equal(t, hivecom.EventPeerDiscovered{Client: discovery.Mobile, Identifier: "B"}, e)

	peers := network.Node("A").Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "B", peers[0].Identifier)
	assert.True(t, peers[0].Trusted)
}

func TestMultiHopDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)
	network := buildTopology(t, `
nodes: [A, D, E, F, X]
links:
  - [A, D]
  - [D, E]
  - [E, F]
  - [E, X]
`, reflection.WithSeed(42), reflection.WithMetrics(collector))
	settle(t, network)

	require.NoError(t, network.Node("A").Route("F", []byte("over three hops")))

	e := waitEvent(t, network.Node("F"), func(e hivecom.Event) bool {
		_, ok := e.(hivecom.EventPacketReceived)
		return ok
	})
	assert.Equal(t, hivecom.EventPacketReceived{Identifier: "A", Payload: []byte("over three hops"), Relayed: true}, e)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.Relays("D")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.Relays("E")))
	routed := 0.0
	for _, id := range []string{"A", "D", "E", "F", "X"} {
		routed += testutil.ToFloat64(collector.Packets(id, metrics.Outbound, "Route"))
	}
	assert.Equal(t, 3.0, routed, "hop count equals the shortest path")
	assert.Zero(t, testutil.ToFloat64(collector.Packets("X", metrics.Inbound, "Route")))
}

func TestBlacklistOverSimulation(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)
	network := buildTopology(t, "nodes: [A, B]\nlinks: [[A, B]]\n", reflection.WithMetrics(collector))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	network.Start(ctx)
	defer network.Stop()

	// A trusts B only on the authorization, the last packet of the exchange
	a := network.Node("A")
	a.SendDiscovery()
	require.Eventually(t, func() bool { return a.IsTrusted("B") }, waitTimeout, 10*time.Millisecond)

	a.BlacklistConnection("B")
	waitEvent(t, a, func(e hivecom.Event) bool {
		return e == hivecom.EventPeerDisconnected{Identifier: "B"}
	})
	assert.Empty(t, a.Peers())

	network.Node("B").Send("A", []byte("let me in"))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(collector.Drops("A", metrics.DropUntrusted)) == 1
	}, waitTimeout, 10*time.Millisecond)

	for {
		select {
		case e := <-a.Events():
			_, delivered := e.(hivecom.EventPacketReceived)
			assert.False(t, delivered)
			continue
		default:
		}
		break
	}
}

func TestUnlinkDisconnectsBothEnds(t *testing.T) {
	network := buildTopology(t, "nodes: [A, B]\nlinks: [[A, B]]\n")
	settle(t, network)

	require.NoError(t, network.Unlink("A", "B"))
	waitEvent(t, network.Node("A"), func(e hivecom.Event) bool {
		return e == hivecom.EventPeerDisconnected{Identifier: "B"}
	})
	waitEvent(t, network.Node("B"), func(e hivecom.Event) bool {
		return e == hivecom.EventPeerDisconnected{Identifier: "A"}
	})
	assert.Error(t, network.Unlink("A", "B"))
}

func TestCloseSaysGoodbye(t *testing.T) {
	network := buildTopology(t, "nodes: [A, B]\nlinks: [[A, B]]\n")
	settle(t, network)

	require.NoError(t, network.Node("B").Close())
	waitEvent(t, network.Node("A"), func(e hivecom.Event) bool {
		return e == hivecom.EventPeerDisconnected{Identifier: "B"}
	})
	assert.ErrorIs(t, network.Node("B").Route("A", []byte("late")), hivecom.ErrClosed)
}

func TestNoRouteFromIsolatedNode(t *testing.T) {
	network := buildTopology(t, "nodes: [A, B]\n")
	settle(t, network)
	assert.Error(t, network.Node("A").Route("B", []byte("x")))
}

func TestConcurrentRoutes(t *testing.T) {
	network := buildTopology(t, "nodes: [A, B, C]\nlinks: [[A, B], [B, C]]\n", reflection.WithSeed(1))
	settle(t, network)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, network.Node("A").Route("C", []byte{byte(i)}))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		waitEvent(t, network.Node("C"), func(e hivecom.Event) bool {
			_, ok := e.(hivecom.EventPacketReceived)
			return ok
		})
	}
}

func TestRouteBeforeStart(t *testing.T) {
	network := buildTopology(t, "nodes: [A, B]\nlinks: [[A, B]]\n")
	a := network.Node("A")

	done := make(chan error, 1)
	go func() { done <- a.Route("B", []byte("early")) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, reflection.ErrNotStarted)
	case <-time.After(waitTimeout):
		t.Fatal("route blocked on a network that was not started")
	}

	// queued before Start, run once the node goroutine is up
	a.SendDiscovery()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	network.Start(ctx)
	defer network.Stop()

	require.Eventually(t, func() bool { return a.IsTrusted("B") }, waitTimeout, 10*time.Millisecond)
	assert.NoError(t, a.Route("B", []byte("late")))
}

// exclusiveSource counts callers that enter IntN while another is inside.
type exclusiveSource struct {
	inside   atomic.Int32
	overlaps atomic.Int32
	calls    atomic.Int32
	rand     *mrand.Rand
}

func (s *exclusiveSource) IntN(n int) int {
	if s.inside.Add(1) > 1 {
		s.overlaps.Add(1)
	}
	defer s.inside.Add(-1)
	s.calls.Add(1)
	time.Sleep(100 * time.Microsecond)
	return s.rand.IntN(n)
}

func TestSharedSourceIsSerialized(t *testing.T) {
	source := &exclusiveSource{rand: mrand.New(mrand.NewPCG(7, 7))}
	network := buildTopology(t, "nodes: [A, B, C, D]\nlinks: [[A, B], [B, C], [C, D]]\n", reflection.WithSource(source))
	settle(t, network)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, network.Node("A").Route("D", []byte{'a', byte(i)}))
		}(i)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, network.Node("D").Route("A", []byte{'d', byte(i)}))
		}(i)
	}
	wg.Wait()

	for _, id := range []string{"A", "D"} {
		for i := 0; i < 8; i++ {
			waitEvent(t, network.Node(id), func(e hivecom.Event) bool {
				_, ok := e.(hivecom.EventPacketReceived)
				return ok
			})
		}
	}
	assert.Positive(t, source.calls.Load())
	assert.Zero(t, source.overlaps.Load())
}

func TestTraceUsesPacketDescription(t *testing.T) {
	network := buildTopology(t, "nodes: [A, B]\nlinks: [[A, B]]\n", reflection.WithTrace())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	network.Start(ctx)
	defer network.Stop()

	network.Node("A").SendDiscovery()
	e := waitEvent(t, network.Node("A"), func(e hivecom.Event) bool {
		_, ok := e.(hivecom.EventLog)
		return ok
	})
	assert.Contains(t, e.(hivecom.EventLog).Text, "Flag: Discovery")
}

func TestLoadTopologyValidation(t *testing.T) {
	for _, bad := range []string{
		"nodes: []\n",
		"nodes: [A, A]\n",
		"nodes: [A]\nlinks: [[A, B]]\n",
		"nodes: [A, B]\nlinks: [[A]]\n",
		"nodes: [A]\nlinks: [[A, A]]\n",
		"nodes: [A]\nclients: {A: HiveCom-Toaster}\n",
		"nodes: [A]\nclients: {B: HiveCom-IoT}\n",
		"nodes: {A: 1}\n",
	} {
		_, err := reflection.LoadTopology(strings.NewReader(bad))
		assert.Error(t, err, bad)
	}
}

func TestDuplicateNode(t *testing.T) {
	authority, issuer := newAuthority(t)
	network := reflection.NewNetwork(authority)
	identity, err := trust.NewIdentity(authority, "A", issuer)
	require.NoError(t, err)

	_, err = network.AddNode(identity)
	require.NoError(t, err)
	_, err = network.AddNode(identity)
	assert.ErrorIs(t, err, reflection.ErrDuplicateNode)
	assert.ErrorIs(t, network.Link("A", "Z"), reflection.ErrUnknownNode)
	assert.NoError(t, network.Stop())
}
