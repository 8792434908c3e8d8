package net_service_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/quic-go/quic-go/http3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hivecom "hivecom_core"
	"hivecom_core/aurl"
	"hivecom_core/metrics"
	"hivecom_core/net_service"
	"hivecom_core/packet"
	"hivecom_core/routing"
	"hivecom_core/trust"
)

type fixture struct {
	authority *trust.Authority
	issuer    *mode3.PrivateKey
	registry  *prometheus.Registry
	collector *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	public, private, err := trust.GenerateIssuerKey(rand.Reader)
	require.NoError(t, err)
	authority := trust.NewAuthority()
	require.NoError(t, authority.AddTrustedPublicKey(public))
	reg := prometheus.NewRegistry()
	return &fixture{
		authority: authority,
		issuer:    private,
		registry:  reg,
		collector: metrics.New(reg),
	}
}

type testNode struct {
	service *net_service.NetService
	server  *httptest.Server
	port    int
}

func (n *testNode) address() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: n.port}
}

// node serves a NetService over plain HTTP on a loopback httptest server.
func (f *fixture) node(t *testing.T, identifier string, static_peers ...*aurl.AURL) *testNode {
	identity, err := trust.NewIdentity(f.authority, identifier, f.issuer)
	require.NoError(t, err)

	handler := make(chan http.Handler, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := <-handler
		handler <- h
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)

	server_url, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(server_url.Port())
	require.NoError(t, err)

	conf := net_service.DefaultConfig()
	conf.Identifier = identifier
	conf.MessagePort = port
	conf.PeerPort = port
	conf.StaticPeers = static_peers
	conf.DisableBroadcast = true
	conf.DisableHTTP3 = true
	conf.HTTPClient = &http.Client{Timeout: 2 * time.Second}
	conf.Scheme = "http"
	conf.RequestTimeout = 2 * time.Second
	conf.Metrics = f.collector
	conf.MetricsRegistry = f.registry

	service, err := net_service.NewNetService(conf, identity, f.authority)
	require.NoError(t, err)
	t.Cleanup(func() { service.Close() })
	handler <- service.Handler()

	return &testNode{service: service, server: server, port: port}
}

// connect makes a and b trust each other through a discovery started by a.
func (f *fixture) connect(t *testing.T) (*testNode, *testNode) {
	b := f.node(t, "B")
	a := f.node(t, "A", aurl.New("B", b.address()))

	a.service.SendDiscovery()
	assert.Equal(t, "B", nextEvent[hivecom.EventPeerDiscovered](t, a.service.Events()).Identifier)
	assert.Equal(t, "A", nextEvent[hivecom.EventPeerDiscovered](t, b.service.Events()).Identifier)
	require.Eventually(t, func() bool {
		return a.service.IsTrusted("B") && b.service.IsTrusted("A")
	}, 5*time.Second, 10*time.Millisecond)
	return a, b
}

func nextEvent[T hivecom.Event](t *testing.T, events <-chan hivecom.Event) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			require.True(t, ok, "event stream closed")
			if typed, ok := event.(T); ok {
				return typed
			}
		case <-timeout:
			var zero T
			require.FailNowf(t, "timed out", "waiting for %T", zero)
			return zero
		}
	}
}

func post(t *testing.T, target string, headers map[string]string, body []byte) int {
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestDiscoveryAndRoute(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect(t)

	require.NoError(t, a.service.Route("B", []byte("hello over http")))
	received := nextEvent[hivecom.EventPacketReceived](t, b.service.Events())
	assert.Equal(t, "A", received.Identifier)
	assert.Equal(t, []byte("hello over http"), received.Payload)
	assert.False(t, received.Relayed)

	a_peers, b_peers := a.service.Peers(), b.service.Peers()
	require.Len(t, a_peers, 1)
	require.Len(t, b_peers, 1)
	assert.Equal(t, b.address().String(), a_peers[0].Endpoint)
	assert.Equal(t, a.address().String(), b_peers[0].Endpoint)
	require.Eventually(t, func() bool {
		return bytes.Equal(a.service.Peers()[0].SessionKey, b.service.Peers()[0].SessionKey)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, a.service.Peers()[0].SessionKey, trust.SessionKeySize)
}

func TestSendToUnknownPeer(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, "A")

	a.service.Send("nobody", []byte("x"))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.collector.Drops("A", metrics.DropUnknownPeer)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, a.service.Route("nobody", []byte("x")), routing.ErrNoRoute)
}

func TestPingAndMetrics(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, "A")

	resp, err := http.Get(a.server.URL + net_service.PingPath)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	f.collector.Node("A").Relay()
	resp, err = http.Get(a.server.URL + net_service.MetricsPath)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `hivecom_relays_total{node="A"} 1`)
}

func TestRejectsMalformedRequests(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, "A")
	headers := map[string]string{
		net_service.IdentifierHeader: "B",
		net_service.ClientHeader:     "HiveCom-Desktop",
	}

	assert.Equal(t, http.StatusBadRequest, post(t, a.server.URL+net_service.MessagePath, headers, []byte("garbage")))
	assert.Equal(t, http.StatusBadRequest, post(t, a.server.URL+net_service.MessagePath, map[string]string{}, []byte("garbage")))

	discovery, err := packet.Encode(packet.NewDiscovery("A", []byte("certificate")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, post(t, a.server.URL+net_service.MessagePath, headers, discovery))

	bad_client := map[string]string{
		net_service.IdentifierHeader: "B",
		net_service.ClientHeader:     "HiveCom-Toaster",
	}
	assert.Equal(t, http.StatusBadRequest, post(t, a.server.URL+net_service.DiscoveryPath, bad_client, discovery))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.collector.Drops("A", metrics.DropMalformed)))
}

func TestUntrustedMessageDropped(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, "A")
	headers := map[string]string{
		net_service.IdentifierHeader: "M",
		net_service.ClientHeader:     "HiveCom-Desktop",
	}
	message, err := packet.Encode(packet.NewMessage("A", "M", []byte("let me in")))
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, post(t, a.server.URL+net_service.MessagePath, headers, message))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.collector.Drops("A", metrics.DropUntrusted)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, a.service.Peers())
}

func TestTransportFailureDisconnects(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect(t)

	b.server.Close()
	a.service.Send("B", []byte("anyone there"))

	assert.Equal(t, "B", nextEvent[hivecom.EventPeerDisconnected](t, a.service.Events()).Identifier)
	assert.False(t, a.service.IsTrusted("B"))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.collector.Drops("A", metrics.DropTransport)) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseSaysGoodbye(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect(t)

	require.NoError(t, a.service.Close())
	assert.Equal(t, "A", nextEvent[hivecom.EventPeerDisconnected](t, b.service.Events()).Identifier)
	assert.False(t, b.service.IsTrusted("A"))

	assert.ErrorIs(t, a.service.Route("B", []byte("late")), hivecom.ErrClosed)
	for range a.service.Events() {
	}
	require.NoError(t, a.service.Close())
}

func TestBlacklistConnection(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect(t)

	b.service.BlacklistConnection("A")
	assert.Equal(t, "A", nextEvent[hivecom.EventPeerDisconnected](t, b.service.Events()).Identifier)

	require.NoError(t, a.service.Route("B", []byte("ignored")))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.collector.Drops("B", metrics.DropUntrusted)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, b.service.IsTrusted("A"))
}

// serveHTTP3 runs a NetService on its real QUIC transport with an ephemeral port.
func (f *fixture) serveHTTP3(t *testing.T, identifier string, static_peers ...*aurl.AURL) *net_service.NetService {
	identity, err := trust.NewIdentity(f.authority, identifier, f.issuer)
	require.NoError(t, err)

	conf := net_service.DefaultConfig()
	conf.Identifier = identifier
	conf.MessagePort = 0
	conf.StaticPeers = static_peers
	conf.DisableBroadcast = true
	conf.RequestTimeout = 2 * time.Second
	conf.Metrics = f.collector

	service, err := net_service.NewNetService(conf, identity, f.authority)
	require.NoError(t, err)
	require.NotZero(t, service.Port())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- service.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Errorf("%s: ListenAndServe did not return after cancel", identifier)
		}
	})
	return service
}

func TestHTTP3Loopback(t *testing.T) {
	f := newFixture(t)
	b := f.serveHTTP3(t, "B")
	a := f.serveHTTP3(t, "A", aurl.New("B", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.Port()}))

	client := &http.Client{
		Transport: &http3.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		Timeout:   2 * time.Second,
	}
	defer client.Transport.(*http3.Transport).Close()
	for _, service := range []*net_service.NetService{a, b} {
		require.Eventually(t, func() bool {
			resp, err := client.Get("https://127.0.0.1:" + strconv.Itoa(service.Port()) + net_service.PingPath)
			if err != nil {
				return false
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return resp.StatusCode == http.StatusOK && string(body) == "pong"
		}, 10*time.Second, 100*time.Millisecond, service.Identifier())
	}

	a.SendDiscovery()
	assert.Equal(t, "B", nextEvent[hivecom.EventPeerDiscovered](t, a.Events()).Identifier)
	require.Eventually(t, func() bool {
		return a.IsTrusted("B") && b.IsTrusted("A")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Route("B", []byte("hi")))
	received := nextEvent[hivecom.EventPacketReceived](t, b.Events())
	assert.Equal(t, hivecom.EventPacketReceived{Identifier: "A", Payload: []byte("hi")}, received)

	b.Send("A", []byte("hello back"))
	assert.Equal(t, []byte("hello back"), nextEvent[hivecom.EventPacketReceived](t, a.Events()).Payload)

	peers := b.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(a.Port()), peers[0].Endpoint, "endpoint uses the advertised port")
}
