package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	hivecom "hivecom_core"
	"hivecom_core/metrics"
	"hivecom_core/reflection"
	"hivecom_core/routing"
	"hivecom_core/trust"
	"hivecom_core/watchdog"
)

const defaultTopology = `
nodes: [A, D, E, F]
links:
  - [A, D]
  - [D, E]
  - [E, F]
`

func main() {
	topology_path := flag.String("topology", "", "topology YAML file (default: chain A-D-E-F)")
	from := flag.String("from", "A", "sending node")
	to := flag.String("to", "F", "destination node")
	message := flag.String("message", "Hello", "payload")
	seed := flag.Uint64("seed", 1, "relay randomness seed")
	policy := flag.String("policy", routing.AvoidSender.String(), "relay policy: avoid-sender or uniform")
	trace := flag.Bool("trace", false, "print every transmission")
	settle := flag.Duration("settle", 2*time.Second, "time to wait for delivery")
	level := flag.String("log", "warn", "log level")
	flag.Parse()

	if err := watchdog.Init(watchdog.Options{Level: *level}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(*topology_path, *from, *to, *message, *seed, *policy, *trace, *settle); err != nil {
		log.Error().Err(err).Msg("hivecom-sim")
		os.Exit(1)
	}
}

func loadTopology(path string) (*reflection.Topology, error) {
	if path == "" {
		return reflection.LoadTopology(strings.NewReader(defaultTopology))
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return reflection.LoadTopology(file)
}

func run(topology_path, from, to, message string, seed uint64, policy_name string, trace bool, settle time.Duration) error {
	topology, err := loadTopology(topology_path)
	if err != nil {
		return err
	}
	policy, err := routing.ParsePolicy(policy_name)
	if err != nil {
		return err
	}

	public, issuer, err := trust.GenerateIssuerKey(rand.Reader)
	if err != nil {
		return err
	}
	authority := trust.NewAuthority()
	if err := authority.AddTrustedPublicKey(public); err != nil {
		return err
	}

	collector := metrics.New(prometheus.NewRegistry())
	opts := []reflection.Option{reflection.WithSeed(seed), reflection.WithPolicy(policy), reflection.WithMetrics(collector)}
	if trace {
		opts = append(opts, reflection.WithTrace())
	}
	network, err := topology.Build(authority, issuer, opts...)
	if err != nil {
		return err
	}
	sender := network.Node(from)
	if sender == nil || network.Node(to) == nil {
		return fmt.Errorf("unknown node %s or %s", from, to)
	}

	wg := new(sync.WaitGroup)
	for _, node := range network.Nodes() {
		wg.Add(1)
		go func(node *reflection.Node) {
			defer wg.Done()
			for event := range node.Events() {
				printEvent(node.Identifier(), event)
			}
		}(node)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	network.Start(ctx)
	network.SendDiscovery()
	time.Sleep(settle / 2)

	if err := sender.Route(to, []byte(message)); err != nil {
		fmt.Printf("%s: route to %s failed: %v\n", from, to, err)
	}
	time.Sleep(settle / 2)

	for _, node := range network.Nodes() {
		if relays := testutil.ToFloat64(collector.Relays(node.Identifier())); relays > 0 {
			fmt.Printf("%s relayed %v packet(s)\n", node.Identifier(), relays)
		}
	}
	err = network.Stop()
	wg.Wait()
	return err
}

func printEvent(node string, event hivecom.Event) {
	switch e := event.(type) {
	case hivecom.EventPeerDiscovered:
		fmt.Printf("[%s] discovered %s (%s)\n", node, e.Identifier, e.Client)
	case hivecom.EventPacketReceived:
		via := "direct"
		if e.Relayed {
			via = "relayed"
		}
		fmt.Printf("[%s] message from %s (%s): %s\n", node, e.Identifier, via, e.Payload)
	case hivecom.EventPeerDisconnected:
		fmt.Printf("[%s] disconnected %s\n", node, e.Identifier)
	case hivecom.EventLog:
		fmt.Printf("[%s] %s\n", node, e.Text)
	}
}
