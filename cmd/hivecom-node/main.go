package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	hivecom "hivecom_core"
	"hivecom_core/config"
	"hivecom_core/metrics"
	"hivecom_core/net_service"
	"hivecom_core/trust"
	"hivecom_core/watchdog"
)

const version = "0.9.0"

func main() {
	config_path := flag.String("config", "hivecom.yaml", "node configuration file")
	generate_issuer := flag.String("generate-issuer", "", "write a new issuer key to this path (public key to <path>.pub) and exit")
	show_version := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *show_version {
		fmt.Println(version)
		return
	}
	if *generate_issuer != "" {
		if err := generateIssuer(*generate_issuer); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if err := run(*config_path); err != nil {
		log.Error().Err(err).Msg("hivecom-node")
		os.Exit(1)
	}
}

func generateIssuer(path string) error {
	public, private, err := trust.GenerateIssuerKey(rand.Reader)
	if err != nil {
		return err
	}
	if err := trust.SaveIssuerKey(path, private); err != nil {
		return err
	}
	return trust.SavePublicKey(path+".pub", public)
}

func newAuthority(conf *config.Config) (*trust.Authority, *mode3.PrivateKey, error) {
	issuer, err := trust.LoadIssuerKey(conf.Trust.IssuerKey)
	if err != nil {
		return nil, nil, fmt.Errorf("issuer key: %w", err)
	}
	authority := trust.NewAuthority()
	if err := authority.AddTrustedPublicKey(issuer.Public().(*mode3.PublicKey)); err != nil {
		return nil, nil, err
	}
	for _, path := range conf.Trust.TrustedKeys {
		key, err := trust.LoadPublicKey(path)
		if err != nil {
			return nil, nil, fmt.Errorf("trusted key %s: %w", path, err)
		}
		if err := authority.AddTrustedPublicKey(key); err != nil {
			return nil, nil, err
		}
	}
	return authority, issuer, nil
}

func run(config_path string) error {
	conf, err := config.LoadFile(config_path)
	if err != nil {
		return err
	}
	if err := watchdog.Init(watchdog.Options{Level: conf.Log.Level, Dir: conf.Log.Dir, Name: conf.Identifier}); err != nil {
		return err
	}

	authority, issuer, err := newAuthority(conf)
	if err != nil {
		return err
	}
	identity, err := trust.NewIdentity(authority, conf.Identifier, issuer)
	if err != nil {
		return err
	}

	net_conf, err := conf.ToNetConfig()
	if err != nil {
		return err
	}
	if conf.Metrics {
		reg := prometheus.NewRegistry()
		net_conf.Metrics = metrics.New(reg)
		net_conf.MetricsRegistry = reg
	}

	service, err := net_service.NewNetService(net_conf, identity, authority)
	if err != nil {
		return err
	}
	log.Info().Str("version", version).Str("aurl", service.LocalAURL().ToString()).Str("certificate", trust.Fingerprint(identity.Certificate)).Msg("hivecom-node")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go printEvents(service.Events())
	go readCommands(ctx, service)
	return service.ListenAndServe(ctx)
}

func printEvents(events <-chan hivecom.Event) {
	for event := range events {
		switch e := event.(type) {
		case hivecom.EventPeerDiscovered:
			fmt.Printf("discovered %s (%s)\n", e.Identifier, e.Client)
		case hivecom.EventPeerAuthorized:
			fmt.Printf("authorized %s\n", e.Identifier)
		case hivecom.EventPeerDisconnected:
			fmt.Printf("disconnected %s\n", e.Identifier)
		case hivecom.EventPacketReceived:
			fmt.Printf("%s: %s\n", e.Identifier, e.Payload)
		case hivecom.EventLog:
			fmt.Println(e.Text)
		}
	}
}

// readCommands accepts "send <id> <text>", "route <id> <text>", "block <id>",
// "discover" and "peers" on stdin.
func readCommands(ctx context.Context, link hivecom.DataLink) {
	scanner := bufio.NewScanner(os.Stdin)
	for ctx.Err() == nil && scanner.Scan() {
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 3)
		switch {
		case fields[0] == "discover":
			link.SendDiscovery()
		case fields[0] == "peers":
			for _, peer := range link.Peers() {
				fmt.Printf("%s %s trusted=%v\n", peer.Identifier, peer.Endpoint, peer.Trusted)
			}
		case fields[0] == "block" && len(fields) >= 2:
			link.BlacklistConnection(fields[1])
		case fields[0] == "send" && len(fields) == 3:
			link.Send(fields[1], []byte(fields[2]))
		case fields[0] == "route" && len(fields) == 3:
			if err := link.Route(fields[1], []byte(fields[2])); err != nil {
				fmt.Println("route:", err)
			}
		case fields[0] != "":
			fmt.Println("unknown command:", fields[0])
		}
	}
}
