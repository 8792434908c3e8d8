package reflection

import (
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"gopkg.in/yaml.v3"

	"hivecom_core/discovery"
	"hivecom_core/trust"
)

// Topology declares a static simulated overlay.
//
//	nodes: [A, D, E, F]
//	clients: {F: HiveCom-IoT}
//	links:
//	  - [A, D]
//	  - [D, E]
//	  - [E, F]
type Topology struct {
	Nodes   []string          `yaml:"nodes"`
	Clients map[string]string `yaml:"clients"`
	Links   [][]string        `yaml:"links"`
}

func LoadTopology(r io.Reader) (*Topology, error) {
	result := new(Topology)
	if err := yaml.NewDecoder(r).Decode(result); err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *Topology) Validate() error {
	if len(t.Nodes) == 0 {
		return errors.New("topology: no nodes")
	}
	known := make(map[string]bool, len(t.Nodes))
	for _, id := range t.Nodes {
		if id == "" {
			return errors.New("topology: empty node identifier")
		}
		if known[id] {
			return fmt.Errorf("topology: %w: %s", ErrDuplicateNode, id)
		}
		known[id] = true
	}
	for id, tag := range t.Clients {
		if !known[id] {
			return fmt.Errorf("topology: client for %w: %s", ErrUnknownNode, id)
		}
		if _, err := discovery.ParseClientType(tag); err != nil {
			return fmt.Errorf("topology: %s: %w", id, err)
		}
	}
	for _, link := range t.Links {
		if len(link) != 2 {
			return fmt.Errorf("topology: link %v must name two nodes", link)
		}
		if !known[link[0]] || !known[link[1]] {
			return fmt.Errorf("topology: link %v: %w", link, ErrUnknownNode)
		}
		if link[0] == link[1] {
			return fmt.Errorf("topology: self link on %s", link[0])
		}
	}
	return nil
}

// Build issues an identity per node with issuer and wires the declared links.
// opts apply to every node; WithClient is overridden by the clients table.
func (t *Topology) Build(authority *trust.Authority, issuer *mode3.PrivateKey, opts ...Option) (*Network, error) {
	network := NewNetwork(authority)
	for _, id := range t.Nodes {
		identity, err := trust.NewIdentity(authority, id, issuer)
		if err != nil {
			return nil, err
		}
		node_opts := opts
		if tag, ok := t.Clients[id]; ok {
			client, _ := discovery.ParseClientType(tag)
			node_opts = append(append([]Option{}, opts...), WithClient(client))
		}
		if _, err := network.AddNode(identity, node_opts...); err != nil {
			return nil, err
		}
	}
	for _, link := range t.Links {
		if err := network.Link(link[0], link[1]); err != nil {
			return nil, err
		}
	}
	return network, nil
}
