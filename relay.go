package hivecom

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/sha3"

	"hivecom_core/packet"
)

const (
	DefaultRelayBudget = 8
	DefaultRelayWindow = 15 * time.Second
	relayMemory        = 4096
)

// relayBudget bounds how often one node forwards the same packet within a
// window, so a random walk toward an unreachable destination dies out.
// The window starts at the first forward and is not extended by later ones.
type relayBudget struct {
	limit int
	seen  *expirable.LRU[string, *int]
}

func newRelayBudget(limit int, window time.Duration) *relayBudget {
	return &relayBudget{
		limit: limit,
		seen:  expirable.NewLRU[string, *int](relayMemory, nil, window),
	}
}

func (b *relayBudget) allow(p *packet.Packet) bool {
	key := relayFingerprint(p)
	count, ok := b.seen.Get(key)
	if !ok {
		first := 1
		b.seen.Add(key, &first)
		return true
	}
	if *count >= b.limit {
		return false
	}
	*count++
	return true
}

func relayFingerprint(p *packet.Packet) string {
	hasher := sha3.New256()
	hasher.Write([]byte(p.Sender))
	hasher.Write([]byte{'\n'})
	hasher.Write([]byte(p.Receiver))
	hasher.Write([]byte{'\n'})
	hasher.Write(p.Payload)
	return string(hasher.Sum(nil))
}
