package routing

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"sync"
)

var ErrNoRoute = errors.New("no route to destination")

// Source supplies uniform integers in [0, n). *rand.Rand satisfies it.
type Source interface {
	IntN(n int) int
}

type Policy int

const (
	// AvoidSender never hands a packet back to the neighbour it came from,
	// unless that neighbour is the only one.
	AvoidSender Policy = iota
	// Uniform picks among all neighbours, including the one the packet came from.
	Uniform
)

func (p Policy) String() string {
	switch p {
	case AvoidSender:
		return "avoid-sender"
	case Uniform:
		return "uniform"
	}
	return "Policy(" + strconv.Itoa(int(p)) + ")"
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "avoid-sender":
		return AvoidSender, nil
	case "uniform":
		return Uniform, nil
	}
	return 0, errors.New("unknown routing policy: " + s)
}

// Router picks the next hop for a packet. It is safe for concurrent use;
// the source is guarded because *rand.Rand is not.
type Router struct {
	policy Policy
	source Source

	mtx *sync.Mutex
}

func NewRouter(policy Policy, source Source) *Router {
	if source == nil {
		source = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Router{
		policy: policy,
		source: source,
		mtx:    new(sync.Mutex),
	}
}

// NextHop returns the neighbour to forward a packet for destination to.
// direct is true when destination is itself a neighbour; the source is not consulted then.
// from is the neighbour the packet arrived through, empty for locally originated packets.
func (r *Router) NextHop(destination string, neighbours []string, from string) (hop string, direct bool, err error) {
	for _, n := range neighbours {
		if n == destination {
			return destination, true, nil
		}
	}
	switch len(neighbours) {
	case 0:
		return "", false, ErrNoRoute
	case 1:
		return neighbours[0], false, nil
	}

	candidates := neighbours
	if r.policy == AvoidSender && from != "" {
		candidates = make([]string, 0, len(neighbours))
		for _, n := range neighbours {
			if n != from {
				candidates = append(candidates, n)
			}
		}
		if len(candidates) == 0 {
			return "", false, ErrNoRoute
		}
	}

	r.mtx.Lock()
	index := r.source.IntN(len(candidates))
	r.mtx.Unlock()
	return candidates[index], false, nil
}
