package discovery

import (
	"errors"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// State of a remote candidate.
//
//	Unknown -> AnnouncementSeen -> CertificateExchanged -> Trusted
//	Unknown -> AnnouncementSeen -> Rejected
type State int

const (
	Unknown State = iota
	AnnouncementSeen
	CertificateExchanged
	Trusted
	Rejected
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case AnnouncementSeen:
		return "AnnouncementSeen"
	case CertificateExchanged:
		return "CertificateExchanged"
	case Trusted:
		return "Trusted"
	case Rejected:
		return "Rejected"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// ErrSelfAnnouncement is returned for this node's own broadcast. It is not a failure.
var ErrSelfAnnouncement = errors.New("self announcement ignored")

// MaxCandidates bounds how many untrusted identifiers an Engine remembers.
// The least recently seen one is forgotten first.
const MaxCandidates = 1024

// Engine tracks the discovery state of every remote candidate seen by one node.
// Trusted identifiers live outside the bounded candidate cache and are never evicted.
type Engine struct {
	local      string
	candidates *lru.Cache[string, State]
	trusted    map[string]bool

	mtx *sync.Mutex
}

func NewEngine(local_identifier string) *Engine {
	candidates, err := lru.New[string, State](MaxCandidates)
	if err != nil {
		panic(err)
	}
	return &Engine{
		local:      local_identifier,
		candidates: candidates,
		trusted:    make(map[string]bool),
		mtx:        new(sync.Mutex),
	}
}

// HandleAnnouncement parses a broadcast and moves its sender to AnnouncementSeen.
// An already trusted identifier stays trusted. Announcements that fail to parse
// leave no state behind.
func (e *Engine) HandleAnnouncement(raw string) (Announcement, error) {
	announcement, err := ParseAnnouncement(raw)
	if err != nil {
		return announcement, err
	}
	if announcement.Identifier == e.local {
		return announcement, ErrSelfAnnouncement
	}
	e.advance(announcement.Identifier, AnnouncementSeen)
	return announcement, nil
}

// Exchange records that a certificate claiming identifier has been received.
func (e *Engine) Exchange(identifier string) {
	e.advance(identifier, CertificateExchanged)
}

func (e *Engine) advance(identifier string, state State) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if !e.trusted[identifier] {
		e.candidates.Add(identifier, state)
	}
}

// Accept marks identifier as trusted. It reports true only on the transition
// into Trusted, so callers raise peerDiscovered once per trust establishment.
func (e *Engine) Accept(identifier string) bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	first := !e.trusted[identifier]
	e.trusted[identifier] = true
	e.candidates.Remove(identifier)
	return first
}

func (e *Engine) Reject(identifier string) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	delete(e.trusted, identifier)
	e.candidates.Add(identifier, Rejected)
}

// Forget drops every state kept for identifier, used on disconnect and blacklist.
func (e *Engine) Forget(identifier string) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	delete(e.trusted, identifier)
	e.candidates.Remove(identifier)
}

func (e *Engine) State(identifier string) State {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.trusted[identifier] {
		return Trusted
	}
	if state, ok := e.candidates.Peek(identifier); ok {
		return state
	}
	return Unknown
}
