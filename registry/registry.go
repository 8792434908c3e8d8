package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"hivecom_core/discovery"
)

var ErrNotFound = errors.New("peer not found")

// PeerRecord is the registry's view of one identifier-addressable peer.
// Session is minted anew on every upsert; the registry entry owns it.
type PeerRecord struct {
	Identifier string
	Session    uuid.UUID
	Endpoint   string
	Client     discovery.ClientType
	Trusted    bool
	SessionKey []byte
	UpdatedAt  time.Time
}

// Registry holds at most one PeerRecord per identifier, iterated in insertion order.
type Registry struct {
	records map[string]*PeerRecord
	order   []string

	mtx *sync.Mutex
}

func New() *Registry {
	return &Registry{
		records: make(map[string]*PeerRecord),
		order:   make([]string, 0),
		mtx:     new(sync.Mutex),
	}
}

// Upsert inserts identifier or replaces its endpoint and session handle.
// A replaced record keeps its position, trust and session key.
func (r *Registry) Upsert(identifier string, endpoint string) PeerRecord {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	record, ok := r.records[identifier]
	if !ok {
		record = &PeerRecord{Identifier: identifier}
		r.records[identifier] = record
		r.order = append(r.order, identifier)
	}
	record.Session = uuid.New()
	record.Endpoint = endpoint
	record.UpdatedAt = time.Now()
	return r.copyOf(record)
}

func (r *Registry) Lookup(identifier string) (PeerRecord, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	record, ok := r.records[identifier]
	if !ok {
		return PeerRecord{}, ErrNotFound
	}
	return r.copyOf(record), nil
}

// Remove deletes identifier. Removing an absent identifier is a no-op.
func (r *Registry) Remove(identifier string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.records[identifier]; !ok {
		return false
	}
	delete(r.records, identifier)
	for i, id := range r.order {
		if id == identifier {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) All() []PeerRecord {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	result := make([]PeerRecord, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.copyOf(r.records[id]))
	}
	return result
}

// Trusted returns the identifiers of trusted peers in insertion order.
// This is the first-hop neighbor set used for routing.
func (r *Registry) Trusted() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	result := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.records[id].Trusted {
			result = append(result, id)
		}
	}
	return result
}

func (r *Registry) IsTrusted(identifier string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	record, ok := r.records[identifier]
	return ok && record.Trusted
}

func (r *Registry) Trust(identifier string, client discovery.ClientType) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	record, ok := r.records[identifier]
	if !ok {
		return false
	}
	record.Trusted = true
	record.Client = client
	return true
}

func (r *Registry) SetSessionKey(identifier string, key []byte) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	record, ok := r.records[identifier]
	if !ok {
		return false
	}
	record.SessionKey = append([]byte(nil), key...)
	return true
}

func (r *Registry) FindByEndpoint(endpoint string) (PeerRecord, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, id := range r.order {
		if record := r.records[id]; record.Endpoint == endpoint {
			return r.copyOf(record), true
		}
	}
	return PeerRecord{}, false
}

func (r *Registry) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.records)
}

func (r *Registry) copyOf(record *PeerRecord) PeerRecord {
	result := *record
	if record.SessionKey != nil {
		result.SessionKey = append([]byte(nil), record.SessionKey...)
	}
	return result
}
