// Package registry holds the in-memory, read-mostly view of registered
// entities and trusted peer Auths that the connection handler consults on
// every request. The snapshot as a whole is swapped atomically by an
// external loader (out of scope for this core); the one piece of state
// that mutates from inside the core itself is a per-entity distribution
// key, updated by the PUB-ENC request path and read by the DIST-KEY path.
package registry

import (
	"crypto/rsa"
	"crypto/tls"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// SymmetricKeyCryptoSpec names the cipher and hash used to protect a
// distribution key or a session key. Its canonical wire form is
// "CIPHER-HASH", e.g. "AES-128-CBC-SHA256".
type SymmetricKeyCryptoSpec struct {
	CipherAlgo    string // e.g. "AES"
	CipherKeyBits int    // e.g. 128
	HashAlgo      string // e.g. "SHA256"
}

// String renders the canonical "CIPHER-KEYBITS-CBC-HASH" form, e.g.
// "AES-128-CBC-SHA256".
func (s SymmetricKeyCryptoSpec) String() string {
	return s.CipherAlgo + "-" + strconv.Itoa(s.CipherKeyBits) + "-CBC-" + s.HashAlgo
}

// DistributionKey is a per-entity symmetric key minted on a successful
// PUB-ENC request and used to protect subsequent DIST-KEY responses.
type DistributionKey struct {
	KeyBytes  []byte
	ExpiresAt time.Time
}

// Expired reports whether the key is no longer valid at instant now.
func (k *DistributionKey) Expired(now time.Time) bool {
	return k == nil || now.After(k.ExpiresAt)
}

// Entity is the registered identity (device or service) that may request
// session keys from this Auth.
type Entity struct {
	Name                     string
	Group                    string
	PublicKey                *rsa.PublicKey // nil only if UsePermanentDistKey
	DistCryptoSpec           SymmetricKeyCryptoSpec
	DistKeyValidity          time.Duration
	MaxSessionKeysPerRequest int
	UsePermanentDistKey      bool

	// distKey is the mutable cell the PUB-ENC path writes and the
	// DIST-KEY path reads; a single mutex per entity keeps rotation
	// atomic without taking a registry-wide lock.
	mu      sync.Mutex
	distKey *DistributionKey
}

// NewEntity constructs an Entity with an optional fixed permanent
// distribution key (used when UsePermanentDistKey is true).
func NewEntity(name, group string, pub *rsa.PublicKey, spec SymmetricKeyCryptoSpec, validity time.Duration, maxKeys int, permanent *DistributionKey) *Entity {
	return &Entity{
		Name:                     name,
		Group:                    group,
		PublicKey:                pub,
		DistCryptoSpec:           spec,
		DistKeyValidity:          validity,
		MaxSessionKeysPerRequest: maxKeys,
		UsePermanentDistKey:      permanent != nil,
		distKey:                 permanent,
	}
}

// CurrentDistributionKey returns the entity's current distribution key, or
// nil if none has been issued yet.
func (e *Entity) CurrentDistributionKey() *DistributionKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.distKey
}

// RotateDistributionKey atomically installs a newly minted distribution
// key, replacing whatever key (if any) the entity previously held. It is a
// no-op guard for permanent-distribution-key entities, which are never
// rotated per the registry invariant.
func (e *Entity) RotateDistributionKey(k *DistributionKey) {
	if e.UsePermanentDistKey {
		return
	}
	e.mu.Lock()
	e.distKey = k
	e.mu.Unlock()
}

// TrustedAuth describes a peer Auth this Auth may federate a session-key
// fetch to.
type TrustedAuth struct {
	ID                int32
	Host              string
	Port              string
	TLSClientIdentity *tls.Certificate
}

// Registry is the read-mostly snapshot of entities and trusted peer Auths.
// Readers never observe a torn map: entities and peers are populated once
// at construction (or replaced wholesale via Load) and never
// mutated in place except through Entity's own per-entity lock.
type Registry struct {
	snapshot atomic.Pointer[snapshotData]
}

type snapshotData struct {
	entities map[string]*Entity
	peers    map[int32]*TrustedAuth
}

// New builds a Registry from an initial set of entities and peers.
func New(entities []*Entity, peers []*TrustedAuth) *Registry {
	r := &Registry{}
	r.Load(entities, peers)
	return r
}

// Load atomically replaces the registry's contents. Any Entity pointer
// obtained before the swap remains valid and independently mutable via its
// own lock; only the name->Entity and id->TrustedAuth maps are swapped.
func (r *Registry) Load(entities []*Entity, peers []*TrustedAuth) {
	data := &snapshotData{
		entities: make(map[string]*Entity, len(entities)),
		peers:    make(map[int32]*TrustedAuth, len(peers)),
	}
	for _, e := range entities {
		data.entities[e.Name] = e
	}
	for _, p := range peers {
		data.peers[p.ID] = p
	}
	r.snapshot.Store(data)
}

// GetEntity looks up a registered entity by name.
func (r *Registry) GetEntity(name string) (*Entity, bool) {
	data := r.snapshot.Load()
	if data == nil {
		return nil, false
	}
	e, ok := data.entities[name]
	return e, ok
}

// GetPeerAuth looks up a trusted peer Auth by its numeric id.
func (r *Registry) GetPeerAuth(id int32) (*TrustedAuth, bool) {
	data := r.snapshot.Load()
	if data == nil {
		return nil, false
	}
	p, ok := data.peers[id]
	return p, ok
}

// UpdateDistributionKey installs a newly minted distribution key for the
// named entity, if it exists in the current snapshot.
func (r *Registry) UpdateDistributionKey(name string, key *DistributionKey) bool {
	e, ok := r.GetEntity(name)
	if !ok {
		return false
	}
	e.RotateDistributionKey(key)
	return true
}
