// Package sessionkey mints and tracks session keys: the symmetric keys
// issued to entities for peer-to-peer communication. A session key's id
// embeds the numeric id of the Auth that minted it, so any Auth in a
// federation can tell at a glance whether it owns a given key or must
// fetch it from a peer.
package sessionkey

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iotauth-go/authd/internal/cryptofacade"
	"github.com/iotauth-go/authd/internal/policy"
	"github.com/iotauth-go/authd/internal/registry"
)

// authIDShift places the minting Auth's id in the high 16 bits of a
// session key's 64-bit id, leaving 48 bits for a monotonically increasing
// per-Auth sequence number. Documented in one place, per §9's guidance, so
// encode and decode stay symmetric.
const authIDShift = 48

// EncodeSessionKeyID packs authID into the high bits and seq into the low
// bits of a session key id.
func EncodeSessionKeyID(authID int32, seq uint64) int64 {
	return int64(uint64(uint32(authID))<<authIDShift | (seq & (1<<authIDShift - 1)))
}

// DecodeAuthIDFromSessionKeyID extracts the minting Auth's id from a
// session key id.
func DecodeAuthIDFromSessionKeyID(id int64) int32 {
	return int32(uint64(id) >> authIDShift)
}

// SessionKey is a symmetric key issued to one or more entities. Ownership
// is append-only: once granted, an entity's membership in Owners is never
// revoked by this core.
type SessionKey struct {
	ID          int64
	Owners      map[string]struct{}
	Value       []byte
	CryptoSpec  registry.SymmetricKeyCryptoSpec
	AbsValidity time.Time
	RelValidity time.Duration
}

// ErrNotFound is returned when a session key id has no local record.
var ErrNotFound = errors.New("sessionkey: not found")

// Repository is the persistence boundary the session-key service writes
// through; the actual relational store lives outside this core.
type Repository interface {
	Save(key *SessionKey) error
	GetByID(id int64) (*SessionKey, bool, error)
	AddOwner(id int64, owner string) error
}

// Service mints and looks up locally-minted session keys.
type Service struct {
	localAuthID int32
	repo        Repository
	crypto      cryptofacade.Facade

	mu  sync.Mutex // serializes owner-set updates made through AddOwner
	seq atomic.Uint64
}

// New builds a Service that mints keys under localAuthID, persisting
// through repo and drawing key material from crypto.
func New(localAuthID int32, repo Repository, crypto cryptofacade.Facade) *Service {
	return &Service{localAuthID: localAuthID, repo: repo, crypto: crypto}
}

// Generate mints min(n, policy.MaxNumSessionKeyOwners, maxPerRequest) fresh
// session keys owned by owner, persists them, and returns them. It never
// returns more keys than requested, regardless of how generous the caps
// are (§4.3).
func (s *Service) Generate(owner string, n int, maxPerRequest int, p *policy.CommunicationPolicy) ([]*SessionKey, error) {
	count := n
	if p.MaxNumSessionKeyOwners < count {
		count = p.MaxNumSessionKeyOwners
	}
	if maxPerRequest < count {
		count = maxPerRequest
	}
	if count < 0 {
		count = 0
	}

	keys := make([]*SessionKey, 0, count)
	for i := 0; i < count; i++ {
		value, err := s.crypto.RandomBytes(p.KeyBits / 8)
		if err != nil {
			return nil, err
		}

		id := s.allocateID()
		key := &SessionKey{
			ID:          id,
			Owners:      map[string]struct{}{owner: {}},
			Value:       value,
			CryptoSpec:  p.CryptoSpec,
			AbsValidity: time.Now().Add(p.AbsValidity),
			RelValidity: p.RelValidity,
		}

		if err := s.repo.Save(key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// allocateID reserves the next sequence number for this Auth with an atomic
// increment, so concurrent Generate calls never hand out the same id.
func (s *Service) allocateID() int64 {
	seq := s.seq.Add(1)
	return EncodeSessionKeyID(s.localAuthID, seq)
}

// GetByID returns the locally-minted session key with the given id, if any.
func (s *Service) GetByID(id int64) (*SessionKey, error) {
	key, ok, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return key, nil
}

// AddOwner idempotently grants requester ownership of the session key with
// the given id.
func (s *Service) AddOwner(id int64, requester string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.AddOwner(id, requester)
}

// IsLocal reports whether id was minted by this Auth.
func (s *Service) IsLocal(id int64) bool {
	return DecodeAuthIDFromSessionKeyID(id) == s.localAuthID
}
