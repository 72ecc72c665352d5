// Package policy resolves communication policies: the server-side rule
// that maps a (requester group, target kind, target name) tuple to the
// crypto spec and size of the session keys to be issued for it.
package policy

import (
	"time"

	"github.com/iotauth-go/authd/internal/registry"
)

// TargetKind mirrors the wire-level purpose discriminator, restricted to
// the kinds a policy can be resolved for (a session-key-id lookup never
// consults the policy store).
type TargetKind int

const (
	TargetGroup TargetKind = iota
	TargetPublishTopic
	TargetSubscribeTopic
)

// CommunicationPolicy is the resolved rule governing session keys issued
// for one (requesterGroup, targetKind, targetName) tuple.
type CommunicationPolicy struct {
	RequesterGroup         string
	TargetKind             TargetKind
	TargetName             string
	CryptoSpec             registry.SymmetricKeyCryptoSpec
	KeyBits                int
	AbsValidity            time.Duration
	RelValidity            time.Duration
	MaxNumSessionKeyOwners int
}

type policyKey struct {
	requesterGroup string
	targetKind     TargetKind
	targetName     string
}

// Store is a read-mostly map of communication policies, keyed by the exact
// tuple a request resolves against. It is loaded once (or reloaded
// wholesale) by an external policy source; the core only ever reads it.
type Store struct {
	policies map[policyKey]*CommunicationPolicy
}

// NewStore builds a Store from a flat list of policies.
func NewStore(policies []*CommunicationPolicy) *Store {
	s := &Store{policies: make(map[policyKey]*CommunicationPolicy, len(policies))}
	for _, p := range policies {
		s.policies[policyKey{p.RequesterGroup, p.TargetKind, p.TargetName}] = p
	}
	return s
}

// Resolve returns the single policy governing requesterGroup's access to
// (targetKind, targetName), or false if no such policy is registered. A
// miss is a protocol error for the requesting entity (§4.3).
func (s *Store) Resolve(requesterGroup string, targetKind TargetKind, targetName string) (*CommunicationPolicy, bool) {
	p, ok := s.policies[policyKey{requesterGroup, targetKind, targetName}]
	return p, ok
}
