package wire

import (
	"encoding/json"
	"fmt"
)

// AlertCode identifies the reason an AUTH_ALERT was sent.
type AlertCode uint8

const (
	AlertInvalidDistributionKey AlertCode = 0x01
	AlertUnknownEntity          AlertCode = 0x02
)

// AuthHello is the payload of TypeAuthHello: the local Auth's numeric id
// and the fresh authNonce it generated for this connection.
type AuthHello struct {
	AuthID    int32
	AuthNonce [AuthNonceSize]byte
}

// Encode serializes AuthHello to its wire form.
func (h *AuthHello) Encode() []byte {
	buf := make([]byte, 0, 4+AuthNonceSize)
	buf = append(buf, PutUint32(h.AuthID)...)
	buf = append(buf, h.AuthNonce[:]...)
	return buf
}

// DecodeAuthHello parses an AuthHello payload.
func DecodeAuthHello(payload []byte) (*AuthHello, error) {
	r := NewReader(payload)
	id, err := r.Int32()
	if err != nil {
		return nil, fmt.Errorf("auth hello: %w", err)
	}
	nonce, err := r.FixedBytes(AuthNonceSize)
	if err != nil {
		return nil, fmt.Errorf("auth hello: %w", err)
	}
	h := &AuthHello{AuthID: id}
	copy(h.AuthNonce[:], nonce)
	return h, nil
}

// TargetKind discriminates the purpose JSON's single populated field.
type TargetKind int

const (
	TargetUnknown TargetKind = iota
	TargetGroup
	TargetPublishTopic
	TargetSubscribeTopic
	TargetSessionKeyID
)

// purposeWire is the JSON shape exchanged on the wire; exactly one field
// must be present.
type purposeWire struct {
	Group    *string `json:"group,omitempty"`
	PubTopic *string `json:"pubTopic,omitempty"`
	SubTopic *string `json:"subTopic,omitempty"`
	KeyID    *int64  `json:"keyId,omitempty"`
}

// Purpose is the parsed, tagged form of the request's purpose JSON.
type Purpose struct {
	Kind       TargetKind
	TargetName string // valid for TargetGroup / TargetPublishTopic / TargetSubscribeTopic
	KeyID      int64  // valid for TargetSessionKeyID
}

// ErrPurposeDiscriminator is returned when the purpose JSON carries zero or
// more than one of {group, pubTopic, subTopic, keyId}.
var ErrPurposeDiscriminator = fmt.Errorf("wire: purpose JSON must set exactly one of group/pubTopic/subTopic/keyId")

// ParsePurpose decodes and validates a purpose JSON blob.
func ParsePurpose(raw []byte) (*Purpose, error) {
	var w purposeWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("purpose json: %w", err)
	}

	set := 0
	if w.Group != nil {
		set++
	}
	if w.PubTopic != nil {
		set++
	}
	if w.SubTopic != nil {
		set++
	}
	if w.KeyID != nil {
		set++
	}
	if set != 1 {
		return nil, ErrPurposeDiscriminator
	}

	switch {
	case w.Group != nil:
		return &Purpose{Kind: TargetGroup, TargetName: *w.Group}, nil
	case w.PubTopic != nil:
		return &Purpose{Kind: TargetPublishTopic, TargetName: *w.PubTopic}, nil
	case w.SubTopic != nil:
		return &Purpose{Kind: TargetSubscribeTopic, TargetName: *w.SubTopic}, nil
	default:
		return &Purpose{Kind: TargetSessionKeyID, KeyID: *w.KeyID}, nil
	}
}

// Encode serializes a Purpose back to its JSON wire form.
func (p *Purpose) Encode() ([]byte, error) {
	var w purposeWire
	switch p.Kind {
	case TargetGroup:
		w.Group = &p.TargetName
	case TargetPublishTopic:
		w.PubTopic = &p.TargetName
	case TargetSubscribeTopic:
		w.SubTopic = &p.TargetName
	case TargetSessionKeyID:
		w.KeyID = &p.KeyID
	default:
		return nil, fmt.Errorf("wire: cannot encode purpose of unknown kind")
	}
	return json.Marshal(w)
}

// SessionKeyReq is the decrypted payload common to both the PUB-ENC and
// DIST-KEY request paths.
type SessionKeyReq struct {
	EntityName  string
	AuthNonce   [AuthNonceSize]byte
	EntityNonce [AuthNonceSize]byte
	NumKeys     int32
	Purpose     []byte // raw JSON, parsed separately via ParsePurpose
}

// Encode serializes a SessionKeyReq to its plaintext wire form:
// BufferedString(entityName) | authNonce(8) | entityNonce(8) | numKeys:int32 | BufferedString(purposeJSON)
func (m *SessionKeyReq) Encode() []byte {
	var buf []byte
	buf = append(buf, PutBufferedString(m.EntityName)...)
	buf = append(buf, m.AuthNonce[:]...)
	buf = append(buf, m.EntityNonce[:]...)
	buf = append(buf, PutUint32(m.NumKeys)...)
	buf = append(buf, PutBufferedString(string(m.Purpose))...)
	return buf
}

// DecodeSessionKeyReq parses a SessionKeyReq plaintext payload.
func DecodeSessionKeyReq(payload []byte) (*SessionKeyReq, error) {
	r := NewReader(payload)

	name, _, err := r.BufferedString()
	if err != nil {
		return nil, fmt.Errorf("session key req: entity name: %w", err)
	}

	authNonce, err := r.FixedBytes(AuthNonceSize)
	if err != nil {
		return nil, fmt.Errorf("session key req: auth nonce: %w", err)
	}

	entityNonce, err := r.FixedBytes(AuthNonceSize)
	if err != nil {
		return nil, fmt.Errorf("session key req: entity nonce: %w", err)
	}

	numKeys, err := r.Int32()
	if err != nil {
		return nil, fmt.Errorf("session key req: num keys: %w", err)
	}

	purpose, _, err := r.BufferedString()
	if err != nil {
		return nil, fmt.Errorf("session key req: purpose: %w", err)
	}

	req := &SessionKeyReq{
		EntityName: name,
		NumKeys:    numKeys,
		Purpose:    []byte(purpose),
	}
	copy(req.AuthNonce[:], authNonce)
	copy(req.EntityNonce[:], entityNonce)
	return req, nil
}

// SessionKeyWire is the wire representation of a single session key inside
// a SessionKeyResp: id:int64 | absValidity:int64 | relValidity:int64 | keyBytes(length-prefixed).
type SessionKeyWire struct {
	ID           int64
	AbsValidity  int64 // unix seconds
	RelValidity  int64 // seconds
	KeyBytes     []byte
}

func (k *SessionKeyWire) encode() []byte {
	var buf []byte
	buf = append(buf, PutUint64(k.ID)...)
	buf = append(buf, PutUint64(k.AbsValidity)...)
	buf = append(buf, PutUint64(k.RelValidity)...)
	buf = append(buf, PutVarint(uint64(len(k.KeyBytes)))...)
	buf = append(buf, k.KeyBytes...)
	return buf
}

func decodeSessionKeyWire(r *Reader) (*SessionKeyWire, error) {
	id, err := r.Int64()
	if err != nil {
		return nil, fmt.Errorf("session key: id: %w", err)
	}
	abs, err := r.Int64()
	if err != nil {
		return nil, fmt.Errorf("session key: abs validity: %w", err)
	}
	rel, err := r.Int64()
	if err != nil {
		return nil, fmt.Errorf("session key: rel validity: %w", err)
	}
	n, err := r.Varint()
	if err != nil {
		return nil, fmt.Errorf("session key: key length: %w", err)
	}
	keyBytes, err := r.FixedBytes(int(n))
	if err != nil {
		return nil, fmt.Errorf("session key: key bytes: %w", err)
	}
	kb := make([]byte, len(keyBytes))
	copy(kb, keyBytes)
	return &SessionKeyWire{ID: id, AbsValidity: abs, RelValidity: rel, KeyBytes: kb}, nil
}

// EncodeDistributionKey serializes a newly minted distribution key as
// expiresAt (unix seconds, int64) followed by the raw key bytes. This is
// the plaintext RSA-encrypted in a SESSION_KEY_RESP's leading distribution
// key block.
func EncodeDistributionKey(keyBytes []byte, expiresAtUnix int64) []byte {
	buf := make([]byte, 0, 8+len(keyBytes))
	buf = append(buf, PutUint64(expiresAtUnix)...)
	buf = append(buf, keyBytes...)
	return buf
}

// DecodeDistributionKey reverses EncodeDistributionKey.
func DecodeDistributionKey(payload []byte) (keyBytes []byte, expiresAtUnix int64, err error) {
	r := NewReader(payload)
	expiresAtUnix, err = r.Int64()
	if err != nil {
		return nil, 0, fmt.Errorf("distribution key: expires at: %w", err)
	}
	return append([]byte(nil), r.Rest()...), expiresAtUnix, nil
}

// SessionKeyResp is the decrypted payload of a SESSION_KEY_RESP message:
// entityNonce(8) | cryptoSpecString(BufferedString) | numKeys:varint | (SessionKey)*
type SessionKeyResp struct {
	EntityNonce [AuthNonceSize]byte
	CryptoSpec  string
	Keys        []*SessionKeyWire
}

// Encode serializes a SessionKeyResp to its plaintext wire form.
func (m *SessionKeyResp) Encode() []byte {
	var buf []byte
	buf = append(buf, m.EntityNonce[:]...)
	buf = append(buf, PutBufferedString(m.CryptoSpec)...)
	buf = append(buf, PutVarint(uint64(len(m.Keys)))...)
	for _, k := range m.Keys {
		buf = append(buf, k.encode()...)
	}
	return buf
}

// DecodeSessionKeyResp parses a SessionKeyResp plaintext payload.
func DecodeSessionKeyResp(payload []byte) (*SessionKeyResp, error) {
	r := NewReader(payload)

	nonce, err := r.FixedBytes(AuthNonceSize)
	if err != nil {
		return nil, fmt.Errorf("session key resp: entity nonce: %w", err)
	}

	spec, _, err := r.BufferedString()
	if err != nil {
		return nil, fmt.Errorf("session key resp: crypto spec: %w", err)
	}

	n, err := r.Varint()
	if err != nil {
		return nil, fmt.Errorf("session key resp: num keys: %w", err)
	}

	resp := &SessionKeyResp{CryptoSpec: spec, Keys: make([]*SessionKeyWire, 0, n)}
	copy(resp.EntityNonce[:], nonce)
	for i := uint64(0); i < n; i++ {
		k, err := decodeSessionKeyWire(r)
		if err != nil {
			return nil, fmt.Errorf("session key resp: key %d: %w", i, err)
		}
		resp.Keys = append(resp.Keys, k)
	}
	return resp, nil
}
