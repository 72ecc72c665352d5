// Package handler implements the per-connection protocol state machine:
// the actor that owns one accepted socket from AUTH_HELLO through exactly
// one SESSION_KEY_REQ/SESSION_KEY_RESP exchange, then closes it.
package handler

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/iotauth-go/authd/internal/cryptofacade"
	"github.com/iotauth-go/authd/internal/federation"
	"github.com/iotauth-go/authd/internal/policy"
	"github.com/iotauth-go/authd/internal/registry"
	"github.com/iotauth-go/authd/internal/sessionkey"
	"github.com/iotauth-go/authd/internal/wire"
)

// pubEncSignatureWidth is the byte width split off the tail of a PUB-ENC
// request as the entity's signature. It assumes 2048-bit RSA keys; the
// original implementation hardcodes this same value and leaves behavior
// with other key sizes undefined, so this core preserves rather than
// generalizes it.
const pubEncSignatureWidth = 256

var (
	// ErrPolicyMissing is returned when no communication policy resolves
	// for a request's (group, targetKind, targetName).
	ErrPolicyMissing = errors.New("handler: no communication policy for request")

	// ErrUnknownPeerAuth is returned when a SESSION_KEY_ID purpose names a
	// minting Auth this Auth has no federation relationship with.
	ErrUnknownPeerAuth = errors.New("handler: minting auth is not a trusted peer")
)

// Metrics is the narrow observability surface the handler reports into,
// kept as an interface (mirroring the crypto facade's capability-object
// style) so tests can substitute a no-op double.
type Metrics interface {
	ConnectionAccepted()
	ConnectionClosed(outcome string, d time.Duration)
	SessionKeysMinted(n int)
	FederationFetch(peerID int32, err error)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionAccepted()                         {}
func (noopMetrics) ConnectionClosed(outcome string, d time.Duration) {}
func (noopMetrics) SessionKeysMinted(n int)                     {}
func (noopMetrics) FederationFetch(peerID int32, err error)     {}

// Config holds the per-Auth settings the handler needs outside of its
// collaborators.
type Config struct {
	LocalAuthID       int32
	PrivateKey        *rsa.PrivateKey
	RequestTimeout    time.Duration
	FederationTimeout time.Duration
}

// Handler wires together the registry, policy, session-key, and federation
// collaborators into the connection-handling state machine. It holds no
// per-connection state itself; Handle is safe to call concurrently from
// multiple goroutines, one per accepted connection.
type Handler struct {
	cfg Config

	registry    *registry.Registry
	policies    *policy.Store
	sessionKeys *sessionkey.Service
	federation  *federation.Client
	crypto      cryptofacade.Facade

	logger  *slog.Logger
	metrics Metrics
}

// New builds a Handler. If m is nil, metrics are silently dropped.
func New(cfg Config, reg *registry.Registry, policies *policy.Store, sessionKeys *sessionkey.Service, fed *federation.Client, crypto cryptofacade.Facade, logger *slog.Logger, m Metrics) *Handler {
	if m == nil {
		m = noopMetrics{}
	}
	return &Handler{
		cfg:         cfg,
		registry:    reg,
		policies:    policies,
		sessionKeys: sessionKeys,
		federation:  fed,
		crypto:      crypto,
		logger:      logger,
		metrics:     m,
	}
}

// Handle owns conn for the duration of one request: it sends AUTH_HELLO,
// waits for a single message under RequestTimeout, and closes the socket
// on every exit path. A panic inside Handle is not recovered here;
// authcore's per-connection goroutine recovers it via
// recovery.RecoverWithLog.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	start := time.Now()
	h.metrics.ConnectionAccepted()
	outcome := "decode_error"
	defer func() {
		h.metrics.ConnectionClosed(outcome, time.Since(start))
	}()

	authNonce, err := h.crypto.RandomBytes(wire.AuthNonceSize)
	if err != nil {
		h.logger.Error("generate auth nonce", "err", err)
		return
	}

	hello := &wire.AuthHello{AuthID: h.cfg.LocalAuthID}
	copy(hello.AuthNonce[:], authNonce)
	if err := wire.WriteEnvelope(conn, wire.TypeAuthHello, hello.Encode()); err != nil {
		h.logger.Warn("write auth hello", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	if err := conn.SetReadDeadline(start.Add(h.cfg.RequestTimeout)); err != nil {
		h.logger.Error("set read deadline", "err", err)
		return
	}

	env, err := wire.ReadEnvelope(conn)
	if err != nil {
		if isTimeout(err) {
			h.logger.Info("request timed out", "remote", conn.RemoteAddr())
			outcome = "timeout"
			return
		}
		h.logger.Warn("read request", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	switch env.Type {
	case wire.TypeSessionKeyReqInPubEnc:
		outcome = h.handlePubEnc(ctx, conn, env.Payload, authNonce)
	case wire.TypeSessionKeyReq:
		outcome = h.handleDistKey(ctx, conn, env.Payload, authNonce)
	default:
		h.logger.Warn("unexpected message type", "remote", conn.RemoteAddr(), "type", env.Type)
		outcome = "decode_error"
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// handlePubEnc processes a SESSION_KEY_REQ_IN_PUB_ENC message (§4.5). It
// returns the outcome label used for metrics/logging.
func (h *Handler) handlePubEnc(ctx context.Context, conn net.Conn, payload, authNonce []byte) string {
	if len(payload) <= pubEncSignatureWidth {
		h.logger.Warn("pub-enc payload too short for signature split", "len", len(payload))
		return "decode_error"
	}
	encPayload := payload[:len(payload)-pubEncSignatureWidth]
	signature := payload[len(payload)-pubEncSignatureWidth:]

	decPayload, err := h.crypto.RSADecrypt(encPayload, h.cfg.PrivateKey)
	if err != nil {
		h.logger.Warn("rsa decrypt pub-enc request", "err", err)
		return "decode_error"
	}

	req, err := wire.DecodeSessionKeyReq(decPayload)
	if err != nil {
		h.logger.Warn("decode pub-enc request", "err", err)
		return "decode_error"
	}

	entity, ok := h.registry.GetEntity(req.EntityName)
	if !ok {
		h.logger.Info("unknown entity", "entity", req.EntityName)
		h.sendAlert(conn, wire.AlertUnknownEntity)
		return "unknown_entity"
	}

	// The signed bytes are the pre-decryption ciphertext, not the
	// plaintext; verifying the decrypted payload would let a replayed
	// ciphertext pass verification under a different key.
	if err := h.crypto.RSAVerify(encPayload, signature, entity.PublicKey); err != nil {
		h.logger.Warn("pub-enc signature invalid", "entity", entity.Name, "err", err)
		return "signature_invalid"
	}

	if !cryptofacade.ConstantTimeEqual(req.AuthNonce[:], authNonce) {
		h.logger.Warn("pub-enc auth nonce mismatch", "entity", entity.Name)
		return "nonce_mismatch"
	}

	keys, cryptoSpecString, err := h.dispatchPurpose(ctx, entity, req)
	if err != nil {
		h.logger.Warn("dispatch purpose", "entity", entity.Name, "err", err)
		return outcomeForDispatchError(err)
	}

	newDistKeyBytes, err := h.crypto.RandomBytes(entity.DistCryptoSpec.CipherKeyBits / 8)
	if err != nil {
		h.logger.Error("mint distribution key", "entity", entity.Name, "err", err)
		return "decode_error"
	}
	expiresAt := time.Now().Add(entity.DistKeyValidity)
	newDistKey := &registry.DistributionKey{KeyBytes: newDistKeyBytes, ExpiresAt: expiresAt}
	h.registry.UpdateDistributionKey(entity.Name, newDistKey)

	encDistKeyBlock, err := h.encryptDistributionKeyBlock(newDistKey, entity.PublicKey)
	if err != nil {
		h.logger.Error("encrypt distribution key block", "entity", entity.Name, "err", err)
		return "decode_error"
	}

	respBody := (&wire.SessionKeyResp{
		EntityNonce: req.EntityNonce,
		CryptoSpec:  cryptoSpecString,
		Keys:        toSessionKeyWires(keys),
	}).Encode()

	cipherText, err := h.crypto.AESEncrypt(respBody, newDistKey.KeyBytes)
	if err != nil {
		h.logger.Error("encrypt pub-enc response", "entity", entity.Name, "err", err)
		return "decode_error"
	}

	respPayload := append(append([]byte{}, encDistKeyBlock...), cipherText...)
	if err := wire.WriteEnvelope(conn, wire.TypeSessionKeyResp, respPayload); err != nil {
		h.logger.Warn("write pub-enc response", "entity", entity.Name, "err", err)
		return "decode_error"
	}

	h.metrics.SessionKeysMinted(len(keys))
	return "responded"
}

// handleDistKey processes a SESSION_KEY_REQ message protected under an
// entity's existing distribution key (§4.5). The decrypted plaintext is
// body || MAC, where the MAC is an unkeyed cryptofacade.Hash of the body
// (not an HMAC); it is compared in constant time against a freshly
// computed hash.
func (h *Handler) handleDistKey(ctx context.Context, conn net.Conn, payload, authNonce []byte) string {
	r := wire.NewReader(payload)
	name, _, err := r.BufferedString()
	if err != nil {
		h.logger.Warn("decode dist-key entity name", "err", err)
		return "decode_error"
	}

	entity, ok := h.registry.GetEntity(name)
	if !ok {
		h.logger.Info("unknown entity", "entity", name)
		h.sendAlert(conn, wire.AlertUnknownEntity)
		return "unknown_entity"
	}

	distKey := entity.CurrentDistributionKey()
	if distKey.Expired(time.Now()) {
		h.logger.Info("missing or expired distribution key", "entity", entity.Name)
		h.sendAlert(conn, wire.AlertInvalidDistributionKey)
		return "invalid_dist_key"
	}

	decrypted, err := h.crypto.AESDecrypt(r.Rest(), distKey.KeyBytes)
	if err != nil {
		h.logger.Warn("aes decrypt dist-key request", "entity", entity.Name, "err", err)
		return "decode_error"
	}

	macLen := h.crypto.HashLen(cryptofacade.HashAlgo(entity.DistCryptoSpec.HashAlgo))
	if macLen == 0 || len(decrypted) < macLen {
		h.logger.Warn("dist-key request too short for mac", "entity", entity.Name)
		return "decode_error"
	}
	body := decrypted[:len(decrypted)-macLen]
	mac := decrypted[len(decrypted)-macLen:]

	computed, err := h.crypto.Hash(body, cryptofacade.HashAlgo(entity.DistCryptoSpec.HashAlgo))
	if err != nil || !cryptofacade.ConstantTimeEqual(mac, computed) {
		h.logger.Warn("dist-key mac invalid", "entity", entity.Name)
		return "mac_invalid"
	}

	req, err := wire.DecodeSessionKeyReq(body)
	if err != nil {
		h.logger.Warn("decode dist-key request body", "entity", entity.Name, "err", err)
		return "decode_error"
	}

	if !cryptofacade.ConstantTimeEqual(req.AuthNonce[:], authNonce) {
		h.logger.Warn("dist-key auth nonce mismatch", "entity", entity.Name)
		return "nonce_mismatch"
	}

	keys, cryptoSpecString, err := h.dispatchPurpose(ctx, entity, req)
	if err != nil {
		h.logger.Warn("dispatch purpose", "entity", entity.Name, "err", err)
		return outcomeForDispatchError(err)
	}

	respBody := (&wire.SessionKeyResp{
		EntityNonce: req.EntityNonce,
		CryptoSpec:  cryptoSpecString,
		Keys:        toSessionKeyWires(keys),
	}).Encode()

	cipherText, err := h.crypto.AESEncrypt(respBody, distKey.KeyBytes)
	if err != nil {
		h.logger.Error("encrypt dist-key response", "entity", entity.Name, "err", err)
		return "decode_error"
	}

	if err := wire.WriteEnvelope(conn, wire.TypeSessionKeyResp, cipherText); err != nil {
		h.logger.Warn("write dist-key response", "entity", entity.Name, "err", err)
		return "decode_error"
	}

	h.metrics.SessionKeysMinted(len(keys))
	return "responded"
}

// resolvedKey is the uniform shape dispatchPurpose hands back, regardless
// of whether the key was freshly minted, looked up locally, or fetched
// from a peer Auth.
type resolvedKey struct {
	ID          int64
	Value       []byte
	AbsValidity time.Time
	RelValidity time.Duration
}

// dispatchPurpose implements §4.6: it resolves the request's purpose to a
// list of session keys and the crypto spec string describing them.
func (h *Handler) dispatchPurpose(ctx context.Context, entity *registry.Entity, req *wire.SessionKeyReq) ([]resolvedKey, string, error) {
	purpose, err := wire.ParsePurpose(req.Purpose)
	if err != nil {
		return nil, "", err
	}

	switch purpose.Kind {
	case wire.TargetGroup, wire.TargetPublishTopic, wire.TargetSubscribeTopic:
		targetKind := toPolicyTargetKind(purpose.Kind)
		p, ok := h.policies.Resolve(entity.Group, targetKind, purpose.TargetName)
		if !ok {
			return nil, "", ErrPolicyMissing
		}
		keys, err := h.sessionKeys.Generate(entity.Name, int(req.NumKeys), entity.MaxSessionKeysPerRequest, p)
		if err != nil {
			return nil, "", err
		}
		return toResolvedKeys(keys), p.CryptoSpec.String(), nil

	case wire.TargetSessionKeyID:
		mintingAuthID := sessionkey.DecodeAuthIDFromSessionKeyID(purpose.KeyID)
		if mintingAuthID == h.cfg.LocalAuthID {
			key, err := h.sessionKeys.GetByID(purpose.KeyID)
			if err != nil {
				return nil, "", err
			}
			if err := h.sessionKeys.AddOwner(purpose.KeyID, entity.Name); err != nil {
				return nil, "", err
			}
			return toResolvedKeys([]*sessionkey.SessionKey{key}), key.CryptoSpec.String(), nil
		}

		peer, ok := h.registry.GetPeerAuth(mintingAuthID)
		if !ok {
			return nil, "", ErrUnknownPeerAuth
		}
		fetched, err := h.federation.FetchSessionKey(ctx, peer, purpose.KeyID, entity.Name, entity.Group, h.cfg.FederationTimeout)
		h.metrics.FederationFetch(mintingAuthID, err)
		if err != nil {
			return nil, "", err
		}
		return []resolvedKey{{
			ID:          fetched.ID,
			Value:       fetched.Value,
			AbsValidity: fetched.AbsValidity,
			RelValidity: fetched.RelValidity,
		}}, fetched.CryptoSpec, nil

	default:
		return nil, "", fmt.Errorf("handler: unrecognized purpose kind %v", purpose.Kind)
	}
}

func toPolicyTargetKind(k wire.TargetKind) policy.TargetKind {
	switch k {
	case wire.TargetPublishTopic:
		return policy.TargetPublishTopic
	case wire.TargetSubscribeTopic:
		return policy.TargetSubscribeTopic
	default:
		return policy.TargetGroup
	}
}

func toResolvedKeys(keys []*sessionkey.SessionKey) []resolvedKey {
	out := make([]resolvedKey, len(keys))
	for i, k := range keys {
		out[i] = resolvedKey{ID: k.ID, Value: k.Value, AbsValidity: k.AbsValidity, RelValidity: k.RelValidity}
	}
	return out
}

func toSessionKeyWires(keys []resolvedKey) []*wire.SessionKeyWire {
	out := make([]*wire.SessionKeyWire, len(keys))
	for i, k := range keys {
		out[i] = &wire.SessionKeyWire{
			ID:          k.ID,
			AbsValidity: k.AbsValidity.Unix(),
			RelValidity: int64(k.RelValidity / time.Second),
			KeyBytes:    k.Value,
		}
	}
	return out
}

// outcomeForDispatchError maps a dispatchPurpose error to the outcome
// label used by logging and metrics (§7's error table).
func outcomeForDispatchError(err error) string {
	switch {
	case errors.Is(err, ErrPolicyMissing):
		return "policy_missing"
	case errors.Is(err, ErrUnknownPeerAuth):
		return "federation_failure"
	case errors.Is(err, wire.ErrPurposeDiscriminator):
		return "decode_error"
	case errors.Is(err, sessionkey.ErrNotFound):
		return "decode_error"
	default:
		var ff *federation.ErrFederationFailed
		if errors.As(err, &ff) {
			return "federation_failure"
		}
		return "decode_error"
	}
}

// encryptDistributionKeyBlock builds the encryptedDistKey block prepended
// to a PUB-ENC response: rsaEncrypt(distKey.serialize(), entity pubkey) ||
// rsaSign(that ciphertext, auth private key).
func (h *Handler) encryptDistributionKeyBlock(distKey *registry.DistributionKey, entityPub *rsa.PublicKey) ([]byte, error) {
	plaintext := wire.EncodeDistributionKey(distKey.KeyBytes, distKey.ExpiresAt.Unix())
	ciphertext, err := h.crypto.RSAEncrypt(plaintext, entityPub)
	if err != nil {
		return nil, fmt.Errorf("rsa encrypt distribution key: %w", err)
	}
	sig, err := h.crypto.RSASign(ciphertext, h.cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("rsa sign distribution key ciphertext: %w", err)
	}
	return append(ciphertext, sig...), nil
}

func (h *Handler) sendAlert(conn net.Conn, code wire.AlertCode) {
	if err := wire.WriteEnvelope(conn, wire.TypeAuthAlert, []byte{byte(code)}); err != nil {
		h.logger.Warn("write auth alert", "code", code, "err", err)
	}
}
