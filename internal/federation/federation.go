// Package federation performs the Auth-to-Auth RPC used to fetch a session
// key that some other Auth originally minted. It is the only outbound
// network call this core makes on behalf of a connection.
package federation

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iotauth-go/authd/internal/registry"
)

// requestForm carries the two placeholder fields the original
// implementation sends alongside the JSON body (see §9's open question: a
// reimplementer should preserve wire behavior rather than silently drop
// them, until the peer side is confirmed not to require them).
var requestForm = url.Values{"Name": {"Robert"}, "Age": {"32"}}

// sessionKeyRequest is the JSON body POSTed to a peer Auth.
type sessionKeyRequest struct {
	SessionKeyID          int64  `json:"SessionKeyID"`
	RequestingEntityName  string `json:"RequestingEntityName"`
	RequestingEntityGroup string `json:"RequestingEntityGroup"`
}

// sessionKeyResponse is the JSON body a peer Auth returns.
type sessionKeyResponse struct {
	ID                int64  `json:"id"`
	Owner             string `json:"owner"`
	MaxOwners         int    `json:"maxOwners"`
	CryptoSpec        string `json:"cryptoSpec"`
	ExpirationTime    int64  `json:"expirationTime"`
	RelValidityPeriod int64  `json:"relValidityPeriod"`
	KeyVal            []byte `json:"keyVal"` // base64 on the wire via encoding/json
}

// FetchedSessionKey is a session key retrieved from a peer Auth. It is
// forwarded to the requesting entity as-is, never persisted as locally
// minted (§8, property 5).
type FetchedSessionKey struct {
	ID          int64
	CryptoSpec  string
	Value       []byte
	AbsValidity time.Time
	RelValidity time.Duration
}

// ErrFederationFailed wraps any transport, TLS, or decode failure talking
// to a peer Auth. It is always fatal for the request in progress (§7).
type ErrFederationFailed struct {
	PeerID int32
	Err    error
}

func (e *ErrFederationFailed) Error() string {
	return fmt.Sprintf("federation: request to peer auth %d failed: %v", e.PeerID, e.Err)
}

func (e *ErrFederationFailed) Unwrap() error { return e.Err }

// Client performs federated session-key fetches against trusted peer
// Auths, authenticating with the peer's configured TLS client identity.
type Client struct {
	rootCAs *tls.Config // optional; nil means use the system pool

	mu       sync.Mutex
	limiters map[int32]*rate.Limiter
	rpsLimit rate.Limit
}

// NewClient builds a federation Client. tlsConfig, if non-nil, supplies
// the root CA pool used to verify peer server certificates; per-peer
// client certificates are taken from each TrustedAuth individually.
// rpsLimit bounds outbound requests per peer Auth, guarding against a
// single misbehaving local connection hammering a peer.
func NewClient(tlsConfig *tls.Config, rpsLimit rate.Limit) *Client {
	return &Client{rootCAs: tlsConfig, limiters: make(map[int32]*rate.Limiter), rpsLimit: rpsLimit}
}

func (c *Client) limiterFor(peerID int32) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[peerID]
	if !ok {
		l = rate.NewLimiter(c.rpsLimit, 1)
		c.limiters[peerID] = l
	}
	return l
}

// FetchSessionKey fetches the session key identified by sessionKeyID from
// peer, on behalf of requesterName/requesterGroup. The peer Auth is
// responsible for its own authorization check (§4.4); any failure here is
// wrapped in ErrFederationFailed.
func (c *Client) FetchSessionKey(ctx context.Context, peer *registry.TrustedAuth, sessionKeyID int64, requesterName, requesterGroup string, timeout time.Duration) (*FetchedSessionKey, error) {
	if err := c.limiterFor(peer.ID).Wait(ctx); err != nil {
		return nil, &ErrFederationFailed{PeerID: peer.ID, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqBody := sessionKeyRequest{
		SessionKeyID:          sessionKeyID,
		RequestingEntityName:  requesterName,
		RequestingEntityGroup: requesterGroup,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ErrFederationFailed{PeerID: peer.ID, Err: fmt.Errorf("encode request: %w", err)}
	}

	u := fmt.Sprintf("https://%s:%s/", peer.Host, peer.Port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u+"?"+requestForm.Encode(), bytes.NewReader(payload))
	if err != nil {
		return nil, &ErrFederationFailed{PeerID: peer.ID, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := c.httpClientFor(peer)
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &ErrFederationFailed{PeerID: peer.ID, Err: fmt.Errorf("round trip: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ErrFederationFailed{PeerID: peer.ID, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ErrFederationFailed{PeerID: peer.ID, Err: fmt.Errorf("peer returned status %d: %s", resp.StatusCode, body)}
	}

	var parsed sessionKeyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ErrFederationFailed{PeerID: peer.ID, Err: fmt.Errorf("decode response: %w", err)}
	}

	return &FetchedSessionKey{
		ID:          parsed.ID,
		CryptoSpec:  parsed.CryptoSpec,
		Value:       parsed.KeyVal,
		AbsValidity: time.Unix(parsed.ExpirationTime, 0),
		RelValidity: time.Duration(parsed.RelValidityPeriod) * time.Second,
	}, nil
}

// httpClientFor builds a per-peer HTTP client authenticating with that
// peer's client certificate. Peers rarely change, but building per-call
// keeps a rotated TLSClientIdentity picked up without a cache invalidation
// path.
func (c *Client) httpClientFor(peer *registry.TrustedAuth) *http.Client {
	tlsConfig := &tls.Config{}
	if c.rootCAs != nil {
		tlsConfig = c.rootCAs.Clone()
	}
	if peer.TLSClientIdentity != nil {
		tlsConfig.Certificates = []tls.Certificate{*peer.TLSClientIdentity}
	}

	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
}
