// Package authcore wires the registry, policy store, session-key service,
// federation client, and connection handler into a single runnable Auth
// core: the object cmd/authd's run command constructs, starts, and shuts
// down.
package authcore

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/iotauth-go/authd/internal/config"
	"github.com/iotauth-go/authd/internal/cryptofacade"
	"github.com/iotauth-go/authd/internal/federation"
	"github.com/iotauth-go/authd/internal/handler"
	"github.com/iotauth-go/authd/internal/health"
	"github.com/iotauth-go/authd/internal/logging"
	"github.com/iotauth-go/authd/internal/metrics"
	"github.com/iotauth-go/authd/internal/policy"
	"github.com/iotauth-go/authd/internal/recovery"
	"github.com/iotauth-go/authd/internal/registry"
	"github.com/iotauth-go/authd/internal/sessionkey"
)

// farFuture stands in for "never expires" for entities configured with a
// permanent distribution key, since DistributionKey.Expired has no
// dedicated sentinel for that case.
var farFuture = time.Now().AddDate(100, 0, 0)

// Core owns the listener, the health/metrics server, and every
// collaborator the connection handler needs. It is built once from a
// parsed Config and is safe to Start exactly once.
type Core struct {
	cfg    *config.Config
	logger *slog.Logger

	registry    *registry.Registry
	policies    *policy.Store
	sessionKeys *sessionkey.Service
	federation  *federation.Client
	handler     *handler.Handler
	metrics     *coreMetrics

	healthServer *health.Server
	listener     net.Listener

	entityCount int
	peerCount   int
	policyCount int
	startedAt   int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// coreMetrics forwards handler events into the Prometheus metrics
// instance and, in parallel, into a pair of plain counters /healthz can
// report without scraping Prometheus itself.
type coreMetrics struct {
	*metrics.Metrics

	connectionsAccepted atomic.Int64
	sessionKeysMinted   atomic.Int64
}

func (m *coreMetrics) ConnectionAccepted() {
	m.Metrics.ConnectionAccepted()
	m.connectionsAccepted.Add(1)
}

func (m *coreMetrics) SessionKeysMinted(n int) {
	m.Metrics.SessionKeysMinted(n)
	m.sessionKeysMinted.Add(int64(n))
}

// New builds a Core from a parsed, validated Config. It performs no I/O
// beyond reading the PEM material the config names; the listener and
// health server are not started until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Core, error) {
	privKeyPEM, err := cfg.Auth.GetPrivateKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("authcore: %w", err)
	}
	privKey, err := parsePrivateKeyPEM(privKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("authcore: auth private key: %w", err)
	}

	entities, err := buildEntities(cfg.Entities)
	if err != nil {
		return nil, err
	}

	peers, err := buildPeers(cfg.Peers)
	if err != nil {
		return nil, err
	}

	policies, err := buildPolicies(cfg.Policies)
	if err != nil {
		return nil, err
	}

	reg := registry.New(entities, peers)
	policyStore := policy.NewStore(policies)
	crypto := cryptofacade.New()
	sessionKeys := sessionkey.New(cfg.Auth.ID, sessionkey.NewMemRepository(), crypto)

	tlsConfig, err := buildFederationTLSConfig(&cfg.Federation)
	if err != nil {
		return nil, fmt.Errorf("authcore: federation tls config: %w", err)
	}
	fedClient := federation.NewClient(tlsConfig, rate.Limit(cfg.Federation.RequestsPerSecondPerPeer))

	m := &coreMetrics{Metrics: metrics.Default()}

	h := handler.New(handler.Config{
		LocalAuthID:       cfg.Auth.ID,
		PrivateKey:        privKey,
		RequestTimeout:    cfg.Auth.RequestTimeout(),
		FederationTimeout: cfg.Auth.FederationTimeout(),
	}, reg, policyStore, sessionKeys, fedClient, crypto, logger, m)

	c := &Core{
		cfg:         cfg,
		logger:      logger,
		registry:    reg,
		policies:    policyStore,
		sessionKeys: sessionKeys,
		federation:  fedClient,
		handler:     h,
		metrics:     m,
		entityCount: len(entities),
		peerCount:   len(peers),
		policyCount: len(policies),
		stopCh:      make(chan struct{}),
	}

	if cfg.Health.Enabled {
		healthCfg := health.DefaultServerConfig()
		healthCfg.Address = cfg.Health.Address
		c.healthServer = health.NewServer(healthCfg, c)
	}

	return c, nil
}

// Start opens the listener and, if configured, the health server, then
// begins accepting connections in the background.
func (c *Core) Start() error {
	ln, err := net.Listen("tcp", c.cfg.Listener.Address)
	if err != nil {
		return fmt.Errorf("authcore: listen on %s: %w", c.cfg.Listener.Address, err)
	}
	c.listener = ln
	c.startedAt = time.Now().Unix()
	c.running.Store(true)

	if c.healthServer != nil {
		if err := c.healthServer.Start(); err != nil {
			ln.Close()
			return fmt.Errorf("authcore: start health server: %w", err)
		}
	}

	c.wg.Add(1)
	go c.acceptLoop()

	return nil
}

// Address returns the listener's bound address, useful once Start has
// returned (e.g. to discover an ephemeral port chosen with ":0").
func (c *Core) Address() net.Addr {
	if c.listener != nil {
		return c.listener.Addr()
	}
	return nil
}

func (c *Core) acceptLoop() {
	defer c.wg.Done()
	defer recovery.RecoverWithLog(c.logger, "acceptLoop")

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
				c.logger.Warn("accept error", logging.KeyError, err)
				continue
			}
		}

		c.wg.Add(1)
		go c.handleConnection(conn)
	}
}

func (c *Core) handleConnection(conn net.Conn) {
	defer c.wg.Done()
	defer recovery.RecoverWithLog(c.logger, "handleConnection")

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Auth.FederationTimeout()+c.cfg.Auth.RequestTimeout())
	defer cancel()

	c.handler.Handle(ctx, conn)
}

// Stop closes the listener and health server and waits for in-flight
// connections to finish.
func (c *Core) Stop() error {
	c.stopOnce.Do(func() {
		c.logger.Info("stopping auth core")
		c.running.Store(false)
		close(c.stopCh)

		if c.listener != nil {
			c.listener.Close()
		}
		if c.healthServer != nil {
			c.healthServer.Stop()
		}

		c.wg.Wait()
		c.logger.Info("auth core stopped")
	})
	return nil
}

// StopWithContext stops the core, returning ctx.Err() if shutdown does not
// complete before ctx is done.
func (c *Core) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- c.Stop() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning implements health.StatsProvider.
func (c *Core) IsRunning() bool {
	return c.running.Load()
}

// Stats implements health.StatsProvider.
func (c *Core) Stats() health.Stats {
	return health.Stats{
		EntityCount:         c.entityCount,
		PeerAuthCount:       c.peerCount,
		PolicyCount:         c.policyCount,
		SessionKeysMinted:   c.metrics.sessionKeysMinted.Load(),
		ConnectionsAccepted: c.metrics.connectionsAccepted.Load(),
		StartedAtUnix:       c.startedAt,
	}
}

func buildEntities(configs []config.EntityConfig) ([]*registry.Entity, error) {
	entities := make([]*registry.Entity, 0, len(configs))
	for _, e := range configs {
		pubPEM, err := e.GetPublicKeyPEM()
		if err != nil {
			return nil, fmt.Errorf("authcore: entity %q: %w", e.Name, err)
		}
		var pub *rsa.PublicKey
		if pubPEM != nil {
			pub, err = parsePublicKeyPEM(pubPEM)
			if err != nil {
				return nil, fmt.Errorf("authcore: entity %q public key: %w", e.Name, err)
			}
		}

		var permanent *registry.DistributionKey
		if e.UsePermanentDistKey {
			keyBytes, err := hex.DecodeString(e.PermanentDistKeyHex)
			if err != nil {
				return nil, fmt.Errorf("authcore: entity %q permanent_dist_key_hex: %w", e.Name, err)
			}
			permanent = &registry.DistributionKey{KeyBytes: keyBytes, ExpiresAt: farFuture}
		}

		spec := registry.SymmetricKeyCryptoSpec{
			CipherAlgo:    e.DistCipherAlgo,
			CipherKeyBits: e.DistCipherKeyBits,
			HashAlgo:      e.DistHashAlgo,
		}

		entities = append(entities, registry.NewEntity(e.Name, e.Group, pub, spec, e.DistKeyValidity(), e.MaxSessionKeysPerRequest, permanent))
	}
	return entities, nil
}

func buildPeers(configs []config.PeerAuthConfig) ([]*registry.TrustedAuth, error) {
	peers := make([]*registry.TrustedAuth, 0, len(configs))
	for _, p := range configs {
		peer := &registry.TrustedAuth{ID: p.ID, Host: p.Host, Port: p.Port}

		certPEM, certErr := p.GetClientCertPEM()
		keyPEM, keyErr := p.GetClientKeyPEM()
		if certErr == nil && keyErr == nil {
			cert, err := tls.X509KeyPair(certPEM, keyPEM)
			if err != nil {
				return nil, fmt.Errorf("authcore: peer %d client identity: %w", p.ID, err)
			}
			peer.TLSClientIdentity = &cert
		}

		peers = append(peers, peer)
	}
	return peers, nil
}

func buildPolicies(configs []config.PolicyConfig) ([]*policy.CommunicationPolicy, error) {
	policies := make([]*policy.CommunicationPolicy, 0, len(configs))
	for _, p := range configs {
		targetKind, err := parseTargetKind(p.TargetKind)
		if err != nil {
			return nil, fmt.Errorf("authcore: policy for %q: %w", p.RequesterGroup, err)
		}

		policies = append(policies, &policy.CommunicationPolicy{
			RequesterGroup: p.RequesterGroup,
			TargetKind:     targetKind,
			TargetName:     p.TargetName,
			CryptoSpec: registry.SymmetricKeyCryptoSpec{
				CipherAlgo:    p.CipherAlgo,
				CipherKeyBits: p.CipherKeyBits,
				HashAlgo:      p.HashAlgo,
			},
			KeyBits:                p.KeyBits,
			AbsValidity:            p.AbsValidity(),
			RelValidity:            p.RelValidity(),
			MaxNumSessionKeyOwners: p.MaxNumSessionKeyOwners,
		})
	}
	return policies, nil
}

func parseTargetKind(s string) (policy.TargetKind, error) {
	switch s {
	case "group":
		return policy.TargetGroup, nil
	case "pubTopic":
		return policy.TargetPublishTopic, nil
	case "subTopic":
		return policy.TargetSubscribeTopic, nil
	default:
		return 0, fmt.Errorf("unrecognized target_kind %q", s)
	}
}

func buildFederationTLSConfig(cfg *config.FederationConfig) (*tls.Config, error) {
	caPEM, err := cfg.GetCAPEM()
	if err != nil {
		return nil, fmt.Errorf("ca: %w", err)
	}

	tlsConfig := &tls.Config{}
	if caPEM != nil {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse ca certificate")
		}
		tlsConfig.RootCAs = pool
	}

	certPEM, certErr := cfg.GetCertPEM()
	keyPEM, keyErr := cfg.GetKeyPEM()
	if certErr == nil && keyErr == nil && certPEM != nil && keyPEM != nil {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("client identity: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// parsePublicKeyPEM accepts either a PKCS#1 "RSA PUBLIC KEY" block or a
// PKIX "PUBLIC KEY" block, matching what ssh-keygen/openssl commonly emit.
func parsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode pem")
	}

	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaPub, nil
}

// parsePrivateKeyPEM accepts either a PKCS#1 "RSA PRIVATE KEY" block or a
// PKCS#8 "PRIVATE KEY" block.
func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode pem")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}
