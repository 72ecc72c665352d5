package authcore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/iotauth-go/authd/internal/config"
	"github.com/iotauth-go/authd/internal/logging"
)

func generateTestKeyPEM(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block)), key
}

func publicKeyPEM(t *testing.T, pub *rsa.PublicKey) string {
	t.Helper()
	block := &pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(pub)}
	return string(pem.EncodeToMemory(block))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	authPEM, _ := generateTestKeyPEM(t)
	_, entityKey := generateTestKeyPEM(t)

	cfg := config.Default()
	cfg.Auth.ID = 1
	cfg.Auth.PrivateKeyPEM = authPEM
	cfg.Listener.Address = "127.0.0.1:0"
	cfg.Health.Address = "127.0.0.1:0"
	cfg.Entities = []config.EntityConfig{
		{
			Name:                     "sensor-1",
			Group:                    "sensors",
			PublicKeyPEM:             publicKeyPEM(t, &entityKey.PublicKey),
			DistCipherAlgo:           "AES",
			DistCipherKeyBits:        128,
			DistHashAlgo:             "SHA256",
			DistKeyValidityMillis:    3600000,
			MaxSessionKeysPerRequest: 8,
		},
	}
	cfg.Policies = []config.PolicyConfig{
		{
			RequesterGroup:         "sensors",
			TargetKind:             "pubTopic",
			TargetName:             "telemetry",
			CipherAlgo:             "AES",
			CipherKeyBits:          128,
			HashAlgo:               "SHA256",
			KeyBits:                128,
			AbsValidityMillis:      86400000,
			RelValidityMillis:      3600000,
			MaxNumSessionKeyOwners: 100,
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return cfg
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.entityCount != 1 {
		t.Errorf("entityCount = %d, want 1", c.entityCount)
	}
	if c.policyCount != 1 {
		t.Errorf("policyCount = %d, want 1", c.policyCount)
	}
}

func TestNew_InvalidPrivateKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.PrivateKeyPEM = "not a pem"
	if _, err := New(cfg, logging.NopLogger()); err == nil {
		t.Fatal("New() error = nil, want error for invalid private key")
	}
}

func TestNew_InvalidPolicyTargetKind(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policies[0].TargetKind = "bogus"
	if _, err := New(cfg, logging.NopLogger()); err == nil {
		t.Fatal("New() error = nil, want error for invalid target kind")
	}
}

func TestCore_StartStop(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !c.IsRunning() {
		t.Error("expected core to be running")
	}
	if c.Address() == nil {
		t.Error("expected non-nil listener address")
	}

	stats := c.Stats()
	if stats.EntityCount != 1 {
		t.Errorf("Stats().EntityCount = %d, want 1", stats.EntityCount)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.StopWithContext(ctx); err != nil {
		t.Errorf("StopWithContext() error = %v", err)
	}
	if c.IsRunning() {
		t.Error("expected core to be stopped")
	}
}
