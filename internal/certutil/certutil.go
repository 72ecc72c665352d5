// Package certutil generates and loads the ECDSA TLS identities used to
// authenticate Auth-to-Auth federation RPCs over mutual TLS. The
// application-layer RSA keys used by the wire protocol (see
// internal/cryptofacade) are unrelated to the certificates this package
// manages.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// certType determines the key usage and extensions baked into a generated
// certificate.
type certType int

const (
	certTypeCA certType = iota
	certTypeClient
	certTypePeer // server + client auth, used for a peer Auth's own identity
)

// certOptions configures certificate generation.
type certOptions struct {
	commonName   string
	organization string
	validFor     time.Duration
	dnsNames     []string
	ipAddresses  []net.IP
	certType     certType
	maxPathLen   int

	parentCert *x509.Certificate
	parentKey  *ecdsa.PrivateKey
}

// GeneratedCert is a certificate and its private key, in both parsed and
// PEM-encoded form.
type GeneratedCert struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	CertPEM     []byte
	KeyPEM      []byte
}

// Fingerprint returns the SHA-256 fingerprint of the certificate.
func (gc *GeneratedCert) Fingerprint() string {
	hash := sha256.Sum256(gc.Certificate.Raw)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// TLSCertificate returns a tls.Certificate usable as a client or server
// identity.
func (gc *GeneratedCert) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(gc.CertPEM, gc.KeyPEM)
}

// SaveToFiles writes the certificate (world-readable) and key
// (owner-only) to disk, creating parent directories as needed.
func (gc *GeneratedCert) SaveToFiles(certPath, keyPath string) error {
	if dir := filepath.Dir(certPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("certutil: create cert directory: %w", err)
		}
	}
	if dir := filepath.Dir(keyPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("certutil: create key directory: %w", err)
		}
	}
	if err := os.WriteFile(certPath, gc.CertPEM, 0644); err != nil {
		return fmt.Errorf("certutil: write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, gc.KeyPEM, 0600); err != nil {
		return fmt.Errorf("certutil: write private key: %w", err)
	}
	return nil
}

func generateCert(opts certOptions) (*GeneratedCert, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certutil: generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certutil: generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   opts.commonName,
			Organization: []string{opts.organization},
		},
		NotBefore:             now,
		NotAfter:              now.Add(opts.validFor),
		BasicConstraintsValid: true,
		DNSNames:              opts.dnsNames,
		IPAddresses:           opts.ipAddresses,
	}

	switch opts.certType {
	case certTypeCA:
		template.IsCA = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
		template.MaxPathLen = opts.maxPathLen
		template.MaxPathLenZero = opts.maxPathLen == 0
	case certTypeClient:
		template.KeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	case certTypePeer:
		template.KeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}

	parent := &template
	signingKey := privateKey
	if opts.parentCert != nil && opts.parentKey != nil {
		parent = opts.parentCert
		signingKey = opts.parentKey
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, parent, &privateKey.PublicKey, signingKey)
	if err != nil {
		return nil, fmt.Errorf("certutil: create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("certutil: parse certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("certutil: marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &GeneratedCert{Certificate: cert, PrivateKey: privateKey, CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// GenerateCA creates a self-signed CA certificate that can sign peer Auth
// identities.
func GenerateCA(commonName string, validFor time.Duration) (*GeneratedCert, error) {
	return generateCert(certOptions{
		commonName:   commonName,
		organization: "IoT Auth",
		validFor:     validFor,
		certType:     certTypeCA,
		maxPathLen:   1,
	})
}

// GenerateAgentCert creates a server+client (peer) certificate signed by
// ca, for a local Auth's own federation listener identity.
func GenerateAgentCert(commonName string, validFor time.Duration, ca *GeneratedCert) (*GeneratedCert, error) {
	return generateCert(certOptions{
		commonName:   commonName,
		organization: "IoT Auth",
		validFor:     validFor,
		dnsNames:     []string{commonName, "localhost"},
		ipAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		certType:     certTypePeer,
		parentCert:   ca.Certificate,
		parentKey:    ca.PrivateKey,
	})
}

// GenerateClientCert creates a client-auth-only certificate signed by ca,
// for use as a TrustedAuth's TLSClientIdentity when calling a peer Auth.
func GenerateClientCert(commonName string, validFor time.Duration, ca *GeneratedCert) (*GeneratedCert, error) {
	return generateCert(certOptions{
		commonName:   commonName,
		organization: "IoT Auth",
		validFor:     validFor,
		certType:     certTypeClient,
		parentCert:   ca.Certificate,
		parentKey:    ca.PrivateKey,
	})
}

// LoadCert reads a certificate and key pair from files.
func LoadCert(certPath, keyPath string) (*GeneratedCert, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("certutil: read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("certutil: read private key: %w", err)
	}
	return ParseCert(certPEM, keyPEM)
}

// ParseCert parses a PEM-encoded certificate and EC private key.
func ParseCert(certPEM, keyPEM []byte) (*GeneratedCert, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("certutil: decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certutil: parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("certutil: decode private key PEM")
	}

	var privateKey *ecdsa.PrivateKey
	switch keyBlock.Type {
	case "EC PRIVATE KEY":
		privateKey, err = x509.ParseECPrivateKey(keyBlock.Bytes)
	case "PRIVATE KEY":
		var key any
		key, err = x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err == nil {
			var ok bool
			privateKey, ok = key.(*ecdsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("certutil: private key is not ECDSA")
			}
		}
	default:
		return nil, fmt.Errorf("certutil: unsupported private key type: %s", keyBlock.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("certutil: parse private key: %w", err)
	}

	return &GeneratedCert{Certificate: cert, PrivateKey: privateKey, CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// CreateCertPool builds a certificate pool from one or more PEM blobs,
// used as the root CA pool verifying peer Auth server/client certificates.
func CreateCertPool(certPEMs ...[]byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, certPEM := range certPEMs {
		if !pool.AppendCertsFromPEM(certPEM) {
			return nil, fmt.Errorf("certutil: add certificate to pool")
		}
	}
	return pool, nil
}

// IsExpired reports whether cert's validity window has passed.
func IsExpired(cert *x509.Certificate) bool {
	return time.Now().After(cert.NotAfter)
}
