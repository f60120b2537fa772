package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrPeerNotAllowed is returned when a peer key is outside the allowlist.
var ErrPeerNotAllowed = errors.New("peer not allowed")

// certValidity bounds the lifetime of the self-signed node certificate.
const certValidity = 365 * 24 * time.Hour

// generateCertificate creates a self-signed X.509 certificate from an ed25519 key pair.
// Peers identify each other by the certificate key, never by a CA chain.
func generateCertificate(privateKey ed25519.PrivateKey) (tls.Certificate, error) {
	publicKey := privateKey.Public().(ed25519.PublicKey)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number:\n%w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "obscura-" + hex.EncodeToString(publicKey[:8])},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, publicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate:\n%w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal private key:\n%w", err)
	}

	return tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	)
}

// extractPublicKey extracts the ed25519 public key from a peer's TLS certificate.
func extractPublicKey(state tls.ConnectionState) (ed25519.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("no peer certificate")
	}

	pubKey, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("peer certificate does not contain ed25519 key")
	}

	return pubKey, nil
}

// allowlist holds the keys a node accepts. An empty allowlist accepts any key.
type allowlist map[string]bool

// newAllowlist indexes keys by hex.
func newAllowlist(keys []ed25519.PublicKey) allowlist {
	a := make(allowlist, len(keys))
	for _, k := range keys {
		a[hex.EncodeToString(k)] = true
	}

	return a
}

// check returns ErrPeerNotAllowed for a key outside a non-empty allowlist.
func (a allowlist) check(key ed25519.PublicKey) error {
	if len(a) == 0 || a[hex.EncodeToString(key)] {
		return nil
	}

	return fmt.Errorf("%w: %x", ErrPeerNotAllowed, key[:8])
}
