package robin

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// TLSContext carries the server certificate material, loaded once at
// startup and threaded into each listener. The keystore is a PEM bundle
// holding the certificate chain and the private key; the configured
// password is the contents of the file it names when that file exists,
// otherwise the literal string, and decrypts a legacy encrypted key
// block when present.
type TLSContext struct {
	config *tls.Config
}

// LoadTLSContext reads the keystore and builds the TLS context.
func LoadTLSContext(keystore, password string) (*TLSContext, error) {
	data, err := os.ReadFile(keystore)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoKeystore, err)
	}

	secret := ResolveSecret(password)

	certPEM, keyPEM, err := splitKeystore(data, secret)
	if err != nil {
		return nil, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}

	return &TLSContext{
		config: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}, nil
}

// NewTLSContext wraps an existing tls.Config, for tests and embedders.
func NewTLSContext(config *tls.Config) *TLSContext {
	return &TLSContext{config: config}
}

// Config returns the tls.Config for listeners and upgrades.
func (t *TLSContext) Config() *tls.Config {
	if t == nil {
		return nil
	}
	return t.config
}

// ResolveSecret implements the password convention: if the value names
// a readable file, the trimmed file contents are the secret; otherwise
// the value itself is.
func ResolveSecret(value string) string {
	if value == "" {
		return ""
	}
	if data, err := os.ReadFile(value); err == nil {
		return strings.TrimSpace(string(data))
	}
	return value
}

// splitKeystore separates certificate and key blocks from the PEM
// bundle, decrypting an RFC 1423 encrypted key block with the secret.
func splitKeystore(data []byte, secret string) (certPEM, keyPEM []byte, err error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch {
		case block.Type == "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(block)...)
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy keystores
				der, derr := x509.DecryptPEMBlock(block, []byte(secret)) //nolint:staticcheck
				if derr != nil {
					return nil, nil, fmt.Errorf("keystore: decrypt key: %w", derr)
				}
				block = &pem.Block{Type: block.Type, Bytes: der}
			}
			keyPEM = append(keyPEM, pem.EncodeToMemory(block)...)
		}
	}

	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, nil, fmt.Errorf("%w: missing certificate or key block", ErrNoKeystore)
	}
	return certPEM, keyPEM, nil
}
