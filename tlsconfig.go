package framewire

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
)

// TLSMaterial bundles the in-memory PEM materials needed to build a
// *tls.Config, mirroring the certificate/key/passphrase/ca fields the
// original addon accepted as constructor options instead of file paths.
type TLSMaterial struct {
	CertPEM       []byte
	KeyPEM        []byte
	KeyPassphrase string
	CAPEM         []byte
	RequireClientCert bool
}

// BuildServerTLSConfig constructs a server-side *tls.Config from in-memory
// PEM materials, decrypting the private key first if KeyPassphrase is set.
func BuildServerTLSConfig(m TLSMaterial) (*tls.Config, error) {
	keyPEM := m.KeyPEM
	if m.KeyPassphrase != "" {
		decoded, err := decryptPEMKey(keyPEM, m.KeyPassphrase)
		if err != nil {
			return nil, errors.Wrap(err, "decrypt private key")
		}
		keyPEM = decoded
	}

	cert, err := tls.X509KeyPair(m.CertPEM, keyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "load key pair")
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if len(m.CAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(m.CAPEM) {
			return nil, errors.New("no certificates found in CA PEM")
		}
		cfg.ClientCAs = pool
		if m.RequireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	return cfg, nil
}

// BuildClientTLSConfig constructs a client-side *tls.Config trusting CAPEM
// when present, falling back to the system pool otherwise.
func BuildClientTLSConfig(m TLSMaterial) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if len(m.CAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(m.CAPEM) {
			return nil, errors.New("no certificates found in CA PEM")
		}
		cfg.RootCAs = pool
	}

	if len(m.CertPEM) > 0 && len(m.KeyPEM) > 0 {
		keyPEM := m.KeyPEM
		if m.KeyPassphrase != "" {
			decoded, err := decryptPEMKey(keyPEM, m.KeyPassphrase)
			if err != nil {
				return nil, errors.Wrap(err, "decrypt private key")
			}
			keyPEM = decoded
		}
		cert, err := tls.X509KeyPair(m.CertPEM, keyPEM)
		if err != nil {
			return nil, errors.Wrap(err, "load client key pair")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func decryptPEMKey(keyPEM []byte, passphrase string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	//lint:ignore SA1019 encrypted PEM keys are still produced by common
	// tooling; x509.DecryptPEMBlock remains the straightforward way to
	// handle them without hand-rolling PKCS#8 decryption.
	der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
	if err != nil {
		return nil, errors.Wrap(err, "decrypt PEM block")
	}

	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}
