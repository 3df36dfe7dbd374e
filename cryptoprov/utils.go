package cryptoprov

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"strings"

	"github.com/effective-security/signer/certutil"
	"github.com/pkg/errors"
)

// LoadTLSKeyPair reads and parses a public/private key pair from a pair of
// PEM files, used to configure the mTLS client used to reach a KMIP
// appliance. On successful return, Certificate.Leaf holds the parsed first
// certificate.
func LoadTLSKeyPair(certFile, keyFile string) (*tls.Certificate, error) {
	certPEMBlock, err := os.ReadFile(certFile)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	keyPEMBlock, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return TLSKeyPair(certPEMBlock, keyPEMBlock)
}

// TLSKeyPair parses a public/private key pair from a pair of PEM encoded
// byte slices. On successful return, Certificate.Leaf holds the parsed first
// certificate.
func TLSKeyPair(certPEMBlock, keyPEMBlock []byte) (*tls.Certificate, error) {
	var err error
	var skippedBlockTypes []string

	cert := &tls.Certificate{}

	for {
		var certDERBlock *pem.Block
		certDERBlock, certPEMBlock = pem.Decode(certPEMBlock)
		if certDERBlock == nil {
			break
		}
		if certDERBlock.Type == "CERTIFICATE" {
			cert.Certificate = append(cert.Certificate, certDERBlock.Bytes)
		} else {
			skippedBlockTypes = append(skippedBlockTypes, certDERBlock.Type)
		}
	}

	if len(cert.Certificate) == 0 {
		if len(skippedBlockTypes) == 0 {
			return nil, errors.New("tls: failed to find any PEM data in certificate input")
		}
		if len(skippedBlockTypes) == 1 && strings.HasSuffix(skippedBlockTypes[0], "PRIVATE KEY") {
			return nil, errors.New("tls: failed to find certificate PEM data in certificate input, but did find a private key; PEM inputs may have been switched")
		}
		return nil, errors.Errorf("tls: failed to find \"CERTIFICATE\" PEM block in certificate input after skipping PEM blocks of the following types: %v", skippedBlockTypes)
	}

	// We don't need to parse the certificate for TLS, but we do anyway to
	// check that it looks sane. It is not checked against the private key.
	cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cert.PrivateKey, err = certutil.ParsePrivateKeyPEM(keyPEMBlock)
	if err != nil {
		return nil, err
	}

	return cert, nil
}
