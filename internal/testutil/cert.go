package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

// CertFixture material de certificado de prueba (autofirmado, RSA 2048).
type CertFixture struct {
	Key     *rsa.PrivateKey
	Leaf    *x509.Certificate
	TLS     tls.Certificate
	CertPEM []byte
	KeyPEM  []byte
}

// NewCert genera un certificado e-CNPJ de prueba. CommonName sigue el formato ICP-Brasil "RAZAO:CNPJ".
func NewCert(t testing.TB, commonName string) *CertFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"ICP-Brasil"}, Country: []string{"BR"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &CertFixture{
		Key:     key,
		Leaf:    leaf,
		TLS:     tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf},
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
	}
}

// PFX empaqueta el certificado en un archivo PKCS#12 con cifrado legacy (3DES/RC2).
func (c *CertFixture) PFX(t testing.TB, password string) []byte {
	t.Helper()
	data, err := pkcs12.Legacy.Encode(c.Key, c.Leaf, nil, password)
	require.NoError(t, err)
	return data
}

// ModernPFX empaqueta con PBES2/AES (solo decodificable por go-pkcs12).
func (c *CertFixture) ModernPFX(t testing.TB, password string) []byte {
	t.Helper()
	data, err := pkcs12.Modern.Encode(c.Key, c.Leaf, nil, password)
	require.NoError(t, err)
	return data
}
