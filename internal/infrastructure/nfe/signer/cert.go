// Carga del certificado A1 (ICP-Brasil) desde .pfx (PKCS#12) o par PEM.

package signer

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	xpkcs12 "golang.org/x/crypto/pkcs12"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/jhoicas/nfe-api/internal/domain"
	pkgnfe "github.com/jhoicas/nfe-api/pkg/nfe"
)

// LoadFromPFX decodifica un archivo PKCS#12 en memoria. Intenta primero golang.org/x/crypto/pkcs12
// y, si falla, go-pkcs12 (cadenas con CA y cifrado PBES2/AES). Los mensajes de error nunca
// incluyen la contraseña.
func LoadFromPFX(archive []byte, password string) (tls.Certificate, error) {
	if len(archive) == 0 {
		return tls.Certificate{}, fmt.Errorf("%w: archivo PFX vacío", domain.ErrInvalidCertificate)
	}
	var (
		key   interface{}
		leaf  *x509.Certificate
		chain []*x509.Certificate
	)
	k, c, err := xpkcs12.Decode(archive, password)
	if err == nil {
		key, leaf = k, c
	} else {
		k, c, ca, err2 := pkcs12.DecodeChain(archive, password)
		if err2 != nil {
			return tls.Certificate{}, fmt.Errorf("%w: no se pudo decodificar el PFX (contraseña incorrecta o archivo corrupto): %v", domain.ErrInvalidCertificate, err2)
		}
		key, leaf, chain = k, c, ca
	}
	return assemble(key, leaf, chain)
}

// LoadFromPFXFile lee y decodifica un .pfx/.p12 del disco.
func LoadFromPFXFile(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: leer PFX: %v", domain.ErrInvalidCertificate, err)
	}
	return LoadFromPFX(data, password)
}

// LoadFromPEM carga certificado y llave desde archivos PEM (separados o combinados en certPath).
func LoadFromPEM(certPath, keyPath string) (tls.Certificate, error) {
	if keyPath == "" {
		keyPath = certPath
	}
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: cargar PEM: %v", domain.ErrInvalidCertificate, err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: parsear certificado: %v", domain.ErrInvalidCertificate, err)
	}
	var chain []*x509.Certificate
	for _, der := range pair.Certificate[1:] {
		if c, err := x509.ParseCertificate(der); err == nil {
			chain = append(chain, c)
		}
	}
	return assemble(pair.PrivateKey, leaf, chain)
}

// assemble exige llave RSA que corresponda al certificado y certificado vigente.
func assemble(key interface{}, leaf *x509.Certificate, chain []*x509.Certificate) (tls.Certificate, error) {
	if leaf == nil {
		return tls.Certificate{}, fmt.Errorf("%w: el archivo no contiene certificado", domain.ErrInvalidCertificate)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok || priv == nil {
		return tls.Certificate{}, fmt.Errorf("%w: se requiere llave privada RSA", domain.ErrInvalidCertificate)
	}
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&priv.PublicKey) {
		return tls.Certificate{}, fmt.Errorf("%w: la llave privada no corresponde al certificado", domain.ErrInvalidCertificate)
	}
	if now := time.Now(); now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return tls.Certificate{}, fmt.Errorf("%w: certificado fuera de vigencia (%s → %s)", domain.ErrInvalidCertificate,
			leaf.NotBefore.Format(time.DateOnly), leaf.NotAfter.Format(time.DateOnly))
	}
	out := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  priv,
		Leaf:        leaf,
	}
	for _, c := range chain {
		out.Certificate = append(out.Certificate, c.Raw)
	}
	return out, nil
}

// CNPJFromCertificate extrae el CNPJ del CommonName e-CNPJ ("RAZAO SOCIAL:12345678000195").
// Devuelve "" si el certificado no sigue el formato.
func CNPJFromCertificate(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	cn := cert.Subject.CommonName
	i := strings.LastIndex(cn, ":")
	if i < 0 {
		return ""
	}
	digits := pkgnfe.OnlyDigits(cn[i+1:])
	if len(digits) != 14 {
		return ""
	}
	return digits
}
