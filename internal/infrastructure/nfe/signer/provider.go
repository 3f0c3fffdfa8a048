package signer

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/jhoicas/nfe-api/internal/domain"
)

// FileProvider carga el certificado del disco en cada llamada: .pfx si PFXPath está definido,
// si no el par PEM (CertPath/KeyPath).
type FileProvider struct {
	PFXPath  string
	Password string
	CertPath string
	KeyPath  string
}

// Load devuelve material recién decodificado.
func (p *FileProvider) Load(ctx context.Context) (tls.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return tls.Certificate{}, err
	}
	switch {
	case p.PFXPath != "":
		return LoadFromPFXFile(p.PFXPath, p.Password)
	case p.CertPath != "":
		return LoadFromPEM(p.CertPath, p.KeyPath)
	default:
		return tls.Certificate{}, fmt.Errorf("%w: ruta de certificado no configurada", domain.ErrConfiguration)
	}
}

// StaticProvider guarda el PFX cifrado en memoria (p. ej. leído de un gestor de secretos)
// y lo decodifica en cada llamada.
type StaticProvider struct {
	archive  []byte
	password string
}

// NewStaticProvider crea el proveedor a partir de los bytes del PFX.
func NewStaticProvider(archive []byte, password string) *StaticProvider {
	return &StaticProvider{archive: append([]byte(nil), archive...), password: password}
}

// NewStaticProviderFromBase64 decodifica el PFX en base64 (NFE_CERT_BASE64).
func NewStaticProviderFromBase64(b64, password string) (*StaticProvider, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("%w: certificado base64 inválido", domain.ErrConfiguration)
	}
	return NewStaticProvider(raw, password), nil
}

// Load devuelve material recién decodificado.
func (p *StaticProvider) Load(ctx context.Context) (tls.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return tls.Certificate{}, err
	}
	return LoadFromPFX(p.archive, p.password)
}
