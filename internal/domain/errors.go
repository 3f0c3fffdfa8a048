package domain

import (
	"errors"
	"fmt"
)

// Errores de dominio (sin dependencias externas).
var (
	ErrNotFound     = errors.New("recurso no encontrado")
	ErrInvalidInput = errors.New("entrada inválida")
	ErrDuplicate    = errors.New("recurso duplicado")
	ErrConflict     = errors.New("conflicto con el estado actual")
)

// Taxonomía de errores del ciclo de emisión NF-e.
var (
	// ErrValidation campos faltantes o mal formados; siempre local, nunca llega a la red.
	ErrValidation = errors.New("nfe: validación")
	// ErrMissingReference el XML no contiene el elemento referenciado con atributo Id.
	ErrMissingReference = errors.New("nfe: elemento referenciado ausente")
	// ErrSigning falla criptográfica al construir la firma (no reintentable sin corregir la entrada).
	ErrSigning = errors.New("nfe: error de firma")
	// ErrInvalidCertificate PFX corrupto, contraseña incorrecta o sin llave privada utilizable.
	ErrInvalidCertificate = errors.New("nfe: certificado inválido")
	// ErrTransport error de red o timeout; el llamador decide si reintenta.
	ErrTransport = errors.New("nfe: error de transporte")
	// ErrAuthorityRejection rechazo definitivo de la SEFAZ.
	ErrAuthorityRejection = errors.New("nfe: rechazada por la autoridad")
	// ErrAuthorityDenial uso denegado por la SEFAZ.
	ErrAuthorityDenial = errors.New("nfe: uso denegado por la autoridad")
	// ErrInvalidTransition transición de estado no permitida (error de uso).
	ErrInvalidTransition = errors.New("nfe: transición de estado inválida")
	// ErrConfiguration configuración ausente o inválida (no reintentable).
	ErrConfiguration = errors.New("nfe: configuración inválida")
)

// AuthorityError conserva el cStat y xMotivo literales de la SEFAZ para auditoría.
type AuthorityError struct {
	Kind    error // ErrAuthorityRejection o ErrAuthorityDenial
	Code    string
	Message string
}

func (e *AuthorityError) Error() string {
	return fmt.Sprintf("%s: [%s] %s", e.Kind, e.Code, e.Message)
}

func (e *AuthorityError) Unwrap() error { return e.Kind }

// IsRetryable indica si el llamador puede reintentar la operación tal cual.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
