// Package nfe: interfaz para firma digital de documentos XML (XML-DSig, padrão NF-e).

package nfe

import "crypto/tls"

// ReferenceKind nombre local del elemento firmado (el que lleva el atributo Id).
type ReferenceKind string

const (
	ReferenceInvoice ReferenceKind = "infNFe"
	ReferenceEvent   ReferenceKind = "infEvento"
)

// Signer firma un XML y devuelve el documento con <Signature> como hermano del elemento referenciado.
type Signer interface {
	// Sign toma el XML sin firma, el certificado con llave privada y el elemento a firmar,
	// y retorna el XML completo con la firma insertada.
	Sign(xmlBytes []byte, cert tls.Certificate, ref ReferenceKind) ([]byte, error)
}
