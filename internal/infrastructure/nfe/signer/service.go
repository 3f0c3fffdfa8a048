// Firma XML-DSig enveloped de la NF-e y de eventos: Reference al Id de infNFe/infEvento,
// digest SHA-1 sobre C14N inclusivo, RSA-SHA1 sobre SignedInfo y <Signature> como hermano
// siguiente del elemento firmado.

package signer

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/jhoicas/nfe-api/internal/domain"
	pkgnfe "github.com/jhoicas/nfe-api/pkg/nfe"
)

// DigitalSignatureService implementa pkg/nfe.Signer.
type DigitalSignatureService struct {
	canonicalizer dsig.Canonicalizer
}

// NewDigitalSignatureService crea el servicio con C14N 1.0 inclusivo.
func NewDigitalSignatureService() *DigitalSignatureService {
	return &DigitalSignatureService{canonicalizer: dsig.MakeC14N10RecCanonicalizer()}
}

var _ pkgnfe.Signer = (*DigitalSignatureService)(nil)

// Sign firma el elemento ref (infNFe o infEvento) y devuelve el documento con <Signature>.
// El documento de entrada nunca se modifica.
func (s *DigitalSignatureService) Sign(xmlBytes []byte, cert tls.Certificate, ref pkgnfe.ReferenceKind) ([]byte, error) {
	if len(xmlBytes) == 0 {
		return nil, fmt.Errorf("%w: XML vacío", domain.ErrValidation)
	}
	priv, leaf, err := signingMaterial(cert)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xmlBytes); err != nil {
		return nil, fmt.Errorf("%w: XML ilegible: %v", domain.ErrValidation, err)
	}
	target := findReference(doc.Root(), string(ref))
	if target == nil {
		return nil, fmt.Errorf("%w: <%s Id=...> no encontrado", domain.ErrMissingReference, ref)
	}
	id := target.SelectAttrValue(idAttribute, "")

	// 1) Digest del elemento referenciado (enveloped + C14N)
	canonical, err := s.canonicalizer.Canonicalize(detached(target))
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalizar %s: %v", domain.ErrSigning, ref, err)
	}
	digest := sha1.Sum(canonical)

	// 2) SignedInfo canonicalizado con el namespace heredado de <Signature>
	signedInfo := buildSignedInfo("#"+id, base64.StdEncoding.EncodeToString(digest[:]))
	siForHash := signedInfo.Copy()
	siForHash.CreateAttr("xmlns", NamespaceDS)
	canonicalSI, err := s.canonicalizer.Canonicalize(siForHash)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalizar SignedInfo: %v", domain.ErrSigning, err)
	}
	siHash := sha1.Sum(canonicalSI)
	sigValue, err := rsa.SignPKCS1v15(nil, priv, crypto.SHA1, siHash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: firmar SignedInfo: %v", domain.ErrSigning, err)
	}

	// 3) <Signature> completo como hermano siguiente del elemento firmado
	signature := etree.NewElement("Signature")
	signature.CreateAttr("xmlns", NamespaceDS)
	signature.AddChild(signedInfo)
	signature.CreateElement("SignatureValue").SetText(base64.StdEncoding.EncodeToString(sigValue))
	signature.CreateElement("KeyInfo").
		CreateElement("X509Data").
		CreateElement("X509Certificate").
		SetText(base64.StdEncoding.EncodeToString(leaf.Raw))

	return injectSignature(doc, target, signature)
}

// signingMaterial extrae la llave RSA y el certificado hoja, y verifica que correspondan.
func signingMaterial(cert tls.Certificate) (*rsa.PrivateKey, *x509.Certificate, error) {
	if len(cert.Certificate) == 0 {
		return nil, nil, fmt.Errorf("%w: certificado vacío", domain.ErrInvalidCertificate)
	}
	priv, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("%w: se requiere llave privada RSA", domain.ErrInvalidCertificate)
	}
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, nil, fmt.Errorf("%w: parsear certificado: %v", domain.ErrInvalidCertificate, err)
		}
	}
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&priv.PublicKey) {
		return nil, nil, fmt.Errorf("%w: la llave privada no corresponde al certificado", domain.ErrSigning)
	}
	return priv, leaf, nil
}

// findReference busca en profundidad el primer elemento con el nombre local dado y atributo Id.
func findReference(el *etree.Element, local string) *etree.Element {
	if el == nil {
		return nil
	}
	if el.Tag == local && el.SelectAttr(idAttribute) != nil {
		return el
	}
	for _, c := range el.ChildElements() {
		if found := findReference(c, local); found != nil {
			return found
		}
	}
	return nil
}

// detached copia el elemento para canonicalizarlo fuera de su documento. C14N inclusivo
// renderiza en el ápice todas las declaraciones de namespace en alcance (y los atributos xml:*
// heredados), así que se copian de los ancestros las que el elemento no redeclara. También
// elimina las firmas hijas (transformación enveloped).
func detached(el *etree.Element) *etree.Element {
	cp := el.Copy()
	for _, a := range inheritedContext(el) {
		if cp.SelectAttr(a.FullKey()) == nil {
			cp.CreateAttr(a.FullKey(), a.Value)
		}
	}
	for _, c := range cp.ChildElements() {
		if c.Tag == "Signature" {
			cp.RemoveChild(c)
		}
	}
	return cp
}

// inheritedContext devuelve las declaraciones xmlns / xmlns:* y los atributos xml:* de los
// ancestros, resolviendo cada clave al ancestro más cercano.
func inheritedContext(el *etree.Element) []etree.Attr {
	seen := map[string]bool{}
	var out []etree.Attr
	for p := el.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			isNS := a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns")
			if !isNS && a.Space != "xml" {
				continue
			}
			key := a.FullKey()
			if seen[key] {
				continue
			}
			seen[key] = true
			// xmlns="" anula el namespace por defecto: no hay nada que heredar.
			if key == "xmlns" && a.Value == "" {
				continue
			}
			out = append(out, a)
		}
	}
	return out
}

func buildSignedInfo(uri, digestB64 string) *etree.Element {
	si := etree.NewElement("SignedInfo")
	si.CreateElement("CanonicalizationMethod").CreateAttr("Algorithm", AlgC14N)
	si.CreateElement("SignatureMethod").CreateAttr("Algorithm", AlgRSASHA1)
	reference := si.CreateElement("Reference")
	reference.CreateAttr("URI", uri)
	transforms := reference.CreateElement("Transforms")
	transforms.CreateElement("Transform").CreateAttr("Algorithm", TransformEnveloped)
	transforms.CreateElement("Transform").CreateAttr("Algorithm", AlgC14N)
	reference.CreateElement("DigestMethod").CreateAttr("Algorithm", AlgSHA1)
	reference.CreateElement("DigestValue").SetText(digestB64)
	return si
}

// injectSignature inserta <Signature> justo después del elemento firmado, reemplazando
// una firma previa en esa posición.
func injectSignature(doc *etree.Document, target, signature *etree.Element) ([]byte, error) {
	parent := target.Parent()
	if parent == nil {
		return nil, fmt.Errorf("%w: el elemento firmado no puede ser la raíz", domain.ErrSigning)
	}
	if next := nextElementSibling(target); next != nil && next.Tag == "Signature" {
		parent.RemoveChild(next)
	}
	parent.InsertChildAt(target.Index()+1, signature)

	doc.WriteSettings.CanonicalEndTags = true
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: serializar: %v", domain.ErrSigning, err)
	}
	return out, nil
}

func nextElementSibling(el *etree.Element) *etree.Element {
	parent := el.Parent()
	if parent == nil {
		return nil
	}
	for _, tok := range parent.Child[el.Index()+1:] {
		if e, ok := tok.(*etree.Element); ok {
			return e
		}
	}
	return nil
}
