package signer

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/ucarion/c14n"

	"github.com/jhoicas/nfe-api/internal/domain"
	pkgnfe "github.com/jhoicas/nfe-api/pkg/nfe"
)

// Verify método del servicio; delega en Verify.
func (s *DigitalSignatureService) Verify(signedXML []byte, ref pkgnfe.ReferenceKind) error {
	return Verify(signedXML, ref)
}

// Verify recalcula digest y firma del elemento ref con un canonicalizador independiente
// (ucarion/c14n sobre encoding/xml). Cualquier discrepancia devuelve domain.ErrSigning.
func Verify(signedXML []byte, ref pkgnfe.ReferenceKind) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signedXML); err != nil {
		return fmt.Errorf("%w: XML ilegible: %v", domain.ErrValidation, err)
	}
	target := findReference(doc.Root(), string(ref))
	if target == nil {
		return fmt.Errorf("%w: <%s Id=...> no encontrado", domain.ErrMissingReference, ref)
	}
	signature := nextElementSibling(target)
	if signature == nil || signature.Tag != "Signature" {
		return fmt.Errorf("%w: <Signature> ausente después de <%s>", domain.ErrSigning, ref)
	}

	signedInfo := signature.SelectElement("SignedInfo")
	if signedInfo == nil {
		return fmt.Errorf("%w: SignedInfo ausente", domain.ErrSigning)
	}
	if err := checkAlgorithms(signedInfo); err != nil {
		return err
	}
	reference := signedInfo.SelectElement("Reference")
	if uri := reference.SelectAttrValue("URI", ""); uri != "#"+target.SelectAttrValue(idAttribute, "") {
		return fmt.Errorf("%w: Reference URI %q no apunta a %s", domain.ErrSigning, uri, ref)
	}

	// 1) Digest
	canonical, err := canonicalizeElement(detached(target))
	if err != nil {
		return fmt.Errorf("%w: canonicalizar %s: %v", domain.ErrSigning, ref, err)
	}
	digest := sha1.Sum(canonical)
	declared := strings.TrimSpace(elementText(reference, "DigestValue"))
	if base64.StdEncoding.EncodeToString(digest[:]) != declared {
		return fmt.Errorf("%w: DigestValue no coincide", domain.ErrSigning)
	}

	// 2) Firma sobre SignedInfo
	cert, err := embeddedCertificate(signature)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: el certificado no tiene llave pública RSA", domain.ErrSigning)
	}
	si := signedInfo.Copy()
	if si.SelectAttr("xmlns") == nil {
		si.CreateAttr("xmlns", NamespaceDS)
	}
	canonicalSI, err := canonicalizeElement(si)
	if err != nil {
		return fmt.Errorf("%w: canonicalizar SignedInfo: %v", domain.ErrSigning, err)
	}
	sigValue, err := base64.StdEncoding.DecodeString(strings.TrimSpace(elementText(signature, "SignatureValue")))
	if err != nil {
		return fmt.Errorf("%w: SignatureValue no es base64", domain.ErrSigning)
	}
	siHash := sha1.Sum(canonicalSI)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, siHash[:], sigValue); err != nil {
		return fmt.Errorf("%w: SignatureValue inválido: %v", domain.ErrSigning, err)
	}
	return nil
}

// SignerCertificate devuelve el certificado embebido en la firma de ref.
func SignerCertificate(signedXML []byte, ref pkgnfe.ReferenceKind) (*x509.Certificate, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signedXML); err != nil {
		return nil, fmt.Errorf("%w: XML ilegible: %v", domain.ErrValidation, err)
	}
	target := findReference(doc.Root(), string(ref))
	if target == nil {
		return nil, fmt.Errorf("%w: <%s Id=...> no encontrado", domain.ErrMissingReference, ref)
	}
	signature := nextElementSibling(target)
	if signature == nil || signature.Tag != "Signature" {
		return nil, fmt.Errorf("%w: <Signature> ausente", domain.ErrSigning)
	}
	return embeddedCertificate(signature)
}

// canonicalizeElement serializa el elemento y lo pasa por ucarion/c14n.
func canonicalizeElement(el *etree.Element) ([]byte, error) {
	tmp := etree.NewDocument()
	tmp.SetRoot(el)
	raw, err := tmp.WriteToBytes()
	if err != nil {
		return nil, err
	}
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Entity = map[string]string{}
	return c14n.Canonicalize(dec)
}

func checkAlgorithms(signedInfo *etree.Element) error {
	expect := map[string]string{
		"CanonicalizationMethod": AlgC14N,
		"SignatureMethod":        AlgRSASHA1,
		"Reference/DigestMethod": AlgSHA1,
	}
	for path, alg := range expect {
		el := signedInfo.FindElement(path)
		if el == nil || el.SelectAttrValue("Algorithm", "") != alg {
			return fmt.Errorf("%w: %s debe ser %s", domain.ErrSigning, path, alg)
		}
	}
	if signedInfo.SelectElement("Reference") == nil {
		return fmt.Errorf("%w: Reference ausente", domain.ErrSigning)
	}
	return nil
}

func embeddedCertificate(signature *etree.Element) (*x509.Certificate, error) {
	el := signature.FindElement("KeyInfo/X509Data/X509Certificate")
	if el == nil {
		return nil, fmt.Errorf("%w: X509Certificate ausente", domain.ErrSigning)
	}
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(el.Text()))
	if err != nil {
		return nil, fmt.Errorf("%w: X509Certificate no es base64", domain.ErrSigning)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: X509Certificate inválido: %v", domain.ErrSigning, err)
	}
	return cert, nil
}

func elementText(parent *etree.Element, tag string) string {
	if el := parent.SelectElement(tag); el != nil {
		return el.Text()
	}
	return ""
}
