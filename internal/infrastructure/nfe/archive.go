package nfe

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/jhoicas/nfe-api/internal/domain/entity"
	pkgnfe "github.com/jhoicas/nfe-api/pkg/nfe"
)

// ComposeInvoiceArchive arma el nfeProc por concatenación: el <NFe> firmado y el <protNFe>
// se copian byte a byte; re-serializarlos invalidaría la firma.
func ComposeInvoiceArchive(signedNFe []byte, protNFe string) (string, error) {
	nfe := strings.TrimSpace(string(StripDeclaration(signedNFe)))
	prot := strings.TrimSpace(protNFe)
	if !strings.HasPrefix(nfe, "<NFe") {
		return "", fmt.Errorf("nfe: el XML firmado no comienza con <NFe>")
	}
	if !strings.HasPrefix(prot, "<protNFe") {
		return "", fmt.Errorf("nfe: protocolo vacío o sin <protNFe>")
	}
	var b strings.Builder
	b.Grow(len(nfe) + len(prot) + 128)
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<nfeProc versao="` + pkgnfe.SchemaVersion + `" xmlns="` + pkgnfe.NamespaceNFe + `">`)
	b.WriteString(nfe)
	b.WriteString(prot)
	b.WriteString(`</nfeProc>`)
	return b.String(), nil
}

// ComposeEventArchive arma el procEventoNFe: <evento> firmado + <retEvento> tal como llegó.
func ComposeEventArchive(signedEvent []byte, retEvento string) (string, error) {
	ev := strings.TrimSpace(string(StripDeclaration(signedEvent)))
	ret := strings.TrimSpace(retEvento)
	if !strings.HasPrefix(ev, "<evento") {
		return "", fmt.Errorf("nfe: el XML firmado no comienza con <evento>")
	}
	if !strings.HasPrefix(ret, "<retEvento") {
		return "", fmt.Errorf("nfe: retorno vacío o sin <retEvento>")
	}
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<procEventoNFe versao="` + pkgnfe.EventSchemaVersion + `" xmlns="` + pkgnfe.NamespaceNFe + `">`)
	b.WriteString(ev)
	b.WriteString(ret)
	b.WriteString(`</procEventoNFe>`)
	return b.String(), nil
}

// StripDeclaration quita la declaración <?xml ...?> inicial, si existe.
func StripDeclaration(doc []byte) []byte {
	d := bytes.TrimLeft(doc, " \t\r\n\ufeff")
	if bytes.HasPrefix(d, []byte("<?xml")) {
		if i := bytes.Index(d, []byte("?>")); i >= 0 {
			return d[i+2:]
		}
	}
	return d
}

// ExtractProtocol recupera los campos del protocolo de un nfeProc o de un <protNFe> suelto.
func ExtractProtocol(archive string) (*entity.AuthorizationProtocol, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(archive); err != nil {
		return nil, fmt.Errorf("nfe: XML de archivo inválido: %w", err)
	}
	inf := doc.FindElement(".//infProt")
	if inf == nil {
		return nil, fmt.Errorf("nfe: el XML no contiene protNFe/infProt")
	}
	return protocolFromInfo(inf)
}

// ExtractEventProtocol recupera el protocolo de un procEventoNFe o de un <retEvento> suelto.
func ExtractEventProtocol(archive string) (*entity.AuthorizationProtocol, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(archive); err != nil {
		return nil, fmt.Errorf("nfe: XML de archivo inválido: %w", err)
	}
	inf := doc.FindElement(".//retEvento/infEvento")
	if inf == nil {
		return nil, fmt.Errorf("nfe: el XML no contiene retEvento/infEvento")
	}
	p := &entity.AuthorizationProtocol{
		Number:     childText(inf, "nProt"),
		StatusCode: childText(inf, "cStat"),
		Message:    childText(inf, "xMotivo"),
	}
	if ts := childText(inf, "dhRegEvento"); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("nfe: dhRegEvento inválido: %w", err)
		}
		p.ReceivedAt = t.UTC()
	}
	return p, nil
}

func protocolFromInfo(inf *etree.Element) (*entity.AuthorizationProtocol, error) {
	p := &entity.AuthorizationProtocol{
		Number:      childText(inf, "nProt"),
		StatusCode:  childText(inf, "cStat"),
		Message:     childText(inf, "xMotivo"),
		DigestValue: childText(inf, "digVal"),
	}
	if ts := childText(inf, "dhRecbto"); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("nfe: dhRecbto inválido: %w", err)
		}
		p.ReceivedAt = t.UTC()
	}
	return p, nil
}

func childText(el *etree.Element, tag string) string {
	if c := el.SelectElement(tag); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

// SignedDigestValue devuelve el DigestValue de la firma de un <NFe> o <evento> firmado;
// es el valor que la SEFAZ devuelve como digVal en el protocolo.
func SignedDigestValue(signed []byte) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed); err != nil {
		return "", fmt.Errorf("nfe: XML firmado ilegible: %w", err)
	}
	dv := doc.FindElement("//Signature/SignedInfo/Reference/DigestValue")
	if dv == nil {
		return "", fmt.Errorf("nfe: XML sin DigestValue")
	}
	return strings.TrimSpace(dv.Text()), nil
}
