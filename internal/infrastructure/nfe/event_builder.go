package nfe

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/jhoicas/nfe-api/internal/domain"
	pkgnfe "github.com/jhoicas/nfe-api/pkg/nfe"
)

// MaxEventSequence nSeqEvento admite 1..20.
const MaxEventSequence = 20

// EventID arma el Id de infEvento: "ID" + tpEvento + chave + nSeqEvento con 2 dígitos.
func EventID(eventType, accessKey string, seq int) string {
	return fmt.Sprintf("ID%s%s%02d", eventType, accessKey, seq)
}

// BuildCancellationEvent genera <evento versao="1.00"><infEvento Id="ID110111...">...</infEvento></evento>.
// xJust se normaliza (NFC) y se recorta a 255 caracteres; el recorte se informa en BuiltEvent.Truncated.
func (s *XMLBuilderService) BuildCancellationEvent(in CancellationEventInput) (*BuiltEvent, error) {
	if err := pkgnfe.ValidateAccessKey(in.AccessKey); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if !pkgnfe.IsValidUFCode(in.AuthorityCode) {
		return nil, fmt.Errorf("%w: cOrgao %q inválido", domain.ErrValidation, in.AuthorityCode)
	}
	if !pkgnfe.IsValidEnvironment(in.Environment) {
		return nil, fmt.Errorf("%w: tpAmb %q inválido", domain.ErrValidation, in.Environment)
	}
	if err := pkgnfe.ValidateCNPJ(in.CNPJ); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if len(pkgnfe.OnlyDigits(in.Protocol)) != 15 {
		return nil, fmt.Errorf("%w: nProt debe tener 15 dígitos", domain.ErrValidation)
	}
	if in.Sequence < 1 || in.Sequence > MaxEventSequence {
		return nil, fmt.Errorf("%w: nSeqEvento %d fuera de rango 1..%d", domain.ErrValidation, in.Sequence, MaxEventSequence)
	}
	just := normalizeText(in.Justification)
	if utf8.RuneCountInString(just) < pkgnfe.JustificationMinLength {
		return nil, fmt.Errorf("%w: justificativa debe tener al menos %d caracteres", domain.ErrValidation, pkgnfe.JustificationMinLength)
	}
	just, truncated := truncateRunes(just, pkgnfe.JustificationMaxLength)
	if truncated {
		s.log.Warn().
			Str("access_key", in.AccessKey).
			Int("max", pkgnfe.JustificationMaxLength).
			Msg("nfe: justificativa recortada al máximo del leiaute")
	}

	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	id := EventID(pkgnfe.EventCancellation, in.AccessKey, in.Sequence)

	var buf bytes.Buffer
	w := &invoiceWriter{enc: xml.NewEncoder(&buf)}
	w.start("evento", attr("xmlns", pkgnfe.NamespaceNFe), attr("versao", pkgnfe.EventSchemaVersion))
	w.start("infEvento", attr("Id", id))
	w.leaf("cOrgao", in.AuthorityCode)
	w.leaf("tpAmb", in.Environment)
	w.leaf("CNPJ", pkgnfe.OnlyDigits(in.CNPJ))
	w.leaf("chNFe", in.AccessKey)
	w.leaf("dhEvento", occurred.Format(dateTimeLayout))
	w.leaf("tpEvento", pkgnfe.EventCancellation)
	w.leaf("nSeqEvento", strconv.Itoa(in.Sequence))
	w.leaf("verEvento", pkgnfe.EventSchemaVersion)
	w.start("detEvento", attr("versao", pkgnfe.EventSchemaVersion))
	w.leaf("descEvento", pkgnfe.EventCancellationDescription)
	w.leaf("nProt", pkgnfe.OnlyDigits(in.Protocol))
	w.leaf("xJust", just)
	w.end("detEvento")
	w.end("infEvento")
	w.end("evento")
	if w.err != nil {
		return nil, fmt.Errorf("nfe: serializar evento: %w", w.err)
	}
	if err := w.enc.Flush(); err != nil {
		return nil, fmt.Errorf("nfe: serializar evento: %w", err)
	}

	return &BuiltEvent{XML: buf.Bytes(), EventID: id, Justification: just, Truncated: truncated}, nil
}
