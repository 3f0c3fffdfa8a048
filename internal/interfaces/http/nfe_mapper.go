package http

import (
	"github.com/jhoicas/nfe-api/internal/application/dto"
	"github.com/jhoicas/nfe-api/internal/application/fiscal"
	"github.com/jhoicas/nfe-api/internal/domain/entity"
	infranfe "github.com/jhoicas/nfe-api/internal/infrastructure/nfe"
)

func toAggregate(in *dto.NFeRequest) *fiscal.InvoiceAggregate {
	agg := &fiscal.InvoiceAggregate{
		Emitter: entity.Emitter{
			CNPJ:                  in.Emitter.CNPJ,
			LegalName:             in.Emitter.LegalName,
			TradeName:             in.Emitter.TradeName,
			StateRegistration:     in.Emitter.StateRegistration,
			MunicipalRegistration: in.Emitter.MunicipalRegistration,
			Address:               toAddress(in.Emitter.Address),
			TaxRegime:             in.Emitter.TaxRegime,
			Environment:           in.Emitter.Environment,
		},
		Recipient: entity.Recipient{
			CNPJ:              in.Recipient.CNPJ,
			CPF:               in.Recipient.CPF,
			Name:              in.Recipient.Name,
			IEIndicator:       in.Recipient.IEIndicator,
			StateRegistration: in.Recipient.StateRegistration,
			Email:             in.Recipient.Email,
		},
		Series:         in.Series,
		Number:         in.Number,
		PaymentType:    in.PaymentType,
		NumericCode:    in.NumericCode,
		OperationName:  in.OperationName,
		AdditionalInfo: in.AdditionalInfo,
	}
	if in.Recipient.Address != nil {
		a := toAddress(*in.Recipient.Address)
		agg.Recipient.Address = &a
	}
	if in.IssuedAt != nil {
		agg.IssuedAt = *in.IssuedAt
	}
	agg.Items = make([]entity.LineItem, len(in.Items))
	for i, it := range in.Items {
		agg.Items[i] = entity.LineItem{
			Code:        it.Code,
			Description: it.Description,
			Kind:        it.Kind,
			GTIN:        it.GTIN,
			NCM:         it.NCM,
			ServiceCode: it.ServiceCode,
			CFOP:        it.CFOP,
			Unit:        it.Unit,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			TaxRate:     it.TaxRate,
			PISRate:     it.PISRate,
			COFINSRate:  it.COFINSRate,
			TaxCode:     it.TaxCode,
		}
	}
	return agg
}

func toAddress(a dto.AddressDTO) entity.Address {
	return entity.Address{
		Street:           a.Street,
		Number:           a.Number,
		Complement:       a.Complement,
		District:         a.District,
		MunicipalityCode: a.MunicipalityCode,
		MunicipalityName: a.MunicipalityName,
		UF:               a.UF,
		PostalCode:       a.PostalCode,
		Phone:            a.Phone,
	}
}

func toTotals(t entity.Totals) dto.TotalsDTO {
	return dto.TotalsDTO{
		Goods:    t.Goods,
		Services: t.Services,
		ICMSBase: t.ICMSBase,
		ICMS:     t.ICMS,
		ISS:      t.ISS,
		PIS:      t.PIS,
		COFINS:   t.COFINS,
		Total:    t.Total,
	}
}

func toProtocol(p *entity.AuthorizationProtocol) *dto.ProtocolDTO {
	if p == nil {
		return nil
	}
	return &dto.ProtocolDTO{
		Number:      p.Number,
		ReceivedAt:  p.ReceivedAt,
		StatusCode:  p.StatusCode,
		Message:     p.Message,
		DigestValue: p.DigestValue,
	}
}

func toPreview(b *infranfe.BuiltInvoice) dto.PreviewResponse {
	return dto.PreviewResponse{
		AccessKey:   b.AccessKey,
		NumericCode: b.NumericCode,
		CheckDigit:  b.CheckDigit,
		Totals:      toTotals(b.Totals),
		XML:         string(b.XML),
	}
}

func toIssue(r *fiscal.IssueResult) dto.IssueResponse {
	return dto.IssueResponse{
		DocumentID:   r.DocumentID,
		AccessKey:    r.AccessKey,
		Status:       r.Status,
		StatusCode:   r.StatusCode,
		StatusReason: r.StatusReason,
		Protocol:     toProtocol(r.Protocol),
	}
}

func toDocument(d *entity.InvoiceDocument, events []*entity.LifecycleEvent) dto.DocumentResponse {
	out := dto.DocumentResponse{
		ID:           d.ID,
		AccessKey:    d.AccessKey,
		Model:        d.Model,
		Series:       d.Series,
		Number:       d.Number,
		IssuedAt:     d.IssuedAt,
		Environment:  d.Environment,
		Status:       d.Status,
		StatusCode:   d.StatusCode,
		StatusReason: d.StatusReason,
		LotID:        d.LotID,
		Totals:       toTotals(d.Totals),
		Protocol:     toProtocol(d.Protocol),
		ArchivalXML:  d.ArchivalXML,
	}
	for _, ev := range events {
		out.Events = append(out.Events, dto.EventDTO{
			ID:            ev.ID,
			EventType:     ev.EventType,
			Sequence:      ev.Sequence,
			Justification: ev.Justification,
			Truncated:     ev.Truncated,
			Status:        ev.Status,
			StatusCode:    ev.StatusCode,
			StatusReason:  ev.StatusReason,
			Protocol:      toProtocol(ev.Protocol),
			CreatedAt:     ev.CreatedAt,
		})
	}
	return out
}

func toCancel(r *fiscal.CancelResult) dto.CancelResponse {
	return dto.CancelResponse{
		AccessKey:     r.AccessKey,
		Status:        r.Status,
		EventStatus:   r.EventStatus,
		Sequence:      r.Sequence,
		StatusCode:    r.StatusCode,
		StatusReason:  r.StatusReason,
		Truncated:     r.Truncated,
		EventProtocol: toProtocol(r.EventProtocol),
	}
}
