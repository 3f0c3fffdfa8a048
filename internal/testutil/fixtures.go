// Package testutil agrupa fixtures compartidos por los tests de varios paquetes.
package testutil

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/nfe-api/internal/domain/entity"
)

// Datos del emisor de prueba (CNPJ con dígitos verificadores válidos).
const (
	EmitterCNPJ   = "12345678000195"
	RecipientCNPJ = "11222333000181"
	RecipientCPF  = "52998224725"
)

// BRT zona horaria fija de Brasília (UTC-3).
var BRT = time.FixedZone("BRT", -3*60*60)

// IssuedAt fecha de emisión fija de los escenarios.
func IssuedAt() time.Time {
	return time.Date(2024, 1, 15, 10, 30, 0, 0, BRT)
}

// Emitter emisor válido en SP, régimen normal, homologación.
func Emitter() entity.Emitter {
	return entity.Emitter{
		CNPJ:              EmitterCNPJ,
		LegalName:         "Comercial Exemplo Ltda",
		TradeName:         "Exemplo",
		StateRegistration: "123456789012",
		Address: entity.Address{
			Street:           "Avenida Paulista",
			Number:           "1000",
			District:         "Bela Vista",
			MunicipalityCode: "3550308",
			MunicipalityName: "São Paulo",
			UF:               "SP",
			PostalCode:       "01310100",
			Phone:            "1133334444",
		},
		TaxRegime:   "3",
		Environment: "2",
	}
}

// Recipient destinatario persona jurídica no contribuyente.
func Recipient() entity.Recipient {
	return entity.Recipient{
		CNPJ:        RecipientCNPJ,
		Name:        "Cliente Teste S.A.",
		IEIndicator: "9",
		Address: &entity.Address{
			Street:           "Rua das Flores",
			Number:           "50",
			District:         "Centro",
			MunicipalityCode: "3304557",
			MunicipalityName: "Rio de Janeiro",
			UF:               "RJ",
			PostalCode:       "20010000",
		},
	}
}

// GoodsItem una línea de bienes: 2 × 50.00 = 100.00, ICMS 18%.
func GoodsItem() entity.LineItem {
	return entity.LineItem{
		Code:        "P-001",
		Description: "Produto de teste",
		Kind:        entity.ItemKindGoods,
		NCM:         "84713012",
		CFOP:        "6102",
		Unit:        "UN",
		Quantity:    decimal.NewFromInt(2),
		UnitPrice:   decimal.RequireFromString("50.00"),
		TaxRate:     decimal.RequireFromString("0.18"),
		PISRate:     decimal.RequireFromString("0.0165"),
		COFINSRate:  decimal.RequireFromString("0.076"),
		TaxCode:     "00",
	}
}

// ServiceItem una línea de servicio con ISS 5%.
func ServiceItem() entity.LineItem {
	return entity.LineItem{
		Code:        "S-001",
		Description: "Consultoria",
		Kind:        entity.ItemKindService,
		ServiceCode: "17.01",
		CFOP:        "6933",
		Unit:        "HR",
		Quantity:    decimal.NewFromInt(3),
		UnitPrice:   decimal.RequireFromString("120.00"),
		TaxRate:     decimal.RequireFromString("0.05"),
	}
}
