package nfe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/nfe-api/internal/domain"
	"github.com/jhoicas/nfe-api/internal/domain/entity"
	pkgnfe "github.com/jhoicas/nfe-api/pkg/nfe"
)

// MaxItems límite de ítems det por NF-e.
const MaxItems = 990

// ValidateEmitter valida los campos del emisor exigidos por el leiaute 4.00.
// needsMunicipalRegistration = true cuando la nota tiene servicios (grupo ISSQN).
func ValidateEmitter(e *entity.Emitter, needsMunicipalRegistration bool) error {
	if e == nil {
		return fmt.Errorf("%w: emisor nulo", domain.ErrValidation)
	}
	var errs []error
	if err := pkgnfe.ValidateCNPJ(e.CNPJ); err != nil {
		errs = append(errs, fmt.Errorf("emisor: %w", err))
	}
	if strings.TrimSpace(e.LegalName) == "" {
		errs = append(errs, errors.New("emisor: razón social (xNome) obligatoria"))
	}
	if strings.TrimSpace(e.StateRegistration) == "" {
		errs = append(errs, errors.New("emisor: inscripción estadual (IE) obligatoria"))
	}
	if needsMunicipalRegistration && strings.TrimSpace(e.MunicipalRegistration) == "" {
		errs = append(errs, errors.New("emisor: inscripción municipal (IM) obligatoria para servicios"))
	}
	if !pkgnfe.ValidCRT[e.TaxRegime] {
		errs = append(errs, fmt.Errorf("emisor: CRT %q inválido", e.TaxRegime))
	}
	if !pkgnfe.IsValidEnvironment(e.Environment) {
		errs = append(errs, fmt.Errorf("emisor: ambiente %q inválido (1 o 2)", e.Environment))
	}
	errs = append(errs, validateAddress("emisor", &e.Address)...)
	return joinValidation(errs)
}

// ValidateRecipient valida el destinatario.
func ValidateRecipient(r *entity.Recipient) error {
	if r == nil {
		return fmt.Errorf("%w: destinatario nulo", domain.ErrValidation)
	}
	var errs []error
	switch {
	case r.CNPJ != "" && r.CPF != "":
		errs = append(errs, errors.New("destinatario: informar CNPJ o CPF, no ambos"))
	case r.CNPJ != "":
		if err := pkgnfe.ValidateCNPJ(r.CNPJ); err != nil {
			errs = append(errs, fmt.Errorf("destinatario: %w", err))
		}
	case r.CPF != "":
		if err := pkgnfe.ValidateCPF(r.CPF); err != nil {
			errs = append(errs, fmt.Errorf("destinatario: %w", err))
		}
	default:
		errs = append(errs, errors.New("destinatario: CNPJ o CPF obligatorio"))
	}
	if strings.TrimSpace(r.Name) == "" {
		errs = append(errs, errors.New("destinatario: nombre obligatorio"))
	}
	switch r.IEIndicator {
	case "", pkgnfe.IENaoContribuinte, pkgnfe.IEContribuinteIsento:
	case pkgnfe.IEContribuinte:
		if strings.TrimSpace(r.StateRegistration) == "" {
			errs = append(errs, errors.New("destinatario: IE obligatoria para contribuyente (indIEDest=1)"))
		}
	default:
		errs = append(errs, fmt.Errorf("destinatario: indIEDest %q inválido", r.IEIndicator))
	}
	if r.Address != nil {
		errs = append(errs, validateAddress("destinatario", r.Address)...)
	}
	return joinValidation(errs)
}

// ValidateItems valida las líneas y completa Subtotal cuando viene vacío.
// Subtotal = Quantity × UnitPrice redondeado a 2 decimales; si viene informado y difiere, es error.
func ValidateItems(items []entity.LineItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: la nota debe tener al menos un ítem", domain.ErrValidation)
	}
	if len(items) > MaxItems {
		return fmt.Errorf("%w: máximo %d ítems, se recibieron %d", domain.ErrValidation, MaxItems, len(items))
	}
	var errs []error
	for i := range items {
		it := &items[i]
		n := i + 1
		if strings.TrimSpace(it.Code) == "" || strings.TrimSpace(it.Description) == "" {
			errs = append(errs, fmt.Errorf("ítem %d: código y descripción obligatorios", n))
		}
		switch it.Kind {
		case entity.ItemKindGoods:
			if len(pkgnfe.OnlyDigits(it.NCM)) != 8 {
				errs = append(errs, fmt.Errorf("ítem %d: NCM debe tener 8 dígitos", n))
			}
		case entity.ItemKindService:
			if strings.TrimSpace(it.ServiceCode) == "" {
				errs = append(errs, fmt.Errorf("ítem %d: cListServ obligatorio para servicios", n))
			}
		default:
			errs = append(errs, fmt.Errorf("ítem %d: tipo %q inválido (GOODS|SERVICE)", n, it.Kind))
		}
		if len(pkgnfe.OnlyDigits(it.CFOP)) != 4 {
			errs = append(errs, fmt.Errorf("ítem %d: CFOP debe tener 4 dígitos", n))
		}
		if strings.TrimSpace(it.Unit) == "" {
			errs = append(errs, fmt.Errorf("ítem %d: unidad comercial obligatoria", n))
		}
		if !it.Quantity.IsPositive() {
			errs = append(errs, fmt.Errorf("ítem %d: cantidad debe ser mayor que cero", n))
		}
		if it.UnitPrice.IsNegative() {
			errs = append(errs, fmt.Errorf("ítem %d: precio unitario negativo", n))
		}
		for name, rate := range map[string]decimal.Decimal{"alícuota": it.TaxRate, "PIS": it.PISRate, "COFINS": it.COFINSRate} {
			if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
				errs = append(errs, fmt.Errorf("ítem %d: %s fuera de rango [0,1]", n, name))
			}
		}
		expected := LineSubtotal(it.Quantity, it.UnitPrice)
		if it.Subtotal.IsZero() {
			it.Subtotal = expected
		} else if !it.Subtotal.Equal(expected) {
			errs = append(errs, fmt.Errorf("ítem %d: subtotal %s no coincide con cantidad × precio (%s)", n, it.Subtotal.StringFixed(2), expected.StringFixed(2)))
		}
	}
	return joinValidation(errs)
}

// HasServices indica si alguna línea es servicio.
func HasServices(items []entity.LineItem) bool {
	for _, it := range items {
		if it.Kind == entity.ItemKindService {
			return true
		}
	}
	return false
}

// LineSubtotal = cantidad × precio, 2 decimales (half-up).
func LineSubtotal(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price).Round(2)
}

// LineTax impuesto de la línea: base × alícuota, 2 decimales.
func LineTax(base, rate decimal.Decimal) decimal.Decimal {
	return base.Mul(rate).Round(2)
}

// ComputeTotals suma los totales de la nota. En Simples Nacional el ICMS no se destaca.
// Los tributos van incluidos en el precio, por eso vNF = vProd + vServ.
func ComputeTotals(items []entity.LineItem, taxRegime string) entity.Totals {
	var t entity.Totals
	for _, it := range items {
		sub := it.Subtotal
		if sub.IsZero() {
			sub = LineSubtotal(it.Quantity, it.UnitPrice)
		}
		if it.Kind == entity.ItemKindService {
			t.Services = t.Services.Add(sub)
			t.ISS = t.ISS.Add(LineTax(sub, it.TaxRate))
		} else {
			t.Goods = t.Goods.Add(sub)
			if taxRegime == pkgnfe.CRTRegimeNormal && it.TaxRate.IsPositive() {
				t.ICMSBase = t.ICMSBase.Add(sub)
				t.ICMS = t.ICMS.Add(LineTax(sub, it.TaxRate))
			}
		}
		t.PIS = t.PIS.Add(LineTax(sub, it.PISRate))
		t.COFINS = t.COFINS.Add(LineTax(sub, it.COFINSRate))
	}
	t.Total = t.Goods.Add(t.Services)
	return t
}

func validateAddress(who string, a *entity.Address) []error {
	var errs []error
	if strings.TrimSpace(a.Street) == "" || strings.TrimSpace(a.Number) == "" || strings.TrimSpace(a.District) == "" {
		errs = append(errs, fmt.Errorf("%s: logradouro, número y bairro obligatorios", who))
	}
	if len(pkgnfe.OnlyDigits(a.MunicipalityCode)) != 7 {
		errs = append(errs, fmt.Errorf("%s: cMun debe tener 7 dígitos", who))
	}
	if strings.TrimSpace(a.MunicipalityName) == "" {
		errs = append(errs, fmt.Errorf("%s: nombre del municipio obligatorio", who))
	}
	if _, ok := pkgnfe.UFCodes[strings.ToUpper(a.UF)]; !ok {
		errs = append(errs, fmt.Errorf("%s: UF %q inválida", who, a.UF))
	}
	if a.PostalCode != "" && len(pkgnfe.OnlyDigits(a.PostalCode)) != 8 {
		errs = append(errs, fmt.Errorf("%s: CEP debe tener 8 dígitos", who))
	}
	return errs
}

func joinValidation(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{domain.ErrValidation}, errs...)...)
}
