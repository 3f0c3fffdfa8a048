// Package nfe: cálculo de la chave de acesso (clave de acceso de 44 dígitos) de la NF-e modelo 55,
// según el Manual de Orientação do Contribuinte (MOC) 7.0, layout 4.00.
// Composición: cUF + AAMM + CNPJ + mod + serie + nNF + tpEmis + cNF + cDV (módulo 11).

package nfe

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// AccessKeyLength longitud fija de la chave de acesso.
const AccessKeyLength = 44

// ErrInvalidAccessKey se devuelve cuando los datos de entrada o la clave no cumplen el formato.
var ErrInvalidAccessKey = errors.New("nfe: chave de acesso inválida")

// AccessKeyParams contiene los datos para calcular la chave de acesso en el orden del MOC.
type AccessKeyParams struct {
	UFCode       string    // cUF: código IBGE de la UF del emisor (2 dígitos)
	IssuedAt     time.Time // dhEmi; se usa AAMM en la zona horaria del propio valor
	CNPJ         string    // CNPJ del emisor (se extraen solo dígitos, 14)
	Model        string    // mod: "55" (NF-e) o "65" (NFC-e)
	Series       int       // serie 0..999
	Number       int       // nNF 1..999999999
	EmissionType string    // tpEmis: "1" = normal
	NumericCode  string    // cNF (8 dígitos). Vacío = derivado de forma determinista
}

// AccessKey resultado del cálculo.
type AccessKey struct {
	Key         string // 44 dígitos
	NumericCode string // cNF usado
	CheckDigit  int    // cDV
}

// BuildAccessKey arma la chave de acesso. Es una función pura: mismas entradas, misma clave.
func BuildAccessKey(p *AccessKeyParams) (*AccessKey, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: parámetros obligatorios", ErrInvalidAccessKey)
	}
	uf := onlyDigits(p.UFCode)
	if len(uf) != 2 || !IsValidUFCode(uf) {
		return nil, fmt.Errorf("%w: cUF %q desconocido", ErrInvalidAccessKey, p.UFCode)
	}
	if p.IssuedAt.IsZero() {
		return nil, fmt.Errorf("%w: fecha de emisión obligatoria", ErrInvalidAccessKey)
	}
	cnpj := onlyDigits(p.CNPJ)
	if len(cnpj) != 14 {
		return nil, fmt.Errorf("%w: CNPJ debe tener 14 dígitos, se recibieron %d", ErrInvalidAccessKey, len(cnpj))
	}
	model := p.Model
	if model == "" {
		model = ModelNFe
	}
	if model != ModelNFe && model != ModelNFCe {
		return nil, fmt.Errorf("%w: modelo %q no soportado", ErrInvalidAccessKey, model)
	}
	if p.Series < 0 || p.Series > 999 {
		return nil, fmt.Errorf("%w: serie fuera de rango (0-999): %d", ErrInvalidAccessKey, p.Series)
	}
	if p.Number < 1 || p.Number > 999999999 {
		return nil, fmt.Errorf("%w: número fuera de rango (1-999999999): %d", ErrInvalidAccessKey, p.Number)
	}
	tpEmis := p.EmissionType
	if tpEmis == "" {
		tpEmis = EmissionNormal
	}
	if len(tpEmis) != 1 || tpEmis[0] < '1' || tpEmis[0] > '9' {
		return nil, fmt.Errorf("%w: tpEmis %q inválido", ErrInvalidAccessKey, tpEmis)
	}
	aamm := p.IssuedAt.Format("0601")

	cnf := p.NumericCode
	if cnf == "" {
		cnf = DeriveNumericCode(cnpj, aamm, p.Series, p.Number)
	}
	if len(cnf) != 8 || onlyDigits(cnf) != cnf {
		return nil, fmt.Errorf("%w: cNF debe tener 8 dígitos", ErrInvalidAccessKey)
	}

	base := uf + aamm + cnpj + model +
		fmt.Sprintf("%03d", p.Series) +
		fmt.Sprintf("%09d", p.Number) +
		tpEmis + cnf

	dv, err := CheckDigit(base)
	if err != nil {
		return nil, err
	}
	return &AccessKey{
		Key:         base + strconv.Itoa(dv),
		NumericCode: cnf,
		CheckDigit:  dv,
	}, nil
}

// CheckDigit calcula el dígito verificador módulo 11 sobre los 43 primeros dígitos.
// Pesos 2..9 aplicados de derecha a izquierda; resto 0 o 1 → 0, en otro caso 11 - resto.
func CheckDigit(digits string) (int, error) {
	if len(digits) != AccessKeyLength-1 || onlyDigits(digits) != digits {
		return 0, fmt.Errorf("%w: se esperan 43 dígitos, se recibieron %q", ErrInvalidAccessKey, digits)
	}
	sum := 0
	weight := 2
	for i := len(digits) - 1; i >= 0; i-- {
		sum += int(digits[i]-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}
	rem := sum % 11
	if rem < 2 {
		return 0, nil
	}
	return 11 - rem, nil
}

// ValidateAccessKey comprueba longitud, dígitos, cUF y dígito verificador.
func ValidateAccessKey(key string) error {
	if len(key) != AccessKeyLength || onlyDigits(key) != key {
		return fmt.Errorf("%w: debe tener 44 dígitos numéricos", ErrInvalidAccessKey)
	}
	if !IsValidUFCode(key[:2]) {
		return fmt.Errorf("%w: cUF %q desconocido", ErrInvalidAccessKey, key[:2])
	}
	dv, err := CheckDigit(key[:43])
	if err != nil {
		return err
	}
	if int(key[43]-'0') != dv {
		return fmt.Errorf("%w: dígito verificador esperado %d, recibido %c", ErrInvalidAccessKey, dv, key[43])
	}
	return nil
}

// DeriveNumericCode genera el cNF (código numérico de 8 dígitos) a partir de los datos de la nota.
// La SEFAZ rechaza cNF igual a nNF, por eso se desplaza en una unidad cuando coinciden.
func DeriveNumericCode(cnpj, aamm string, series, number int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%03d|%09d", onlyDigits(cnpj), aamm, series, number)))
	n := binary.BigEndian.Uint64(h[:8]) % 100000000
	if n == uint64(number)%100000000 {
		n = (n + 1) % 100000000
	}
	return fmt.Sprintf("%08d", n)
}

// AccessKeyParts descompone una chave de acesso válida en sus campos.
type AccessKeyParts struct {
	UFCode       string
	YearMonth    string
	CNPJ         string
	Model        string
	Series       int
	Number       int
	EmissionType string
	NumericCode  string
	CheckDigit   int
}

// ParseAccessKey valida y descompone la clave.
func ParseAccessKey(key string) (*AccessKeyParts, error) {
	if err := ValidateAccessKey(key); err != nil {
		return nil, err
	}
	series, _ := strconv.Atoi(key[22:25])
	number, _ := strconv.Atoi(key[25:34])
	return &AccessKeyParts{
		UFCode:       key[0:2],
		YearMonth:    key[2:6],
		CNPJ:         key[6:20],
		Model:        key[20:22],
		Series:       series,
		Number:       number,
		EmissionType: key[34:35],
		NumericCode:  key[35:43],
		CheckDigit:   int(key[43] - '0'),
	}, nil
}

// onlyDigits deja solo dígitos 0-9.
func onlyDigits(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b = append(b, s[i])
		}
	}
	return string(b)
}

// OnlyDigits versión exportada para CNPJ/CPF/CEP.
func OnlyDigits(s string) string { return onlyDigits(s) }
