package nfe

import (
	"fmt"
	"unicode"
)

// pesos para el dígito verificador del CNPJ (Receita Federal), aplicados de izquierda a derecha.
var (
	cnpjWeights1 = [12]int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	cnpjWeights2 = [13]int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
)

// ValidateCNPJ valida que el CNPJ (con o sin puntuación) tenga 14 dígitos y DV correctos.
// Acepta "12.345.678/0001-95" o "12345678000195".
func ValidateCNPJ(cnpj string) error {
	d := extractDigits(cnpj)
	if len(d) != 14 {
		return fmt.Errorf("nfe: CNPJ debe tener 14 dígitos, se encontraron %d", len(d))
	}
	if allEqual(d) {
		return fmt.Errorf("nfe: CNPJ con dígitos repetidos")
	}
	dv1 := mod11Digit(d[:12], cnpjWeights1[:])
	dv2 := mod11Digit(d[:13], cnpjWeights2[:])
	if d[12] != dv1 || d[13] != dv2 {
		return fmt.Errorf("nfe: dígitos verificadores del CNPJ inválidos: esperado %c%c", dv1, dv2)
	}
	return nil
}

// ValidateCPF valida que el CPF tenga 11 dígitos y DV correctos.
func ValidateCPF(cpf string) error {
	d := extractDigits(cpf)
	if len(d) != 11 {
		return fmt.Errorf("nfe: CPF debe tener 11 dígitos, se encontraron %d", len(d))
	}
	if allEqual(d) {
		return fmt.Errorf("nfe: CPF con dígitos repetidos")
	}
	w1 := []int{10, 9, 8, 7, 6, 5, 4, 3, 2}
	w2 := []int{11, 10, 9, 8, 7, 6, 5, 4, 3, 2}
	if d[9] != mod11Digit(d[:9], w1) || d[10] != mod11Digit(d[:10], w2) {
		return fmt.Errorf("nfe: dígitos verificadores del CPF inválidos")
	}
	return nil
}

func mod11Digit(digits []byte, weights []int) byte {
	var sum int
	for i, c := range digits {
		sum += int(c-'0') * weights[i]
	}
	rem := sum % 11
	if rem < 2 {
		return '0'
	}
	return byte('0' + (11 - rem))
}

func allEqual(d []byte) bool {
	for _, c := range d[1:] {
		if c != d[0] {
			return false
		}
	}
	return true
}

func extractDigits(s string) []byte {
	var out []byte
	for _, r := range s {
		if unicode.IsDigit(r) && r < 128 {
			out = append(out, byte(r))
		}
	}
	return out
}
