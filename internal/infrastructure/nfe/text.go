package nfe

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// normalizeText aplica NFC y colapsa espacios en blanco.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// truncateRunes recorta a max caracteres (runas), nunca en mitad de un carácter.
func truncateRunes(s string, max int) (string, bool) {
	r := []rune(s)
	if len(r) <= max {
		return s, false
	}
	return string(r[:max]), true
}
