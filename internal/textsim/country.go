package textsim

import (
	"strings"
	"unicode"

	"github.com/biter777/countries"
)

// maxCountryWords bounds how many trailing words are tried as a country name.
const maxCountryWords = 4

// CountryCode resolves a country name or ISO alpha-2/alpha-3 code to its
// alpha-2 code.
func CountryCode(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	c := countries.ByName(s)
	if c == countries.Unknown || !c.IsValid() {
		return "", false
	}
	return c.Alpha2(), true
}

// SplitCountry takes a trailing country name off a place name, so
// "Parirenyatwa Hospital, Zimbabwe" becomes ("Parirenyatwa Hospital", "ZW").
// Bare ISO codes are left alone since short trailing words are often part
// of the name. The name comes back unchanged with an empty code when no
// country is found.
func SplitCountry(name string) (string, string) {
	words := strings.Fields(name)
	for n := min(maxCountryWords, len(words)-1); n >= 1; n-- {
		tail := strings.Join(words[len(words)-n:], " ")
		if letters(tail) <= 3 {
			continue
		}
		code, ok := CountryCode(tail)
		if !ok {
			continue
		}
		place := strings.TrimRight(strings.Join(words[:len(words)-n], " "), " ,;-")
		if place == "" {
			continue
		}
		return place, code
	}
	return strings.TrimSpace(name), ""
}

func letters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}
