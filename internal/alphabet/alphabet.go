// Package alphabet defines the fixed 26-letter alphabet the game teaches.
package alphabet

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Letter is one upper-case symbol of the alphabet.
type Letter byte

// All lists the alphabet in order.
var All = func() []Letter {
	letters := make([]Letter, 0, 26)
	for c := byte('A'); c <= 'Z'; c++ {
		letters = append(letters, Letter(c))
	}
	return letters
}()

// Parse accepts a single letter in either case, surrounding spaces ignored.
func Parse(s string) (Letter, error) {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("expected a single letter, got %q", s)
	}
	l := Letter(strings.ToUpper(s)[0])
	if !l.Valid() {
		return 0, fmt.Errorf("%q is not a letter of the alphabet", s)
	}
	return l, nil
}

func (l Letter) Valid() bool { return l >= 'A' && l <= 'Z' }

func (l Letter) IsVowel() bool {
	switch l {
	case 'A', 'E', 'I', 'O', 'U':
		return true
	}
	return false
}

func (l Letter) String() string { return string(rune(l)) }
