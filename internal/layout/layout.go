// Package layout implements keyboard-layout character substitution.
//
// A Map is built once from two equal-length ordered alphabets: the i-th rune
// of the source alphabet is replaced by the i-th rune of the target alphabet.
// Runes outside the source alphabet pass through unchanged, so Remap always
// preserves the rune count of its input.
package layout

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Default alphabets for the US QWERTY to Russian JCUKEN layout pair.
const (
	QWERTYAlphabet = "qwertyuiop[]asdfghjkl;'zxcvbnm,./?`&"
	JCUKENAlphabet = "йцукенгшщзхъфывапролджэячсмитьбю.,ё?"
)

var (
	// ErrLengthMismatch is returned when the two alphabets differ in rune count.
	ErrLengthMismatch = errors.New("layout: alphabet length mismatch")

	// ErrDuplicateRune is returned when the source alphabet repeats a rune.
	ErrDuplicateRune = errors.New("layout: duplicate rune in source alphabet")
)

// Map is an immutable rune substitution table.
type Map struct {
	from  string
	to    string
	table map[rune]rune
}

// New builds a Map from the source alphabet to the target alphabet.
func New(from, to string) (*Map, error) {
	if !utf8.ValidString(from) || !utf8.ValidString(to) {
		return nil, errors.New("layout: alphabets must be valid UTF-8")
	}

	src := []rune(from)
	dst := []rune(to)
	if len(src) != len(dst) {
		return nil, fmt.Errorf("%w: %d source runes, %d target runes", ErrLengthMismatch, len(src), len(dst))
	}

	table := make(map[rune]rune, len(src))
	for i, r := range src {
		if _, dup := table[r]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRune, r)
		}
		table[r] = dst[i]
	}

	return &Map{from: from, to: to, table: table}, nil
}

// MustNew is like New but panics on error. Intended for package-level tables.
func MustNew(from, to string) *Map {
	m, err := New(from, to)
	if err != nil {
		panic(err)
	}
	return m
}

// QWERTYToJCUKEN returns the default Latin to Cyrillic map.
func QWERTYToJCUKEN() *Map {
	return MustNew(QWERTYAlphabet, JCUKENAlphabet)
}

// Remap substitutes every rune of s found in the source alphabet.
func (m *Map) Remap(s string) string {
	if m == nil || len(m.table) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if mapped, ok := m.table[r]; ok {
			b.WriteRune(mapped)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Has reports whether r belongs to the source alphabet.
func (m *Map) Has(r rune) bool {
	_, ok := m.table[r]
	return ok
}

// Inverse returns the target to source map. Target runes that occur more
// than once cannot be inverted unambiguously and are left out.
func (m *Map) Inverse() *Map {
	src := []rune(m.from)
	dst := []rune(m.to)

	counts := make(map[rune]int, len(dst))
	for _, r := range dst {
		counts[r]++
	}

	table := make(map[rune]rune, len(dst))
	var from, to strings.Builder
	for i, r := range dst {
		if counts[r] != 1 {
			continue
		}
		table[r] = src[i]
		from.WriteRune(r)
		to.WriteRune(src[i])
	}
	return &Map{from: from.String(), to: to.String(), table: table}
}

// Len returns the number of mapped runes.
func (m *Map) Len() int {
	return len(m.table)
}

// Source returns the source alphabet.
func (m *Map) Source() string {
	return m.from
}

// Target returns the target alphabet.
func (m *Map) Target() string {
	return m.to
}
