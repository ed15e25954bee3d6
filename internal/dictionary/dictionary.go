// Package dictionary holds the vocabulary used to recognise target-language
// words once they have been remapped from the wrong keyboard layout.
package dictionary

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"layoutfixd/internal/layout"
)

// maxLineBytes bounds a single word-list line.
const maxLineBytes = 64 * 1024

// Vocabulary is an immutable set of normalized lowercase words.
// Lookups are exact and case-sensitive; callers normalize before asking.
type Vocabulary struct {
	words map[string]struct{}
}

// New builds a vocabulary from the given words. Words are folded with
// Fold before insertion; empty words are ignored.
func New(words ...string) *Vocabulary {
	v := &Vocabulary{words: make(map[string]struct{}, len(words))}
	for _, w := range words {
		if w = Fold(w); w != "" {
			v.words[w] = struct{}{}
		}
	}
	return v
}

// Load reads a newline-delimited word list.
func Load(r io.Reader) (*Vocabulary, error) {
	v := &Vocabulary{words: make(map[string]struct{})}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		w := Fold(strings.TrimSuffix(scanner.Text(), "\r"))
		if w == "" {
			continue
		}
		v.words[w] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read word list: %w", err)
	}
	return v, nil
}

// LoadFile reads a newline-delimited word list from path.
func LoadFile(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open word list: %w", err)
	}
	defer f.Close()

	v, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// Contains reports whether word is in the vocabulary.
func (v *Vocabulary) Contains(word string) bool {
	if v == nil {
		return false
	}
	_, ok := v.words[word]
	return ok
}

// Len returns the number of distinct words.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.words)
}

// Fold returns the canonical form stored in a Vocabulary: NFC-composed,
// lowercased with Russian casing rules, surrounding whitespace trimmed.
func Fold(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return Lower(norm.NFC.String(s))
}

// Lower lowercases s using Russian casing rules.
func Lower(s string) string {
	// cases.Caser is stateful and not safe for concurrent use.
	return cases.Lower(language.Russian).String(s)
}

// Normalizer prepares a token for lookup: remap, strip punctuation, lowercase.
type Normalizer struct {
	Layout      *layout.Map
	Punctuation string
}

// Normalize applies the layout remap, removes every rune listed in
// Punctuation and lowercases the result.
func (n Normalizer) Normalize(word string) string {
	word = n.Layout.Remap(word)
	if n.Punctuation != "" {
		word = strings.Map(func(r rune) rune {
			if strings.ContainsRune(n.Punctuation, r) {
				return -1
			}
			return r
		}, word)
	}
	return Lower(word)
}
