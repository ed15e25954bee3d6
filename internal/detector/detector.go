// Package detector decides whether a text was typed with the wrong keyboard
// layout active.
//
// The heuristic is whole-string: any rune from the native alphabet exempts the
// text outright, otherwise each whitespace-separated token is remapped,
// stripped of punctuation and looked up in the target-language vocabulary.
// The score is the fraction of tokens found.
package detector

import (
	"strings"

	"layoutfixd/internal/dictionary"
	"layoutfixd/internal/layout"
)

// Defaults for the Russian/QWERTY pair.
const (
	DefaultNativeAlphabet = "йцукенгшщзхъфывапролджэячсмитьбю"
	DefaultPunctuation    = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
	DefaultThreshold      = 0.4
)

// Config holds the two independently configured character sets.
// NativeAlphabet drives the exemption check; Punctuation is stripped from
// remapped tokens before lookup.
type Config struct {
	NativeAlphabet string
	Punctuation    string
}

// DefaultConfig returns the Russian defaults.
func DefaultConfig() Config {
	return Config{
		NativeAlphabet: DefaultNativeAlphabet,
		Punctuation:    DefaultPunctuation,
	}
}

// Detector scores texts. It is immutable and safe for concurrent use.
type Detector struct {
	native     string
	normalizer dictionary.Normalizer
	vocab      *dictionary.Vocabulary
}

// New creates a Detector.
func New(cfg Config, remap *layout.Map, vocab *dictionary.Vocabulary) *Detector {
	return &Detector{
		native: cfg.NativeAlphabet,
		normalizer: dictionary.Normalizer{
			Layout:      remap,
			Punctuation: cfg.Punctuation,
		},
		vocab: vocab,
	}
}

// Score returns Exempt for text containing a native rune, otherwise the
// ratio of matched tokens. Text without tokens scores 0.
func (d *Detector) Score(text string) Score {
	if d.hasNative(text) {
		return Exempt()
	}

	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return Ratio(0)
	}

	matched := 0
	for _, tok := range tokens {
		if d.vocab.Contains(d.normalizer.Normalize(tok)) {
			matched++
		}
	}
	return Ratio(float64(matched) / float64(len(tokens)))
}

// Token is one classified token of an Analysis.
type Token struct {
	Raw        string
	Normalized string
	Matched    bool
}

// Analysis is a Score together with the per-token breakdown behind it.
type Analysis struct {
	Score  Score
	Tokens []Token
}

// Analyze is like Score but also reports how each token was classified.
// Exempt texts carry no tokens.
func (d *Detector) Analyze(text string) Analysis {
	if d.hasNative(text) {
		return Analysis{Score: Exempt()}
	}

	fields := strings.Fields(text)
	tokens := make([]Token, 0, len(fields))
	matched := 0
	for _, raw := range fields {
		n := d.normalizer.Normalize(raw)
		ok := d.vocab.Contains(n)
		if ok {
			matched++
		}
		tokens = append(tokens, Token{Raw: raw, Normalized: n, Matched: ok})
	}

	score := Ratio(0)
	if len(tokens) > 0 {
		score = Ratio(float64(matched) / float64(len(tokens)))
	}
	return Analysis{Score: score, Tokens: tokens}
}

// Correct remaps text through the layout table.
func (d *Detector) Correct(text string) string {
	return d.normalizer.Layout.Remap(text)
}

func (d *Detector) hasNative(text string) bool {
	return d.native != "" && strings.ContainsAny(text, d.native)
}
