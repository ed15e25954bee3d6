package detector

import "fmt"

// Kind tags a Score.
type Kind int

const (
	// KindRatio carries the fraction of dictionary-matched tokens.
	KindRatio Kind = iota
	// KindExempt marks text that already contains native-script characters.
	KindExempt
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindRatio:
		return "ratio"
	case KindExempt:
		return "exempt"
	default:
		return "unknown"
	}
}

// Score is the outcome of scoring one text: either Exempt, or a ratio in [0,1].
type Score struct {
	kind  Kind
	ratio float64
}

// Exempt returns the score for text that must never be corrected.
func Exempt() Score {
	return Score{kind: KindExempt}
}

// Ratio returns a ratio score. Values are clamped into [0,1].
func Ratio(r float64) Score {
	switch {
	case r < 0:
		r = 0
	case r > 1:
		r = 1
	}
	return Score{kind: KindRatio, ratio: r}
}

// Kind returns the score's tag.
func (s Score) Kind() Kind {
	return s.kind
}

// IsExempt reports whether the text was exempted.
func (s Score) IsExempt() bool {
	return s.kind == KindExempt
}

// Value returns the ratio and true, or 0 and false for an exempt score.
func (s Score) Value() (float64, bool) {
	if s.kind != KindRatio {
		return 0, false
	}
	return s.ratio, true
}

// Exceeds reports whether the score is a ratio strictly greater than threshold.
func (s Score) Exceeds(threshold float64) bool {
	return s.kind == KindRatio && s.ratio > threshold
}

func (s Score) String() string {
	if s.kind == KindExempt {
		return "exempt"
	}
	return fmt.Sprintf("%.3f", s.ratio)
}
