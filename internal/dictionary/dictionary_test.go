package dictionary

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"layoutfixd/internal/layout"
)

func TestNew(t *testing.T) {
	v := New("hello", "World", "", "  ")
	assert.Equal(t, 2, v.Len())
	assert.True(t, v.Contains("hello"))
	assert.True(t, v.Contains("world"))
	assert.False(t, v.Contains("World"), "lookup is case-sensitive after folding")
}

func TestLoad(t *testing.T) {
	input := "привет\r\nмир\n\nКак\nдела\n"
	v, err := Load(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, 4, v.Len())
	for _, w := range []string{"привет", "мир", "как", "дела"} {
		assert.True(t, v.Contains(w), w)
	}
	assert.False(t, v.Contains(""))
	assert.False(t, v.Contains("привет\r"))
}

func TestLoad_Empty(t *testing.T) {
	v, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 0, v.Len())
}

func TestLoad_LineTooLong(t *testing.T) {
	_, err := Load(strings.NewReader(strings.Repeat("a", maxLineBytes+1)))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "words.txt")
	require.NoError(t, os.WriteFile(path, []byte("ёлка\nпривет\n"), 0644))

	v, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, v.Contains("ёлка"))
	assert.True(t, v.Contains("привет"))
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

func TestContains_NilVocabulary(t *testing.T) {
	var v *Vocabulary
	assert.False(t, v.Contains("anything"))
	assert.Equal(t, 0, v.Len())
}

func TestFold_ComposesDecomposedYo(t *testing.T) {
	// "е" followed by U+0308 COMBINING DIAERESIS composes to "ё".
	decomposed := "е\u0308лка"
	assert.Equal(t, "ёлка", Fold(decomposed))
}

func TestLower(t *testing.T) {
	assert.Equal(t, "привет мир", Lower("ПРИВЕТ Мир"))
	assert.Equal(t, "hello", Lower("HeLLo"))
}

func TestNormalizer(t *testing.T) {
	n := Normalizer{
		Layout:      layout.QWERTYToJCUKEN(),
		Punctuation: `!"#$%&'()*+,-./:;<=>?@[\]^_` + "`{|}~",
	}

	tests := []struct {
		in   string
		want string
	}{
		{"ghbdtn", "привет"},
		{"ghbdtn!", "привет"},
		// Remap runs before stripping, so ',' becomes 'б' and survives.
		{"ghbdtn,", "приветб"},
		{"(vbh)", "мир"},
		{"GHBDTN", "ghbdtn"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, n.Normalize(tc.in))
		})
	}
}

func TestNormalizer_NoLayout(t *testing.T) {
	n := Normalizer{Punctuation: "!"}
	assert.Equal(t, "hello", n.Normalize("Hello!"))
}
