package codegen

import (
	"bytes"
	"errors"
	"image/png"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomGenerator(t *testing.T) {
	gen := NewRandomGenerator()

	t.Run("generates code in correct format XXXX-XXXX", func(t *testing.T) {
		code, err := gen.Generate()
		require.NoError(t, err)

		pattern := regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}$`)
		assert.True(t, pattern.MatchString(code), "code should match XXXX-XXXX format, got: %s", code)
		assert.True(t, Valid(code))
	})

	t.Run("generates unique codes", func(t *testing.T) {
		codes := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			code, err := gen.Generate()
			require.NoError(t, err)
			assert.False(t, codes[code], "duplicate code generated: %s", code)
			codes[code] = true
		}
	})

	t.Run("excludes ambiguous characters", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			code, err := gen.Generate()
			require.NoError(t, err)
			assert.NotContains(t, code, "O")
			assert.NotContains(t, code, "I")
			assert.NotContains(t, code, "0")
			assert.NotContains(t, code, "1")
		}
	})

	t.Run("surfaces entropy failures", func(t *testing.T) {
		broken := &RandomGenerator{reader: failingReader{}}
		_, err := broken.Generate()
		assert.Error(t, err)
	})
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestAlphabet(t *testing.T) {
	assert.Len(t, Alphabet, 32)
	assert.NotContains(t, Alphabet, "O")
	assert.NotContains(t, Alphabet, "I")
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abcd-efgh", "ABCD-EFGH"},
		{"  ABCD-EFGH\n", "ABCD-EFGH"},
		{"abcdefgh", "ABCD-EFGH"},
		{"abcd efgh", "ABCD-EFGH"},
		{"abc", "ABC"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("ABCD-EFGH"))
	assert.False(t, Valid("ABCD-EFG"))
	assert.False(t, Valid("ABCDXEFGH"))
	assert.False(t, Valid("ABCD-EFG0"))
	assert.False(t, Valid("abcd-efgh"))
}

func TestQRPayload(t *testing.T) {
	assert.Equal(t, "kiosk://activate?code=ABCD-EFGH", QRPayload("kiosk://activate", "ABCD-EFGH"))
	assert.Equal(t, "https://x.test/a?v=1&code=ABCD-EFGH", QRPayload("https://x.test/a?v=1", "ABCD-EFGH"))
}

func TestRenderQRPNG(t *testing.T) {
	data, err := RenderQRPNG(QRPayload("kiosk://activate", "ABCD-EFGH"), 256)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
	assert.Equal(t, 256, img.Bounds().Dy())
}
