package codegen

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"image/png"
	"io"
	"math/big"
	"net/url"
	"strings"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

// Alphabet drops O, I, 0 and 1 so codes survive being read aloud or typed.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	groupLen   = 4
	groupCount = 2
	// CodeLen is the formatted length including the separator.
	CodeLen = groupLen*groupCount + groupCount - 1
)

// Generator produces candidate activation codes. Uniqueness is enforced by
// the store, not the generator.
type Generator interface {
	Generate() (string, error)
}

// RandomGenerator draws codes from a CSPRNG.
type RandomGenerator struct {
	reader io.Reader
}

func NewRandomGenerator() *RandomGenerator {
	return &RandomGenerator{reader: rand.Reader}
}

func (g *RandomGenerator) Generate() (string, error) {
	symbols := big.NewInt(int64(len(Alphabet)))
	groups := make([]string, groupCount)

	for i := range groups {
		group := make([]byte, groupLen)
		for j := range group {
			n, err := rand.Int(g.reader, symbols)
			if err != nil {
				return "", fmt.Errorf("read random: %w", err)
			}
			group[j] = Alphabet[n.Int64()]
		}
		groups[i] = string(group)
	}

	return strings.Join(groups, "-"), nil
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() (string, error)

func (f GeneratorFunc) Generate() (string, error) { return f() }

// Normalize canonicalizes user input: surrounding and inner whitespace is
// dropped, letters are upper-cased, and a bare 8-symbol code gets its dash back.
func Normalize(code string) string {
	code = strings.ToUpper(strings.Join(strings.Fields(code), ""))
	if len(code) == groupLen*groupCount && !strings.Contains(code, "-") {
		return code[:groupLen] + "-" + code[groupLen:]
	}
	return code
}

// Valid reports whether code is a well-formed, normalized activation code.
func Valid(code string) bool {
	if len(code) != CodeLen {
		return false
	}
	for i := 0; i < len(code); i++ {
		if i == groupLen {
			if code[i] != '-' {
				return false
			}
			continue
		}
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// QRPayload is the string a kiosk decodes from the displayed QR code.
func QRPayload(baseURL, code string) string {
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return baseURL + sep + "code=" + url.QueryEscape(code)
}

// RenderQRPNG encodes payload as a square PNG of size pixels.
func RenderQRPNG(payload string, size int) ([]byte, error) {
	code, err := qr.Encode(payload, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}

	scaled, err := barcode.Scale(code, size, size)
	if err != nil {
		return nil, fmt.Errorf("scale qr: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
