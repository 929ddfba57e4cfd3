// Package token generates survey access tokens.
//
// Tokens are 16 bytes from crypto/rand encoded as unpadded URL-safe base64.
// The resulting strings are 22 characters long and safe for use in URLs and
// file paths.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Bytes is the amount of randomness in every token.
const Bytes = 16

// Len is the encoded token length.
var Len = base64.RawURLEncoding.EncodedLen(Bytes)

// Generator produces tokens from a random source.
type Generator struct {
	rand io.Reader
}

// NewGenerator returns a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{rand: rand.Reader}
}

// NewGeneratorFrom returns a generator reading from r.
func NewGeneratorFrom(r io.Reader) *Generator {
	return &Generator{rand: r}
}

// Generate returns a fresh token.
func (g *Generator) Generate() (string, error) {
	buf := make([]byte, Bytes)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Generate returns a fresh token from crypto/rand.
func Generate() (string, error) {
	return NewGenerator().Generate()
}
