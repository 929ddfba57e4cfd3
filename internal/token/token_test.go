package token

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestGenerateFormat(t *testing.T) {
	tok, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(tok) != Len {
		t.Fatalf("expected %d-character token, got %d", Len, len(tok))
	}
	for _, r := range tok {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
		if !ok {
			t.Fatalf("unexpected character %q in token", r)
		}
	}

	decoded, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if len(decoded)*8 < 128 {
		t.Fatalf("expected at least 128 bits, got %d", len(decoded)*8)
	}
}

func TestGenerateUnique(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		tok, err := Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("collision after %d tokens: %s", i, tok)
		}
		seen[tok] = struct{}{}
	}
}

func TestGenerateUsesSource(t *testing.T) {
	src := bytes.Repeat([]byte{0xff}, Bytes)
	g := NewGeneratorFrom(bytes.NewReader(src))

	tok, err := g.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if want := base64.RawURLEncoding.EncodeToString(src); tok != want {
		t.Errorf("Generate() = %q, want %q", tok, want)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGenerateSourceError(t *testing.T) {
	g := &Generator{rand: failingReader{}}
	if _, err := g.Generate(); err == nil {
		t.Fatal("expected error from failing source")
	}
}
