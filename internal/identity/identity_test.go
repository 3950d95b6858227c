package identity

import (
	"errors"
	"testing"
)

func TestDeriveDeterministic(t *testing.T) {
	k1, err := Derive("https://example.com/docs")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	k2, err := Derive("https://example.com/docs")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if k1 != k2 {
		t.Errorf("same input produced different keys: %q vs %q", k1, k2)
	}
	if len(k1) != KeyLength {
		t.Errorf("key length = %d, want %d", len(k1), KeyLength)
	}
}

func TestDeriveEquivalentURLs(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"case insensitive host", "https://Example.COM", "https://example.com"},
		{"case insensitive scheme", "HTTPS://example.com", "https://example.com"},
		{"default https port", "https://example.com:443", "https://example.com"},
		{"default http port", "http://example.com:80", "http://example.com"},
		{"trailing slash", "https://example.com/docs/", "https://example.com/docs"},
		{"root trailing slash", "https://example.com/", "https://example.com"},
		{"fragment dropped", "https://example.com/docs#install", "https://example.com/docs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka, err := Derive(tt.a)
			if err != nil {
				t.Fatalf("Derive(%q): %v", tt.a, err)
			}
			kb, err := Derive(tt.b)
			if err != nil {
				t.Fatalf("Derive(%q): %v", tt.b, err)
			}
			if ka != kb {
				t.Errorf("Derive(%q) = %q, Derive(%q) = %q; want equal", tt.a, ka, tt.b, kb)
			}
		})
	}
}

func TestDeriveDistinctURLs(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"different hosts", "https://example.com", "https://example.org"},
		{"different paths", "https://example.com/docs", "https://example.com/blog"},
		{"different schemes", "http://example.com", "https://example.com"},
		{"query preserved", "https://example.com/search?q=a", "https://example.com/search?q=b"},
		{"non-default port", "https://example.com:8443", "https://example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka, err := Derive(tt.a)
			if err != nil {
				t.Fatalf("Derive(%q): %v", tt.a, err)
			}
			kb, err := Derive(tt.b)
			if err != nil {
				t.Fatalf("Derive(%q): %v", tt.b, err)
			}
			if ka == kb {
				t.Errorf("Derive(%q) == Derive(%q) == %q; want distinct", tt.a, tt.b, ka)
			}
		})
	}
}

func TestDeriveInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"no scheme", "example.com"},
		{"unsupported scheme", "ftp://example.com"},
		{"missing host", "https://"},
		{"garbage", "ht tp://bad url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Derive(tt.in)
			if !errors.Is(err, ErrInvalidURL) {
				t.Errorf("Derive(%q) error = %v, want ErrInvalidURL", tt.in, err)
			}
		})
	}
}

func TestNormalizeCanonicalForm(t *testing.T) {
	got, err := Normalize("HTTPS://Example.COM:443/Docs/?page=2#top")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := "https://example.com/Docs?page=2"
	if got != want {
		t.Errorf("Normalize = %q, want %q", got, want)
	}
}
