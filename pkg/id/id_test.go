package id

import (
	"testing"
)

func TestNextMonotonicSameMs(t *testing.T) {
	restore := NowMs
	defer func() { NowMs = restore }()
	NowMs = func() int64 { return 1000 }

	g := NewGenerator()
	a := g.Next()
	b := g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("ids not increasing within same ms: %s >= %s", a, b)
	}
}

func TestNextClockRegression(t *testing.T) {
	restore := NowMs
	defer func() { NowMs = restore }()

	ms := int64(2000)
	NowMs = func() int64 { return ms }
	g := NewGenerator()
	a := g.Next()

	ms = 1500 // clock goes backwards
	b := g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("regressed clock broke monotonicity: %s >= %s", a, b)
	}
}

func TestParseRoundtrip(t *testing.T) {
	g := NewGenerator()
	a := g.Next()
	parsed, err := Parse(a.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != a {
		t.Fatalf("roundtrip mismatch: %s != %s", parsed, a)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	if _, err := Parse("zzzz"); err == nil {
		t.Fatalf("expected error for non-hex input")
	}
	if _, err := Parse("abcd"); err == nil {
		t.Fatalf("expected error for short input")
	}
}
