package jsonc

import (
	"math"
	"testing"
)

func TestParseBasic(t *testing.T) {
	v, err := Parse([]byte(`{"b":1,"a":[true,false,null,"x\n"],"c":1.5e2}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v.Kind != KindObject {
		t.Fatalf("expected object root")
	}
	a, ok := v.Get("a")
	if !ok || a.Kind != KindArray || len(a.Arr) != 4 {
		t.Fatalf("bad array field: %+v", a)
	}
	s, _ := a.Arr[3].String()
	if s != "x\n" {
		t.Fatalf("expected escaped newline, got %q", s)
	}
	c, _ := v.Get("c")
	f, _ := c.Float()
	if f != 150 {
		t.Fatalf("expected 150, got %v", f)
	}
}

func TestParseRejectsTrailingGarbage(t *testing.T) {
	if _, err := Parse([]byte(`{"a":1} garbage`)); err == nil {
		t.Fatal("expected syntax error for trailing data")
	}
}

func TestParseRejectsUnterminatedObject(t *testing.T) {
	if _, err := Parse([]byte(`{"a":1`)); err == nil {
		t.Fatal("expected error for unterminated object")
	}
}

func TestCanonicalizeSortsKeysAndDropsRootSignature(t *testing.T) {
	v, err := Parse([]byte(`{"signature":"deadbeef","b":2,"a":1}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := string(Canonicalize(v))
	want := `{"a":1,"b":2}`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCanonicalizeKeepsNestedSignatureField(t *testing.T) {
	v, err := Parse([]byte(`{"tags":{"signature":"keep-me"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := string(Canonicalize(v))
	want := `{"tags":{"signature":"keep-me"}}`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	v, err := Parse([]byte(`{"b":{"y":2,"x":1},"a":[3,2,1]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	once := Canonicalize(v)

	v2, err := Parse(once)
	if err != nil {
		t.Fatalf("Parse canonical output: %v", err)
	}
	twice := Canonicalize(v2)

	if string(once) != string(twice) {
		t.Fatalf("canonicalize not idempotent: %q vs %q", once, twice)
	}
}

func TestFormatNumberEdgeCases(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{math.Copysign(0, -1), "0"},
		{math.NaN(), "0"},
		{math.Inf(1), "0"},
		{math.Inf(-1), "0"},
		{3, "3"},
		{1.5, "1.5"},
		{-2.25, "-2.25"},
	}
	for _, c := range cases {
		got := formatNumber(c.in)
		if got != c.want {
			t.Errorf("formatNumber(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
