package wgkey

import "testing"

func TestGenerateProducesDistinctClampedKeys(t *testing.T) {
	t.Parallel()

	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a == b {
		t.Fatal("two consecutive Generate calls produced the same key")
	}
	if a[0]&7 != 0 {
		t.Errorf("low bits not cleared: %08b", a[0])
	}
	if a[31]&128 != 0 || a[31]&64 == 0 {
		t.Errorf("high bits not clamped: %08b", a[31])
	}
}

func TestPublicIsDeterministic(t *testing.T) {
	t.Parallel()

	priv, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	p1 := Public(priv)
	p2 := Public(priv)
	if p1 != p2 {
		t.Fatal("Public is not deterministic for the same private key")
	}
	if p1 == priv {
		t.Fatal("public key equals private key")
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	k, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	parsed, err := Parse(k.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != k {
		t.Fatalf("round trip mismatch: got %v, want %v", parsed, k)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []string{
		"",
		"not-base64!!!",
		"dG9vc2hvcnQ=", // valid base64, wrong length
	}
	for _, s := range tests {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestHexLowercase(t *testing.T) {
	t.Parallel()

	var k Key
	k[0] = 0xAB
	k[31] = 0xCD
	hex := k.Hex()
	if hex[0:2] != "ab" || hex[len(hex)-2:] != "cd" {
		t.Errorf("Hex() = %q, want lowercase hex", hex)
	}
}

func TestIsZero(t *testing.T) {
	t.Parallel()

	var zero Key
	if !zero.IsZero() {
		t.Error("zero value Key.IsZero() = false")
	}
	nonZero, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if nonZero.IsZero() {
		t.Error("generated key reports IsZero() = true")
	}
}
