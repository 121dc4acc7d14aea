package cookie

import "testing"

func TestNewProducesCorrectLength(t *testing.T) {
	c := New()
	if len(c.String()) != Length {
		t.Fatalf("expected %d byte cookie, got %d", Length, len(c.String()))
	}
}

func TestNewUniqueness(t *testing.T) {
	seen := make(map[Cookie]bool)
	for i := 0; i < 1000; i++ {
		c := New()
		if seen[c] {
			t.Fatalf("duplicate cookie minted: %s", c)
		}
		seen[c] = true
	}
}

func TestParseRoundTrip(t *testing.T) {
	c := New()
	parsed, err := Parse(c.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.Equal(parsed) {
		t.Fatalf("parsed cookie does not match original")
	}
}

func TestParseRejectsWrongLength(t *testing.T) {
	if _, err := Parse("abc"); err == nil {
		t.Fatalf("expected error for short cookie")
	}
}

func TestParseRejectsNonHex(t *testing.T) {
	bad := "ZZ345678901234567890123456789012"
	if _, err := Parse(bad); err == nil {
		t.Fatalf("expected error for non-hex cookie")
	}
}

func TestParseRejectsUppercase(t *testing.T) {
	upper := "AB345678901234567890123456789012"
	if _, err := Parse(upper); err == nil {
		t.Fatalf("expected error for uppercase hex, cookies are lowercase-only")
	}
}

func TestZeroIsZero(t *testing.T) {
	var c Cookie
	if !c.IsZero() {
		t.Fatalf("expected zero-value cookie to report IsZero")
	}
	if New().IsZero() {
		t.Fatalf("expected minted cookie to not be zero")
	}
}
