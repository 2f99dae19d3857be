package persist

import "testing"

func TestDeriveSKU(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"Sugar", "SUGAR"},
		{"Cooking Oil", "COOKING-OIL"},
		{"  widget #5 (blue)  ", "WIDGET-5-BLUE"},
		{"", ""},
		{"---", ""},
	}
	for _, c := range cases {
		if got := DeriveSKU(c.name); got != c.want {
			t.Errorf("DeriveSKU(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestDeriveSKUStableAndBounded(t *testing.T) {
	long := "Kool Aid Soda Blue Raspberry 355 ml - Case of 12"
	a, b := DeriveSKU(long), DeriveSKU(long)
	if a != b {
		t.Fatalf("not deterministic: %q vs %q", a, b)
	}
	if len(a) > 20 {
		t.Errorf("len = %d, want <= 20: %q", len(a), a)
	}
	// Distinct long names must not collapse onto the same truncation.
	other := DeriveSKU("Kool Aid Soda Blue Raspberry 355 ml - Case of 24")
	if a == other {
		t.Errorf("distinct names derived the same sku %q", a)
	}
}
