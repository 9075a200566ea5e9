package phone_test

import (
	"testing"

	"github.com/deepclaw/smsgate/internal/phone"
)

func TestNormalizeEquivalentSpellings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a    string
		b    string
	}{
		{name: "plus vs dashes", a: "+15551234567", b: "1-555-123-4567"},
		{name: "bare ten digits", a: "5551234567", b: "+1 (555) 123-4567"},
		{name: "double zero prefix", a: "0044 20 7946 0958", b: "+442079460958"},
		{name: "spaces and dots", a: "+1 555.123.4567", b: "15551234567"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got, want := phone.Normalize(tt.a), phone.Normalize(tt.b); got != want {
				t.Fatalf("Normalize(%q) = %q, Normalize(%q) = %q, want equal", tt.a, got, tt.b, want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{raw: "+15551234567", want: "+15551234567"},
		{raw: "5551234567", want: "+15551234567"},
		{raw: "15551234567", want: "+15551234567"},
		{raw: "+8613912345678", want: "+8613912345678"},
		{raw: "", want: ""},
		{raw: "   ", want: ""},
		{raw: "*", want: "*"},
		{raw: "abc", want: ""},
	}
	for _, tt := range tests {
		if got := phone.Normalize(tt.raw); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestEqual(t *testing.T) {
	t.Parallel()

	if !phone.Equal("5551234567", "+1 (555) 123-4567") {
		t.Fatalf("Equal should match equivalent spellings")
	}
	if phone.Equal("5551234567", "5551234568") {
		t.Fatalf("Equal should reject different subscribers")
	}
}

func TestInList(t *testing.T) {
	t.Parallel()

	list := []string{"+1 555 123 4567", "442079460958"}
	if !phone.InList("5551234567", list) {
		t.Fatalf("InList should match differently formatted entry")
	}
	if phone.InList("+15550000000", list) {
		t.Fatalf("InList should not match absent number")
	}
	if !phone.InList("+15550000000", []string{"*"}) {
		t.Fatalf("wildcard entry should match any number")
	}
	if phone.InList("", []string{"*"}) {
		t.Fatalf("empty number should never match")
	}
}
