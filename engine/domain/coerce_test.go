package domain

import (
	"encoding/json"
	"testing"
)

func TestAsFloat(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{28500.0, 28500, true},
		{"$28,500.00", 28500, true},
		{" 1 234 ", 1234, true},
		{json.Number("19.99"), 19.99, true},
		{42, 42, true},
		{"", 0, false},
		{"call for price", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tc := range cases {
		got, ok := AsFloat(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("AsFloat(%#v) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAsInt(t *testing.T) {
	if v, ok := AsInt("12,345"); !ok || v != 12345 {
		t.Fatalf("got %d %v", v, ok)
	}
	if _, ok := AsInt(1.5); ok {
		t.Fatal("fractional must be rejected")
	}
	if _, ok := AsInt(1e12); ok {
		t.Fatal("overflow must be rejected")
	}
}

func TestAsString(t *testing.T) {
	if s, ok := AsString(2023.0); !ok || s != "2023" {
		t.Fatalf("got %q", s)
	}
	if s, ok := AsString("  Honda "); !ok || s != "Honda" {
		t.Fatalf("got %q", s)
	}
	if _, ok := AsString("   "); ok {
		t.Fatal("blank should not be ok")
	}
	if _, ok := AsString(map[string]any{}); ok {
		t.Fatal("maps are not scalars")
	}
}

func TestAsStrings(t *testing.T) {
	if got := AsStrings("Sunroof, Heated Seats,,"); len(got) != 2 || got[1] != "Heated Seats" {
		t.Fatalf("got %v", got)
	}
	if got := AsStrings("a.jpg|b.jpg"); len(got) != 2 || got[0] != "a.jpg" {
		t.Fatalf("got %v", got)
	}
	if got := AsStrings([]any{"x", 1.0, nil}); len(got) != 2 || got[1] != "1" {
		t.Fatalf("got %v", got)
	}
	if got := AsStrings(nil); len(got) != 0 {
		t.Fatalf("got %v", got)
	}
}

func TestCanonicalMake(t *testing.T) {
	cases := map[string]string{
		"chevy":          "Chevrolet",
		"VW":             "Volkswagen",
		"mercedes  benz": "Mercedes-Benz",
		"HONDA":          "Honda",
		"toyota":         "Toyota",
		"  ":             "",
	}
	for in, want := range cases {
		if got := CanonicalMake(in); got != want {
			t.Errorf("CanonicalMake(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestVehicleTitle(t *testing.T) {
	v := CanonicalVehicle{Year: 2023, Make: "Honda", Model: "Accord"}
	if v.Title() != "2023 Honda Accord" {
		t.Fatalf("got %q", v.Title())
	}
	v.Trim = Ptr("EX-L")
	if v.Title() != "2023 Honda Accord EX-L" {
		t.Fatalf("got %q", v.Title())
	}
	if Deref[string](nil) != "" || Deref(Ptr(3)) != 3 {
		t.Fatal("Deref")
	}
}
