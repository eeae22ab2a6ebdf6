package ids

import "testing"

func TestEuiRoundTrip(t *testing.T) {
	cases := []string{
		"0000000000000001",
		"FFFFFFFFFFFFFFFF",
		"0011223344556677",
	}
	for _, c := range cases {
		e, err := ParseEui(c)
		if err != nil {
			t.Fatalf("ParseEui(%q): %v", c, err)
		}
		if got := e.String(); got != c {
			t.Errorf("round-trip mismatch: %q -> %q", c, got)
		}
	}
}

func TestEuiRejectsBadInput(t *testing.T) {
	bad := []string{"", "123", "ZZZZZZZZZZZZZZZZ", "00000000000000012"}
	for _, b := range bad {
		if _, err := ParseEui(b); err == nil {
			t.Errorf("ParseEui(%q): expected error, got nil", b)
		}
	}
}

func TestDevAddrRoundTripAndABP(t *testing.T) {
	a, err := ParseDevAddr("80000001")
	if err != nil {
		t.Fatal(err)
	}
	if !a.IsABP() {
		t.Error("expected high bit set to report ABP")
	}
	if a.String() != "80000001" {
		t.Errorf("got %q", a.String())
	}

	b, err := ParseDevAddr("00000001")
	if err != nil {
		t.Fatal(err)
	}
	if b.IsABP() {
		t.Error("expected high bit clear to report non-ABP")
	}
}

func TestAES128KeyRoundTrip(t *testing.T) {
	const k = "2B7E151628AED2A6ABF7158809CF4F3C"
	key, err := ParseAES128Key(k)
	if err != nil {
		t.Fatal(err)
	}
	if key.String() != k {
		t.Errorf("got %q want %q", key.String(), k)
	}
	var zero AES128Key
	if !zero.IsZero() {
		t.Error("zero key should report IsZero")
	}
	if key.IsZero() {
		t.Error("non-zero key should not report IsZero")
	}
}

func TestIdRoundTrip(t *testing.T) {
	id, err := ParseId("0123456789ABCDEF")
	if err != nil {
		t.Fatal(err)
	}
	if id.String() != "0123456789ABCDEF" {
		t.Errorf("got %q", id.String())
	}
}
