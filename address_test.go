package chaski

import "testing"

func TestParseAddressRoundTrip(t *testing.T) {
	cases := []string{
		"ChaskiNode@127.0.0.1:65432",
		"ChaskiStreamer@127.0.0.1:65432",
		"*ChaskiRemote@10.0.0.5:9000",
		"ChaskiCA@ca.example.internal:8843",
	}
	for _, s := range cases {
		a, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", s, err)
		}
		if got := a.String(); got != s {
			t.Fatalf("round trip mismatch: parsed %q, formatted back %q", s, got)
		}
	}
}

func TestParseAddressRejectsUnknownClass(t *testing.T) {
	if _, err := ParseAddress("NotAClass@127.0.0.1:1234"); err == nil {
		t.Fatalf("expected an error for an unknown address class")
	}
}

func TestParseAddressRejectsBadPort(t *testing.T) {
	if _, err := ParseAddress("ChaskiNode@127.0.0.1:70000"); err == nil {
		t.Fatalf("expected an error for an out-of-range port")
	}
}

func TestCanonicalStripsRequestPaired(t *testing.T) {
	a, err := ParseAddress("*ChaskiNode@127.0.0.1:1234")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if !a.RequestPaired {
		t.Fatalf("expected RequestPaired to be set")
	}
	if got, want := a.Canonical(), "ChaskiNode@127.0.0.1:1234"; got != want {
		t.Fatalf("Canonical() = %q, want %q", got, want)
	}
}

func TestAddressEqualIgnoresRequestPaired(t *testing.T) {
	a, _ := ParseAddress("ChaskiNode@127.0.0.1:1234")
	b, _ := ParseAddress("*ChaskiNode@127.0.0.1:1234")
	if !a.Equal(b) {
		t.Fatalf("expected addresses differing only in RequestPaired to be Equal")
	}
}
