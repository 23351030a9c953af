package ledger

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"1":       "00001",
		"123":     "00123",
		"20501":   "20501",
		"1234567": "34567",
		" 42 ":    "00042",
	}
	for in, want := range cases {
		got, err := Normalize(in)
		if err != nil {
			t.Fatalf("normalize %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("normalize %q: got %s want %s", in, got, want)
		}
	}
	for _, bad := range []string{"", "12a", "-1", "1.5"} {
		if _, err := Normalize(bad); !errors.Is(err, ErrInvalidAccountFormat) {
			t.Fatalf("expected ErrInvalidAccountFormat for %q, got %v", bad, err)
		}
	}
}

func TestSplitAccount(t *testing.T) {
	id, err := SplitAccount("2010100042")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if id.GL != "20101" || id.AC != "00042" {
		t.Fatalf("unexpected split %+v", id)
	}
	if id.String() != "2010100042" {
		t.Fatalf("round trip mismatch: %s", id)
	}
	for _, bad := range []string{"123456789", "12345678901", "20101ABCDE"} {
		if _, err := SplitAccount(bad); !errors.Is(err, ErrInvalidAccountFormat) {
			t.Fatalf("expected ErrInvalidAccountFormat for %q, got %v", bad, err)
		}
	}
}

func TestAccountEquality(t *testing.T) {
	a := AccountID{GL: "201", AC: "42"}
	b := MustAccountID("00201", "00042")
	if !a.Equal(b) {
		t.Fatalf("expected %v == %v", a, b)
	}
	c, _ := ParseAccountID("00201/42")
	if !c.Equal(a) {
		t.Fatalf("expected parsed pair to equal %v", a)
	}
}
