package helpers

import (
	"bytes"
	"math/big"
	"testing"
)

func TestHexRoundTrip(t *testing.T) {
	b := []byte{0xde, 0xad, 0xbe, 0xef}
	s := BytesToHex(b)
	if s != "0xdeadbeef" {
		t.Errorf("BytesToHex = %s, want 0xdeadbeef", s)
	}

	got, err := HexToBytes(s)
	if err != nil {
		t.Fatalf("HexToBytes() error = %v", err)
	}
	if !bytes.Equal(got, b) {
		t.Errorf("HexToBytes = %x, want %x", got, b)
	}

	// Without prefix
	got, err = HexToBytes("deadbeef")
	if err != nil {
		t.Fatalf("HexToBytes() error = %v", err)
	}
	if !bytes.Equal(got, b) {
		t.Errorf("HexToBytes = %x, want %x", got, b)
	}
}

func TestHexToUint64(t *testing.T) {
	if got := HexToUint64("0x10"); got != 16 {
		t.Errorf("HexToUint64(0x10) = %d, want 16", got)
	}
	if got := HexToUint64(""); got != 0 {
		t.Errorf("HexToUint64(\"\") = %d, want 0", got)
	}
	if got := HexToUint64("zz"); got != 0 {
		t.Errorf("HexToUint64(zz) = %d, want 0", got)
	}
}

func TestBigIntHex(t *testing.T) {
	n := new(big.Int)
	n.SetString("1000000000000000000", 10)

	s := BigIntToHex(n)
	back := HexToBigInt(s)
	if back.Cmp(n) != 0 {
		t.Errorf("round trip = %s, want %s", back, n)
	}

	if BigIntToHex(nil) != "0x0" {
		t.Error("BigIntToHex(nil) should be 0x0")
	}
	if BigIntToHex(big.NewInt(0)) != "0x0" {
		t.Error("BigIntToHex(0) should be 0x0")
	}
}

func TestPadLeft(t *testing.T) {
	b := PadLeft([]byte{0x01}, 4)
	if !bytes.Equal(b, []byte{0, 0, 0, 0x01}) {
		t.Errorf("PadLeft = %x", b)
	}

	// Already long enough
	b = PadLeft([]byte{1, 2, 3, 4}, 2)
	if !bytes.Equal(b, []byte{1, 2, 3, 4}) {
		t.Errorf("PadLeft = %x", b)
	}
}

func TestFormatAmount(t *testing.T) {
	n := new(big.Int)
	n.SetString("1500000000000000000", 10)
	if got := FormatAmount(n, 18); got != "1.5" {
		t.Errorf("FormatAmount = %s, want 1.5", got)
	}

	if got := FormatAmount(big.NewInt(42), 0); got != "42" {
		t.Errorf("FormatAmount = %s, want 42", got)
	}

	if got := FormatAmount(nil, 8); got != "0" {
		t.Errorf("FormatAmount(nil) = %s, want 0", got)
	}
}

func TestParseAmount(t *testing.T) {
	n, err := ParseAmount("4000")
	if err != nil {
		t.Fatalf("ParseAmount() error = %v", err)
	}
	if n.Int64() != 4000 {
		t.Errorf("ParseAmount = %s, want 4000", n)
	}

	if _, err := ParseAmount("-5"); err == nil {
		t.Error("ParseAmount(-5) should fail")
	}
	if _, err := ParseAmount("abc"); err == nil {
		t.Error("ParseAmount(abc) should fail")
	}
	if _, err := ParseAmount(""); err == nil {
		t.Error("ParseAmount(\"\") should fail")
	}
}
