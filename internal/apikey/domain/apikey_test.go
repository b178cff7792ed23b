package domain

import (
	"strings"
	"testing"
)

func TestHashKey(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := HashKey("abc"); got != want {
		t.Errorf("HashKey = %s, want %s", got, want)
	}
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	b, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if a == b {
		t.Error("two generated keys are equal")
	}
	if !strings.HasPrefix(a, KeyPrefix) {
		t.Errorf("key %q missing prefix", a)
	}
	if len(a) != len(KeyPrefix)+43 {
		t.Errorf("key length = %d", len(a))
	}
}
