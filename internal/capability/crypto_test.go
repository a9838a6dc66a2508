package capability

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"testing"

	"github.com/obelisk/plaid/internal/message"
)

func TestCryptoSHA256_MatchesStandardDigest(t *testing.T) {
	ctx := context.Background()
	r := New(Config{})
	inv := newInvocation("billing_alert.wasm", message.ExecBudget{Computation: 100})

	got, err := r.CryptoSHA256(ctx, inv, []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// sha256("hello")
	want := []byte{
		0x2c, 0xf2, 0x4d, 0xba, 0x5f, 0xb0, 0xa3, 0x0e,
		0x26, 0xe8, 0x3b, 0x2a, 0xc5, 0xb9, 0xe2, 0x9e,
		0x1b, 0x16, 0x1e, 0x5c, 0x1f, 0xa7, 0x42, 0x5e,
		0x73, 0x04, 0x33, 0x62, 0x93, 0x8b, 0x98, 0x24,
	}
	if string(got) != string(want) {
		t.Fatalf("digest mismatch: got %x", got)
	}
}

func TestCryptoRandomBytes_ReturnsRequestedLength(t *testing.T) {
	ctx := context.Background()
	r := New(Config{})
	inv := newInvocation("billing_alert.wasm", message.ExecBudget{Computation: 1000})

	got, err := r.CryptoRandomBytes(ctx, inv, 32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(got))
	}
}

func TestCryptoRandomBytes_RejectsNegativeLength(t *testing.T) {
	ctx := context.Background()
	r := New(Config{})
	inv := newInvocation("billing_alert.wasm", message.ExecBudget{Computation: 1000})

	if _, err := r.CryptoRandomBytes(ctx, inv, -1); err == nil {
		t.Fatal("expected error for negative length")
	}
}

func TestCryptoHMACSHA256_MatchesStandardMAC(t *testing.T) {
	ctx := context.Background()
	r := New(Config{})
	inv := newInvocation("billing_alert.wasm", message.ExecBudget{Computation: 100})

	key := []byte("secret")
	data := []byte("hello")
	got, err := r.CryptoHMACSHA256(ctx, inv, key, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	want := mac.Sum(nil)
	if string(got) != string(want) {
		t.Fatalf("MAC mismatch: got %x, want %x", got, want)
	}
}
