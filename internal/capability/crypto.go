package capability

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// CryptoSHA256 hashes data and returns the digest. No allowlist: every
// module may hash, the same way every module may read the system clock.
func (r *Registry) CryptoSHA256(ctx context.Context, inv *Invocation, data []byte) ([]byte, error) {
	if err := unprivileged(ctx, inv, "crypto.sha256", true, r.costOf("crypto.sha256", 1)); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// CryptoHMACSHA256 returns the HMAC-SHA256 of data under key. Same
// always-available treatment as CryptoSHA256: there is no shared secret
// here for an allowlist to protect, the key is whatever the rule passed.
func (r *Registry) CryptoHMACSHA256(ctx context.Context, inv *Invocation, key, data []byte) ([]byte, error) {
	if err := unprivileged(ctx, inv, "crypto.hmac_sha256", true, r.costOf("crypto.hmac_sha256", 1)); err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// CryptoRandomBytes returns n cryptographically random bytes, charged
// proportional to n so a module can't use it to run the host's entropy
// pool or compute budget down for free.
func (r *Registry) CryptoRandomBytes(ctx context.Context, inv *Invocation, n int) ([]byte, error) {
	if n < 0 || n > 1<<20 {
		return nil, fmt.Errorf("capability: random_bytes length %d out of range", n)
	}
	cost := r.costOf("crypto.random_bytes", 1) * uint64(n/64+1)
	if err := unprivileged(ctx, inv, "crypto.random_bytes", true, cost); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("capability: random_bytes: %w", err)
	}
	return buf, nil
}
