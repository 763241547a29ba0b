package redact

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
)

// SaltKey is the durable storage key of the tokenization salt.
const SaltKey = "tokenization_salt"

// KV is the durable key-value storage the salt lives in.
type KV interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	// PutValueIfAbsent stores value unless key already exists and returns
	// whichever value is stored afterwards.
	PutValueIfAbsent(ctx context.Context, key, value string) (string, error)
}

// Redactor owns the tokenization salt. The salt is generated lazily, at
// most once, and persisted so it survives restarts.
type Redactor struct {
	kv   KV
	rand io.Reader

	mu   sync.Mutex
	salt string
}

// NewRedactor creates a Redactor backed by kv.
func NewRedactor(kv KV) *Redactor {
	return &Redactor{kv: kv, rand: rand.Reader}
}

// Tokenize returns a stable pseudonym for value: __TKN_<hex>__ where hex is
// the first 8 bytes of sha256(salt + ":" + value).
func (r *Redactor) Tokenize(ctx context.Context, value string) (string, error) {
	salt, err := r.loadSalt(ctx)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(salt + ":" + value))
	return "__TKN_" + hex.EncodeToString(sum[:8]) + "__", nil
}

func (r *Redactor) loadSalt(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.salt != "" {
		return r.salt, nil
	}

	stored, ok, err := r.kv.GetValue(ctx, SaltKey)
	if err != nil {
		return "", fmt.Errorf("redact: read salt: %w", err)
	}
	if ok && stored != "" {
		r.salt = stored
		return stored, nil
	}

	buf := make([]byte, 16)
	if _, err := io.ReadFull(r.rand, buf); err != nil {
		return "", fmt.Errorf("redact: generate salt: %w", err)
	}
	// Another process may have won the race; keep whatever is stored.
	stored, err = r.kv.PutValueIfAbsent(ctx, SaltKey, hex.EncodeToString(buf))
	if err != nil {
		return "", fmt.Errorf("redact: persist salt: %w", err)
	}
	r.salt = stored
	return stored, nil
}
