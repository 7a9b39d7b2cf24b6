package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SkipSignatureSentinel tells the upstream validator to accept a thought
// part whose original signature is gone. Used whenever no real signature
// can be replayed.
const SkipSignatureSentinel = "skip_thought_signature_validator"

// minSignatureLength filters out truncated or placeholder signatures;
// anything shorter is treated as absent.
const minSignatureLength = 50

// ValidSignature reports whether s is long enough to be a real upstream
// signature rather than a stub the client invented.
func ValidSignature(s string) bool {
	return len(s) >= minSignatureLength
}

// SignatureCache remembers the thoughtSignature the upstream attached to
// each piece of thinking content, keyed by a digest of the content. Clients
// routinely strip signatures from the conversation they send back, so the
// next request re-attaches the cached value while it is fresh.
//
// Entries race only between concurrent responses carrying the same content;
// last writer wins, which is fine because any fresh signature validates.
type SignatureCache struct {
	mu      sync.Mutex
	entries map[string]sigEntry
	ttl     time.Duration
	now     func() time.Time
}

type sigEntry struct {
	signature string
	expires   time.Time
}

// NewSignatureCache returns a cache whose entries live for ttl.
func NewSignatureCache(ttl time.Duration) *SignatureCache {
	return &SignatureCache{
		entries: make(map[string]sigEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put stores the signature for content. Invalid (short) signatures are
// dropped rather than cached.
func (c *SignatureCache) Put(content, signature string) {
	if len(signature) < minSignatureLength {
		return
	}
	key := digest(content)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = sigEntry{signature: signature, expires: c.now().Add(c.ttl)}
	if len(c.entries) > 4096 {
		c.pruneLocked()
	}
}

// Get returns the cached signature for content if it has not expired.
func (c *SignatureCache) Get(content string) (string, bool) {
	key := digest(content)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.signature, true
}

func (c *SignatureCache) pruneLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

func digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
