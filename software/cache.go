package software

import (
	"crypto"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/effective-security/signer/certutil"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// keyCache holds decoded private keys behind a bounded LRU, with the
// decrypted PEM bytes backing each entry kept in a memguard.LockedBuffer
// rather than an ordinary Go slice, so the decrypted key material is
// mlock'd and explicitly wiped when the entry is evicted or the cache is
// invalidated, instead of waiting on the GC.
type keyCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

type cacheEntry struct {
	locked *memguard.LockedBuffer
	signer crypto.Signer
	label  string
}

func newKeyCache(size int) (*keyCache, error) {
	if size <= 0 {
		size = 256
	}
	c := &keyCache{}
	lc, err := lru.NewWithEvict(size, func(_ interface{}, v interface{}) {
		if e, ok := v.(*cacheEntry); ok && e.locked != nil {
			e.locked.Destroy()
		}
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.cache = lc
	return c, nil
}

// get returns the cached signer for keyID, if present.
func (c *keyCache) get(keyID string) (crypto.Signer, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.cache.Get(keyID)
	if !ok {
		return nil, "", false
	}
	e := v.(*cacheEntry)
	return e.signer, e.label, true
}

// put decodes pemBytes into a crypto.Signer, caches it with the PEM bytes
// locked in guarded memory, and returns the decoded signer.
func (c *keyCache) put(keyID, label string, pemBytes []byte) (crypto.Signer, error) {
	signer, err := certutil.ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, errors.WithMessagef(err, "decode key: %s", keyID)
	}

	locked := memguard.NewBufferFromBytes(pemBytes)

	c.mu.Lock()
	c.cache.Add(keyID, &cacheEntry{locked: locked, signer: signer, label: label})
	c.mu.Unlock()

	return signer, nil
}

// invalidate drops every cached entry, destroying the locked buffers behind
// them. Used on config reload, when key files on disk may have changed
// out from under the cache.
func (c *keyCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

func (c *keyCache) remove(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(keyID)
}
