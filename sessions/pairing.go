package sessions

import (
	"sync"

	"github.com/ggoodman/pairgate/qr"
)

// PairingCache holds the latest rendered pairing artifact per session
// generation. It retains nothing beyond the current pairing attempt: every
// Store replaces the previous entry and Clear drops it.
type PairingCache struct {
	enc qr.Encoder

	mu      sync.RWMutex
	entries map[string]pairingEntry
}

type pairingEntry struct {
	raw      string
	artifact qr.Artifact
}

// NewPairingCache returns an empty cache rendering through enc.
func NewPairingCache(enc qr.Encoder) *PairingCache {
	return &PairingCache{enc: enc, entries: make(map[string]pairingEntry)}
}

// SetArtifact renders raw and stores it under key, replacing any previous
// entry. When rendering fails the raw payload is still recorded with an empty
// artifact and the render error is returned.
func (c *PairingCache) SetArtifact(key, raw string) (qr.Artifact, error) {
	a, err := c.enc.Encode(raw)
	if err != nil {
		a = qr.Artifact{Payload: raw}
	}
	c.mu.Lock()
	c.entries[key] = pairingEntry{raw: raw, artifact: a}
	c.mu.Unlock()
	return a, err
}

// Artifact returns the rendered artifact stored under key. ok is false when
// nothing displayable is cached.
func (c *PairingCache) Artifact(key string) (a qr.Artifact, ok bool) {
	c.mu.RLock()
	e, found := c.entries[key]
	c.mu.RUnlock()
	if !found || e.artifact.Empty() {
		return qr.Artifact{}, false
	}
	return e.artifact, true
}

// Raw returns the last raw payload recorded under key, rendered or not.
func (c *PairingCache) Raw(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e.raw, ok
}

// Clear drops the entry for key.
func (c *PairingCache) Clear(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *PairingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
