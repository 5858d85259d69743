// Package dedupe suppresses packets this node has already processed,
// without the unbounded memory growth of keeping every digest ever seen.
package dedupe

import (
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"time"

	"git.schwanenlied.me/yawning/bloom.git"
)

const falsePositiveRate = 1e-6

// Filter is a rolling pair of Bloom filters: a "current" filter absorbs
// new digests, a "previous" filter still answers queries for digests
// seen just before the last rotation. Rotating on a timer bounds memory
// to roughly two windows' worth of traffic instead of growing forever.
type Filter struct {
	mu         sync.Mutex
	capacity   uint
	current    *bloom.BloomFilter
	previous   *bloom.BloomFilter
	lastRotate time.Time
}

// New builds a Filter sized for roughly capacity digests per window.
func New(capacity uint) (*Filter, error) {
	cur, err := bloom.NewOptimal(rand.Reader, capacity, falsePositiveRate)
	if err != nil {
		return nil, err
	}
	prev, err := bloom.NewOptimal(rand.Reader, capacity, falsePositiveRate)
	if err != nil {
		return nil, err
	}
	return &Filter{
		capacity:   capacity,
		current:    cur,
		previous:   prev,
		lastRotate: time.Now(),
	}, nil
}

// digest reduces a packet to the 32-byte key the filters track.
func digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// SeenBefore reports whether data has already passed through this filter
// in the current or previous window, and records it if not.
func (f *Filter) SeenBefore(data []byte) bool {
	d := digest(data)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current.Test(d) || f.previous.Test(d) {
		return true
	}
	f.current.Add(d)
	return false
}

// Rotate discards the previous window's filter and starts a fresh
// current one, called periodically by the reliability clock.
func (f *Filter) Rotate() error {
	fresh, err := bloom.NewOptimal(rand.Reader, f.capacity, falsePositiveRate)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.previous = f.current
	f.current = fresh
	f.lastRotate = time.Now()
	return nil
}
