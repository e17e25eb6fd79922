package repository

import (
	"hash/maphash"
	"sync"
)

// StripedLocks serializes read-modify-write sequences against the same
// qq_id without forcing every user through one global mutex, per §5: "a
// per-user lock (striped map of locks)."
type StripedLocks struct {
	seed  maphash.Seed
	locks []sync.Mutex
}

// NewStripedLocks creates a StripedLocks with n stripes. n should be a
// power of two well above the expected number of concurrently-active
// users; collisions just serialize two unrelated users, they never
// corrupt state.
func NewStripedLocks(n int) *StripedLocks {
	return &StripedLocks{
		seed:  maphash.MakeSeed(),
		locks: make([]sync.Mutex, n),
	}
}

func (s *StripedLocks) stripe(qqID int64) *sync.Mutex {
	var h maphash.Hash
	h.SetSeed(s.seed)
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(qqID >> (8 * i))
	}
	h.Write(buf[:])
	return &s.locks[h.Sum64()%uint64(len(s.locks))]
}

// Lock acquires the stripe for qqID.
func (s *StripedLocks) Lock(qqID int64) { s.stripe(qqID).Lock() }

// Unlock releases the stripe for qqID.
func (s *StripedLocks) Unlock(qqID int64) { s.stripe(qqID).Unlock() }

// With runs fn while holding qqID's stripe.
func (s *StripedLocks) With(qqID int64, fn func()) {
	s.Lock(qqID)
	defer s.Unlock(qqID)
	fn()
}
