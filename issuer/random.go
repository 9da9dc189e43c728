// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"math/rand"
	"sync"
	"time"
)

// RandomSource supplies the randomness used for block selection. It is a
// scalability optimization only: allocation correctness never depends on
// the distribution, and tests pin it to zero.
type RandomSource interface {
	// Intn returns a value in [0, n).
	Intn(n int) int
}

// lockedRandSource is the default source, a seeded math/rand guarded by a
// mutex so concurrent allocations can share it.
type lockedRandSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (s *lockedRandSource) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Intn(n)
}

// DefaultRandomSource returns a seeded concurrent-safe source.
func DefaultRandomSource() RandomSource {
	return &lockedRandSource{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// ZeroRandomSource always returns zero. Correctness tests run with this
// source to prove allocation does not depend on random distribution.
type ZeroRandomSource struct{}

func (ZeroRandomSource) Intn(int) int { return 0 }
