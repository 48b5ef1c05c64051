package engine

import (
	"math/rand/v2"
	"sync"
	"time"
)

// RandomSource returns a uniformly distributed value in [0, 1).
type RandomSource func() float64

// NewRandomSource returns a PCG-backed source. rand.Rand is not safe for
// concurrent use, so draws are serialised on a mutex.
func NewRandomSource(seed1, seed2 uint64) RandomSource {
	var mu sync.Mutex
	rng := rand.New(rand.NewPCG(seed1, seed2))
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64()
	}
}

func defaultRandomSource() RandomSource {
	now := uint64(time.Now().UnixNano())
	return NewRandomSource(now, now>>32|now<<32)
}

// Sequence replays vals in order and wraps around. Intended for tests.
func Sequence(vals ...float64) RandomSource {
	var mu sync.Mutex
	i := 0
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		v := vals[i%len(vals)]
		i++
		return v
	}
}
