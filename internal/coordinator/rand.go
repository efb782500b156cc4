package coordinator

import (
	"math/rand"
	"sync"
	"time"
)

// rngMu/rng back every random node pick in this package behind a mutex,
// since math/rand's default source is not safe for concurrent use.
var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	rngMu.Lock()
	v := rng.Intn(n)
	rngMu.Unlock()
	return v
}
