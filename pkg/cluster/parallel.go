package cluster

import (
	"runtime"
	"sync"
)

// parallelFor splits [0, n) into contiguous ranges of at least grain
// elements and runs fn over them on up to workers goroutines. The call
// returns after every range has completed, which also publishes all writes
// made inside fn to the caller.
func parallelFor(n, grain, workers int, fn func(lo, hi int)) {
	if n == 0 {
		return
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if grain < 1 {
		grain = 1
	}

	chunks := (n + grain - 1) / grain
	if chunks > workers {
		chunks = workers
	}
	if chunks <= 1 {
		fn(0, n)
		return
	}

	step := (n + chunks - 1) / chunks
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += step {
		hi := lo + step
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}
