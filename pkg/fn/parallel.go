package fn

import (
	"fmt"
	"sync"
)

// ParMap applies f to each item with bounded concurrency, preserving order.
func ParMap[T, U any](items []T, workers int, f func(T) U) []U {
	out := make([]U, len(items))
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}
	if workers == 0 {
		return out
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i, v := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, v T) {
			defer func() { <-sem; wg.Done() }()
			out[i] = f(v)
		}(i, v)
	}
	wg.Wait()
	return out
}

// Guard wraps f so that a panic is turned into the value produced by onPanic.
func Guard[T any](f func() T, onPanic func(error) T) func() T {
	return func() (out T) {
		defer func() {
			if p := recover(); p != nil {
				out = onPanic(fmt.Errorf("panic: %v", p))
			}
		}()
		return f()
	}
}
