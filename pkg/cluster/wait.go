package cluster

import (
	"sync"
)

type result struct {
	data []byte
	err  error
}

// waiters parks proposers until the entry carrying their request id is
// applied. Entries whose proposer has gone are applied all the same.
type waiters struct {
	mu sync.Mutex
	m  map[string]chan result
}

func newWaiters() *waiters {
	return &waiters{m: make(map[string]chan result)}
}

func (w *waiters) register(id string) <-chan result {
	ch := make(chan result, 1)
	w.mu.Lock()
	w.m[id] = ch
	w.mu.Unlock()
	return ch
}

func (w *waiters) cancel(id string) {
	w.mu.Lock()
	delete(w.m, id)
	w.mu.Unlock()
}

func (w *waiters) trigger(id string, r result) {
	if id == "" {
		return
	}
	w.mu.Lock()
	ch, ok := w.m[id]
	delete(w.m, id)
	w.mu.Unlock()
	if ok {
		ch <- r
	}
}

func (w *waiters) failAll(err error) {
	w.mu.Lock()
	pending := w.m
	w.m = make(map[string]chan result)
	w.mu.Unlock()
	for _, ch := range pending {
		ch <- result{err: err}
	}
}

func (w *waiters) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.m)
}
