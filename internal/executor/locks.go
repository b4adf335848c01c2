package executor

import "sync"

// instrumentLocks serializes submission protocols per instrument. At most
// one open or close protocol runs against a symbol at a time; a second
// caller fails fast instead of queueing behind an in-flight exchange
// call.
type instrumentLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newInstrumentLocks() *instrumentLocks {
	return &instrumentLocks{held: make(map[string]bool)}
}

// tryAcquire takes all symbols atomically, or none of them.
func (l *instrumentLocks) tryAcquire(symbols ...string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range symbols {
		if l.held[s] {
			return false
		}
	}
	for _, s := range symbols {
		l.held[s] = true
	}
	return true
}

func (l *instrumentLocks) release(symbols ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range symbols {
		delete(l.held, s)
	}
}
