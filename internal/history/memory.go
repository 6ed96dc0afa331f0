package history

import (
	"context"
	"sync"
)

// memoryLedger is a process-local ledger. It is lost on restart; use it for
// tests and dry runs.
type memoryLedger struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]struct{}
}

// NewMemory returns an empty in-memory ledger seeded with the given addresses.
func NewMemory(seed ...string) Ledger {
	l := &memoryLedger{index: make(map[string]struct{})}
	for _, s := range seed {
		_ = l.Record(context.Background(), Entry{Email: s})
	}
	return l
}

func (l *memoryLedger) Contains(_ context.Context, email string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[Normalize(email)]
	return ok, nil
}

func (l *memoryLedger) Record(_ context.Context, e Entry) error {
	e = stamp(e)
	if e.Email == "" {
		return ErrEmptyAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	l.index[e.Email] = struct{}{}
	return nil
}

func (l *memoryLedger) List(_ context.Context, fn func(Entry) error) error {
	l.mu.RLock()
	snapshot := append([]Entry(nil), l.entries...)
	l.mu.RUnlock()
	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (l *memoryLedger) Close() error { return nil }
