package history

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// fileLedger keeps the ledger as a newline-delimited text file and an
// in-memory index of the addresses in it. Appends are serialized by mu so
// concurrent Record calls never interleave partial lines.
type fileLedger struct {
	path string

	mu    sync.RWMutex
	f     *os.File
	index map[string]struct{}
}

// OpenFile opens (creating if needed) the ledger file at path and indexes the
// addresses already in it.
func OpenFile(path string) (Ledger, error) {
	index := make(map[string]struct{})
	if err := scanFile(path, func(e Entry) error {
		index[e.Email] = struct{}{}
		return nil
	}); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	return &fileLedger{path: path, f: f, index: index}, nil
}

func (l *fileLedger) Contains(_ context.Context, email string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[Normalize(email)]
	return ok, nil
}

func (l *fileLedger) Record(_ context.Context, e Entry) error {
	e = stamp(e)
	if e.Email == "" {
		return ErrEmptyAddress
	}
	line := FormatLine(e) + "\n"

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.New("history: ledger closed")
	}
	if _, err := l.f.WriteString(line); err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	l.index[e.Email] = struct{}{}
	return nil
}

// List reads the file up to the size it had when List was called. Every
// append under mu writes a whole line, so that prefix holds complete records,
// and fn runs without the lock held so a slow reader never blocks Record.
func (l *fileLedger) List(ctx context.Context, fn func(Entry) error) error {
	l.mu.RLock()
	size, err := l.size()
	l.mu.RUnlock()
	if err != nil {
		return err
	}

	return scanPrefix(l.path, size, func(e Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(e)
	})
}

func (l *fileLedger) size() (int64, error) {
	fi, err := os.Stat(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("history: stat %s: %w", l.path, err)
	}
	return fi.Size(), nil
}

func (l *fileLedger) known(_ context.Context, emails []string) (map[string]bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	found := make(map[string]bool)
	for _, e := range emails {
		if _, ok := l.index[e]; ok {
			found[e] = true
		}
	}
	return found, nil
}

func (l *fileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// scanFile calls fn for every record in path. A missing file is empty.
func scanFile(path string, fn func(Entry) error) error {
	return scanPrefix(path, -1, fn)
}

// scanPrefix is scanFile limited to the first limit bytes; a negative limit
// reads the whole file.
func scanPrefix(path string, limit int64, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("history: read %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit >= 0 {
		r = io.LimitReader(f, limit)
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		e, ok := ParseLine(scanner.Text())
		if !ok {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("history: scan %s: %w", path, err)
	}
	return nil
}
