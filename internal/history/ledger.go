// Package history is the send-history ledger: an append-only record of every
// address a message was successfully delivered to. The send pipeline reads it
// once per job (delta filtering) and appends to it after each successful
// delivery.
//
// Correctness depends only on set membership. Engines never deduplicate on
// write, so the same address may appear more than once physically.
//
// Dependency rule: history imports nothing from the rest of the module.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Entry is one ledger record.
type Entry struct {
	Email     string    `json:"email"`
	FirstName string    `json:"firstName,omitempty"`
	LastName  string    `json:"lastName,omitempty"`
	SentAt    time.Time `json:"sentAt"`
}

// Ledger is the storage-agnostic contract. Record must be safe to call
// concurrently from parallel deliveries.
type Ledger interface {
	// Contains reports whether the normalized address has ever been recorded.
	Contains(ctx context.Context, email string) (bool, error)

	// Record appends e unconditionally. The address is normalized first.
	Record(ctx context.Context, e Entry) error

	// List calls fn for every record in append order. Returning an error from
	// fn stops the iteration and is returned as-is.
	List(ctx context.Context, fn func(Entry) error) error

	Close() error
}

// bulkLookup is implemented by engines that can answer membership for many
// addresses in one round trip.
type bulkLookup interface {
	known(ctx context.Context, emails []string) (map[string]bool, error)
}

var (
	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("history: unknown backend")

	// ErrEmptyAddress is returned by Record when the normalized address is empty.
	ErrEmptyAddress = errors.New("history: empty address")
)

// Normalize is the ledger key: trimmed and lowercased.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Known returns the set of normalized addresses from emails that are already
// in the ledger.
func Known(ctx context.Context, l Ledger, emails []string) (map[string]bool, error) {
	keys := make([]string, 0, len(emails))
	for _, e := range emails {
		if k := Normalize(e); k != "" {
			keys = append(keys, k)
		}
	}

	if bl, ok := l.(bulkLookup); ok {
		return bl.known(ctx, keys)
	}

	found := make(map[string]bool)
	for _, k := range keys {
		ok, err := l.Contains(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("history: lookup %s: %w", k, err)
		}
		if ok {
			found[k] = true
		}
	}
	return found, nil
}

// ─── TEXT FORMAT ──────────────────────────────────────────────────────────────

// FormatLine renders e as one tab-separated line (without newline):
//
//	address<TAB>first<TAB>last<TAB>RFC3339 timestamp
//
// The address comes first so the ledger stays greppable.
func FormatLine(e Entry) string {
	ts := ""
	if !e.SentAt.IsZero() {
		ts = e.SentAt.UTC().Format(time.RFC3339)
	}
	return strings.Join([]string{
		Normalize(e.Email),
		clean(e.FirstName),
		clean(e.LastName),
		ts,
	}, "\t")
}

// ParseLine is the inverse of FormatLine. A line holding just an address is
// valid. ok is false for blank lines and # comments.
func ParseLine(line string) (e Entry, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
		return Entry{}, false
	}
	fields := strings.Split(line, "\t")
	e.Email = Normalize(fields[0])
	if e.Email == "" {
		return Entry{}, false
	}
	if len(fields) > 1 {
		e.FirstName = fields[1]
	}
	if len(fields) > 2 {
		e.LastName = fields[2]
	}
	if len(fields) > 3 && fields[3] != "" {
		if ts, err := time.Parse(time.RFC3339, fields[3]); err == nil {
			e.SentAt = ts
		}
	}
	return e, true
}

// clean keeps name fields from breaking the line format.
func clean(s string) string {
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(strings.TrimSpace(s))
}

func stamp(e Entry) Entry {
	e.Email = Normalize(e.Email)
	if e.SentAt.IsZero() {
		e.SentAt = time.Now().UTC()
	}
	return e
}
