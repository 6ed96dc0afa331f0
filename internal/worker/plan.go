package worker

import (
	"fmt"
	"time"
)

// Settings is the pacing configuration of one send job.
type Settings struct {
	// DelayMs is the pause between two parallel groups of the same batch.
	DelayMs int `json:"delayMs"`

	// Parallel is the number of concurrent deliveries per group. 0 means 1.
	Parallel int `json:"parallel"`

	// BatchSize is the number of recipients per batch.
	BatchSize int `json:"batchSize"`

	// BatchPauseMs is the pause between two batches.
	BatchPauseMs int `json:"batchPauseMs"`
}

func (s Settings) delay() time.Duration      { return time.Duration(s.DelayMs) * time.Millisecond }
func (s Settings) batchPause() time.Duration { return time.Duration(s.BatchPauseMs) * time.Millisecond }

func (s Settings) parallel() int {
	if s.Parallel <= 0 {
		return 1
	}
	return s.Parallel
}

// Group is a half-open [Start, End) range of recipient indexes delivered
// concurrently.
type Group struct {
	Start int
	End   int
}

// Len is the number of recipients in the group.
func (g Group) Len() int { return g.End - g.Start }

// Batch is a half-open [Start, End) range of recipient indexes, split into
// groups that never cross the batch boundary.
type Batch struct {
	Start  int
	End    int
	Groups []Group
}

// Len is the number of recipients in the batch.
func (b Batch) Len() int { return b.End - b.Start }

// Plan partitions n recipients into consecutive batches of batchSize, each
// split into consecutive groups of parallel. The last batch and the last
// group of every batch may be smaller. parallel <= 0 is treated as 1 and
// batchSize <= 0 as a single batch.
func Plan(n, batchSize, parallel int) []Batch {
	if n <= 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = n
	}
	if parallel <= 0 {
		parallel = 1
	}

	batches := make([]Batch, 0, ceilDiv(n, batchSize))
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		b := Batch{Start: start, End: end, Groups: make([]Group, 0, ceilDiv(end-start, parallel))}
		for gs := start; gs < end; gs += parallel {
			b.Groups = append(b.Groups, Group{Start: gs, End: min(gs+parallel, end)})
		}
		batches = append(batches, b)
	}
	return batches
}

// Estimate approximates how long a job of n recipients takes, counting only
// the configured waits: one delay per group and one pause between batches.
func Estimate(n int, s Settings) time.Duration {
	if n <= 0 {
		return 0
	}
	groups := ceilDiv(n, s.parallel())
	batches := 1
	if s.BatchSize > 0 {
		batches = ceilDiv(n, s.BatchSize)
	}
	return time.Duration(groups)*s.delay() + time.Duration(max(0, batches-1))*s.batchPause()
}

// FormatDuration renders d for humans: "1h 5min", "3min 2s" or "7s".
func FormatDuration(d time.Duration) string {
	secs := int64(d.Round(time.Second) / time.Second)
	if secs < 0 {
		secs = 0
	}
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dmin", h, m)
	case m > 0:
		return fmt.Sprintf("%dmin %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
