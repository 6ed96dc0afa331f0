package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nyashahama/massmail-backend/internal/email"
	"github.com/nyashahama/massmail-backend/internal/history"
	"github.com/nyashahama/massmail-backend/internal/metrics"
)

// Job results, also used as the metrics.Jobs label.
const (
	ResultCompleted = "completed"
	ResultStopped   = "stopped"
	ResultFailed    = "failed"
)

// Job is one mass send. Counters and timestamps are guarded by mu so a
// snapshot always sees processed == success + failed. The log ring has its
// own lock. running and stopRequested are flipped without mu.
type Job struct {
	id         uuid.UUID
	recipients []email.Recipient
	msg        email.Message
	settings   Settings
	skipped    int

	sender email.Sender
	ledger history.Ledger
	cfg    RunnerConfig
	logger *slog.Logger

	mu         sync.Mutex
	processed  int
	success    int
	failed     int
	startTime  time.Time
	finishedAt time.Time
	result     string

	logs *logRing

	running       atomic.Bool
	stopRequested atomic.Bool
	stopOnce      sync.Once
	stopCh        chan struct{}
	done          chan struct{}
}

func newJob(
	recipients []email.Recipient,
	msg email.Message,
	settings Settings,
	skipped int,
	sender email.Sender,
	ledger history.Ledger,
	cfg RunnerConfig,
	logger *slog.Logger,
) *Job {
	id := uuid.New()
	j := &Job{
		id:         id,
		recipients: recipients,
		msg:        msg,
		settings:   settings,
		skipped:    skipped,
		sender:     sender,
		ledger:     ledger,
		cfg:        cfg,
		logger:     logger.With("job_id", id),
		startTime:  time.Now(),
		logs:       newLogRing(LogCapacity),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	j.running.Store(true)
	return j
}

// ID returns the job identifier.
func (j *Job) ID() uuid.UUID { return j.id }

// Done is closed once the job is terminal.
func (j *Job) Done() <-chan struct{} { return j.done }

// ─── EXECUTION ────────────────────────────────────────────────────────────────

// run drives the job to a terminal state. It never panics and always leaves
// running == false.
func (j *Job) run(ctx context.Context) {
	defer close(j.done)
	j.finish(j.execute(ctx))
}

func (j *Job) execute(ctx context.Context) (result string) {
	defer func() {
		if p := recover(); p != nil {
			j.logger.Error("worker: job panicked", "panic", p, "stack", string(debug.Stack()))
			j.addLog(LevelError, fmt.Sprintf("send aborted by internal error: %v", p))
			result = ResultFailed
		}
	}()

	s := j.settings
	plan := Plan(len(j.recipients), s.BatchSize, s.parallel())

	j.addLog(LevelInfo, fmt.Sprintf(
		"starting send of %d emails | delay %dms | parallel %d | batch size %d | batch pause %dms | estimated %s",
		len(j.recipients), s.DelayMs, s.parallel(), s.BatchSize, s.BatchPauseMs,
		FormatDuration(Estimate(len(j.recipients), s)),
	))
	if j.skipped > 0 {
		j.addLog(LevelInfo, fmt.Sprintf("skipped %d recipients already in send history", j.skipped))
	}
	if rec := j.cfg.RecommendedDelay; rec > 0 && s.delay() < rec {
		j.addLog(LevelWarning, fmt.Sprintf("delay %dms is below the %dms recommended for this relay", s.DelayMs, rec.Milliseconds()))
	}

	for bi, batch := range plan {
		if j.halted(ctx) {
			return ResultStopped
		}

		j.addLog(LevelInfo, fmt.Sprintf("batch %d/%d: %d emails", bi+1, len(plan), batch.Len()))
		batchStart := time.Now()

		for gi, group := range batch.Groups {
			if j.halted(ctx) {
				return ResultStopped
			}

			j.sendGroup(ctx, j.recipients[group.Start:group.End])

			last := gi == len(batch.Groups)-1
			if !last && s.DelayMs > 0 && !j.halted(ctx) {
				j.wait(ctx, s.delay())
			}
		}

		if bi < len(plan)-1 && !j.halted(ctx) {
			j.addLog(LevelInfo, fmt.Sprintf("batch %d/%d complete in %s, pausing %s",
				bi+1, len(plan),
				FormatDuration(time.Since(batchStart)),
				FormatDuration(s.batchPause()),
			))
			if s.BatchPauseMs > 0 {
				j.wait(ctx, s.batchPause())
			}
		}
	}
	return ResultCompleted
}

// halted reports whether a stop was requested or the runner is shutting down.
func (j *Job) halted(ctx context.Context) bool {
	return j.stopRequested.Load() || ctx.Err() != nil
}

// wait sleeps for d, returning early on stop or ctx cancellation.
func (j *Job) wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-j.stopCh:
	case <-ctx.Done():
	}
}

// sendGroup delivers to every recipient concurrently and returns once all of
// them have an outcome.
func (j *Job) sendGroup(ctx context.Context, group []email.Recipient) {
	var g errgroup.Group
	for _, r := range group {
		g.Go(func() error {
			j.deliver(ctx, r)
			return nil
		})
	}
	_ = g.Wait()
}

func (j *Job) deliver(ctx context.Context, r email.Recipient) {
	transport := j.sender.Name()

	started := time.Now()
	err := j.attempt(ctx, r)
	metrics.DeliveryDuration.WithLabelValues(transport).Observe(time.Since(started).Seconds())

	if err != nil {
		j.recordFailure(transport, r, err)
		return
	}
	j.recordSuccess(ctx, transport, r)
}

// attempt runs one Deliver call. A panicking sender is reported as an error.
func (j *Job) attempt(ctx context.Context, r email.Recipient) (err error) {
	defer func() {
		if p := recover(); p != nil {
			j.logger.Error("worker: delivery panicked", "recipient", r.Email, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", p)
		}
	}()

	dctx, cancel := context.WithTimeout(ctx, j.cfg.DeliveryTimeout)
	defer cancel()
	return j.sender.Deliver(dctx, r, j.msg)
}

func (j *Job) recordSuccess(ctx context.Context, transport string, r email.Recipient) {
	j.mu.Lock()
	j.success++
	j.processed++
	j.mu.Unlock()

	metrics.Deliveries.WithLabelValues(transport, metrics.OutcomeSuccess).Inc()
	j.addLog(LevelSuccess, fmt.Sprintf("sent to %s", r.Email))

	if err := j.writeHistory(ctx, r); err != nil {
		metrics.HistoryWriteFailures.Inc()
		j.logger.Warn("worker: history write failed", "recipient", r.Email, "error", err)
		j.addLog(LevelWarning, fmt.Sprintf("sent to %s but could not record it in send history", r.Email))
	}
}

// writeHistory records r in the ledger. The write outlives a shutdown cancel
// since the mail already left, and a panicking ledger is reported as an error.
func (j *Job) writeHistory(ctx context.Context, r email.Recipient) (err error) {
	defer func() {
		if p := recover(); p != nil {
			j.logger.Error("worker: history write panicked", "recipient", r.Email, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("history write panicked: %v", p)
		}
	}()

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.cfg.HistoryTimeout)
	defer cancel()
	return j.ledger.Record(hctx, history.Entry{
		Email:     r.Email,
		FirstName: r.FirstName,
		LastName:  r.LastName,
	})
}

func (j *Job) recordFailure(transport string, r email.Recipient, err error) {
	j.mu.Lock()
	j.failed++
	j.processed++
	j.mu.Unlock()

	reason := email.Reason(err)
	outcome := metrics.OutcomeFailure
	if reason == email.ErrTimeout.Error() {
		outcome = metrics.OutcomeTimeout
	}
	metrics.Deliveries.WithLabelValues(transport, outcome).Inc()
	j.addLog(LevelError, fmt.Sprintf("failed to send to %s: %s", r.Email, reason))
}

// finish records the terminal state. The summary line is appended before
// running flips so any observer of running == false also sees it.
func (j *Job) finish(result string) {
	j.mu.Lock()
	j.finishedAt = time.Now()
	j.result = result
	elapsed := j.finishedAt.Sub(j.startTime)
	success, failed, processed := j.success, j.failed, j.processed
	j.mu.Unlock()

	switch result {
	case ResultStopped:
		j.addLog(LevelWarning, fmt.Sprintf("send stopped after %s: %d of %d processed, %d sent, %d failed",
			FormatDuration(elapsed), processed, len(j.recipients), success, failed))
	case ResultFailed:
		j.addLog(LevelError, fmt.Sprintf("send failed after %s: %d sent, %d failed",
			FormatDuration(elapsed), success, failed))
	default:
		j.addLog(LevelInfo, fmt.Sprintf("send finished in %s: %d sent, %d failed",
			FormatDuration(elapsed), success, failed))
	}

	metrics.Jobs.WithLabelValues(result).Inc()
	metrics.JobRunning.Set(0)
	j.running.Store(false)
}

// ─── CONTROL ──────────────────────────────────────────────────────────────────

// requestStop flags the job to halt at the next batch or group boundary.
// It reports false when the job is no longer running.
func (j *Job) requestStop() bool {
	if !j.running.Load() {
		return false
	}
	if j.stopRequested.CompareAndSwap(false, true) {
		j.stopOnce.Do(func() { close(j.stopCh) })
		j.addLog(LevelWarning, "stop requested, finishing the current group")
	}
	return true
}

// ─── REPORTING ────────────────────────────────────────────────────────────────

func (j *Job) addLog(level LogLevel, msg string) {
	j.logs.add(LogEntry{Timestamp: time.Now(), Level: level, Message: msg})

	lvl := slog.LevelInfo
	switch level {
	case LevelWarning:
		lvl = slog.LevelWarn
	case LevelError:
		lvl = slog.LevelError
	}
	j.logger.Log(context.Background(), lvl, "worker: "+msg)
}

// snapshot returns the job's current status.
func (j *Job) snapshot() Status {
	j.mu.Lock()
	st := Status{
		JobID:     j.id.String(),
		Total:     len(j.recipients),
		Processed: j.processed,
		Success:   j.success,
		Error:     j.failed,
		Skipped:   j.skipped,
		Result:    j.result,
	}
	start := j.startTime
	st.StartTime = &start
	if !j.finishedAt.IsZero() {
		fin := j.finishedAt
		st.FinishedAt = &fin
	}
	j.mu.Unlock()

	st.Running = j.running.Load()
	st.Stopped = j.stopRequested.Load()
	if st.Total > 0 {
		st.Percent = float64(st.Processed) / float64(st.Total) * 100
	}
	est := Estimate(st.Total, j.settings)
	st.EstimatedSeconds = int64(est / time.Second)
	st.Estimate = FormatDuration(est)
	settings := j.settings
	st.Settings = &settings
	st.Logs = j.logs.snapshot()
	st.RecommendedDelayMs = j.cfg.RecommendedDelay.Milliseconds()
	return st
}
