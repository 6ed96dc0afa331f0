// Package worker contains the send pipeline: the batched, paced, cancellable
// Job and the Runner that holds at most one of them at a time. It is
// decoupled from the HTTP layer: the api package holds a worker.Controller
// and never touches Job internals.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nyashahama/massmail-backend/internal/email"
	"github.com/nyashahama/massmail-backend/internal/history"
	"github.com/nyashahama/massmail-backend/internal/metrics"
)

var (
	// ErrAlreadyRunning is returned by Start while a job is active.
	ErrAlreadyRunning = errors.New("worker: a send job is already running")

	// ErrNoActiveJob is returned by Stop when nothing is running.
	ErrNoActiveJob = errors.New("worker: no active send job")

	// ErrInvalidRequest wraps every Start validation failure.
	ErrInvalidRequest = errors.New("worker: invalid request")
)

// ─── CONTROLLER INTERFACE ─────────────────────────────────────────────────────

// Controller is the narrow interface the api package uses. The concrete
// implementation is *Runner.
type Controller interface {
	Start(ctx context.Context, req StartRequest) (Status, error)
	Status() Status
	Stop() error
}

// StartRequest is everything a new job needs.
type StartRequest struct {
	Recipients  []email.Recipient
	Subject     string
	HTML        string
	Attachments []email.Attachment
	Settings    Settings
}

// Status is a point-in-time snapshot of the current (or last) job. The zero
// job snapshot has an empty, non-nil Logs slice.
type Status struct {
	JobID            string     `json:"jobId,omitempty"`
	Running          bool       `json:"running"`
	Stopped          bool       `json:"stopped"`
	Total            int        `json:"total"`
	Processed        int        `json:"processed"`
	Success          int        `json:"success"`
	Error            int        `json:"error"`
	Skipped          int        `json:"skipped"`
	Percent          float64    `json:"percent"`
	StartTime        *time.Time `json:"startTime"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	Result           string     `json:"result,omitempty"`
	EstimatedSeconds int64      `json:"estimatedSeconds"`
	Estimate         string     `json:"estimate,omitempty"`
	Settings         *Settings  `json:"settings,omitempty"`
	Logs             []LogEntry `json:"logs"`

	// RecommendedDelayMs is the relay's suggested delayMs; 0 when unknown.
	RecommendedDelayMs int64 `json:"recommendedDelayMs,omitempty"`
}

// ─── RUNNER ───────────────────────────────────────────────────────────────────

// RunnerConfig holds tuning parameters for the Runner. Zero fields take the
// values from DefaultRunnerConfig.
type RunnerConfig struct {
	// DeliveryTimeout bounds one Deliver call. Default: 30s.
	DeliveryTimeout time.Duration

	// HistoryTimeout bounds one ledger write. Default: 5s.
	HistoryTimeout time.Duration

	// MaxParallel is the largest accepted Settings.Parallel. Default: 20.
	MaxParallel int

	// RecommendedDelay is the pacing suggested by the relay profile. It is
	// reported in Status and a job paced faster than it logs a warning.
	RecommendedDelay time.Duration
}

// DefaultRunnerConfig returns safe production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		DeliveryTimeout: 30 * time.Second,
		HistoryTimeout:  5 * time.Second,
		MaxParallel:     20,
	}
}

// Runner owns the single job slot. Start, Status and Stop are the only entry
// points that touch it.
type Runner struct {
	sender email.Sender
	ledger history.Ledger
	cfg    RunnerConfig
	logger *slog.Logger

	// base is the parent context of every job; cancelled by Shutdown.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	current  *Job
	starting bool
}

// NewRunner constructs a Runner with an empty slot.
func NewRunner(sender email.Sender, ledger history.Ledger, cfg RunnerConfig, logger *slog.Logger) *Runner {
	def := DefaultRunnerConfig()
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = def.HistoryTimeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}

	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		sender: sender,
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
		base:   base,
		cancel: cancel,
	}
}

// Start validates req, drops recipients already in the ledger and launches
// the job in the background. It returns the job's first snapshot without
// waiting for any delivery. ctx only bounds the ledger lookup.
func (r *Runner) Start(ctx context.Context, req StartRequest) (Status, error) {
	settings, err := validate(req, r.cfg.MaxParallel)
	if err != nil {
		return Status{}, err
	}

	if err := r.reserve(); err != nil {
		return Status{}, err
	}
	reserved := true
	defer func() {
		if reserved {
			r.release(nil)
		}
	}()

	recipients, skipped, err := r.filter(ctx, req.Recipients)
	if err != nil {
		return Status{}, err
	}
	metrics.RecipientsSkipped.Add(float64(skipped))

	msg := email.Prepare(email.Message{
		Subject:     req.Subject,
		HTML:        req.HTML,
		Attachments: req.Attachments,
	})

	job := newJob(recipients, msg, settings, skipped, r.sender, r.ledger, r.cfg, r.logger)
	r.release(job)
	reserved = false

	metrics.JobRunning.Set(1)
	r.logger.Info("worker: job started",
		"job_id", job.ID(),
		"total", len(recipients),
		"skipped", skipped,
		"transport", r.sender.Name(),
	)
	go job.run(r.base)

	return job.snapshot(), nil
}

// reserve claims the slot for a job that is being prepared.
func (r *Runner) reserve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.starting || (r.current != nil && r.current.running.Load()) {
		return ErrAlreadyRunning
	}
	r.starting = true
	return nil
}

// release ends a reservation, installing job when non-nil.
func (r *Runner) release(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starting = false
	if job != nil {
		r.current = job
	}
}

// filter removes recipients whose address is already in the ledger,
// preserving order.
func (r *Runner) filter(ctx context.Context, in []email.Recipient) ([]email.Recipient, int, error) {
	emails := make([]string, len(in))
	for i, rc := range in {
		emails[i] = rc.Email
	}
	known, err := history.Known(ctx, r.ledger, emails)
	if err != nil {
		return nil, 0, fmt.Errorf("worker: history lookup: %w", err)
	}

	out := make([]email.Recipient, 0, len(in))
	for _, rc := range in {
		if known[history.Normalize(rc.Email)] {
			continue
		}
		rc.Email = strings.TrimSpace(rc.Email)
		out = append(out, rc)
	}
	return out, len(in) - len(out), nil
}

// Status returns a snapshot of the current or most recent job, or an idle
// snapshot if no job was ever started.
func (r *Runner) Status() Status {
	r.mu.Lock()
	job := r.current
	r.mu.Unlock()

	if job == nil {
		return Status{Logs: []LogEntry{}, RecommendedDelayMs: r.cfg.RecommendedDelay.Milliseconds()}
	}
	return job.snapshot()
}

// Stop asks the running job to halt after its in-flight group. It returns
// immediately; repeated calls while the job winds down are accepted.
func (r *Runner) Stop() error {
	r.mu.Lock()
	job := r.current
	r.mu.Unlock()

	if job == nil || !job.requestStop() {
		return ErrNoActiveJob
	}
	r.logger.Info("worker: stop requested", "job_id", job.ID())
	return nil
}

// Done returns a channel closed when the current job is terminal. With no
// job it returns a closed channel.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	job := r.current
	r.mu.Unlock()

	if job == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return job.Done()
}

// Shutdown stops the running job and waits for its in-flight group until ctx
// expires, then cancels whatever is left.
func (r *Runner) Shutdown(ctx context.Context) error {
	defer r.cancel()

	_ = r.Stop()
	select {
	case <-r.Done():
		r.logger.Info("worker: stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("worker: shutdown deadline reached, cancelling in-flight deliveries")
		return ctx.Err()
	}
}

// ─── VALIDATION ───────────────────────────────────────────────────────────────

// validate checks req and returns its settings with defaults applied.
func validate(req StartRequest, maxParallel int) (Settings, error) {
	var problems []string

	if len(req.Recipients) == 0 {
		problems = append(problems, "recipients are required")
	}
	for i, rc := range req.Recipients {
		if strings.TrimSpace(rc.Email) == "" {
			problems = append(problems, fmt.Sprintf("recipients[%d].email is empty", i))
		}
	}
	if strings.TrimSpace(req.Subject) == "" {
		problems = append(problems, "subject is required")
	}
	if strings.TrimSpace(req.HTML) == "" {
		problems = append(problems, "html is required")
	}
	for i, a := range req.Attachments {
		if strings.TrimSpace(a.Filename) == "" {
			problems = append(problems, fmt.Sprintf("attachments[%d].filename is required", i))
		}
	}

	s := req.Settings
	if s.DelayMs < 0 {
		problems = append(problems, "settings.delayMs must be >= 0")
	}
	if s.BatchPauseMs < 0 {
		problems = append(problems, "settings.batchPauseMs must be >= 0")
	}
	if s.BatchSize < 1 {
		problems = append(problems, "settings.batchSize must be >= 1")
	}
	if s.Parallel < 0 {
		problems = append(problems, "settings.parallel must be >= 1")
	}
	if s.Parallel > maxParallel {
		problems = append(problems, fmt.Sprintf("settings.parallel must be <= %d", maxParallel))
	}

	if len(problems) > 0 {
		return Settings{}, fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}

	s.Parallel = s.parallel()
	return s, nil
}
