// Package scheduler implements the Renewal Scheduler (spec.md §4.8),
// adapted from the teacher's certmanager renewal loop: wake periodically,
// compute the renewal-due set, and submit prioritized tasks to the Task
// Tracker with per-domain-set single-flight and exponential backoff.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/certbundle"
	"github.com/shibukawa/acmeclient/internal/logger"
	"github.com/shibukawa/acmeclient/internal/storage"
	"github.com/shibukawa/acmeclient/internal/task"
)

// Urgency is the renewal priority band of spec.md §4.8.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyHigh
	UrgencyUrgent
)

func (u Urgency) taskPriority() int { return int(u) }

// classify maps remaining lifetime to an urgency band.
func classify(remaining, threshold time.Duration) Urgency {
	switch {
	case remaining <= 0 || remaining < 24*time.Hour:
		return UrgencyUrgent
	case remaining < 7*24*time.Hour:
		return UrgencyHigh
	case remaining < threshold:
		return UrgencyNormal
	default:
		return UrgencyLow
	}
}

// Config bounds the scheduler's wake cadence and retry policy.
type Config struct {
	CheckInterval    time.Duration
	RenewalThreshold time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	MaxRetries       int
}

// DefaultConfig matches spec.md §4.8's stated defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    time.Hour,
		RenewalThreshold: 30 * 24 * time.Hour,
		BackoffBase:      time.Hour,
		BackoffCap:       24 * time.Hour,
		MaxRetries:       3,
	}
}

// Renewer is what the scheduler needs from the orchestration layer: run a
// full order for identifiers and return the new bundle. *orchestrator.Orchestrator
// satisfies this directly — a renewal is just another orchestration run
// against the same identifier set.
type Renewer interface {
	Run(ctx context.Context, identifiers []string, progress func(string)) (*certbundle.Bundle, error)
}

type retryState struct {
	attempts    int
	nextAttempt time.Time
}

// Scheduler wakes on Config.CheckInterval, computes the due set from the
// store, and submits renewal tasks through the tracker.
type Scheduler struct {
	store      storage.Store
	tracker    *task.Tracker
	renewer    Renewer
	cfg        Config
	logger     *logger.Logger
	errHandler *acmeerr.Handler

	mu      sync.Mutex
	retries map[string]*retryState
	group   singleflight.Group

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Scheduler. Call Start to begin the wake loop.
func New(store storage.Store, tracker *task.Tracker, renewer Renewer, cfg Config, log *logger.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	schedLog := log.WithComponent("renewal-scheduler")
	return &Scheduler{
		store:      store,
		tracker:    tracker,
		renewer:    renewer,
		cfg:        cfg,
		logger:     schedLog,
		errHandler: acmeerr.NewHandler(schedLog, acmeerr.NewLogAlerter(schedLog)),
		retries:    make(map[string]*retryState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the periodic wake loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop cancels the wake loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// UpdateConfig swaps the renewal-threshold/backoff tuning live, for the
// config watcher's hot-reload path. CheckInterval is intentionally excluded
// since it would require rebuilding the ticker.
func (s *Scheduler) UpdateConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.CheckInterval = s.cfg.CheckInterval
	s.cfg = cfg
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	defer acmeerr.RecoveryHandler(s.errHandler)()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.checkForRenewals()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkForRenewals()
		}
	}
}

func (s *Scheduler) checkForRenewals() {
	fingerprints, err := s.store.ListCertificates(s.ctx)
	if err != nil {
		s.logger.Error("failed to list certificates for renewal check", "error", err)
		return
	}

	now := time.Now()
	for _, fp := range fingerprints {
		_, _, meta, err := s.store.LoadCertificate(s.ctx, fp)
		if err != nil {
			s.logger.Warn("failed to load certificate for renewal check", "fingerprint", fp, "error", err)
			continue
		}
		notAfter, err := time.Parse(time.RFC3339, meta.NotAfter)
		if err != nil {
			s.logger.Warn("unparseable not_after in certificate metadata", "fingerprint", fp, "error", err)
			continue
		}

		s.mu.Lock()
		threshold := s.cfg.RenewalThreshold
		s.mu.Unlock()

		remaining := notAfter.Sub(now)
		urgency := classify(remaining, threshold)
		if urgency == UrgencyLow {
			continue
		}
		s.maybeSubmit(fp, urgency, now)
	}
}

// maybeSubmit enforces single-flight per domain set (spec.md §4.8:
// "the scheduler never submits more than one renewal task per domain set
// concurrently") via singleflight.Group — a concurrent call for a
// fingerprint still being processed from an earlier wake joins that call
// instead of submitting a second task — and the retry backoff schedule.
func (s *Scheduler) maybeSubmit(fingerprint string, urgency Urgency, now time.Time) {
	s.mu.Lock()
	if rs, ok := s.retries[fingerprint]; ok {
		if rs.attempts >= s.cfg.MaxRetries || now.Before(rs.nextAttempt) {
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	go func() {
		defer acmeerr.RecoveryHandler(s.errHandler)()
		s.group.Do(fingerprint, func() (any, error) {
			s.submitAndAwait(fingerprint, urgency)
			return nil, nil
		})
	}()
}

// submitAndAwait submits the renewal task and blocks until it reaches a
// terminal state, applying the backoff/failure policy of spec.md §4.8.
// It runs inside the scheduler's singleflight group, so it is never
// entered twice concurrently for the same fingerprint.
func (s *Scheduler) submitAndAwait(fingerprint string, urgency Urgency) {
	identifiers := splitFingerprint(fingerprint)
	taskID, err := s.tracker.Submit(task.Job{
		Kind:     task.KindRenew,
		Priority: urgency.taskPriority(),
		Run: func(ctx context.Context, progress func(string)) (any, error) {
			bundle, err := s.renewer.Run(ctx, identifiers, progress)
			if err != nil {
				return nil, err
			}
			meta := storage.CertMeta{
				NotBefore: bundle.NotBefore.Format(time.RFC3339),
				NotAfter:  bundle.NotAfter.Format(time.RFC3339),
				Serial:    bundle.SerialHex,
			}
			if serr := s.store.SaveCertificate(ctx, fingerprint, bundle.ChainPEM, bundle.KeyPEM, meta); serr != nil {
				s.logger.Warn("failed to persist renewed certificate", "fingerprint", fingerprint, "error", serr)
			}
			return bundle, nil
		},
	})
	if err != nil {
		s.logger.Error("failed to submit renewal task", "fingerprint", fingerprint, "error", err)
		return
	}
	s.logger.Info("submitted renewal task", "fingerprint", fingerprint, "task_id", taskID, "urgency", urgency)
	s.awaitOutcome(fingerprint, taskID)
}

// awaitOutcome polls the tracker for the renewal task's terminal state and
// applies the backoff/failure policy of spec.md §4.8.
func (s *Scheduler) awaitOutcome(fingerprint, taskID string) {
	for {
		t, ok := s.tracker.Status(taskID)
		if !ok {
			return
		}
		switch t.State {
		case task.StateSucceeded:
			s.mu.Lock()
			delete(s.retries, fingerprint)
			s.mu.Unlock()
			return
		case task.StateFailed, task.StateCancelled:
			s.recordFailure(fingerprint, t.Err)
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *Scheduler) recordFailure(fingerprint string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.retries[fingerprint]
	if !ok {
		rs = &retryState{}
		s.retries[fingerprint] = rs
	}
	rs.attempts++

	backoff := s.cfg.BackoffBase << (rs.attempts - 1)
	if backoff > s.cfg.BackoffCap || backoff <= 0 {
		backoff = s.cfg.BackoffCap
	}
	rs.nextAttempt = time.Now().Add(backoff)

	if rs.attempts >= s.cfg.MaxRetries {
		s.logger.Error("certificate renewal failed after max retries; operator intervention required",
			"fingerprint", fingerprint, "attempts", rs.attempts, "error", cause)
		if merr := s.store.MarkRenewalFailed(s.ctx, fingerprint, errString(cause)); merr != nil {
			s.logger.Warn("failed to record renewal_failed status", "fingerprint", fingerprint, "error", merr)
		}
		return
	}

	s.logger.Warn("certificate renewal attempt failed; will retry",
		"fingerprint", fingerprint, "attempt", rs.attempts, "next_attempt", rs.nextAttempt, "error", cause)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func splitFingerprint(fingerprint string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(fingerprint); i++ {
		if i == len(fingerprint) || fingerprint[i] == ',' {
			if i > start {
				out = append(out, fingerprint[start:i])
			}
			start = i + 1
		}
	}
	return out
}
