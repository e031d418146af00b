package ingester

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"gamelog-ingester/logging"
)

const (
	DefaultJobTimeout  = 300 * time.Second
	DefaultMaxAttempts = 3
)

// DefaultBackoff is the wait before the second, third and later attempts.
var DefaultBackoff = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// Timeout bounds a single attempt; the run is rolled back when it fires.
	Timeout     time.Duration
	MaxAttempts int
	Backoff     []time.Duration
	// StaleAfter is how long a claim may stay in processing before the
	// upload is treated as abandoned and claimed again.
	StaleAfter time.Duration
}

// Worker drains pending uploads. It implements suture.Service.
type Worker struct {
	cfg    WorkerConfig
	db     *gorm.DB
	runner *Runner
	log    zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewWorker(db *gorm.DB, runner *Runner, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultJobTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * cfg.Timeout
	}
	w := &Worker{cfg: cfg, db: db, runner: runner, log: logging.WithComponent("worker"), now: time.Now, sleep: sleepCtx}
	if runner != nil {
		w.now = runner.cfg.Now
	}
	return w
}

func (w *Worker) String() string { return "upload-worker" }

// Serve polls for pending uploads until ctx is cancelled.
func (w *Worker) Serve(ctx context.Context) error {
	w.log.Info().Int("concurrency", w.cfg.Concurrency).Dur("poll_interval", w.cfg.PollInterval).Msg("worker started")
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
	w.log.Info().Msg("worker stopped")
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for {
		n, err := w.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error().Err(err).Int("slot", slot).Msg("drain")
		}
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			continue
		}
		if err := w.sleep(ctx, w.cfg.PollInterval); err != nil {
			return
		}
	}
}

// Drain processes claimable uploads one at a time until none are left or
// ctx ends. It returns how many uploads were handled.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	handled := 0
	for ctx.Err() == nil {
		rec, err := w.claim(ctx)
		if err != nil {
			return handled, err
		}
		if rec == nil {
			return handled, nil
		}
		w.handle(ctx, rec)
		handled++
	}
	return handled, ctx.Err()
}

// claim moves the oldest claimable upload to processing. Claimable means
// pending, or failed with a retry that has come due. Claims abandoned by a
// dead worker are released first. The conditional update makes the claim
// exclusive among workers sharing the database.
func (w *Worker) claim(ctx context.Context) (*UploadedFile, error) {
	now := w.now().UTC()
	released, err := releaseStaleClaims(ctx, w.db, 0, now, w.cfg.StaleAfter)
	if err != nil {
		return nil, fmt.Errorf("release stale claims: %w", err)
	}
	if released > 0 {
		w.log.Warn().Int64("released", released).Msg("released abandoned processing uploads")
	}

	var pending int64
	if err := w.db.WithContext(ctx).Model(&UploadedFile{}).Where("status = ?", StatusPending).Count(&pending).Error; err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	uploadsPending.Set(float64(pending))

	for {
		var rec UploadedFile
		err := w.db.WithContext(ctx).
			Where("status = ? OR (status = ? AND retry_at IS NOT NULL AND retry_at <= ? AND attempts < ?)",
				StatusPending, StatusFailed, now, w.cfg.MaxAttempts).
			Order("id asc").First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select claimable: %w", err)
		}
		ok, err := w.take(ctx, &rec, now)
		if err != nil {
			return nil, fmt.Errorf("claim upload %d: %w", rec.ID, err)
		}
		if ok {
			return &rec, nil
		}
		// Another worker won; look again.
	}
}

// take moves rec to processing if nobody changed its status since it was
// read. It reports false when another worker got there first.
func (w *Worker) take(ctx context.Context, rec *UploadedFile, now time.Time) (bool, error) {
	if err := checkTransition(rec.Status, StatusProcessing); err != nil {
		return false, err
	}
	res := w.db.WithContext(ctx).Model(&UploadedFile{}).
		Where("id = ? AND status = ?", rec.ID, rec.Status).
		Updates(map[string]any{
			"status":     StatusProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"claimed_at": now,
			"retry_at":   nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	rec.Status = StatusProcessing
	rec.Attempts++
	rec.ClaimedAt = &now
	rec.RetryAt = nil
	return true, nil
}

// handle runs one claimed upload with retries. Each attempt gets its own
// timeout. A failed attempt is stamped with its retry time before the
// backoff, so a restarted worker picks the retry up where this one stopped.
func (w *Worker) handle(ctx context.Context, rec *UploadedFile) {
	log := w.log.With().Uint("uploaded_file_id", rec.ID).Str("file", rec.FilePath).Logger()
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
		res, err := w.runner.ProcessUpload(attemptCtx, rec)
		cancel()
		if err == nil {
			log.Info().Int("attempt", rec.Attempts).
				Int("events_processed", res.EventsProcessed).
				Int("events_skipped", res.EventsSkipped).
				Bool("duplicate_file", res.DuplicateFile).
				Msg("upload ingested")
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("attempt timed out after %s: %w", w.cfg.Timeout, err)
		}
		log.Warn().Err(err).Int("attempt", rec.Attempts).Msg("upload attempt failed")

		if errors.Is(err, ErrFileNotFound) || rec.Attempts >= w.cfg.MaxAttempts {
			log.Error().Err(err).Int("attempts", rec.Attempts).Msg("giving up on upload")
			return
		}
		wait := w.backoff(rec.Attempts)
		if err := w.scheduleRetry(ctx, rec, wait); err != nil {
			log.Error().Err(err).Msg("schedule retry")
			return
		}
		if ctx.Err() != nil {
			log.Info().Time("retry_at", *rec.RetryAt).Msg("worker stopping, retry left scheduled")
			return
		}
		workerRetries.Inc()
		if err := w.sleep(ctx, wait); err != nil {
			return
		}
		ok, err := w.take(ctx, rec, w.now().UTC())
		if err != nil {
			log.Error().Err(err).Msg("reclaim upload")
			return
		}
		if !ok {
			log.Info().Msg("retry taken by another worker")
			return
		}
	}
}

// scheduleRetry stamps a failed record with the time its next attempt is
// due. It runs even when ctx is already cancelled.
func (w *Worker) scheduleRetry(ctx context.Context, rec *UploadedFile, wait time.Duration) error {
	at := w.now().UTC().Add(wait)
	res := w.db.WithContext(context.WithoutCancel(ctx)).Model(&UploadedFile{}).
		Where("id = ? AND status = ?", rec.ID, StatusFailed).
		Update("retry_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("upload %d is not failed", rec.ID)
	}
	rec.RetryAt = &at
	return nil
}

// releaseStaleClaims moves processing records whose claim is older than
// staleAfter, or was never stamped, to failed with a retry due now. id
// limits the release to one record; zero releases every stale claim.
// An abandoned attempt still counts toward max attempts.
func releaseStaleClaims(ctx context.Context, db *gorm.DB, id uint, now time.Time, staleAfter time.Duration) (int64, error) {
	cutoff := now.Add(-staleAfter)
	q := db.WithContext(ctx).Model(&UploadedFile{}).
		Where("status = ? AND (claimed_at IS NULL OR claimed_at <= ?)", StatusProcessing, cutoff)
	if id != 0 {
		q = q.Where("id = ?", id)
	}
	res := q.Updates(map[string]any{
		"status":     StatusFailed,
		"last_error": fmt.Sprintf("abandoned in processing, no progress since %s", cutoff.Format(time.RFC3339)),
		"retry_at":   now,
	})
	return res.RowsAffected, res.Error
}

// backoff returns the wait after the given number of failed attempts.
func (w *Worker) backoff(failed int) time.Duration {
	if failed <= 0 {
		failed = 1
	}
	if failed > len(w.cfg.Backoff) {
		return w.cfg.Backoff[len(w.cfg.Backoff)-1]
	}
	return w.cfg.Backoff[failed-1]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
