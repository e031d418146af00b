package ingester

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"gamelog-ingester/logging"
)

const (
	DefaultHashWindow = 7 * 24 * time.Hour
	maxLineBytes      = 1 << 20
)

type RunnerConfig struct {
	// HashWindow is how far back the duplicate cache is preloaded.
	HashWindow time.Duration
	// Location is the timezone log timestamps are written in. Nil means UTC.
	Location *time.Location
	// PlayerIDPattern recognises player identifiers in payload fields.
	PlayerIDPattern *regexp.Regexp
	// Now is the clock used for last_seen and the cache window.
	Now func() time.Time
	// StaleAfter is how long a processing record may sit before a new run
	// for the same path takes it over.
	StaleAfter time.Duration
}

// Runner ingests log files into the database, one transaction per file.
// A Runner is safe for concurrent use; each call owns its own run state.
type Runner struct {
	cfg RunnerConfig
	db  *gorm.DB
	log zerolog.Logger
}

// Result is the outcome of one ProcessFile call.
type Result struct {
	UploadedFileID  uint       `json:"uploaded_file_id"`
	Status          FileStatus `json:"status"`
	EventsProcessed int        `json:"events_processed"`
	EventsSkipped   int        `json:"events_skipped"`
	DuplicateFile   bool       `json:"duplicate_file"`
	LinesRead       int        `json:"lines_read"`
	LinesParsed     int        `json:"lines_parsed"`
}

func NewRunner(db *gorm.DB, cfg RunnerConfig) (*Runner, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if cfg.HashWindow <= 0 {
		cfg.HashWindow = DefaultHashWindow
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PlayerIDPattern == nil {
		cfg.PlayerIDPattern = regexp.MustCompile(DefaultPlayerIDPattern)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * DefaultJobTimeout
	}
	return &Runner{cfg: cfg, db: db, log: logging.WithComponent("runner")}, nil
}

// ProcessFile ingests the file at path. A missing file fails with
// ErrFileNotFound before anything is written. Content identical to an
// already completed file is reported as a duplicate without reprocessing.
func (r *Runner) ProcessFile(ctx context.Context, path string) (*Result, error) {
	sum, err := fileDigest(path)
	if err != nil {
		return nil, err
	}
	if res, ok, err := r.duplicateOf(ctx, sum, 0); err != nil || ok {
		return res, err
	}

	rec, err := r.openRecord(ctx, path, sum)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, rec)
}

// ProcessUpload ingests a record already claimed into processing.
func (r *Runner) ProcessUpload(ctx context.Context, rec *UploadedFile) (*Result, error) {
	if rec.Status != StatusProcessing {
		return nil, fmt.Errorf("%w: upload %d is %s, not claimed", ErrInvalidTransition, rec.ID, rec.Status)
	}
	sum, err := fileDigest(rec.FilePath)
	if err != nil {
		r.markFailed(ctx, rec, err)
		return nil, err
	}
	res, dup, err := r.duplicateOf(ctx, sum, rec.ID)
	if err != nil {
		r.markFailed(ctx, rec, err)
		return nil, err
	}
	if dup {
		// Nothing to ingest; close this record out against the earlier one.
		now := r.cfg.Now().UTC()
		if err := r.db.WithContext(ctx).Model(rec).Updates(map[string]any{
			"status":       StatusCompleted,
			"file_hash":    sum,
			"events_count": 0,
			"processed_at": now,
		}).Error; err != nil {
			err = fmt.Errorf("complete duplicate upload %d: %w", rec.ID, err)
			r.markFailed(ctx, rec, err)
			return nil, err
		}
		rec.Status = StatusCompleted
		return res, nil
	}
	if rec.ContentHash != sum {
		if err := r.db.WithContext(ctx).Model(rec).Update("file_hash", sum).Error; err != nil {
			err = fmt.Errorf("record hash for upload %d: %w", rec.ID, err)
			r.markFailed(ctx, rec, err)
			return nil, err
		}
		rec.ContentHash = sum
	}
	return r.run(ctx, rec)
}

func fileDigest(path string) (string, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// duplicateOf reports a completed record, other than exclude, with the same
// content hash as a duplicate-file result.
func (r *Runner) duplicateOf(ctx context.Context, sum string, exclude uint) (*Result, bool, error) {
	prev, err := completedByHash(ctx, r.db, sum, exclude)
	if err != nil || prev == nil {
		return nil, false, err
	}
	r.log.Info().Uint("uploaded_file_id", prev.ID).Str("sha256", sum).Msg("file already ingested")
	fileOutcomes.WithLabelValues("duplicate").Inc()
	return &Result{
		UploadedFileID: prev.ID,
		Status:         StatusCompleted,
		EventsSkipped:  prev.EventsCount,
		DuplicateFile:  true,
	}, true, nil
}

// openRecord reuses the record for path or creates one, and moves it to
// processing. A record still in processing is only taken over once its
// claim has gone stale.
func (r *Runner) openRecord(ctx context.Context, path, sum string) (*UploadedFile, error) {
	now := r.cfg.Now().UTC()
	var rec UploadedFile
	err := r.db.WithContext(ctx).Where("file_path = ?", path).Order("id desc").First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = UploadedFile{
			FilePath:    path,
			Name:        filepath.Base(path),
			ContentHash: sum,
			Status:      StatusProcessing,
			ClaimedAt:   &now,
		}
		if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
			return nil, fmt.Errorf("create upload record: %w", err)
		}
		return &rec, nil
	case err != nil:
		return nil, fmt.Errorf("lookup upload record: %w", err)
	}

	if rec.Status == StatusProcessing {
		released, err := releaseStaleClaims(ctx, r.db, rec.ID, now, r.cfg.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("release upload record %d: %w", rec.ID, err)
		}
		if released == 0 {
			return nil, fmt.Errorf("%w: upload %d is already being processed", ErrInvalidTransition, rec.ID)
		}
		r.log.Warn().Uint("uploaded_file_id", rec.ID).Msg("took over abandoned processing record")
		rec.Status = StatusFailed
	}

	if err := checkTransition(rec.Status, StatusProcessing); err != nil {
		return nil, err
	}
	res := r.db.WithContext(ctx).Model(&UploadedFile{}).
		Where("id = ? AND status = ?", rec.ID, rec.Status).
		Updates(map[string]any{
			"status":     StatusProcessing,
			"file_hash":  sum,
			"claimed_at": now,
			"retry_at":   nil,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("reopen upload record %d: %w", rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: upload %d changed status concurrently", ErrInvalidTransition, rec.ID)
	}
	rec.Status = StatusProcessing
	rec.ContentHash = sum
	rec.ClaimedAt = &now
	rec.RetryAt = nil
	return &rec, nil
}

func (r *Runner) run(ctx context.Context, rec *UploadedFile) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := r.log.With().Str("run_id", runID).Uint("uploaded_file_id", rec.ID).Str("file", rec.FilePath).Logger()
	log.Info().Msg("ingest start")

	res := &Result{UploadedFileID: rec.ID}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.ingest(ctx, tx, rec, res); err != nil {
			return err
		}
		if err := checkTransition(rec.Status, StatusCompleted); err != nil {
			return err
		}
		now := r.cfg.Now().UTC()
		return tx.Model(rec).Updates(map[string]any{
			"status":       StatusCompleted,
			"events_count": res.EventsProcessed,
			"processed_at": now,
			"last_error":   "",
		}).Error
	})
	runDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.markFailed(ctx, rec, err)
		log.Error().Err(err).Int("lines_read", res.LinesRead).Msg("ingest failed")
		return nil, fmt.Errorf("ingest %s: %w", rec.FilePath, err)
	}

	rec.Status = StatusCompleted
	res.Status = StatusCompleted
	eventsProcessed.Add(float64(res.EventsProcessed))
	fileOutcomes.WithLabelValues(string(StatusCompleted)).Inc()
	log.Info().
		Int("lines_read", res.LinesRead).
		Int("lines_parsed", res.LinesParsed).
		Int("events_processed", res.EventsProcessed).
		Int("events_skipped", res.EventsSkipped).
		Dur("elapsed", time.Since(start)).
		Msg("ingest done")
	return res, nil
}

// ingest streams the file through parse, dedup, upsert and insert, then
// recomputes the touched aggregates. Everything goes through tx.
func (r *Runner) ingest(ctx context.Context, tx *gorm.DB, rec *UploadedFile, res *Result) error {
	f, err := os.Open(rec.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, rec.FilePath)
		}
		return err
	}
	defer f.Close()

	detector := NewDetector(tx)
	if err := detector.Preload(ctx, r.cfg.Now().Add(-r.cfg.HashWindow)); err != nil {
		return err
	}
	upserter := NewUpserter(tx, r.cfg.Now, r.cfg.PlayerIDPattern, nil)

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.LinesRead++
		ev, ok := ParseLine(sc.Text(), r.cfg.Location)
		if !ok {
			continue
		}
		res.LinesParsed++

		hash := EventHash(ev)
		verdict, err := detector.Check(ctx, ev, hash)
		if err != nil {
			return fmt.Errorf("line %d: %w", res.LinesRead, err)
		}
		if verdict.Duplicate() {
			res.EventsSkipped++
			eventsSkipped.WithLabelValues(verdict.String()).Inc()
			continue
		}

		if err := upserter.Apply(ctx, ev); err != nil {
			return fmt.Errorf("line %d: %w", res.LinesRead, err)
		}
		row := GameEvent{
			Timestamp:      ev.Timestamp,
			Category:       ev.Category,
			EventType:      ev.EventType,
			PlayerID:       upserter.Actor(ev),
			Payload:        newPayloadColumn(ev.Payload),
			UploadedFileID: rec.ID,
			EventHash:      hash,
			CreatedAt:      r.cfg.Now().UTC(),
		}
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("line %d: insert event: %w", res.LinesRead, err)
		}
		detector.Remember(hash)
		res.EventsProcessed++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", rec.FilePath, err)
	}

	if err := NewRecalculator(tx).RecalculateTouched(ctx, upserter.Touched()); err != nil {
		return fmt.Errorf("recalculate: %w", err)
	}
	return nil
}

// markFailed records the failure outside the rolled back transaction. It
// must run even when ctx is already cancelled.
func (r *Runner) markFailed(ctx context.Context, rec *UploadedFile, cause error) {
	if err := checkTransition(rec.Status, StatusFailed); err != nil {
		r.log.Warn().Err(err).Uint("uploaded_file_id", rec.ID).Msg("cannot mark failed")
		return
	}
	res := r.db.WithContext(context.WithoutCancel(ctx)).Model(&UploadedFile{}).
		Where("id = ? AND status = ?", rec.ID, rec.Status).
		Updates(map[string]any{
			"status":     StatusFailed,
			"last_error": cause.Error(),
		})
	if res.Error != nil {
		r.log.Error().Err(res.Error).Uint("uploaded_file_id", rec.ID).Msg("mark failed")
		return
	}
	if res.RowsAffected == 0 {
		r.log.Warn().Uint("uploaded_file_id", rec.ID).Msg("upload left processing before it could be marked failed")
		return
	}
	rec.Status = StatusFailed
	rec.LastError = cause.Error()
	fileOutcomes.WithLabelValues(string(StatusFailed)).Inc()
}
