package ingester

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// newTestWorker returns a worker whose backoff sleeps are recorded instead
// of waited out.
func newTestWorker(t *testing.T, db *gorm.DB) (*Worker, *[]time.Duration) {
	t.Helper()
	w := NewWorker(db, newTestRunner(t, db), WorkerConfig{})
	var slept []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return w, &slept
}

func loadUpload(t *testing.T, db *gorm.DB, id uint) UploadedFile {
	t.Helper()
	var rec UploadedFile
	require.NoError(t, db.First(&rec, id).Error)
	return rec
}

func TestWorker_DrainProcessesPendingInOrder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	dir := t.TempDir()
	w, slept := newTestWorker(t, db)

	a, err := SaveUpload(ctx, db, dir, "a.log", strings.NewReader(strings.Join(sampleSession, "\n")))
	require.NoError(t, err)
	b, err := SaveUpload(ctx, db, dir, "b.log", strings.NewReader(dragonLine))
	require.NoError(t, err)

	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, *slept)

	recA := loadUpload(t, db, a.UploadedFileID)
	assert.Equal(t, StatusCompleted, recA.Status)
	assert.Equal(t, 16, recA.EventsCount)
	assert.Equal(t, 1, recA.Attempts)

	recB := loadUpload(t, db, b.UploadedFileID)
	assert.Equal(t, StatusCompleted, recB.Status)
	assert.Equal(t, 1, recB.EventsCount)

	n, err = w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWorker_SameContentQueuedTwice(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	dir := t.TempDir()
	w, _ := newTestWorker(t, db)

	first, err := SaveUpload(ctx, db, dir, "a.log", strings.NewReader(dragonLine))
	require.NoError(t, err)
	second, err := SaveUpload(ctx, db, dir, "b.log", strings.NewReader(dragonLine))
	require.NoError(t, err)

	_, err = w.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, loadUpload(t, db, first.UploadedFileID).EventsCount)
	dup := loadUpload(t, db, second.UploadedFileID)
	assert.Equal(t, StatusCompleted, dup.Status)
	assert.Equal(t, 0, dup.EventsCount)
	assert.Equal(t, int64(100), loadPlayer(t, db, "p1").TotalXP)
}

func TestWorker_RetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	w, slept := newTestWorker(t, db)

	receipt, err := SaveUpload(ctx, db, t.TempDir(), "a.log", strings.NewReader(strings.Join(sampleSession, "\n")))
	require.NoError(t, err)

	// The first attempt dies on its second insert; later attempts succeed.
	failEventInsertsAfter(t, db, 1)
	calls := 0
	orig := w.sleep
	w.sleep = func(ctx context.Context, d time.Duration) error {
		calls++
		_ = db.Callback().Create().Remove("test:fail_event_insert")
		return orig(ctx, d)
	}

	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []time.Duration{30 * time.Second}, *slept)

	rec := loadUpload(t, db, receipt.UploadedFileID)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, 16, rec.EventsCount)
	assert.Empty(t, rec.LastError)
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	w, slept := newTestWorker(t, db)

	receipt, err := SaveUpload(ctx, db, t.TempDir(), "a.log", strings.NewReader(dragonLine))
	require.NoError(t, err)
	failEventInsertsAfter(t, db, 0)

	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, *slept)

	rec := loadUpload(t, db, receipt.UploadedFileID)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, DefaultMaxAttempts, rec.Attempts)
	assert.Contains(t, rec.LastError, "injected storage failure")
	assert.Equal(t, int64(0), countEvents(t, db))
}

func TestWorker_MissingFileIsNotRetried(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	w, slept := newTestWorker(t, db)

	receipt, err := SaveUpload(ctx, db, t.TempDir(), "a.log", strings.NewReader(dragonLine))
	require.NoError(t, err)
	require.NoError(t, os.Remove(receipt.StoredPath))

	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, *slept)

	rec := loadUpload(t, db, receipt.UploadedFileID)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.LastError, "log file not found")
	assert.Nil(t, rec.RetryAt)

	n, err = w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// markClaimed puts an upload into processing as if a worker had claimed it
// at the given time and then vanished.
func markClaimed(t *testing.T, db *gorm.DB, id uint, at time.Time) {
	t.Helper()
	require.NoError(t, db.Model(&UploadedFile{}).Where("id = ?", id).Updates(map[string]any{
		"status":     StatusProcessing,
		"attempts":   1,
		"claimed_at": at,
	}).Error)
}

func TestWorker_DrainRecoversAbandonedClaim(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	w, slept := newTestWorker(t, db)

	receipt, err := SaveUpload(ctx, db, t.TempDir(), "a.log", strings.NewReader(dragonLine))
	require.NoError(t, err)
	markClaimed(t, db, receipt.UploadedFileID, testNow.Add(-time.Hour))

	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, *slept)

	rec := loadUpload(t, db, receipt.UploadedFileID)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, 1, rec.EventsCount)
	assert.Empty(t, rec.LastError)
	assert.Nil(t, rec.RetryAt)
}

func TestWorker_LeavesLiveClaimAlone(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	w, _ := newTestWorker(t, db)

	receipt, err := SaveUpload(ctx, db, t.TempDir(), "a.log", strings.NewReader(dragonLine))
	require.NoError(t, err)
	markClaimed(t, db, receipt.UploadedFileID, testNow.Add(-time.Minute))

	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, StatusProcessing, loadUpload(t, db, receipt.UploadedFileID).Status)
	assert.Equal(t, int64(0), countEvents(t, db))
}

func TestWorker_RetryScheduledBeforeShutdownIsResumed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := openTestDB(t)
	w, _ := newTestWorker(t, db)

	receipt, err := SaveUpload(ctx, db, t.TempDir(), "a.log", strings.NewReader(dragonLine))
	require.NoError(t, err)
	remove := failEventInsertsAfter(t, db, 0)

	// The worker is stopped while it waits out the first backoff.
	w.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	n, err := w.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)

	rec := loadUpload(t, db, receipt.UploadedFileID)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.RetryAt)
	assert.True(t, rec.RetryAt.Equal(testNow.Add(30*time.Second)), "retry_at %s", rec.RetryAt)
	remove()

	restarted, slept := newTestWorker(t, db)
	n, err = restarted.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "retry is not due yet")

	restarted.now = func() time.Time { return testNow.Add(time.Minute) }
	n, err = restarted.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, *slept)

	rec = loadUpload(t, db, receipt.UploadedFileID)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Nil(t, rec.RetryAt)
}

func TestWorker_SkipsExhaustedUploads(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	w, _ := newTestWorker(t, db)

	receipt, err := SaveUpload(ctx, db, t.TempDir(), "a.log", strings.NewReader(dragonLine))
	require.NoError(t, err)
	require.NoError(t, db.Model(&UploadedFile{}).Where("id = ?", receipt.UploadedFileID).Updates(map[string]any{
		"status":   StatusFailed,
		"attempts": DefaultMaxAttempts,
		"retry_at": testNow.Add(-time.Hour),
	}).Error)

	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, StatusFailed, loadUpload(t, db, receipt.UploadedFileID).Status)
}

func TestWorker_ServeStopsOnCancel(t *testing.T) {
	db := openTestDB(t)
	w := NewWorker(db, newTestRunner(t, db), WorkerConfig{Concurrency: 2, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_Backoff(t *testing.T) {
	w := NewWorker(nil, nil, WorkerConfig{Backoff: []time.Duration{time.Second, 2 * time.Second}})
	assert.Equal(t, time.Second, w.backoff(0))
	assert.Equal(t, time.Second, w.backoff(1))
	assert.Equal(t, 2*time.Second, w.backoff(2))
	assert.Equal(t, 2*time.Second, w.backoff(5))
}
