package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entsync/entsync/internal/logger"
	"github.com/entsync/entsync/models"
)

func TestJob_RunsSessionsOnTicker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, 10)
	f.addAndSave(t, f.client, &models.Setting{SyncMeta: models.NewMeta(), Key: "k", Value: "v"})
	f.clk.Advance(time.Minute)

	job := NewJob(f.engine, logger.Nop())
	job.Start(ctx, 10*time.Millisecond)
	defer job.Stop()

	require.Eventually(t, func() bool {
		all, err := f.server.ModifiedSince(ctx, models.TypeSetting, time.Time{}, 0)
		return err == nil && len(all) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestJob_StopIsIdempotent(t *testing.T) {
	f := newFixture(t, 100, 10)
	job := NewJob(f.engine, logger.Nop())

	// Stop without Start is a no-op.
	job.Stop()

	job.Start(context.Background(), time.Hour)
	job.Stop()
	job.Stop()
}

func TestJob_StopsWhenContextCancelled(t *testing.T) {
	f := newFixture(t, 100, 10)
	job := NewJob(f.engine, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	job.Start(ctx, time.Hour)
	cancel()

	// Stop returns promptly because the goroutine observed the cancel.
	done := make(chan struct{})
	go func() {
		job.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not stop after context cancellation")
	}
}

func TestJob_RunOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, 10)
	f.addAndSave(t, f.client, &models.Setting{SyncMeta: models.NewMeta(), Key: "k", Value: "v"})
	f.clk.Advance(time.Minute)

	job := NewJob(f.engine, logger.Nop())
	res, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateConverged, res.State)
	assert.Equal(t, 1, res.Pushed)
}
