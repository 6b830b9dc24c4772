package worker

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramkit/engram/internal/config"
	"github.com/engramkit/engram/internal/queue"
	"github.com/engramkit/engram/internal/store"
	"github.com/engramkit/engram/internal/types"
)

func newTestPool(t *testing.T) (*Pool, *queue.Queue, *store.Store) {
	t.Helper()
	cfg := config.Defaults()
	cfg.EmbeddingDim = 8
	cfg.WorkerPollBase = time.Millisecond
	cfg.WorkerPollCap = 5 * time.Millisecond

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "w.db"), cfg.EmbeddingDim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	q := queue.New(s, cfg.JobLease, cfg.JobMaxAttempts, cfg.JobBackoffBase, cfg.JobBackoffCap, slog.Default())
	return New(q, cfg, slog.Default()), q, s
}

func seedRevision(t *testing.T, s *store.Store, uid, rev string) {
	t.Helper()
	err := s.RunInTransaction(context.Background(), func(tx *store.Tx) error {
		return tx.CreateRevision(context.Background(), &types.ArtifactRevision{
			ArtifactUID:  uid,
			RevisionID:   rev,
			ArtifactID:   "art_" + uid,
			ArtifactType: types.ArtifactNote,
			ContentHash:  "h",
			TokenCount:   3,
		}, nil)
	})
	require.NoError(t, err)
}

// recorder counts handler invocations per job id.
type recorder struct {
	mu   sync.Mutex
	runs map[string]int
	err  error
}

func (r *recorder) Run(_ context.Context, job *types.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = make(map[string]int)
	}
	r.runs[job.JobID]++
	return r.err
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.runs {
		n += c
	}
	return n
}

func TestDrainOnceProcessesAllDueJobs(t *testing.T) {
	pool, q, s := newTestPool(t)
	ctx := context.Background()

	rec := &recorder{}
	pool.Register(types.JobExtract, rec)
	for _, uid := range []string{"uid_a", "uid_b", "uid_c"} {
		seedRevision(t, s, uid, "rev_1")
		_, err := q.Enqueue(ctx, types.JobExtract, uid, "rev_1")
		require.NoError(t, err)
	}

	ran, err := pool.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, ran)
	assert.Equal(t, 3, rec.total())

	job, err := s.JobForRevision(ctx, "uid_a", "rev_1", types.JobExtract)
	require.NoError(t, err)
	assert.Equal(t, types.JobDone, job.Status)
}

func TestFailedJobIsScheduledForRetry(t *testing.T) {
	pool, q, s := newTestPool(t)
	ctx := context.Background()

	rec := &recorder{err: errors.New("provider unavailable")}
	pool.Register(types.JobExtract, rec)
	seedRevision(t, s, "uid_a", "rev_1")
	_, err := q.Enqueue(ctx, types.JobExtract, "uid_a", "rev_1")
	require.NoError(t, err)

	ran, err := pool.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	job, err := s.JobForRevision(ctx, "uid_a", "rev_1", types.JobExtract)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, "provider unavailable")
	assert.True(t, job.NextRunAt.After(time.Now().UTC()), "retry is backed off")

	// The backed-off job is not due, so a second drain runs nothing.
	ran, err = pool.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, ran)
	assert.Equal(t, 1, rec.total())
}

func TestUnregisteredJobTypeFailsTheJob(t *testing.T) {
	pool, q, s := newTestPool(t)
	ctx := context.Background()

	pool.Register(types.JobExtract, &recorder{})
	seedRevision(t, s, "uid_a", "rev_1")
	_, err := q.Enqueue(ctx, types.JobGraphUpsert, "uid_a", "rev_1")
	require.NoError(t, err)

	_, err = pool.DrainOnce(ctx)
	require.NoError(t, err)

	job, err := s.JobForRevision(ctx, "uid_a", "rev_1", types.JobGraphUpsert)
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "no handler registered")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	pool, q, s := newTestPool(t)
	ctx, cancel := context.WithCancel(context.Background())

	processed := make(chan struct{}, 1)
	pool.Register(types.JobExtract, HandlerFunc(func(context.Context, *types.Job) error {
		select {
		case processed <- struct{}{}:
		default:
		}
		return nil
	}))
	seedRevision(t, s, "uid_a", "rev_1")
	_, err := q.Enqueue(context.Background(), types.JobExtract, "uid_a", "rev_1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	select {
	case <-processed:
	case <-time.After(5 * time.Second):
		t.Fatal("job never processed")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestPollBackoffIsCapped(t *testing.T) {
	pool, _, _ := newTestPool(t)
	d := pool.pollBase
	for i := 0; i < 20; i++ {
		d = min(d*2, pool.pollCap)
	}
	assert.Equal(t, pool.pollCap, d)
}
