package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/internal/analyzer"
	"github.com/kiranshivaraju/docbatch/internal/analyzer/mock"
	"github.com/kiranshivaraju/docbatch/internal/engine"
	"github.com/kiranshivaraju/docbatch/internal/metrics"
	"github.com/kiranshivaraju/docbatch/internal/progress"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- helpers ---

func testConfig() engine.Config {
	return engine.Config{
		PoolSize:            4,
		DefaultTimeout:      2 * time.Second,
		IdlePoll:            5 * time.Millisecond,
		RetryInitial:        time.Millisecond,
		RetryMax:            5 * time.Millisecond,
		StaleClaimAfter:     time.Minute,
		StorageFailureLimit: 3,
		AnalysisKinds:       []string{"text", "academic"},
	}
}

func newEngine(t *testing.T, s store.Store, a models.Analyzer, cfg engine.Config) *engine.Engine {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	inv := analyzer.NewInvoker(a, cfg.DefaultTimeout, m)
	return engine.New(s, inv, nil, m, cfg)
}

// runEngine starts the worker pool and returns a func that stops it and waits.
func runEngine(t *testing.T, e *engine.Engine) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	var stopped atomic.Bool
	stop = func() {
		if stopped.Swap(true) {
			return
		}
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("engine did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func intPtr(i int) *int { return &i }

func createJob(t *testing.T, e *engine.Engine, maxRetries, n int) *models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := e.CreateJob(ctx, engine.JobSpec{
		Name:         "engine-test",
		AnalysisKind: "text",
		Priority:     models.PriorityNormal,
		MaxRetries:   intPtr(maxRetries),
	})
	require.NoError(t, err)

	batch := make([]models.NewItem, n)
	for i := range batch {
		batch[i] = models.NewItem{
			PayloadRef: fmt.Sprintf("doc-%d", i+1),
			Metadata:   map[string]any{"index": i + 1},
		}
	}
	ids, err := e.AddItems(ctx, job.ID, batch)
	require.NoError(t, err)
	require.Len(t, ids, n)
	return job
}

func waitForStatus(t *testing.T, e *engine.Engine, jobID uuid.UUID, status string) *engine.JobStatus {
	t.Helper()
	var st *engine.JobStatus
	require.Eventually(t, func() bool {
		got, err := e.JobStatus(context.Background(), jobID)
		if err != nil {
			return false
		}
		st = got
		return got.Status == status
	}, 10*time.Second, 5*time.Millisecond, "job never reached %s", status)
	return st
}

func itemsByPayload(t *testing.T, e *engine.Engine, jobID uuid.UUID) map[string]*models.Item {
	t.Helper()
	items, err := e.ListItems(context.Background(), jobID, nil, uuid.Nil, 1000)
	require.NoError(t, err)
	out := make(map[string]*models.Item, len(items))
	for _, it := range items {
		out[it.PayloadRef] = it
	}
	return out
}

func assertCountsConsistent(t *testing.T, c models.Counts) {
	t.Helper()
	assert.Equal(t, c.Total, c.Pending+c.InProgress+c.Completed+c.Failed, "counts must add up: %+v", c)
}

// blockingAnalyzer blocks every call until its context is done and reports each start.
func blockingAnalyzer(started chan<- string) *mock.MockAnalyzer {
	return &mock.MockAnalyzer{
		Name_: "blocking",
		AnalyzeFunc: func(ctx context.Context, payloadRef, _ string, _ map[string]any) (map[string]any, error) {
			started <- payloadRef
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

func slowAnalyzer(d time.Duration) *mock.MockAnalyzer {
	return &mock.MockAnalyzer{
		Name_: "slow",
		AnalyzeFunc: func(ctx context.Context, payloadRef, _ string, _ map[string]any) (map[string]any, error) {
			select {
			case <-time.After(d):
				return map[string]any{"payload_ref": payloadRef}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// --- scenarios ---

func TestScenario_RetriesThenSucceeds(t *testing.T) {
	a := mock.NewFlakyAnalyzer(map[string]int{"doc-3": 2}, nil)
	e := newEngine(t, store.NewMemoryStore(), a, testConfig())
	runEngine(t, e)

	job := createJob(t, e, 2, 5)
	_, err := e.StartJob(context.Background(), job.ID)
	require.NoError(t, err)

	st := waitForStatus(t, e, job.ID, models.JobStatusCompleted)
	assert.Equal(t, models.Counts{Total: 5, Completed: 5}, st.Counts)
	assert.Equal(t, 100.0, st.ProgressPercentage)
	assert.NotNil(t, st.FinishedAt)

	items := itemsByPayload(t, e, job.ID)
	assert.Equal(t, 3, items["doc-3"].AttemptCount)
	assert.Equal(t, 3, a.Calls("doc-3"))
	for ref, it := range items {
		assert.Equal(t, models.ItemStatusCompleted, it.Status, ref)
		assert.Equal(t, ref, it.Result["payload_ref"])
	}
}

func TestScenario_FatalFailureDoesNotFailJob(t *testing.T) {
	a := mock.NewMockAnalyzer()
	echo := a.AnalyzeFunc
	a.AnalyzeFunc = func(ctx context.Context, payloadRef, kind string, options map[string]any) (map[string]any, error) {
		if payloadRef == "doc-2" {
			return nil, fmt.Errorf("%w: unreadable", analyzer.ErrInvalidInput)
		}
		return echo(ctx, payloadRef, kind, options)
	}
	e := newEngine(t, store.NewMemoryStore(), a, testConfig())
	runEngine(t, e)

	job := createJob(t, e, 3, 3)
	_, err := e.StartJob(context.Background(), job.ID)
	require.NoError(t, err)

	st := waitForStatus(t, e, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 1, st.Counts.Failed)
	assert.Equal(t, 2, st.Counts.Completed)

	items := itemsByPayload(t, e, job.ID)
	failed := items["doc-2"]
	assert.Equal(t, models.ItemStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.AttemptCount, "fatal failures are not retried")
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "unreadable")
	assert.Equal(t, 1, a.Calls("doc-2"))
}

func TestScenario_PauseDrainsAndResumes(t *testing.T) {
	cfg := testConfig()
	cfg.PoolSize = 8
	e := newEngine(t, store.NewMemoryStore(), slowAnalyzer(5*time.Millisecond), cfg)
	runEngine(t, e)
	ctx := context.Background()

	job := createJob(t, e, 3, 100)
	_, err := e.StartJob(ctx, job.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := e.JobStatus(ctx, job.ID)
		return err == nil && st.Counts.Completed >= 50
	}, 10*time.Second, time.Millisecond)

	paused, err := e.PauseJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPaused, paused.Status)
	assert.Zero(t, paused.Counts.InProgress)
	assertCountsConsistent(t, paused.Counts)

	claimed, err := e.ListItems(ctx, job.ID, []string{models.ItemStatusClaimed}, uuid.Nil, 1000)
	require.NoError(t, err)
	assert.Empty(t, claimed, "no item may stay claimed after pause")

	// Nothing is claimed while paused.
	time.Sleep(20 * time.Millisecond)
	st, err := e.JobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, paused.Counts, st.Counts)

	_, err = e.StartJob(ctx, job.ID)
	require.NoError(t, err)

	st = waitForStatus(t, e, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 100, st.Counts.Completed)
	assertCountsConsistent(t, st.Counts)
}

// --- retry law ---

func TestRetryBudgetExhausted(t *testing.T) {
	a := mock.NewFailingAnalyzer(fmt.Errorf("%w: status 503", analyzer.ErrAnalyzerUnavailable))
	e := newEngine(t, store.NewMemoryStore(), a, testConfig())
	runEngine(t, e)

	job := createJob(t, e, 1, 2)
	_, err := e.StartJob(context.Background(), job.ID)
	require.NoError(t, err)

	st := waitForStatus(t, e, job.ID, models.JobStatusCompleted)
	assert.Equal(t, models.Counts{Total: 2, Failed: 2}, st.Counts)

	for ref, it := range itemsByPayload(t, e, job.ID) {
		assert.Equal(t, models.ItemStatusFailed, it.Status, ref)
		assert.Equal(t, 2, it.AttemptCount, "max_retries+1 attempts")
		assert.Equal(t, 2, a.Calls(ref))
		require.NotNil(t, it.LastError)
		assert.Contains(t, *it.LastError, "analyzer unavailable")
	}
}

func TestTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	a := &mock.MockAnalyzer{Name_: "hangs-once"}
	a.AnalyzeFunc = func(ctx context.Context, payloadRef, _ string, _ map[string]any) (map[string]any, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]any{"ok": true}, nil
	}
	cfg := testConfig()
	cfg.PoolSize = 1
	cfg.DefaultTimeout = 20 * time.Millisecond
	e := newEngine(t, store.NewMemoryStore(), a, cfg)
	runEngine(t, e)

	job := createJob(t, e, 1, 1)
	_, err := e.StartJob(context.Background(), job.ID)
	require.NoError(t, err)

	waitForStatus(t, e, job.ID, models.JobStatusCompleted)
	it := itemsByPayload(t, e, job.ID)["doc-1"]
	assert.Equal(t, models.ItemStatusCompleted, it.Status)
	assert.Equal(t, 2, it.AttemptCount)
}

func TestEmptyPayloadFailsWithoutInvocation(t *testing.T) {
	a := mock.NewMockAnalyzer()
	e := newEngine(t, store.NewMemoryStore(), a, testConfig())
	runEngine(t, e)
	ctx := context.Background()

	job, err := e.CreateJob(ctx, engine.JobSpec{Name: "empty", AnalysisKind: "text"})
	require.NoError(t, err)
	_, err = e.AddItems(ctx, job.ID, []models.NewItem{{PayloadRef: ""}, {PayloadRef: "text"}})
	require.NoError(t, err)
	_, err = e.StartJob(ctx, job.ID)
	require.NoError(t, err)

	st := waitForStatus(t, e, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 1, st.Counts.Failed)
	assert.Equal(t, 1, a.TotalCalls())
}

// --- cancel ---

func TestCancelInterruptsInFlight(t *testing.T) {
	started := make(chan string, 10)
	cfg := testConfig()
	cfg.PoolSize = 2
	e := newEngine(t, store.NewMemoryStore(), blockingAnalyzer(started), cfg)
	runEngine(t, e)
	ctx := context.Background()

	job := createJob(t, e, 3, 3)
	_, err := e.StartJob(ctx, job.ID)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("workers did not start")
		}
	}

	cancelled, err := e.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.FinishedAt)
	assert.Equal(t, models.Counts{Total: 3, Pending: 1, Failed: 2}, cancelled.Counts)

	for _, it := range itemsByPayload(t, e, job.ID) {
		if it.Status == models.ItemStatusFailed {
			require.NotNil(t, it.LastError)
			assert.Equal(t, "cancelled", *it.LastError)
		}
	}

	_, err = e.StartJob(ctx, job.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidState, "cancelled is terminal")
	_, err = e.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestCancelCreatedJob(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore(), mock.NewMockAnalyzer(), testConfig())
	job := createJob(t, e, 3, 2)

	cancelled, err := e.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.Equal(t, 2, cancelled.Counts.Pending)
}

// --- shutdown and resume ---

func TestShutdownReleasesClaimsAndResumeCompletes(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	started := make(chan string, 10)

	first := newEngine(t, s, blockingAnalyzer(started), testConfig())
	stop := runEngine(t, first)

	job := createJob(t, first, 3, 6)
	_, err := first.StartJob(ctx, job.ID)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		<-started
	}
	stop()

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status, "shutdown leaves jobs running")
	counts, err := s.RecomputeCounts(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, counts.InProgress, "interrupted claims are released")
	assert.Equal(t, 6, counts.Pending, "interrupted attempts are not counted")

	_, err = first.StartJob(ctx, job.ID)
	assert.ErrorIs(t, err, engine.ErrEngine, "a stopped engine accepts no work")

	second := newEngine(t, s, mock.NewMockAnalyzer(), testConfig())
	report, err := second.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Jobs)
	runEngine(t, second)

	_, err = second.StartJob(ctx, job.ID)
	require.NoError(t, err)
	st := waitForStatus(t, second, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 6, st.Counts.Completed)
}

func TestResumeReleasesOrphanedClaims(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	a := mock.NewMockAnalyzer()

	// A crashed process left a running job with two claimed items.
	crashed := newEngine(t, s, a, testConfig())
	job := createJob(t, crashed, 3, 5)
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning))
	for i := 0; i < 2; i++ {
		it, err := s.ClaimNextPending(ctx, job.ID, "dead-worker")
		require.NoError(t, err)
		require.NotNil(t, it)
	}

	e := newEngine(t, s, a, testConfig())
	report, err := e.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.ResumeReport{Jobs: 1, Released: 2}, report)

	st, err := e.JobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, st.Status)
	assert.Equal(t, models.Counts{Total: 5, Pending: 5}, st.Counts)

	// No workers run until an explicit start.
	runEngine(t, e)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, a.TotalCalls())

	_, err = e.StartJob(ctx, job.ID)
	require.NoError(t, err)
	waitForStatus(t, e, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 5, a.TotalCalls())

	_, err = e.StartJob(ctx, job.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestResumeCompletesSettledJob(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	e := newEngine(t, s, mock.NewMockAnalyzer(), testConfig())
	job := createJob(t, e, 3, 1)
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning))
	it, err := s.ClaimNextPending(ctx, job.ID, "w")
	require.NoError(t, err)
	_, err = s.RecordResult(ctx, store.ClaimOf(it), models.Success(nil), time.Now())
	require.NoError(t, err)

	_, err = e.Resume(ctx)
	require.NoError(t, err)
	runEngine(t, e)
	_, err = e.StartJob(ctx, job.ID)
	require.NoError(t, err)
	waitForStatus(t, e, job.ID, models.JobStatusCompleted)
}

// --- state validation ---

func TestStartJob_Validation(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore(), mock.NewMockAnalyzer(), testConfig())
	ctx := context.Background()

	empty, err := e.CreateJob(ctx, engine.JobSpec{Name: "empty", AnalysisKind: "text"})
	require.NoError(t, err)
	_, err = e.StartJob(ctx, empty.ID)
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "items", verr.Field)

	_, err = e.StartJob(ctx, uuid.New())
	assert.ErrorIs(t, err, engine.ErrJobNotFound)

	job := createJob(t, e, 3, 2)
	_, err = e.StartJob(ctx, job.ID)
	require.NoError(t, err)
	_, err = e.StartJob(ctx, job.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidState)

	_, err = e.AddItems(ctx, job.ID, []models.NewItem{{PayloadRef: "late"}})
	var serr *engine.InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, models.JobStatusRunning, serr.Status)

	_, err = e.PauseJob(ctx, empty.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidState, "only running jobs pause")
}

func TestAddItemsWhilePaused(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore(), slowAnalyzer(time.Millisecond), testConfig())
	runEngine(t, e)
	ctx := context.Background()

	job := createJob(t, e, 3, 20)
	_, err := e.StartJob(ctx, job.ID)
	require.NoError(t, err)
	paused, err := e.PauseJob(ctx, job.ID)
	require.NoError(t, err)

	if paused.Status == models.JobStatusPaused {
		_, err = e.AddItems(ctx, job.ID, []models.NewItem{{PayloadRef: "late-1"}, {PayloadRef: "late-2"}})
		require.NoError(t, err)
		_, err = e.StartJob(ctx, job.ID)
		require.NoError(t, err)
		st := waitForStatus(t, e, job.ID, models.JobStatusCompleted)
		assert.Equal(t, 22, st.Counts.Completed)
	}
}

func TestAddItems_BatchLimits(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore(), mock.NewMockAnalyzer(), testConfig())
	ctx := context.Background()
	job, err := e.CreateJob(ctx, engine.JobSpec{Name: "limits", AnalysisKind: "text"})
	require.NoError(t, err)

	_, err = e.AddItems(ctx, job.ID, nil)
	var verr *engine.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = e.AddItems(ctx, job.ID, make([]models.NewItem, 1001))
	assert.ErrorAs(t, err, &verr)

	_, err = e.AddItems(ctx, uuid.New(), []models.NewItem{{PayloadRef: "x"}})
	assert.ErrorIs(t, err, engine.ErrJobNotFound)
}

func TestCreateJob_Validation(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore(), mock.NewMockAnalyzer(), testConfig())
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name  string
		spec  engine.JobSpec
		field string
	}{
		{"missing name", engine.JobSpec{Name: "  ", AnalysisKind: "text"}, "name"},
		{"long name", engine.JobSpec{Name: string(long), AnalysisKind: "text"}, "name"},
		{"unknown kind", engine.JobSpec{Name: "j", AnalysisKind: "sentiment"}, "analysis_kind"},
		{"negative retries", engine.JobSpec{Name: "j", AnalysisKind: "text", MaxRetries: intPtr(-1)}, "max_retries"},
		{"too many retries", engine.JobSpec{Name: "j", AnalysisKind: "text", MaxRetries: intPtr(11)}, "max_retries"},
		{"bad priority", engine.JobSpec{Name: "j", AnalysisKind: "text", Priority: 7}, "priority"},
		{"timeout too long", engine.JobSpec{Name: "j", AnalysisKind: "text", TimeoutSeconds: 601}, "timeout_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateJob(context.Background(), tt.spec)
			var verr *engine.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	job, err := e.CreateJob(context.Background(), engine.JobSpec{Name: " ok ", AnalysisKind: "academic"})
	require.NoError(t, err)
	assert.Equal(t, "ok", job.Name)
	assert.Equal(t, models.DefaultMaxRetries, job.MaxRetries)
	assert.Equal(t, models.JobStatusCreated, job.Status)

	zero, err := e.CreateJob(context.Background(), engine.JobSpec{Name: "zero", AnalysisKind: "text", MaxRetries: intPtr(0)})
	require.NoError(t, err)
	assert.Equal(t, 0, zero.MaxRetries)
}

func TestListJobsAndItems_Validation(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore(), mock.NewMockAnalyzer(), testConfig())
	ctx := context.Background()
	job := createJob(t, e, 3, 3)

	jobs, total, err := e.ListJobs(ctx, models.JobStatusCreated, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, job.ID, jobs[0].ID)

	_, _, err = e.ListJobs(ctx, "sleeping", 10, 0)
	assert.Error(t, err)
	_, _, err = e.ListJobs(ctx, "", 1001, 0)
	assert.Error(t, err)
	_, _, err = e.ListJobs(ctx, "", -1, 0)
	var limitErr *engine.ValidationError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "limit", limitErr.Field)

	jobs, _, err = e.ListJobs(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "zero limit means the default page size")
	all, err := e.ListItems(ctx, job.ID, nil, uuid.Nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	items, err := e.ListItems(ctx, job.ID, []string{models.ItemStatusPending}, uuid.Nil, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	rest, err := e.ListItems(ctx, job.ID, nil, items[1].ID, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	_, err = e.ListItems(ctx, job.ID, []string{"lost"}, uuid.Nil, 10)
	var verr *engine.ValidationError
	assert.ErrorAs(t, err, &verr)
	_, err = e.ListItems(ctx, uuid.New(), nil, uuid.Nil, 10)
	assert.ErrorIs(t, err, engine.ErrJobNotFound)
}

// --- concurrency ---

func TestConcurrentJobsAllComplete(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore(), slowAnalyzer(time.Millisecond), testConfig())
	runEngine(t, e)
	ctx := context.Background()

	jobs := make([]*models.Job, 3)
	for i := range jobs {
		jobs[i] = createJob(t, e, 3, 25)
		_, err := e.StartJob(ctx, jobs[i].ID)
		require.NoError(t, err)
	}
	for _, job := range jobs {
		st := waitForStatus(t, e, job.ID, models.JobStatusCompleted)
		assert.Equal(t, 25, st.Counts.Completed)
	}
}

func TestEachItemInvokedOncePerAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.PoolSize = 8
	a := mock.NewMockAnalyzer()
	e := newEngine(t, store.NewMemoryStore(), a, cfg)
	runEngine(t, e)

	job := createJob(t, e, 0, 200)
	_, err := e.StartJob(context.Background(), job.ID)
	require.NoError(t, err)
	waitForStatus(t, e, job.ID, models.JobStatusCompleted)

	for ref, it := range itemsByPayload(t, e, job.ID) {
		assert.Equal(t, 1, a.Calls(ref), ref)
		assert.Equal(t, 1, it.AttemptCount, ref)
	}
}

// gatedAnalyzer reports each start and returns a result tagged with by once
// release is closed.
func gatedAnalyzer(by string, started chan<- string, release <-chan struct{}) *mock.MockAnalyzer {
	return &mock.MockAnalyzer{
		Name_: "gated",
		AnalyzeFunc: func(ctx context.Context, payloadRef, _ string, _ map[string]any) (map[string]any, error) {
			started <- payloadRef
			select {
			case <-release:
				return map[string]any{"by": by}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func TestWorkerIDsAreUniquePerEngine(t *testing.T) {
	s := store.NewMemoryStore()
	a := newEngine(t, s, mock.NewMockAnalyzer(), testConfig())
	b := newEngine(t, s, mock.NewMockAnalyzer(), testConfig())
	assert.NotEqual(t, a.InstanceID(), b.InstanceID())

	cfg := testConfig()
	cfg.InstanceID = "host-a"
	assert.Equal(t, "host-a", newEngine(t, s, mock.NewMockAnalyzer(), cfg).InstanceID())
}

// Engine B resumes a job whose item is still being analyzed by a live engine A.
// A's late result must not overwrite the claim B now holds.
func TestReleasedClaimIsFencedAcrossEngines(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	cfg := testConfig()
	cfg.PoolSize = 1

	startedA, releaseA := make(chan string, 1), make(chan struct{})
	engA := newEngine(t, s, gatedAnalyzer("A", startedA, releaseA), cfg)
	runEngine(t, engA)

	job := createJob(t, engA, 3, 1)
	_, err := engA.StartJob(ctx, job.ID)
	require.NoError(t, err)
	select {
	case <-startedA:
	case <-time.After(5 * time.Second):
		t.Fatal("engine A never invoked the analyzer")
	}
	claimA := *itemsByPayload(t, engA, job.ID)["doc-1"].ClaimedBy
	assert.Contains(t, claimA, engA.InstanceID())

	startedB, releaseB := make(chan string, 1), make(chan struct{})
	engB := newEngine(t, s, gatedAnalyzer("B", startedB, releaseB), cfg)
	report, err := engB.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Released)
	runEngine(t, engB)
	_, err = engB.StartJob(ctx, job.ID)
	require.NoError(t, err)
	select {
	case <-startedB:
	case <-time.After(5 * time.Second):
		t.Fatal("engine B never invoked the analyzer")
	}
	claimB := *itemsByPayload(t, engB, job.ID)["doc-1"].ClaimedBy
	require.NotEqual(t, claimA, claimB)

	close(releaseA)
	time.Sleep(50 * time.Millisecond)
	it := itemsByPayload(t, engB, job.ID)["doc-1"]
	assert.Equal(t, models.ItemStatusClaimed, it.Status, "A's result is rejected")
	require.NotNil(t, it.ClaimedBy)
	assert.Equal(t, claimB, *it.ClaimedBy)

	close(releaseB)
	st := waitForStatus(t, engB, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 1, st.Counts.Completed)
	it = itemsByPayload(t, engB, job.ID)["doc-1"]
	assert.Equal(t, "B", it.Result["by"])
	assert.Equal(t, 1, it.AttemptCount)
}

// --- storage faults ---

// flakyStore fails ClaimNextPending while failing is set.
type flakyStore struct {
	store.Store
	failing atomic.Bool
}

func (s *flakyStore) ClaimNextPending(ctx context.Context, jobID uuid.UUID, workerID string) (*models.Item, error) {
	if s.failing.Load() {
		return nil, errors.New("connection refused")
	}
	return s.Store.ClaimNextPending(ctx, jobID, workerID)
}

func TestStorageFailuresAbortJob(t *testing.T) {
	s := &flakyStore{Store: store.NewMemoryStore()}
	s.failing.Store(true)
	e := newEngine(t, s, mock.NewMockAnalyzer(), testConfig())
	runEngine(t, e)

	job := createJob(t, e, 3, 3)
	_, err := e.StartJob(context.Background(), job.ID)
	require.NoError(t, err)

	st := waitForStatus(t, e, job.ID, models.JobStatusFailed)
	require.NotNil(t, st.ErrorMessage)
	assert.Contains(t, *st.ErrorMessage, "connection refused")
	assert.Equal(t, 3, st.Counts.Pending, "items keep their last consistent status")
}

// --- progress ---

func TestProgressEvents(t *testing.T) {
	broker := progress.NewBroker()
	cfg := testConfig()
	inv := analyzer.NewInvoker(mock.NewMockAnalyzer(), cfg.DefaultTimeout, nil)
	e := engine.New(store.NewMemoryStore(), inv, broker, nil, cfg)
	runEngine(t, e)
	ctx := context.Background()

	job := createJob(t, e, 3, 10)
	events, unsub, err := broker.Subscribe(ctx, job.ID)
	require.NoError(t, err)
	defer unsub()

	_, err = e.StartJob(ctx, job.ID)
	require.NoError(t, err)

	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			assert.Equal(t, job.ID, ev.JobID)
			assertCountsConsistent(t, ev.Counts)
			if ev.Terminal() {
				assert.Equal(t, models.JobStatusCompleted, ev.Status)
				assert.Equal(t, 10, ev.Counts.Completed)
				return
			}
		case <-timeout:
			t.Fatal("no terminal progress event")
		}
	}
}

// --- operator surfaces ---

func TestStaleClaimsAndHealth(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	e := newEngine(t, s, mock.NewMockAnalyzer(), testConfig())

	job := createJob(t, e, 3, 2)
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning))
	_, err := s.ClaimNextPending(ctx, job.ID, "ghost")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	stale, err := e.StaleClaims(ctx, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "ghost", *stale[0].ClaimedBy)

	n, err := e.SweepStaleClaims(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "claim is younger than the configured threshold")

	h, err := e.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.TotalJobs)
	assert.Equal(t, 4, h.PoolSize)
	assert.Equal(t, 4, h.AvailableCapacity)
	assert.Equal(t, "mock", h.Analyzer)
	assert.Equal(t, "ok", h.AnalyzerStatus)
	assert.Equal(t, e.InstanceID(), h.Instance)
}

func TestJobStatus_NotFound(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore(), mock.NewMockAnalyzer(), testConfig())
	_, err := e.JobStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, engine.ErrJobNotFound)
}

func TestFailureSummary(t *testing.T) {
	a := mock.NewMockAnalyzer()
	echo := a.AnalyzeFunc
	a.AnalyzeFunc = func(ctx context.Context, payloadRef, kind string, options map[string]any) (map[string]any, error) {
		switch payloadRef {
		case "doc-1", "doc-3":
			return nil, fmt.Errorf("%w: rejected (%s)", analyzer.ErrInvalidInput, payloadRef[len("doc-"):])
		case "doc-5":
			return nil, fmt.Errorf("%w: too large", analyzer.ErrInvalidInput)
		}
		return echo(ctx, payloadRef, kind, options)
	}
	e := newEngine(t, store.NewMemoryStore(), a, testConfig())
	runEngine(t, e)

	job := createJob(t, e, 0, 5)
	_, err := e.StartJob(context.Background(), job.ID)
	require.NoError(t, err)
	waitForStatus(t, e, job.ID, models.JobStatusCompleted)

	groups, err := e.FailureSummary(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, 2, groups[0].Count)
	assert.Contains(t, groups[0].Message, "rejected")
	assert.Len(t, groups[0].SampleItemIDs, 2)
	assert.Equal(t, 1, groups[1].Count)
	assert.Contains(t, groups[1].Message, "too large")

	_, err = e.FailureSummary(context.Background(), uuid.New())
	assert.ErrorIs(t, err, engine.ErrJobNotFound)
}
