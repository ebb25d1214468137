// Package engine runs batch analysis jobs: it owns job lifecycle transitions,
// a single worker pool shared by every running job, and crash recovery.
//
// All cross-worker coordination happens through the store's atomic claim. The
// engine itself only keeps per-job run state: whether workers may still claim
// items for the job, and which invocations are in flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/internal/analyzer"
	"github.com/kiranshivaraju/docbatch/internal/config"
	"github.com/kiranshivaraju/docbatch/internal/metrics"
	"github.com/kiranshivaraju/docbatch/internal/progress"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
	"golang.org/x/sync/errgroup"
)

// storeTimeout bounds each store call made by a worker. Store calls are detached
// from job cancellation so a cancelled job still records its outcomes.
const storeTimeout = 10 * time.Second

// Config tunes the engine.
type Config struct {
	PoolSize            int
	DefaultTimeout      time.Duration
	IdlePoll            time.Duration
	RetryInitial        time.Duration
	RetryMax            time.Duration
	StaleClaimAfter     time.Duration
	StorageFailureLimit int
	AnalysisKinds       []string

	// InstanceID prefixes worker ids so claims held by different engines sharing
	// a store never compare equal. A random id is used when empty.
	InstanceID string
}

// ConfigFrom derives the engine configuration from the server configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		PoolSize:            cfg.Engine.PoolSize,
		DefaultTimeout:      cfg.Analyzer.Timeout,
		IdlePoll:            cfg.Engine.IdlePoll,
		RetryInitial:        cfg.Engine.RetryInitial,
		RetryMax:            cfg.Engine.RetryMax,
		StaleClaimAfter:     cfg.Engine.StaleClaimAfter,
		StorageFailureLimit: cfg.Engine.StorageFailureLimit,
		AnalysisKinds:       cfg.Analyzer.Kinds,
	}
}

func (c Config) withDefaults() Config {
	if c.PoolSize < 1 {
		c.PoolSize = config.DefaultPoolSize()
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 250 * time.Millisecond
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 200 * time.Millisecond
	}
	if c.RetryMax < c.RetryInitial {
		c.RetryMax = c.RetryInitial
	}
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = 10 * time.Minute
	}
	if c.StorageFailureLimit < 1 {
		c.StorageFailureLimit = 5
	}
	if len(c.AnalysisKinds) == 0 {
		c.AnalysisKinds = []string{"text", "academic", "full"}
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()[:8]
	}
	return c
}

type runState int

const (
	stateRunning runState = iota
	statePausing
	stateCancelling
	stateFinishing
)

// jobRun is the engine-side state of one started job. Fields other than job and
// ctx are guarded by Engine.mu.
type jobRun struct {
	job    *models.Job
	ctx    context.Context
	cancel context.CancelCauseFunc

	state         runState
	idleUntil     time.Time
	storeFailures int

	// inflight counts workers currently servicing the job. Add is only called
	// under Engine.mu while state is stateRunning, so Wait after a state change
	// observes every invocation.
	inflight sync.WaitGroup
}

// Engine is one batch engine instance. There are no package-level singletons;
// several engines may share a process, typically in tests.
type Engine struct {
	store   store.Store
	invoker *analyzer.Invoker
	events  progress.Publisher
	metrics *metrics.Metrics
	cfg     Config
	kinds   map[string]bool

	base context.Context
	stop context.CancelFunc
	wake chan struct{}
	busy atomic.Int64

	mu      sync.Mutex
	runs    map[uuid.UUID]*jobRun
	running bool
	closed  bool

	opMu    sync.Mutex
	opLocks map[uuid.UUID]*opLock
}

// opLock is a per-job mutex shared by the operations currently holding or
// waiting for it.
type opLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an Engine. Workers start with Run. A nil publisher discards progress events.
func New(s store.Store, inv *analyzer.Invoker, events progress.Publisher, m *metrics.Metrics, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	if events == nil {
		events = progress.Nop{}
	}
	kinds := make(map[string]bool, len(cfg.AnalysisKinds))
	for _, k := range cfg.AnalysisKinds {
		kinds[k] = true
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		store:   s,
		invoker: inv,
		events:  events,
		metrics: m,
		cfg:     cfg,
		kinds:   kinds,
		base:    base,
		stop:    stop,
		wake:    make(chan struct{}, cfg.PoolSize),
		runs:    make(map[uuid.UUID]*jobRun),
		opLocks: make(map[uuid.UUID]*opLock),
	}
}

// Run starts the shared worker pool and blocks until ctx is cancelled. On return
// every worker has exited, invocations interrupted by the shutdown have had their
// claims released, and jobs stay running in the store for a later Resume.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed || e.running {
		e.mu.Unlock()
		return errors.New("engine: Run called twice")
	}
	e.running = true
	e.mu.Unlock()

	stopAfter := context.AfterFunc(ctx, e.shutdown)
	defer stopAfter()

	e.metrics.SetPoolSize(e.cfg.PoolSize)
	slog.InfoContext(ctx, "worker pool started", "pool_size", e.cfg.PoolSize, "instance", e.cfg.InstanceID)

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= e.cfg.PoolSize; i++ {
		workerID := e.workerID(i)
		g.Go(func() error {
			e.work(gctx, workerID)
			return nil
		})
	}
	err := g.Wait()

	e.shutdown()
	e.mu.Lock()
	e.runs = make(map[uuid.UUID]*jobRun)
	e.mu.Unlock()
	e.metrics.SetActiveJobs(0)

	slog.Info("worker pool stopped")
	return err
}

// shutdown marks the engine closed and interrupts in-flight invocations.
func (e *Engine) shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// InstanceID identifies this engine in the claimed_by of the items it works on.
func (e *Engine) InstanceID() string { return e.cfg.InstanceID }

func (e *Engine) workerID(n int) string {
	return fmt.Sprintf("%s-worker-%d", e.cfg.InstanceID, n)
}

// lockJob serializes start, pause and cancel for one job. The entry is dropped
// once no operation holds or waits for it.
func (e *Engine) lockJob(id uuid.UUID) func() {
	e.opMu.Lock()
	l, ok := e.opLocks[id]
	if !ok {
		l = &opLock{}
		e.opLocks[id] = l
	}
	l.refs++
	e.opMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.opMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.opLocks, id)
		}
		e.opMu.Unlock()
	}
}

// register makes a started job visible to the worker pool.
func (e *Engine) register(job *models.Job) {
	ctx, cancel := context.WithCancelCause(e.base)
	run := &jobRun{job: job, ctx: ctx, cancel: cancel, state: stateRunning}

	e.mu.Lock()
	e.runs[job.ID] = run
	active := len(e.runs)
	e.mu.Unlock()

	e.metrics.SetActiveJobs(active)
	e.notify()
}

// detach removes the job's run from scheduling and moves it to state. It returns
// nil when the job had no active run.
func (e *Engine) detach(id uuid.UUID, state runState) *jobRun {
	e.mu.Lock()
	run, ok := e.runs[id]
	if ok {
		run.state = state
		delete(e.runs, id)
	}
	active := len(e.runs)
	e.mu.Unlock()

	if ok {
		e.metrics.SetActiveJobs(active)
		return run
	}
	return nil
}

func (e *Engine) hasRun(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[id]
	return ok
}

// notify wakes idle workers without blocking.
func (e *Engine) notify() {
	for i := 0; i < e.cfg.PoolSize; i++ {
		select {
		case e.wake <- struct{}{}:
		default:
			return
		}
	}
}

func (e *Engine) publish(ctx context.Context, job *models.Job) {
	e.events.Publish(ctx, progress.EventFor(job))
}

// storeCtx detaches ctx from cancellation and bounds it with storeTimeout.
func storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

// mapStoreErr converts store errors into engine errors for callers of the public API.
func mapStoreErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrJobNotFound
	default:
		return &EngineError{Op: op, Err: err}
	}
}
