// Package engine runs batches of location queries through the geocoding
// pipeline on a bounded worker pool and exposes the batch control surface:
// start, progress, cancel, results, manual review and reopen.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/observability"
	"github.com/sells-group/facility-locator/internal/publish"
	"github.com/sells-group/facility-locator/internal/resilience"
	"github.com/sells-group/facility-locator/internal/store"
	"github.com/sells-group/facility-locator/internal/textsim"
	"github.com/sells-group/facility-locator/internal/validation"
)

var (
	// ErrUnknownBatch is returned for a batch id the engine has never seen.
	ErrUnknownBatch = eris.New("engine: unknown batch")
	// ErrInvalidInput is returned when a batch request cannot be accepted.
	ErrInvalidInput = eris.New("engine: invalid input")
)

// QueryInput is one item of a batch request.
type QueryInput struct {
	Name    string `json:"name"`
	Country string `json:"country,omitempty"`
}

// Config controls the worker pool and the job-level persistence retry.
type Config struct {
	Workers         int
	PersistAttempts int
	PersistBackoff  time.Duration
}

// DefaultConfig returns 5 workers and 3 persistence attempts.
func DefaultConfig() Config {
	return Config{Workers: 5, PersistAttempts: 3, PersistBackoff: 200 * time.Millisecond}
}

// Deps holds the engine's collaborators. Publisher, Metrics and Clock are
// optional.
type Deps struct {
	Store     store.Store
	Pipeline  *Pipeline
	Publisher publish.Publisher
	Metrics   *observability.Metrics
	Clock     clockwork.Clock
}

type job struct {
	query model.LocationQuery
	cycle int
}

type batchRun struct {
	progress *Progress
	cancel   context.CancelFunc
	done     chan struct{}
}

// Engine is the batch orchestrator.
type Engine struct {
	cfg       Config
	store     store.Store
	pipeline  *Pipeline
	publisher publish.Publisher
	metrics   *observability.Metrics
	clock     clockwork.Clock

	mu   sync.Mutex
	runs map[string]*batchRun
	wg   sync.WaitGroup
}

// New creates an Engine.
func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = def.PersistAttempts
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = def.PersistBackoff
	}
	if deps.Publisher == nil {
		deps.Publisher = publish.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		pipeline:  deps.Pipeline,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		runs:      make(map[string]*batchRun),
	}
}

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }

// Pipeline returns the pipeline used for every job.
func (e *Engine) Pipeline() *Pipeline { return e.pipeline }

// StartBatch persists the queries and processes them in the background.
// The returned batch id is valid as soon as StartBatch returns.
func (e *Engine) StartBatch(ctx context.Context, inputs []QueryInput) (string, error) {
	run, err := e.start(ctx, inputs)
	if err != nil {
		return "", err
	}
	return run.progress.batchID, nil
}

// RunBatch is StartBatch followed by a wait for the batch to finish. If ctx
// is cancelled first the batch is cancelled and RunBatch still waits for
// in-flight jobs.
func (e *Engine) RunBatch(ctx context.Context, inputs []QueryInput) (model.BatchProgress, error) {
	run, err := e.start(ctx, inputs)
	if err != nil {
		return model.BatchProgress{}, err
	}
	select {
	case <-run.done:
	case <-ctx.Done():
		run.cancel()
		<-run.done
	}
	return run.progress.Snapshot(), nil
}

func (e *Engine) start(ctx context.Context, inputs []QueryInput) (*batchRun, error) {
	if len(inputs) == 0 {
		return nil, eris.Wrap(ErrInvalidInput, "batch has no queries")
	}

	batchID := uuid.New().String()
	now := e.now()
	jobs := make([]job, 0, len(inputs))
	queries := make([]model.LocationQuery, 0, len(inputs))
	for i, in := range inputs {
		name, country, err := normalizeInput(in)
		if err != nil {
			return nil, eris.Wrapf(err, "query %d", i)
		}
		q := model.NewLocationQuery(batchID, name, country, now)
		queries = append(queries, q)
		jobs = append(jobs, job{query: q, cycle: 1})
	}

	if err := e.store.CreateBatch(ctx, model.Batch{ID: batchID, Total: len(jobs), Status: model.BatchRunning, CreatedAt: now}); err != nil {
		return nil, eris.Wrap(err, "engine: create batch")
	}
	if err := e.store.SaveQueries(ctx, queries); err != nil {
		if ferr := e.store.FinishBatch(ctx, batchID, model.BatchCancelled, e.now()); ferr != nil {
			zap.L().Error("engine: close batch after failed query save", zap.String("batch_id", batchID), zap.Error(ferr))
		}
		return nil, eris.Wrap(err, "engine: save queries")
	}
	return e.launch(ctx, batchID, jobs), nil
}

// normalizeInput resolves the country hint to an alpha-2 code. Without a
// hint, a trailing country name is taken off the facility name instead.
func normalizeInput(in QueryInput) (string, string, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return "", "", eris.Wrap(ErrInvalidInput, "empty name")
	}
	hint := strings.TrimSpace(in.Country)
	if hint == "" {
		name, country := textsim.SplitCountry(name)
		return name, country, nil
	}
	country, ok := textsim.CountryCode(hint)
	if !ok {
		return "", "", eris.Wrapf(ErrInvalidInput, "unknown country %q", hint)
	}
	return name, country, nil
}

// launch registers the batch and starts its worker pool. The batch outlives
// the request that created it; only Cancel or Shutdown stop it.
func (e *Engine) launch(ctx context.Context, batchID string, jobs []job) *batchRun {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &batchRun{
		progress: NewProgress(batchID, len(jobs)),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	e.runs[batchID] = run
	e.mu.Unlock()
	e.metrics.BatchStarted()

	zap.L().Info("engine: batch started",
		zap.String("batch_id", batchID),
		zap.Int("queries", len(jobs)),
		zap.Int("workers", e.cfg.Workers),
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(runCtx, run, jobs)
	}()
	return run
}

func (e *Engine) run(ctx context.Context, run *batchRun, jobs []job) {
	defer close(run.done)
	defer run.cancel()

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for _, j := range jobs {
		g.Go(func() error {
			// Cancellation stops dequeuing; a job already started runs to
			// completion so no partial result is persisted.
			if ctx.Err() != nil {
				run.progress.Skipped()
				e.metrics.ObserveJob("skipped", 0)
				return nil
			}
			e.process(context.WithoutCancel(ctx), run.progress, j)
			return nil
		})
	}
	_ = g.Wait()

	status := model.BatchCompleted
	if ctx.Err() != nil {
		status = model.BatchCancelled
	}
	batchID := run.progress.batchID
	if err := e.store.FinishBatch(context.WithoutCancel(ctx), batchID, status, e.now()); err != nil {
		zap.L().Error("engine: finish batch", zap.String("batch_id", batchID), zap.Error(err))
	}
	run.progress.Finish(status)
	e.metrics.BatchFinished()

	snap := run.progress.Snapshot()
	zap.L().Info("engine: batch finished",
		zap.String("batch_id", batchID),
		zap.String("status", string(status)),
		zap.Int64("succeeded", snap.Succeeded),
		zap.Int64("failed", snap.Failed),
		zap.Int64("skipped", snap.Skipped),
	)

	e.mu.Lock()
	delete(e.runs, batchID)
	e.mu.Unlock()
}

// process runs one job and persists its result, retrying persistence only.
func (e *Engine) process(ctx context.Context, progress *Progress, j job) {
	start := e.clock.Now()
	log := zap.L().With(zap.String("query_id", j.query.ID), zap.String("batch_id", j.query.BatchID))

	g, v, err := e.pipeline.Process(ctx, j.query, j.cycle)
	if err != nil {
		log.Error("engine: evaluating result failed, job marked failed", zap.Error(err))
		e.fail(ctx, progress, j, err, 0, start)
		return
	}

	retry := resilience.RetryConfig{
		MaxAttempts:    e.cfg.PersistAttempts,
		InitialBackoff: e.cfg.PersistBackoff,
		MaxBackoff:     4 * e.cfg.PersistBackoff,
		Multiplier:     2,
		ShouldRetry:    func(error) bool { return true },
		OnRetry:        resilience.RetryLogger("store", "save result"),
	}
	attempts, err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		return e.store.SaveResult(ctx, g, v)
	})
	if err != nil {
		log.Error("engine: persisting result failed, job marked failed",
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		e.fail(ctx, progress, j, err, attempts, start)
		return
	}

	progress.Succeeded(v.Status)
	e.metrics.ObserveJob("succeeded", e.clock.Since(start).Seconds())
	e.metrics.ObserveDecision(v, validation.SystemActor)
	e.afterDecision(ctx, j.query, v, validation.SystemActor)
}

// fail records a job that produced no stored result.
func (e *Engine) fail(ctx context.Context, progress *Progress, j job, err error, attempts int, start time.Time) {
	failure := model.FailedJob{
		QueryID:  j.query.ID,
		BatchID:  j.query.BatchID,
		Name:     j.query.Name,
		Error:    err.Error(),
		Attempts: attempts,
		FailedAt: e.now(),
	}
	if ferr := e.store.RecordFailure(ctx, failure); ferr != nil {
		zap.L().Error("engine: record failed job", zap.String("query_id", j.query.ID), zap.Error(ferr))
	}
	progress.Failed()
	e.metrics.ObserveJob("failed", e.clock.Since(start).Seconds())
}

// afterDecision publishes the decision and remembers approved coordinates
// for the validated provider. Failures here never undo the decision.
func (e *Engine) afterDecision(ctx context.Context, q model.LocationQuery, v *model.ValidationResult, actor string) {
	log := zap.L().With(zap.String("query_id", q.ID), zap.String("batch_id", q.BatchID))

	ev := model.DecisionEvent{
		QueryID:           q.ID,
		BatchID:           q.BatchID,
		Name:              q.Name,
		Country:           q.Country,
		Cycle:             v.Cycle,
		Status:            v.Status,
		ConfidenceScore:   v.ConfidenceScore,
		RecommendedSource: v.RecommendedSource,
		Final:             v.Final,
		Actor:             actor,
		At:                v.UpdatedAt,
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		log.Warn("engine: publish decision failed", zap.Error(err))
	}

	if v.Final == nil || (v.Status != model.StatusAutoApproved && v.Status != model.StatusApproved) {
		return
	}
	loc := model.ValidatedLocation{
		NameKey:     textsim.Normalize(q.Name),
		Name:        q.Name,
		Country:     q.Country,
		Lat:         v.Final.Lat,
		Lng:         v.Final.Lng,
		ValidatedBy: v.ValidatedBy,
		ValidatedAt: e.now(),
	}
	if v.FinalOrigin == model.FinalRecommended {
		loc.Source = v.RecommendedSource
	}
	if v.ValidatedAt != nil {
		loc.ValidatedAt = *v.ValidatedAt
	}
	if err := e.store.SaveValidatedLocation(ctx, loc); err != nil {
		log.Warn("engine: save validated location failed", zap.Error(err))
	}
}

// Progress returns the counters of a batch: live for running batches,
// rebuilt from the store for finished ones.
func (e *Engine) Progress(ctx context.Context, batchID string) (model.BatchProgress, error) {
	e.mu.Lock()
	run := e.runs[batchID]
	e.mu.Unlock()
	if run != nil {
		return run.progress.Snapshot(), nil
	}

	b, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return model.BatchProgress{}, eris.Wrapf(ErrUnknownBatch, "batch %s", batchID)
		}
		return model.BatchProgress{}, err
	}
	counts, err := e.store.CountByStatus(ctx, batchID)
	if err != nil {
		return model.BatchProgress{}, err
	}
	failures, err := e.store.ListFailures(ctx, batchID)
	if err != nil {
		return model.BatchProgress{}, err
	}

	p := model.BatchProgress{
		BatchID:   b.ID,
		Status:    b.Status,
		Total:     int64(b.Total),
		Failed:    int64(len(failures)),
		PerStatus: counts,
		Done:      b.Status != model.BatchRunning,
	}
	for _, n := range counts {
		p.Succeeded += n
	}
	p.Processed = p.Succeeded + p.Failed
	if p.Done {
		p.Skipped = p.Total - p.Processed
	}
	return p, nil
}

// Cancel stops a running batch from starting new jobs. Cancelling a batch
// that already finished is a no-op.
func (e *Engine) Cancel(ctx context.Context, batchID string) error {
	e.mu.Lock()
	run := e.runs[batchID]
	e.mu.Unlock()
	if run != nil {
		run.cancel()
		zap.L().Info("engine: batch cancellation requested", zap.String("batch_id", batchID))
		return nil
	}
	if _, err := e.store.GetBatch(ctx, batchID); err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return eris.Wrapf(ErrUnknownBatch, "batch %s", batchID)
		}
		return err
	}
	return nil
}

// Wait blocks until a running batch finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, batchID string) error {
	e.mu.Lock()
	run := e.runs[batchID]
	e.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every running batch and waits for in-flight jobs.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, run := range e.runs {
		run.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "engine: shutdown")
	}
}

// Ping checks that the store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Result returns the query with its current geocoding and validation result.
func (e *Engine) Result(ctx context.Context, queryID string) (*model.Record, error) {
	return e.store.GetRecord(ctx, queryID)
}

// History returns every validation cycle of a query, oldest first.
func (e *Engine) History(ctx context.Context, queryID string) ([]model.ValidationResult, error) {
	return e.store.ListHistory(ctx, queryID)
}

// Failures lists failed jobs of a batch, or of all batches when batchID is empty.
func (e *Engine) Failures(ctx context.Context, batchID string) ([]model.FailedJob, error) {
	if err := e.knownBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return e.store.ListFailures(ctx, batchID)
}

// BatchResults returns the current results of every query in a batch.
func (e *Engine) BatchResults(ctx context.Context, batchID string) ([]model.Record, error) {
	if err := e.knownBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return e.store.ListBatchResults(ctx, batchID)
}

func (e *Engine) knownBatch(ctx context.Context, batchID string) error {
	if _, err := e.store.GetBatch(ctx, batchID); err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return eris.Wrapf(ErrUnknownBatch, "batch %s", batchID)
		}
		return err
	}
	return nil
}

// SubmitReview applies a manual decision to the current result of a query.
// A concurrent review of the same result loses with store.ErrConflict.
func (e *Engine) SubmitReview(ctx context.Context, queryID string, d model.ReviewDecision) (*model.ValidationResult, error) {
	rec, err := e.currentRecord(ctx, queryID)
	if err != nil {
		return nil, err
	}
	v := rec.Validation
	prev := v.Status
	if err := e.pipeline.Machine.Review(v, d); err != nil {
		return nil, err
	}
	if err := e.store.UpdateValidation(ctx, v, prev); err != nil {
		return nil, eris.Wrap(err, "engine: save review")
	}

	zap.L().Info("engine: manual review applied",
		zap.String("query_id", queryID),
		zap.String("status", string(v.Status)),
		zap.String("reviewer", d.Reviewer),
	)
	e.metrics.ObserveDecision(v, d.Reviewer)
	e.afterDecision(ctx, rec.Query, v, d.Reviewer)
	return v, nil
}

// Reopen archives the current result of a query and re-runs the query as
// a new one-item batch in the next cycle. It returns the new batch id.
func (e *Engine) Reopen(ctx context.Context, queryID, actor string) (string, error) {
	if actor == "" {
		return "", validation.ErrReviewerRequired
	}
	rec, err := e.currentRecord(ctx, queryID)
	if err != nil {
		return "", err
	}
	v := rec.Validation
	if err := e.pipeline.Machine.Archive(v, actor); err != nil {
		return "", err
	}

	batchID := uuid.New().String()
	now := e.now()
	if err := e.store.CreateBatch(ctx, model.Batch{ID: batchID, Total: 1, Status: model.BatchRunning, CreatedAt: now}); err != nil {
		return "", eris.Wrap(err, "engine: create reopen batch")
	}
	if err := e.store.ArchiveValidation(ctx, v); err != nil {
		if ferr := e.store.FinishBatch(ctx, batchID, model.BatchCancelled, e.now()); ferr != nil {
			zap.L().Error("engine: close reopen batch", zap.String("batch_id", batchID), zap.Error(ferr))
		}
		return "", eris.Wrap(err, "engine: archive result")
	}

	q := rec.Query
	q.BatchID = batchID
	zap.L().Info("engine: query reopened",
		zap.String("query_id", queryID),
		zap.String("batch_id", batchID),
		zap.Int("cycle", v.Cycle+1),
		zap.String("actor", actor),
	)
	e.launch(ctx, batchID, []job{{query: q, cycle: v.Cycle + 1}})
	return batchID, nil
}

func (e *Engine) currentRecord(ctx context.Context, queryID string) (*model.Record, error) {
	rec, err := e.store.GetRecord(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if rec.Validation == nil {
		return nil, eris.Wrapf(store.ErrNotFound, "no current result for query %s", queryID)
	}
	return rec, nil
}
