// Package tracker follows one remote job through its lifecycle by polling
// the processing service and deriving local state from the last response.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/hdriflow/internal/metrics"
	"github.com/kiranshivaraju/hdriflow/internal/poller"
	"github.com/kiranshivaraju/hdriflow/internal/store"
	"github.com/kiranshivaraju/hdriflow/pkg/models"
)

type State string

const (
	StateIdle          State = "idle"
	StateLoading       State = "loading"
	StatePending       State = "pending"
	StateProcessing    State = "processing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
	StateResultsLoaded State = "results_loaded"
)

// Terminal reports whether no further status changes are expected.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateResultsLoaded:
		return true
	}
	return false
}

func stateForStatus(status string) (State, bool) {
	switch status {
	case models.JobStatusPending:
		return StatePending, true
	case models.JobStatusProcessing:
		return StateProcessing, true
	case models.JobStatusCompleted:
		return StateCompleted, true
	case models.JobStatusFailed:
		return StateFailed, true
	case models.JobStatusCancelled:
		return StateCancelled, true
	}
	return "", false
}

// JobClient is the subset of the job client the tracker needs.
type JobClient interface {
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	CancelJob(ctx context.Context, jobID string) error
	GetJobResults(ctx context.Context, jobID string) (models.JobResults, error)
}

// StatusMirror receives every applied status, typically the cache.
type StatusMirror interface {
	SetJobStatus(ctx context.Context, jobID string, status string, ttl time.Duration) error
}

// Ledger receives every applied status, typically the submission store.
type Ledger interface {
	UpdateStatus(ctx context.Context, jobID string, status string, opts ...store.UpdateOption) error
}

// Snapshot is a read-only copy of the tracker state.
type Snapshot struct {
	State      State              `json:"state"`
	JobID      string             `json:"job_id,omitempty"`
	Job        *models.Job        `json:"job,omitempty"`
	Results    *models.JobResults `json:"results,omitempty"`
	Failure    *JobFailedError    `json:"-"`
	ResultsErr error              `json:"-"`
	FetchErr   error              `json:"-"`
	Generation uint64             `json:"generation"`
}

// Listener is called after each applied transition. Listeners run on the
// goroutine that applied the change and must not call Bind, Reset or Cancel
// synchronously.
type Listener func(ctx context.Context, snap Snapshot)

// Option customizes a Tracker.
type Option func(*Tracker)

func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithStatusMirror copies each applied status into m for ttl.
func WithStatusMirror(m StatusMirror, ttl time.Duration) Option {
	return func(t *Tracker) {
		t.mirror = m
		t.mirrorTTL = ttl
	}
}

func WithLedger(l Ledger) Option {
	return func(t *Tracker) { t.ledger = l }
}

// Tracker binds to at most one job at a time. Every bind or reset starts a
// new generation; responses from an older generation are discarded.
type Tracker struct {
	jobs      JobClient
	poller    *poller.Poller
	interval  time.Duration
	logger    *slog.Logger
	mirror    StatusMirror
	mirrorTTL time.Duration
	ledger    Ledger

	mu               sync.Mutex
	gen              uint64
	fetchSeq         uint64
	appliedSeq       uint64
	jobID            string
	state            State
	job              *models.Job
	results          *models.JobResults
	failure          *JobFailedError
	resultsErr       error
	fetchErr         error
	resultsRequested bool
	listeners        map[int]Listener
	nextListener     int

	// notifyMu serializes delivery so listeners observe states in order.
	notifyMu sync.Mutex
}

// New creates an idle tracker. Close releases its poller.
func New(jobs JobClient, opts ...Option) *Tracker {
	t := &Tracker{
		jobs:      jobs,
		interval:  poller.DefaultInterval,
		logger:    slog.Default(),
		state:     StateIdle,
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.poller = poller.New(t.poll, t.interval, t.logger)
	return t
}

// Close stops polling for good.
func (t *Tracker) Close() {
	t.poller.Close()
}

// Subscribe registers l and returns a function that removes it.
func (t *Tracker) Subscribe(l Listener) func() {
	t.mu.Lock()
	id := t.nextListener
	t.nextListener++
	t.listeners[id] = l
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:      t.state,
		JobID:      t.jobID,
		Failure:    t.failure,
		ResultsErr: t.resultsErr,
		FetchErr:   t.fetchErr,
		Generation: t.gen,
	}
	if t.job != nil {
		job := *t.job
		snap.Job = &job
	}
	if t.results != nil {
		res := *t.results
		snap.Results = &res
	}
	return snap
}

// Bind starts tracking jobID, discarding anything in flight for a previous
// job, and fetches its status once. If that fetch fails the tracker stays
// Loading and keeps retrying on the poll interval.
func (t *Tracker) Bind(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrNotBound
	}

	t.mu.Lock()
	t.gen++
	t.clearLocked()
	t.jobID = jobID
	t.setStateLocked(StateLoading)
	t.poller.SetEnabled(false)
	gen := t.gen
	t.mu.Unlock()

	t.logger.Info("tracking job", "job_id", jobID, "generation", gen)
	t.notify(ctx)

	if err := t.refresh(ctx, gen, jobID); err != nil {
		t.mu.Lock()
		if t.gen == gen && t.state == StateLoading {
			t.poller.Arm()
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

// Reset unbinds the current job and returns to Idle.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.gen++
	t.clearLocked()
	t.setStateLocked(StateIdle)
	t.poller.SetEnabled(false)
	t.mu.Unlock()

	t.notify(context.Background())
}

func (t *Tracker) clearLocked() {
	t.jobID = ""
	t.job = nil
	t.results = nil
	t.failure = nil
	t.resultsErr = nil
	t.fetchErr = nil
	t.resultsRequested = false
	t.appliedSeq = t.fetchSeq
}

// Cancel asks the service to cancel the bound job and then re-fetches its
// status; the service's answer decides the resulting state.
func (t *Tracker) Cancel(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StatePending && t.state != StateProcessing {
		t.mu.Unlock()
		return ErrNotCancellable
	}
	jobID, gen := t.jobID, t.gen
	t.mu.Unlock()

	if err := t.jobs.CancelJob(ctx, jobID); err != nil {
		return err
	}

	if err := t.refresh(ctx, gen, jobID); err != nil {
		t.logger.Warn("refresh after cancel failed", "job_id", jobID, "error", err)
	}
	return nil
}

// Refresh fetches the bound job's status outside the poll schedule.
func (t *Tracker) Refresh(ctx context.Context) error {
	t.mu.Lock()
	jobID, gen := t.jobID, t.gen
	t.mu.Unlock()
	if jobID == "" {
		return ErrNotBound
	}
	return t.refresh(ctx, gen, jobID)
}

func (t *Tracker) poll(ctx context.Context) error {
	t.mu.Lock()
	jobID, gen, state := t.jobID, t.gen, t.state
	if jobID == "" || state.Terminal() {
		t.poller.SetEnabled(false)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	return t.refresh(ctx, gen, jobID)
}

func (t *Tracker) refresh(ctx context.Context, gen uint64, jobID string) error {
	t.mu.Lock()
	t.fetchSeq++
	seq := t.fetchSeq
	t.mu.Unlock()

	job, err := t.jobs.GetJob(ctx, jobID)
	return t.apply(ctx, gen, seq, jobID, job, err)
}

// apply adopts a fetch result unless the tracker has moved on: a different
// job, a newer generation, a newer fetch already applied, or a terminal state.
func (t *Tracker) apply(ctx context.Context, gen, seq uint64, jobID string, job models.Job, fetchErr error) error {
	t.mu.Lock()
	if gen != t.gen || jobID != t.jobID || seq <= t.appliedSeq || t.state.Terminal() {
		t.mu.Unlock()
		metrics.StaleResponsesTotal.Inc()
		t.logger.Debug("discarding stale job response", "job_id", jobID, "generation", gen)
		return nil
	}

	if fetchErr != nil {
		t.fetchErr = fetchErr
		t.mu.Unlock()
		return fetchErr
	}

	next, ok := stateForStatus(job.Status)
	if !ok {
		if t.state == StateLoading {
			// Nothing has armed the poller yet; keep asking.
			t.poller.Arm()
		}
		t.mu.Unlock()
		t.logger.Warn("ignoring unknown job status", "job_id", jobID, "status", job.Status)
		return nil
	}

	if job.ID == "" {
		job.ID = jobID
	}
	t.appliedSeq = seq
	t.fetchErr = nil
	t.job = &job
	t.setStateLocked(next)
	if job.IsActive() {
		// Just fetched, so the next one is due an interval from now.
		t.poller.Arm()
	} else {
		t.poller.SetEnabled(false)
	}

	loadResults := false
	switch next {
	case StateCompleted:
		if !t.resultsRequested {
			t.resultsRequested = true
			loadResults = true
		}
	case StateFailed:
		t.failure = newJobFailedError(jobID, job.ErrorMessage)
		t.logger.Warn("job failed", "job_id", jobID, "error", t.failure.Message)
	}
	t.mu.Unlock()

	t.mirrorStatus(ctx, job)
	t.notify(ctx)

	if loadResults {
		t.loadResults(ctx, gen, jobID)
	}
	return nil
}

func (t *Tracker) loadResults(ctx context.Context, gen uint64, jobID string) {
	res, err := t.jobs.GetJobResults(ctx, jobID)

	t.mu.Lock()
	if gen != t.gen || jobID != t.jobID || t.state != StateCompleted {
		t.mu.Unlock()
		metrics.StaleResponsesTotal.Inc()
		return
	}
	if err != nil {
		t.resultsErr = err
		t.mu.Unlock()
		t.logger.Warn("fetching job results failed", "job_id", jobID, "error", err)
		t.notify(ctx)
		return
	}
	t.results = &res
	t.setStateLocked(StateResultsLoaded)
	t.mu.Unlock()

	t.notify(ctx)
}

func (t *Tracker) setStateLocked(s State) {
	if t.state != s {
		metrics.TrackerTransitionsTotal.WithLabelValues(string(s)).Inc()
	}
	t.state = s
}

func (t *Tracker) mirrorStatus(ctx context.Context, job models.Job) {
	if t.mirror != nil {
		if err := t.mirror.SetJobStatus(ctx, job.ID, job.Status, t.mirrorTTL); err != nil {
			t.logger.Warn("mirroring job status to cache failed", "job_id", job.ID, "error", err)
		}
	}
	if t.ledger != nil {
		opts := []store.UpdateOption{store.WithProgress(job.Progress)}
		if job.ErrorMessage != nil {
			opts = append(opts, store.WithErrorMessage(*job.ErrorMessage))
		}
		err := t.ledger.UpdateStatus(ctx, job.ID, job.Status, opts...)
		switch {
		case err == nil, errors.Is(err, store.ErrNotFound):
		default:
			t.logger.Warn("mirroring job status to ledger failed", "job_id", job.ID, "error", err)
		}
	}
}

// notify delivers the current snapshot, not the one that triggered it, so
// listeners never see an older state after a newer one.
func (t *Tracker) notify(ctx context.Context) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	snap := t.snapshotLocked()
	listeners := make([]Listener, 0, len(t.listeners))
	for id := 0; id < t.nextListener; id++ {
		if l, ok := t.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	t.mu.Unlock()

	for _, l := range listeners {
		l(ctx, snap)
	}
}
