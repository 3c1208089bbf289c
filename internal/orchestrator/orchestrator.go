// Package orchestrator drives the dashboard → upload → configure →
// processing → results flow and keeps it consistent with the tracked job.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/hdriflow/internal/metrics"
	"github.com/kiranshivaraju/hdriflow/internal/tracker"
	"github.com/kiranshivaraju/hdriflow/internal/transport"
	"github.com/kiranshivaraju/hdriflow/internal/upload"
	"github.com/kiranshivaraju/hdriflow/pkg/models"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidTransition is returned when an action is not allowed from the current view.
	ErrInvalidTransition = errors.New("invalid view transition")
	// ErrBusy is returned while an upload or submission is already in flight.
	ErrBusy = errors.New("another request is in flight")
	// ErrViewChanged is returned when the user left the view while its request was in flight.
	ErrViewChanged = errors.New("view changed while the request was in flight")
)

const defaultRecentJobsLimit = 10

type Uploader interface {
	UploadFile(ctx context.Context, f upload.File) (models.UploadedFile, error)
}

type JobService interface {
	CreateJob(ctx context.Context, fileID string, cfg models.JobConfiguration, name string) (string, error)
	ListJobs(ctx context.Context, limit int) ([]models.Job, error)
	GetStatistics(ctx context.Context) (models.Statistics, error)
}

type Tracker interface {
	Bind(ctx context.Context, jobID string) error
	Cancel(ctx context.Context) error
	Reset()
	Subscribe(l tracker.Listener) func()
	Snapshot() tracker.Snapshot
}

// Ledger records submitted jobs.
type Ledger interface {
	RecordSubmission(ctx context.Context, sub *models.Submission) error
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

func WithRecentJobsLimit(n int) Option {
	return func(o *Orchestrator) { o.recentLimit = n }
}

// WithErrorReporting logs every surfaced error at error level and counts it.
func WithErrorReporting(enabled bool) Option {
	return func(o *Orchestrator) { o.reportErrors = enabled }
}

// State is a read-only copy of the orchestrator.
type State struct {
	View      View                       `json:"-"`
	ViewName  string                     `json:"view"`
	ViewData  View                       `json:"data"`
	Error     string                     `json:"error,omitempty"`
	Aggregate *models.DashboardAggregate `json:"aggregate,omitempty"`
	Tracker   tracker.Snapshot           `json:"tracker"`
}

// Orchestrator owns the current view. Its lock is never held across a
// network call or a call into the tracker.
type Orchestrator struct {
	gate         Uploader
	jobs         JobService
	tracker      Tracker
	ledger       Ledger
	logger       *slog.Logger
	recentLimit  int
	reportErrors bool

	mu      sync.Mutex
	view    View
	viewSeq uint64
	errMsg  string
	// busy holds the token of the in-flight upload or submit, 0 when idle.
	busy       uint64
	busyNext   uint64
	aggregate  *models.DashboardAggregate
	refreshSeq uint64

	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates an orchestrator on the dashboard and subscribes it to tr.
func New(gate Uploader, jobs JobService, tr Tracker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gate:        gate,
		jobs:        jobs,
		tracker:     tr,
		logger:      slog.Default(),
		recentLimit: defaultRecentJobsLimit,
		view:        DashboardView{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.unsubscribe = tr.Subscribe(o.onTrackerChange)
	return o
}

// Close detaches from the tracker and waits for background refreshes.
func (o *Orchestrator) Close() {
	o.unsubscribe()
	o.wg.Wait()
}

// Snapshot returns the current view, error, aggregate and tracker state.
func (o *Orchestrator) Snapshot() State {
	ts := o.tracker.Snapshot()

	o.mu.Lock()
	defer o.mu.Unlock()
	st := State{
		View:     o.view,
		ViewName: o.view.Name(),
		ViewData: o.view,
		Error:    o.errMsg,
		Tracker:  ts,
	}
	if o.aggregate != nil {
		agg := *o.aggregate
		agg.RecentJobs = append([]models.Job(nil), o.aggregate.RecentJobs...)
		st.Aggregate = &agg
	}
	return st
}

// OpenDashboard reloads the dashboard aggregates. Only valid on the dashboard;
// use Back from anywhere else.
func (o *Orchestrator) OpenDashboard(ctx context.Context) error {
	o.mu.Lock()
	if _, ok := o.view.(DashboardView); !ok {
		o.mu.Unlock()
		return o.refuse("open dashboard")
	}
	o.mu.Unlock()

	return o.refreshAggregate(ctx)
}

// StartUpload moves from the dashboard to the upload view.
func (o *Orchestrator) StartUpload() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.view.(DashboardView); !ok {
		return o.refuseLocked("start upload")
	}
	o.setViewLocked(UploadView{})
	return nil
}

// Upload sends f through the upload gate. Success moves to Configure with the
// default configuration; failure stays on Upload with the error set.
func (o *Orchestrator) Upload(ctx context.Context, f upload.File) (models.UploadedFile, error) {
	o.mu.Lock()
	if _, ok := o.view.(UploadView); !ok {
		o.mu.Unlock()
		return models.UploadedFile{}, o.refuse("upload")
	}
	if o.busy != 0 {
		o.mu.Unlock()
		return models.UploadedFile{}, ErrBusy
	}
	token := o.claimLocked()
	seq := o.viewSeq
	o.mu.Unlock()

	uploaded, err := o.gate.UploadFile(ctx, f)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.releaseLocked(token)

	if o.viewSeq != seq {
		o.logger.Info("discarding upload result, view changed", "file", f.Name)
		return models.UploadedFile{}, ErrViewChanged
	}
	if err != nil {
		o.reportLocked(err)
		return models.UploadedFile{}, err
	}
	o.setViewLocked(ConfigureView{File: uploaded, Config: models.DefaultConfiguration()})
	return uploaded, nil
}

// Configure replaces the pending configuration. Unset fields take their defaults.
func (o *Orchestrator) Configure(cfg models.JobConfiguration) (models.JobConfiguration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	v, ok := o.view.(ConfigureView)
	if !ok {
		return models.JobConfiguration{}, o.refuseLocked("configure")
	}
	if o.busy != 0 {
		return models.JobConfiguration{}, ErrBusy
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return models.JobConfiguration{}, err
	}
	v.Config = cfg
	o.view = v
	return cfg, nil
}

// Submit creates a job from the configure view, records it, moves to
// Processing and starts tracking it. If the user left the configure view
// while the create call was in flight the job is recorded but not tracked.
func (o *Orchestrator) Submit(ctx context.Context, name string) (string, error) {
	o.mu.Lock()
	v, ok := o.view.(ConfigureView)
	if !ok || v.File.FileID == "" {
		o.mu.Unlock()
		return "", o.refuse("submit")
	}
	if o.busy != 0 {
		o.mu.Unlock()
		return "", ErrBusy
	}
	token := o.claimLocked()
	seq := o.viewSeq
	o.mu.Unlock()

	jobID, err := o.jobs.CreateJob(ctx, v.File.FileID, v.Config, name)

	o.mu.Lock()
	o.releaseLocked(token)
	if err != nil {
		if o.viewSeq == seq {
			o.reportLocked(err)
		}
		o.mu.Unlock()
		return "", err
	}
	stillHere := o.viewSeq == seq
	if stillHere {
		o.setViewLocked(ProcessingView{File: v.File, JobID: jobID})
	}
	o.mu.Unlock()

	o.record(ctx, jobID, name, v)

	if !stillHere {
		o.logger.Info("job created after leaving configure, not tracking", "job_id", jobID)
		return jobID, ErrViewChanged
	}

	if err := o.tracker.Bind(ctx, jobID); err != nil {
		o.logger.Warn("initial job fetch failed, tracker will retry", "job_id", jobID, "error", err)
	}

	// Back may have run between leaving the lock and binding.
	o.mu.Lock()
	left := currentJobID(o.view) != jobID
	o.mu.Unlock()
	if left && o.tracker.Snapshot().JobID == jobID {
		o.tracker.Reset()
	}
	return jobID, nil
}

func (o *Orchestrator) record(ctx context.Context, jobID, name string, v ConfigureView) {
	if o.ledger == nil {
		return
	}
	sub := &models.Submission{
		JobID:         jobID,
		Name:          name,
		FileID:        v.File.FileID,
		FileName:      v.File.Filename,
		Configuration: v.Config.WithDefaults(),
		Status:        models.JobStatusPending,
	}
	if err := o.ledger.RecordSubmission(ctx, sub); err != nil {
		o.logger.Warn("recording submission failed", "job_id", jobID, "error", err)
	}
}

// CancelJob asks the tracker to cancel the job on the processing view.
func (o *Orchestrator) CancelJob(ctx context.Context) error {
	o.mu.Lock()
	if _, ok := o.view.(ProcessingView); !ok {
		o.mu.Unlock()
		return o.refuse("cancel")
	}
	seq := o.viewSeq
	o.mu.Unlock()

	err := o.tracker.Cancel(ctx)
	if err != nil {
		o.mu.Lock()
		if o.viewSeq == seq {
			o.reportLocked(err)
		}
		o.mu.Unlock()
	}
	return err
}

// Back returns to the dashboard from any view, dropping the file, job and
// error, and reloads the aggregates.
func (o *Orchestrator) Back(ctx context.Context) error {
	o.mu.Lock()
	o.setViewLocked(DashboardView{})
	o.busy = 0
	o.mu.Unlock()

	o.tracker.Reset()

	if err := o.refreshAggregate(ctx); err != nil {
		o.logger.Warn("dashboard refresh failed", "error", err)
	}
	return nil
}

// onTrackerChange follows the tracked job. Snapshots for any job other than
// the one on screen are ignored.
func (o *Orchestrator) onTrackerChange(ctx context.Context, snap tracker.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if snap.JobID == "" || currentJobID(o.view) != snap.JobID {
		return
	}

	switch snap.State {
	case tracker.StateCompleted, tracker.StateResultsLoaded:
		rv, already := o.view.(ResultsView)
		if !already {
			rv = ResultsView{JobID: snap.JobID}
			o.setViewLocked(rv)
			o.refreshAsyncLocked()
		}
		if snap.Job != nil {
			rv.Job = *snap.Job
		}
		rv.Results = snap.Results
		o.view = rv
		if snap.ResultsErr != nil {
			o.reportLocked(fmt.Errorf("loading results: %w", snap.ResultsErr))
		}
	case tracker.StateFailed:
		if snap.Failure != nil && o.errMsg != snap.Failure.Message {
			o.reportLocked(snap.Failure)
			o.refreshAsyncLocked()
		}
	case tracker.StateCancelled:
		o.logger.Info("job cancelled", "job_id", snap.JobID)
		o.refreshAsyncLocked()
	}
}

func currentJobID(v View) string {
	switch v := v.(type) {
	case ProcessingView:
		return v.JobID
	case ResultsView:
		return v.JobID
	}
	return ""
}

// refreshAggregate rebuilds the dashboard aggregate from a fresh fetch. A
// refresh that finishes after a newer one started is discarded.
func (o *Orchestrator) refreshAggregate(ctx context.Context) error {
	o.mu.Lock()
	o.refreshSeq++
	seq := o.refreshSeq
	o.mu.Unlock()

	var (
		recent []models.Job
		stats  models.Statistics
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		recent, err = o.jobs.ListJobs(gctx, o.recentLimit)
		return err
	})
	g.Go(func() error {
		var err error
		stats, err = o.jobs.GetStatistics(gctx)
		return err
	})
	err := g.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	if seq != o.refreshSeq {
		return nil
	}
	if err != nil {
		if _, ok := o.view.(DashboardView); ok {
			o.reportLocked(err)
		}
		return err
	}
	if len(recent) > o.recentLimit {
		recent = recent[:o.recentLimit]
	}
	o.aggregate = &models.DashboardAggregate{
		RecentJobs:  recent,
		Statistics:  stats,
		RefreshedAt: time.Now().UTC(),
	}
	return nil
}

func (o *Orchestrator) refreshAsyncLocked() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.refreshAggregate(context.Background()); err != nil {
			o.logger.Warn("dashboard refresh failed", "error", err)
		}
	}()
}

// claimLocked marks a request in flight and returns its token.
func (o *Orchestrator) claimLocked() uint64 {
	o.busyNext++
	o.busy = o.busyNext
	return o.busy
}

// releaseLocked clears busy only if it still belongs to token; Back may have
// cleared it and a newer request claimed it since.
func (o *Orchestrator) releaseLocked(token uint64) {
	if o.busy == token {
		o.busy = 0
	}
}

func (o *Orchestrator) setViewLocked(v View) {
	o.view = v
	o.viewSeq++
	o.errMsg = ""
}

func (o *Orchestrator) refuse(action string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refuseLocked(action)
}

func (o *Orchestrator) refuseLocked(action string) error {
	return fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, action, o.view.Name())
}

// reportLocked sets the user-visible error for the current view.
func (o *Orchestrator) reportLocked(err error) {
	o.errMsg = userMessage(err)
	if o.reportErrors {
		metrics.ReportedErrorsTotal.WithLabelValues(o.view.Name()).Inc()
		o.logger.Error("user-visible error", "view", o.view.Name(), "error", err)
	}
}

func userMessage(err error) string {
	var te *transport.TransportError
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	return err.Error()
}
