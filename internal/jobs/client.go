// Package jobs is the typed client for the remote processing service's job
// endpoints. It never retries and never computes job status locally.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kiranshivaraju/hdriflow/internal/cache"
	"github.com/kiranshivaraju/hdriflow/internal/transport"
	"github.com/kiranshivaraju/hdriflow/pkg/models"
	"golang.org/x/sync/singleflight"
)

// MaxListLimit is the largest page the service returns for ListJobs.
const MaxListLimit = 100

// ErrInvalidConfiguration is returned by CreateJob before any network call
// when the configuration holds a value outside its legal set.
var ErrInvalidConfiguration = models.ErrInvalidConfiguration

// Client issues job requests through a transport.Caller.
type Client struct {
	caller     transport.Caller
	cache      cache.Cache
	resultsTTL time.Duration
	logger     *slog.Logger

	group singleflight.Group
}

// Option customizes a Client.
type Option func(*Client)

// WithCache stores successful result listings under cache.JobResultsKey so
// repeat fetches for a completed job are served locally.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(cl *Client) {
		cl.cache = c
		cl.resultsTTL = ttl
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a job client on top of caller.
func NewClient(caller transport.Caller, opts ...Option) *Client {
	c := &Client{caller: caller, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

type createJobRequest struct {
	FileID        string                  `json:"file_id"`
	Name          string                  `json:"name,omitempty"`
	Configuration models.JobConfiguration `json:"configuration"`
}

type createJobResponse struct {
	JobID string      `json:"job_id"`
	Job   *models.Job `json:"job,omitempty"`
}

// CreateJob submits a job for an uploaded file and returns its id. Unset
// configuration fields take their defaults; an empty name lets the service
// derive one from the input file.
func (c *Client) CreateJob(ctx context.Context, fileID string, cfg models.JobConfiguration, name string) (string, error) {
	if fileID == "" {
		return "", fmt.Errorf("%w: file id is required", ErrInvalidConfiguration)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	var resp createJobResponse
	err := c.caller.Call(ctx, "/jobs", transport.Options{
		Method: http.MethodPost,
		Body:   createJobRequest{FileID: fileID, Name: name, Configuration: cfg},
	}, &resp)
	if err != nil {
		return "", err
	}

	id := resp.JobID
	if id == "" && resp.Job != nil {
		id = resp.Job.ID
	}
	if id == "" {
		return "", &transport.TransportError{
			Message: "invalid response from the processing service",
			Err:     fmt.Errorf("%w: create response has no job id", transport.ErrInvalidResponse),
		}
	}

	c.logger.Info("job created", "job_id", id, "file_id", fileID, "preset", cfg.Preset)
	return id, nil
}

// GetJob fetches the current state of a job. Concurrent calls for the same
// id share one request.
func (c *Client) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	v, err := c.shared(ctx, jobKey(jobID), func(ctx context.Context) (any, error) {
		var job models.Job
		if err := c.caller.Call(ctx, "/jobs/"+url.PathEscape(jobID), transport.Options{}, &job); err != nil {
			return models.Job{}, err
		}
		if job.ID == "" {
			job.ID = jobID
		}
		return job, nil
	})
	if err != nil {
		return models.Job{}, err
	}
	return v.(models.Job), nil
}

// shared runs fn once for all concurrent callers of key. The request is not
// tied to any one caller's context; each caller stops waiting when its own
// context ends.
func (c *Client) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func jobKey(jobID string) string { return "job:" + jobID }

// ListJobs returns up to limit jobs, most recent first. limit is clamped to
// [1, MaxListLimit].
func (c *Client) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var raw json.RawMessage
	err := c.caller.Call(ctx, "/jobs", transport.Options{
		Query: url.Values{"limit": []string{strconv.Itoa(limit)}},
	}, &raw)
	if err != nil {
		return nil, err
	}

	jobs, err := decodeJobList(raw)
	if err != nil {
		return nil, &transport.TransportError{
			Message: "invalid response from the processing service",
			Err:     fmt.Errorf("%w: %v", transport.ErrInvalidResponse, err),
		}
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// decodeJobList accepts a bare array or a {"jobs": [...]} envelope.
func decodeJobList(raw json.RawMessage) ([]models.Job, error) {
	if len(raw) == 0 {
		return []models.Job{}, nil
	}
	var jobs []models.Job
	if err := json.Unmarshal(raw, &jobs); err == nil {
		return jobs, nil
	}
	var env struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Jobs == nil {
		env.Jobs = []models.Job{}
	}
	return env.Jobs, nil
}

// CancelJob asks the service to cancel a job. The request is always issued;
// whether the job is still cancellable is the service's decision.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	err := c.caller.Call(ctx, "/jobs/"+url.PathEscape(jobID)+"/cancel", transport.Options{
		Method: http.MethodPost,
	}, nil)
	if err != nil {
		return err
	}
	// A fetch already in flight may have been answered before the cancel
	// took effect; the next GetJob must go to the service.
	c.group.Forget(jobKey(jobID))
	c.logger.Info("job cancel requested", "job_id", jobID)
	return nil
}

// GetJobResults fetches the artifacts of a completed job. Results never
// change once a job completes, so a successful listing is cached and
// concurrent calls for the same id share one request.
func (c *Client) GetJobResults(ctx context.Context, jobID string) (models.JobResults, error) {
	if res, ok := c.cachedResults(ctx, jobID); ok {
		return res, nil
	}

	v, err := c.shared(ctx, "results:"+jobID, func(ctx context.Context) (any, error) {
		var res models.JobResults
		err := c.caller.Call(ctx, "/jobs/"+url.PathEscape(jobID)+"/results", transport.Options{}, &res)
		if err != nil {
			return models.JobResults{}, err
		}
		if res.JobID == "" {
			res.JobID = jobID
		}
		if res.Files == nil {
			res.Files = []models.ResultFile{}
		}
		c.storeResults(ctx, jobID, res)
		return res, nil
	})
	if err != nil {
		return models.JobResults{}, err
	}
	return v.(models.JobResults), nil
}

func (c *Client) cachedResults(ctx context.Context, jobID string) (models.JobResults, bool) {
	if c.cache == nil {
		return models.JobResults{}, false
	}
	data, ok, err := c.cache.Get(ctx, cache.JobResultsKey(jobID))
	if err != nil {
		c.logger.Warn("results cache read failed", "job_id", jobID, "error", err)
		return models.JobResults{}, false
	}
	if !ok {
		return models.JobResults{}, false
	}
	var res models.JobResults
	if err := json.Unmarshal(data, &res); err != nil {
		c.logger.Warn("discarding unreadable cached results", "job_id", jobID, "error", err)
		return models.JobResults{}, false
	}
	return res, true
}

func (c *Client) storeResults(ctx context.Context, jobID string, res models.JobResults) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, cache.JobResultsKey(jobID), data, c.resultsTTL); err != nil {
		c.logger.Warn("results cache write failed", "job_id", jobID, "error", err)
	}
}

// statisticsResponse covers both the nested {"jobs": {...}} shape and a flat
// object carrying the same counters.
type statisticsResponse struct {
	Jobs *jobCounters `json:"jobs"`
	jobCounters
}

type jobCounters struct {
	Total             int     `json:"total"`
	Completed         int     `json:"completed"`
	Processing        int     `json:"processing"`
	Failed            int     `json:"failed"`
	SuccessRate       float64 `json:"success_rate"`
	AvgProcessingTime float64 `json:"avg_processing_time"`
}

// GetStatistics fetches service-wide job counters.
func (c *Client) GetStatistics(ctx context.Context) (models.Statistics, error) {
	var resp statisticsResponse
	if err := c.caller.Call(ctx, "/statistics", transport.Options{}, &resp); err != nil {
		return models.Statistics{}, err
	}
	counters := resp.jobCounters
	if resp.Jobs != nil {
		counters = *resp.Jobs
	}
	return models.Statistics{
		TotalCount:               counters.Total,
		CompletedCount:           counters.Completed,
		ProcessingCount:          counters.Processing,
		FailedCount:              counters.Failed,
		SuccessRatePercent:       counters.SuccessRate,
		AvgProcessingTimeSeconds: counters.AvgProcessingTime,
	}, nil
}

// Ping checks that the processing service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.caller.Call(ctx, "/health", transport.Options{}, nil)
}
