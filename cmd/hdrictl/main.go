// Command hdrictl uploads an image, submits an HDRI job for it and follows
// the job until it finishes, printing the result files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/kiranshivaraju/hdriflow/internal/cache"
	"github.com/kiranshivaraju/hdriflow/internal/config"
	"github.com/kiranshivaraju/hdriflow/internal/jobs"
	"github.com/kiranshivaraju/hdriflow/internal/tracker"
	"github.com/kiranshivaraju/hdriflow/internal/transport"
	"github.com/kiranshivaraju/hdriflow/internal/upload"
	"github.com/kiranshivaraju/hdriflow/pkg/models"
)

const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130

	cancelTimeout = 10 * time.Second
)

type options struct {
	file    string
	name    string
	job     models.JobConfiguration
	baseURL string
	poll    time.Duration
	verbose bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "hdrictl: load config: %v\n", err)
		return exitUsage
	}

	opts, err := parseFlags(args, cfg, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "hdrictl: %v\n", err)
		return exitUsage
	}

	level := slog.LevelWarn
	if opts.verbose || cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg.API.BaseURL = opts.baseURL
	caller := transport.New(cfg.API, transport.WithLogger(logger), transport.WithDebug(cfg.Debug))
	c := cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Cache.TTL)
	defer c.Close()

	gate := upload.NewGate(caller, cfg.Upload, logger)
	jobClient := jobs.NewClient(caller, jobs.WithCache(c, cfg.Cache.TTL), jobs.WithLogger(logger))
	tr := tracker.New(jobClient,
		tracker.WithPollInterval(opts.poll),
		tracker.WithLogger(logger),
		tracker.WithStatusMirror(c, cfg.Cache.TTL),
	)
	defer tr.Close()

	jobID, err := submit(ctx, gate, jobClient, opts, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "hdrictl: %v\n", err)
		return exitFailed
	}

	snap, err := follow(ctx, tr, jobID, stdout, logger)
	if err != nil {
		cancelCtx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if cerr := tr.Cancel(cancelCtx); cerr != nil && !errors.Is(cerr, tracker.ErrNotCancellable) {
			fmt.Fprintf(stderr, "hdrictl: cancel job %s: %v\n", jobID, cerr)
		} else {
			fmt.Fprintf(stderr, "hdrictl: interrupted, cancellation requested for job %s\n", jobID)
		}
		return exitCancelled
	}

	return report(snap, stdout, stderr)
}

func parseFlags(args []string, cfg *config.Config, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("hdrictl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var o options
	fs.StringVar(&o.file, "file", "", "input image (required)")
	fs.StringVar(&o.name, "name", "", "job name (defaults to a service-generated name)")
	fs.IntVar(&o.job.Resolution, "resolution", models.DefaultResolution, "output resolution: 512, 1024 or 2048")
	fs.StringVar(&o.job.OutputFormat, "format", models.DefaultOutputFormat, "output format: hdr, exr or npy")
	fs.StringVar(&o.job.AntiAliasing, "aa", models.DefaultAntiAliasing, "anti-aliasing samples: 1, 2, 4 or 8")
	fs.StringVar(&o.job.Preset, "preset", models.DefaultPreset, "lighting preset")
	fs.StringVar(&o.baseURL, "api", cfg.API.BaseURL, "processing service base URL")
	fs.DurationVar(&o.poll, "poll", cfg.Tracking.PollInterval, "status poll interval")
	fs.BoolVar(&o.verbose, "v", false, "verbose logging")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.file == "" && fs.NArg() == 1 {
		o.file = fs.Arg(0)
	}
	if o.file == "" {
		fs.Usage()
		return options{}, errors.New("-file is required")
	}
	if o.poll <= 0 {
		return options{}, fmt.Errorf("-poll must be positive, got %s", o.poll)
	}

	o.job = o.job.WithDefaults()
	if err := o.job.Validate(); err != nil {
		return options{}, err
	}
	return o, nil
}

func submit(ctx context.Context, gate *upload.Gate, jc *jobs.Client, o options, stdout io.Writer) (string, error) {
	f, err := os.Open(o.file)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	uploaded, err := gate.UploadFile(ctx, upload.File{Name: o.file, Size: info.Size(), Content: f})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", o.file, err)
	}
	fmt.Fprintf(stdout, "uploaded %s as %s\n", uploaded.Filename, uploaded.FileID)

	jobID, err := jc.CreateJob(ctx, uploaded.FileID, o.job, o.name)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	fmt.Fprintf(stdout, "submitted job %s\n", jobID)
	return jobID, nil
}

// follow binds the tracker to jobID and returns the first snapshot with
// nothing left to wait for. It returns ctx.Err() if interrupted first.
func follow(ctx context.Context, tr *tracker.Tracker, jobID string, stdout io.Writer, logger *slog.Logger) (tracker.Snapshot, error) {
	updates := make(chan tracker.Snapshot, 1)
	unsubscribe := tr.Subscribe(func(_ context.Context, s tracker.Snapshot) {
		// Deliveries are serialized, so dropping the unread snapshot keeps
		// only the newest one without blocking.
		select {
		case <-updates:
		default:
		}
		updates <- s
	})
	defer unsubscribe()

	if err := tr.Bind(ctx, jobID); err != nil {
		if ctx.Err() != nil {
			return tracker.Snapshot{}, ctx.Err()
		}
		logger.Warn("initial status fetch failed, retrying", "job_id", jobID, "error", err)
	}

	var lastStatus string
	lastProgress := -1
	snap := tr.Snapshot()
	for {
		if snap.JobID == jobID && snap.Job != nil &&
			(snap.Job.Status != lastStatus || snap.Job.Progress != lastProgress) {
			lastStatus, lastProgress = snap.Job.Status, snap.Job.Progress
			fmt.Fprintf(stdout, "%s %3d%%\n", lastStatus, lastProgress)
		}
		if settled(snap, jobID) {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return tracker.Snapshot{}, ctx.Err()
		case snap = <-updates:
		}
	}
}

func settled(s tracker.Snapshot, jobID string) bool {
	if s.JobID != jobID {
		return false
	}
	switch s.State {
	case tracker.StateResultsLoaded, tracker.StateFailed, tracker.StateCancelled:
		return true
	case tracker.StateCompleted:
		return s.ResultsErr != nil
	}
	return false
}

func report(s tracker.Snapshot, stdout, stderr io.Writer) int {
	switch s.State {
	case tracker.StateFailed:
		msg := tracker.DefaultFailureMessage
		if s.Failure != nil {
			msg = s.Failure.Message
		}
		fmt.Fprintf(stderr, "job %s failed: %s\n", s.JobID, msg)
		return exitFailed
	case tracker.StateCancelled:
		fmt.Fprintf(stderr, "job %s was cancelled\n", s.JobID)
		return exitFailed
	case tracker.StateCompleted:
		fmt.Fprintf(stderr, "job %s completed but its results could not be loaded: %v\n", s.JobID, s.ResultsErr)
		return exitFailed
	}

	res := s.Results
	if res.Metadata.ProcessingTime != nil {
		fmt.Fprintf(stdout, "job %s completed in %.1fs\n", s.JobID, *res.Metadata.ProcessingTime)
	} else {
		fmt.Fprintf(stdout, "job %s completed\n", s.JobID)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSIZE\tURL")
	for _, f := range res.Files {
		size := "-"
		if f.SizeBytes != nil {
			size = fmt.Sprint(*f.SizeBytes)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Filename, size, f.DownloadURL)
	}
	tw.Flush()
	return exitOK
}
