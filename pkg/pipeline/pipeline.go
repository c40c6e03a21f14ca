// Package pipeline drives feature extraction over many images.
//
// CPU-bound preparation (decode, detect, sample) runs on a pool of workers that
// feed a bounded queue; a second pool drains the queue through the device-bound
// encoder and writes the results. Per-image failures are collected in the
// Summary; fatal errors stop the run.
package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/feature-extractor/internal/metrics"
	"github.com/menta2k/feature-extractor/internal/utils"
	"github.com/menta2k/feature-extractor/pkg/featurefile"
	"github.com/menta2k/feature-extractor/pkg/publish"
	"github.com/menta2k/feature-extractor/pkg/types"
)

// Counter names
const (
	MetricPrepared  = "images.prepared"
	MetricWritten   = "images.written"
	MetricFailed    = "images.failed"
	MetricSkipped   = "images.skipped"
	MetricKeypoints = "keypoints"
	MetricPublished = "files.published"
)

// maxDefaultPrepareWorkers bounds the default preparation pool; each worker holds
// a float32 scale-space octave of its image
const maxDefaultPrepareWorkers = 4

// DefaultPrepareWorkers is the preparation pool size used when none is set
func DefaultPrepareWorkers() int {
	return min(runtime.NumCPU(), maxDefaultPrepareWorkers)
}

// Job is one image and the feature file it produces
type Job struct {
	Image  string
	Output string
}

// Jobs pairs every image with "<image>.<suffix>.npz"
func Jobs(paths []string, suffix string) []Job {
	jobs := make([]Job, len(paths))
	for i, p := range paths {
		jobs[i] = Job{Image: p, Output: utils.OutputPath(p, suffix)}
	}
	return jobs
}

// SourceJobs pairs local paths or http(s) URLs with outputs in outDir. With an
// empty outDir local images keep their output next to them and URLs write to the
// working directory.
func SourceJobs(sources []string, outDir, suffix string) []Job {
	jobs := make([]Job, len(sources))
	for i, src := range sources {
		out := utils.OutputPath(src, suffix)
		if outDir != "" || utils.IsURL(src) {
			out = filepath.Join(outDir, utils.OutputPath(utils.SourceName(src), suffix))
		}
		jobs[i] = Job{Image: src, Output: out}
	}
	return jobs
}

// Prepared is the CPU-side output for one image, waiting for the encoder
type Prepared struct {
	Job       Job
	Keypoints []types.Keypoint
	Patches   []types.Patch
}

// Result describes one written feature file
type Result struct {
	Keypoints int
	Dim       int
}

// Processor performs the per-image work
type Processor interface {
	// Prepare decodes the image and samples its patches
	Prepare(ctx context.Context, job Job) (*Prepared, error)
	// Complete encodes the patches and writes the feature file
	Complete(ctx context.Context, p *Prepared) (Result, error)
}

// Options configures a Driver
type Options struct {
	PrepareWorkers int
	EncodeWorkers  int
	// QueueSize bounds how many prepared images wait for the encoder
	QueueSize int
	// SkipExisting leaves images whose output already exists untouched
	SkipExisting bool
	// Publisher, when set, uploads every written file
	Publisher publish.Publisher
	Logger    zerolog.Logger
	Metrics   *metrics.Registry
	// ProgressInterval is the period of progress log lines; negative disables them
	ProgressInterval time.Duration
}

// DefaultProgressInterval is used when Options.ProgressInterval is zero
const DefaultProgressInterval = 10 * time.Second

// Driver schedules jobs over a Processor
type Driver struct {
	proc Processor
	opts Options
}

// New creates a Driver
func New(proc Processor, opts Options) *Driver {
	if opts.PrepareWorkers < 1 {
		opts.PrepareWorkers = DefaultPrepareWorkers()
	}
	if opts.EncodeWorkers < 1 {
		opts.EncodeWorkers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	if opts.ProgressInterval == 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return &Driver{proc: proc, opts: opts}
}

// Run processes jobs and returns the summary. The error is non-nil only when
// the run was aborted by a fatal error or by ctx; the summary then covers the
// images finished before that.
func (d *Driver) Run(ctx context.Context, jobs []Job) (*Summary, error) {
	start := time.Now()
	sum := &Summary{Total: len(jobs)}
	var mu sync.Mutex

	pending := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if d.opts.SkipExisting && featurefile.Exists(j.Output) {
			sum.Skipped++
			d.opts.Metrics.Tick(MetricSkipped, 1)
			continue
		}
		pending = append(pending, j)
	}
	d.opts.Logger.Info().Int("images", len(pending)).Int("skipped", sum.Skipped).Msg("starting extraction")

	base := d.snapshot()
	stopProgress := d.reportProgress(base, len(pending))

	g, gctx := errgroup.WithContext(ctx)

	// fail records a per-image error, or returns it when the run must stop
	fail := func(job Job, err error) error {
		if types.IsFatal(err) {
			return err
		}
		if gctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return gctx.Err()
		}
		d.opts.Metrics.Tick(MetricFailed, 1)
		d.opts.Logger.Warn().Err(err).Str("image", job.Image).Msg("image failed")
		mu.Lock()
		sum.Failed++
		sum.Failures = append(sum.Failures, Failure{Job: job, Err: err})
		mu.Unlock()
		return nil
	}

	jobCh := make(chan Job)
	g.Go(func() error {
		defer close(jobCh)
		for _, j := range pending {
			select {
			case jobCh <- j:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	queue := make(chan *Prepared, d.opts.QueueSize)
	var preparers sync.WaitGroup
	for i := 0; i < d.opts.PrepareWorkers; i++ {
		preparers.Add(1)
		g.Go(func() error {
			defer preparers.Done()
			for job := range jobCh {
				p, err := d.proc.Prepare(gctx, job)
				if err != nil {
					if ferr := fail(job, err); ferr != nil {
						return ferr
					}
					continue
				}
				d.opts.Metrics.Tick(MetricPrepared, 1)
				select {
				case queue <- p:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		preparers.Wait()
		close(queue)
		return nil
	})

	for i := 0; i < d.opts.EncodeWorkers; i++ {
		g.Go(func() error {
			for p := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := d.complete(gctx, p, sum, &mu); err != nil {
					if ferr := fail(p.Job, err); ferr != nil {
						return ferr
					}
				}
			}
			return nil
		})
	}

	err := g.Wait()
	stopProgress()
	sum.Elapsed = time.Since(start)

	done := d.snapshot().sub(base)
	sum.Prepared = int(done[MetricPrepared])
	sum.Published = int(done[MetricPublished])
	d.opts.Logger.Info().
		Int64("prepared", done[MetricPrepared]).
		Int64("written", done[MetricWritten]).
		Int64("failed", done[MetricFailed]).
		Int64("published", done[MetricPublished]).
		Int64("keypoints", done[MetricKeypoints]).
		Float64("written_avg_per_s", d.opts.Metrics.GetPerformance(MetricWritten)).
		Dur("took", sum.Elapsed).
		Msg("extraction finished")
	return sum, err
}

// counts maps counter names to values
type counts map[string]int64

var stageMetrics = []string{MetricPrepared, MetricWritten, MetricFailed, MetricPublished, MetricKeypoints}

func (d *Driver) snapshot() counts {
	c := make(counts, len(stageMetrics))
	for _, name := range stageMetrics {
		c[name] = d.opts.Metrics.Get(name)
	}
	return c
}

func (c counts) sub(base counts) counts {
	out := make(counts, len(c))
	for name, v := range c {
		out[name] = v - base[name]
	}
	return out
}

// reportProgress logs stage counts and one second rates every ProgressInterval
// until the returned function is called
func (d *Driver) reportProgress(base counts, total int) func() {
	if d.opts.ProgressInterval < 0 {
		return func() {}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.opts.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				now := d.snapshot().sub(base)
				d.opts.Logger.Info().
					Int("images", total).
					Int64("prepared", now[MetricPrepared]).
					Int64("written", now[MetricWritten]).
					Int64("failed", now[MetricFailed]).
					Float64("prepared_per_s", d.opts.Metrics.GetRate1s(MetricPrepared)).
					Float64("written_per_s", d.opts.Metrics.GetRate1s(MetricWritten)).
					Msg("progress")
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

func (d *Driver) complete(ctx context.Context, p *Prepared, sum *Summary, mu *sync.Mutex) error {
	started := time.Now()
	res, err := d.proc.Complete(ctx, p)
	if err != nil {
		return err
	}

	var remote string
	if d.opts.Publisher != nil {
		remote, err = d.opts.Publisher.Publish(ctx, p.Job.Output)
		if err != nil {
			return err
		}
		d.opts.Metrics.Tick(MetricPublished, 1)
	}

	d.opts.Metrics.Tick(MetricWritten, 1)
	d.opts.Metrics.Tick(MetricKeypoints, int64(res.Keypoints))

	ev := d.opts.Logger.Info().
		Str("image", p.Job.Image).
		Int("keypoints", res.Keypoints).
		Int("dim", res.Dim).
		Dur("took", time.Since(started))
	if remote != "" {
		ev = ev.Str("remote", remote)
	}
	ev.Msg("features written")

	mu.Lock()
	sum.Processed++
	sum.Keypoints += int64(res.Keypoints)
	mu.Unlock()
	return nil
}
