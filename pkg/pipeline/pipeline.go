// Package pipeline runs the batch: it walks the series directories, matches
// whitelisted nodule records against each series' annotation document,
// assembles the scan volume and hands both to the output writer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ctslicesto3d/internal/models"
	"ctslicesto3d/pkg/annotation"
	"ctslicesto3d/pkg/config"
	"ctslicesto3d/pkg/locator"
	"ctslicesto3d/pkg/logging"
	"ctslicesto3d/pkg/output"
	"ctslicesto3d/pkg/reconstruction"
	"ctslicesto3d/pkg/whitelist"
)

// Outcome is the result of processing one series directory.
type Outcome string

const (
	Processed        Outcome = "processed"
	NoAnnotation     Outcome = "no-annotation"
	NotWhitelisted   Outcome = "not-whitelisted"
	AlreadyProcessed Outcome = "already-processed"
	Failed           Outcome = "failed"
)

// SliceSource decodes image files.
type SliceSource interface {
	locator.HeaderReader
	ReadSlice(path string) (models.Slice, error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics replaces the pipeline's metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithRunID sets the run id attached to every log line.
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

// WithStrategy replaces the identifier resolution strategy.
func WithStrategy(s annotation.Strategy) Option {
	return func(p *Pipeline) { p.strategy = s }
}

// Pipeline processes series directories.
type Pipeline struct {
	cfg    *config.Config
	index  *whitelist.Index
	source SliceSource

	strategy  annotation.Strategy
	matcher   *annotation.Matcher
	assembler *reconstruction.Assembler
	writer    *output.Writer
	metrics   *Metrics

	runID  string
	logger *zap.Logger
}

// New creates a pipeline over an already loaded whitelist index.
func New(cfg *config.Config, index *whitelist.Index, source SliceSource, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if index == nil {
		return nil, fmt.Errorf("whitelist index is required")
	}
	if source == nil {
		return nil, fmt.Errorf("slice source is required")
	}

	p := &Pipeline{cfg: cfg, index: index, source: source}
	for _, opt := range opts {
		opt(p)
	}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	p.logger = logging.OrNop(logger).With(zap.String("runId", p.runID))

	writer, err := output.NewWriter(output.Options{
		Root:        cfg.Output.Root,
		Compression: output.Compression(cfg.Output.Compression),
		Level:       cfg.Output.CompressionLevel,
		Previews:    cfg.Output.Previews,
	}, p.logger)
	if err != nil {
		return nil, err
	}
	p.writer = writer

	params := reconstruction.DefaultParams()
	if cfg.Processing.Modality != "" {
		params.Modality = cfg.Processing.Modality
	}
	if cfg.Processing.Orientation != "" {
		params.Orientation = reconstruction.Orientation(cfg.Processing.Orientation)
	}
	p.assembler = reconstruction.NewAssembler(params, p.logger)
	p.matcher = annotation.NewMatcher(p.strategy, p.logger)

	return p, nil
}

// RunID returns the id of this pipeline's run.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Metrics returns the pipeline's metrics.
func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

// Failure records a series that could not be processed.
type Failure struct {
	Dir string
	Err error
}

// Summary aggregates the outcomes of a run.
type Summary struct {
	RunID    string
	Outcomes map[Outcome]int
	Failures []Failure
	Duration time.Duration

	mu sync.Mutex
}

func (s *Summary) add(dir string, outcome Outcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Outcomes[outcome]++
	if outcome == Failed {
		s.Failures = append(s.Failures, Failure{Dir: dir, Err: err})
	}
}

// Total returns the number of series directories handled.
func (s *Summary) Total() int {
	n := 0
	for _, c := range s.Outcomes {
		n += c
	}
	return n
}

// Run discovers the series directories under the configured input root and
// processes them concurrently. A failing series is recorded in the summary
// and never stops the batch; only cancellation of ctx does.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{RunID: p.runID, Outcomes: make(map[Outcome]int)}

	dirs, err := locator.DiscoverSeriesDirs(p.cfg.Input.Root, p.cfg.Input.CasePattern)
	if err != nil {
		return summary, err
	}

	workers := p.cfg.Processing.NumCores
	if workers < 1 {
		workers = 1
	}
	p.logger.Info("Starting run",
		zap.String("input", p.cfg.Input.Root),
		zap.String("output", p.cfg.Output.Root),
		zap.Int("seriesDirs", len(dirs)),
		zap.Int("whitelisted", p.index.Len()),
		zap.Int("workers", workers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, dir := range dirs {
		dir := dir
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, err := p.ProcessSeries(gctx, dir)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			summary.add(dir, outcome, err)
			return nil
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	sort.Slice(summary.Failures, func(i, j int) bool {
		return summary.Failures[i].Dir < summary.Failures[j].Dir
	})
	summary.Duration = time.Since(start)

	fields := []zap.Field{zap.Duration("duration", summary.Duration)}
	for _, o := range []Outcome{Processed, AlreadyProcessed, NotWhitelisted, NoAnnotation, Failed} {
		fields = append(fields, zap.Int(string(o), summary.Outcomes[o]))
	}
	p.logger.Info("Run finished", fields...)

	if path := p.cfg.Metrics.Textfile; path != "" {
		if err := p.metrics.WriteTextfile(path); err != nil {
			p.logger.Error("Failed to write metrics textfile", zap.String("path", path), zap.Error(err))
		}
	}

	return summary, runErr
}

// ProcessSeries handles a single series directory. The returned error is
// non-nil only for the Failed outcome.
func (p *Pipeline) ProcessSeries(ctx context.Context, dir string) (Outcome, error) {
	outcome, err := p.processSeries(ctx, dir)
	if err != nil {
		outcome = Failed
		if ctx.Err() == nil {
			p.logger.Error("Failed to process series", zap.String("dir", dir), zap.Error(err))
		}
	}
	p.metrics.series.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (p *Pipeline) processSeries(ctx context.Context, dir string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Failed, err
	}

	loc, err := locator.Locate(dir, p.source)
	if errors.Is(err, locator.ErrNoAnnotation) {
		p.logger.Debug("No annotation document, skipping", zap.String("dir", dir))
		return NoAnnotation, nil
	}
	if err != nil {
		return Failed, err
	}

	key := loc.Key()
	log := p.logger.With(zap.String("series", key.String()))

	if !p.index.Eligible(key) {
		log.Debug("Series not whitelisted, skipping")
		return NotWhitelisted, nil
	}

	done, err := p.writer.Exists(key)
	if err != nil {
		return Failed, err
	}
	if done {
		log.Debug("Series already processed, skipping")
		return AlreadyProcessed, nil
	}

	doc, err := annotation.ParseFile(loc.AnnotationPath)
	if err != nil {
		return Failed, err
	}
	annotations, diags := p.matcher.MatchAll(p.index.Records(key), doc)
	p.countObservations(annotations, diags)

	start := time.Now()
	slices, err := p.readSlices(ctx, loc.ImageFiles)
	if err != nil {
		return Failed, err
	}
	vol, err := p.assembler.Assemble(slices, loc.Header)
	if err != nil {
		return Failed, fmt.Errorf("%s: %w", key, err)
	}
	p.metrics.assembly.Observe(time.Since(start).Seconds())

	res, err := p.writer.Write(key, annotations, vol)
	if err != nil {
		return Failed, err
	}
	if res.Skipped {
		return AlreadyProcessed, nil
	}

	log.Info("Processed series",
		zap.Int("slices", vol.Depth),
		zap.Int("nodules", len(annotations)),
		zap.Int("diagnostics", len(diags)))
	return Processed, nil
}

// readSlices decodes every image file of a series before assembly.
func (p *Pipeline) readSlices(ctx context.Context, files []string) ([]models.Slice, error) {
	slices := make([]models.Slice, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := p.source.ReadSlice(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read slice %s: %w", path, err)
		}
		slices = append(slices, s)
	}
	return slices, nil
}

func (p *Pipeline) countObservations(annotations []models.NoduleAnnotation, diags []annotation.Diagnostic) {
	matched := 0
	for _, a := range annotations {
		for _, obs := range a.Observations {
			if obs != nil {
				matched++
			}
		}
	}
	p.metrics.observations.WithLabelValues(ObservationMatched).Add(float64(matched))
	for _, d := range diags {
		p.metrics.observations.WithLabelValues(d.Kind.String()).Inc()
	}
}
