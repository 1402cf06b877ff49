package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/basaltdb/basalt/chunk"
)

// Executor runs built pipelines. Every stage instance runs as its own task;
// a stage blocks whenever an input port is empty or an output port is full,
// so back-pressure flows through the graph without busy waiting. The first
// stage error cancels the shared context, which tears the whole pipeline
// down through port closure; there is no partial continuation.
type Executor struct {
	logger  *zap.Logger
	metrics *executorMetrics
}

// NewExecutor returns an executor logging through the given logger.
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		logger:  logger,
		metrics: newExecutorMetrics(),
	}
}

// PrometheusCollectors returns the collectors tracking executor activity.
func (e *Executor) PrometheusCollectors() []prometheus.Collector {
	return e.metrics.PrometheusCollectors()
}

// Execute runs the pipeline to completion and returns the chunks collected
// from each final output port, indexed by port position. A pipeline can be
// executed once; it cannot be extended or rerun afterwards.
func (e *Executor) Execute(ctx context.Context, p *Pipeline) ([][]*chunk.Chunk, error) {
	if p.sealed {
		return nil, errors.New("pipeline: already executed")
	}
	if len(p.pipes) == 0 {
		return nil, errors.New("pipeline: nothing to execute")
	}
	p.sealed = true

	span, ctx := opentracing.StartSpanFromContext(ctx, "pipeline.execute")
	defer span.Finish()

	id := uuid.New()
	logger := e.logger.With(zap.String("pipeline_id", id.String()))
	logger.Debug("Executing pipeline",
		zap.Int("pipes", len(p.pipes)),
		zap.Int("output_ports", len(p.frontier)),
		zap.String("structure", p.String()))

	e.metrics.executing.WithLabelValues().Inc()
	defer e.metrics.executing.WithLabelValues().Dec()
	start := time.Now()
	defer func() {
		e.metrics.executingDur.WithLabelValues().Observe(time.Since(start).Seconds())
	}()

	var (
		mu        sync.Mutex
		stageErrs error
	)
	g, gctx := errgroup.WithContext(ctx)

	for _, pipe := range p.pipes {
		for _, it := range pipe.Items() {
			it := it
			g.Go(func() error {
				defer closePorts(it.Outputs)
				stageStart := time.Now()
				err := it.Proc.Run(gctx)
				e.metrics.stageDur.WithLabelValues(it.Proc.Name()).Observe(time.Since(stageStart).Seconds())
				if err != nil {
					// Stages unwound by the teardown of another stage's
					// failure report the shared cancellation; only the
					// originating error is worth keeping.
					if !errors.Is(err, context.Canceled) {
						err = errors.Wrapf(err, "stage %s", it.Proc.Name())
						mu.Lock()
						stageErrs = multierr.Append(stageErrs, err)
						mu.Unlock()
					}
					return err
				}
				return nil
			})
		}
	}

	results := make([][]*chunk.Chunk, len(p.frontier))
	for i, port := range p.frontier {
		i, port := i, port
		g.Go(func() error {
			for {
				c, ok, err := port.Recv(gctx)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				e.metrics.chunks.WithLabelValues(port.Role().String()).Inc()
				results[i] = append(results[i], c)
			}
		})
	}

	if err := g.Wait(); err != nil {
		e.metrics.failures.WithLabelValues().Inc()
		mu.Lock()
		combined := stageErrs
		mu.Unlock()
		if combined == nil {
			combined = err
		}
		logger.Error("Pipeline execution failed", zap.Error(combined))
		return nil, combined
	}

	logger.Debug("Pipeline execution finished", zap.Duration("took", time.Since(start)))
	return results, nil
}
