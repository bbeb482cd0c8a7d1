package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("optimization-metrics")

// OptimizationMetrics collects metrics for optimization runs. A nil
// *OptimizationMetrics is valid and records nothing.
type OptimizationMetrics struct {
	runsStartedCounter     metric.Int64Counter
	runsFinishedCounter    metric.Int64Counter
	runDurationHistogram   metric.Float64Histogram
	runsActiveGauge        metric.Int64UpDownCounter
	iterationsCounter      metric.Int64Counter
	stageDurationHistogram metric.Float64Histogram
	testExecutionsCounter  metric.Int64Counter
	pausesCounter          metric.Int64Counter
	recoveriesCounter      metric.Int64Counter
}

// NewOptimizationMetrics creates the optimization instruments on the global meter
func NewOptimizationMetrics() (*OptimizationMetrics, error) {
	runsStartedCounter, err := meter.Int64Counter(
		"prompt_optimizer.runs.started",
		metric.WithDescription("Total number of optimization runs started or resumed"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runsFinishedCounter, err := meter.Int64Counter(
		"prompt_optimizer.runs.finished",
		metric.WithDescription("Total number of optimization runs that ended, by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDurationHistogram, err := meter.Float64Histogram(
		"prompt_optimizer.run.duration",
		metric.WithDescription("Duration of optimization runs in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runsActiveGauge, err := meter.Int64UpDownCounter(
		"prompt_optimizer.runs.active",
		metric.WithDescription("Number of optimization loops currently running"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	iterationsCounter, err := meter.Int64Counter(
		"prompt_optimizer.iterations.completed",
		metric.WithDescription("Total number of completed optimization iterations"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, err
	}

	stageDurationHistogram, err := meter.Float64Histogram(
		"prompt_optimizer.stage.duration",
		metric.WithDescription("Duration of individual iteration stages in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	testExecutionsCounter, err := meter.Int64Counter(
		"prompt_optimizer.test_executions",
		metric.WithDescription("Total number of test case executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, err
	}

	pausesCounter, err := meter.Int64Counter(
		"prompt_optimizer.pauses",
		metric.WithDescription("Total number of pauses honored at a safepoint"),
		metric.WithUnit("{pause}"),
	)
	if err != nil {
		return nil, err
	}

	recoveriesCounter, err := meter.Int64Counter(
		"prompt_optimizer.recoveries",
		metric.WithDescription("Total number of recovery attempts, by outcome"),
		metric.WithUnit("{recovery}"),
	)
	if err != nil {
		return nil, err
	}

	return &OptimizationMetrics{
		runsStartedCounter:     runsStartedCounter,
		runsFinishedCounter:    runsFinishedCounter,
		runDurationHistogram:   runDurationHistogram,
		runsActiveGauge:        runsActiveGauge,
		iterationsCounter:      iterationsCounter,
		stageDurationHistogram: stageDurationHistogram,
		testExecutionsCounter:  testExecutionsCounter,
		pausesCounter:          pausesCounter,
		recoveriesCounter:      recoveriesCounter,
	}, nil
}

// RecordRunStarted records a run or resume entering its loop
func (om *OptimizationMetrics) RecordRunStarted(ctx context.Context, engine string, resumed bool) {
	if om == nil {
		return
	}
	om.runsStartedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.Bool("resumed", resumed),
		),
	)
	om.runsActiveGauge.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
		),
	)
}

// RecordRunFinished records a loop leaving, with outcome completed, stopped or failed
func (om *OptimizationMetrics) RecordRunFinished(ctx context.Context, engine, outcome string, duration time.Duration) {
	if om == nil {
		return
	}
	om.runsFinishedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("outcome", outcome),
		),
	)
	om.runDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("outcome", outcome),
		),
	)
	om.runsActiveGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("engine", engine),
		),
	)
}

// RecordIteration records one completed iteration
func (om *OptimizationMetrics) RecordIteration(ctx context.Context, engine string) {
	if om == nil {
		return
	}
	om.iterationsCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
		),
	)
}

// RecordStage records how long one stage of an iteration took
func (om *OptimizationMetrics) RecordStage(ctx context.Context, engine, stage string, duration time.Duration) {
	if om == nil {
		return
	}
	om.stageDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("stage", stage),
		),
	)
}

// RecordTestExecutions records a dispatched batch of test cases
func (om *OptimizationMetrics) RecordTestExecutions(ctx context.Context, mode string, count int) {
	if om == nil {
		return
	}
	om.testExecutionsCounter.Add(ctx, int64(count),
		metric.WithAttributes(
			attribute.String("execution.mode", mode),
		),
	)
}

// RecordPause records a pause honored at a safepoint
func (om *OptimizationMetrics) RecordPause(ctx context.Context, stage string) {
	if om == nil {
		return
	}
	om.pausesCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
		),
	)
}

// RecordRecovery records a recovery attempt with outcome success, failure or aborted
func (om *OptimizationMetrics) RecordRecovery(ctx context.Context, outcome string) {
	if om == nil {
		return
	}
	om.recoveriesCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("outcome", outcome),
		),
	)
}
