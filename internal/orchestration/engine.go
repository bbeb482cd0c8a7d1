// Package orchestration drives the iterative prompt optimization loop.
//
// Both engines share one loop: run the test batch, evaluate, extract rules,
// reflect, optimize, and consult the task's pause controller at every stage
// boundary. They differ in how often they checkpoint and in whether a
// pass-rate threshold may end the run before rule extraction.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tangjunyou/prompt-faster-sub001/internal/checkpoint"
	"github.com/tangjunyou/prompt-faster-sub001/internal/execution"
	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
	"github.com/tangjunyou/prompt-faster-sub001/internal/metrics"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
	"github.com/tangjunyou/prompt-faster-sub001/internal/pause"
)

// Extension keys carried in OptimizationContext.Extensions
const (
	extBestCandidate = "best_candidate"
	extFailedIDs     = "failed_test_case_ids"
	extFeedback      = "feedback"
)

// Artifact keys written into checkpoints
const (
	artifactBestPrompt        = "best_prompt"
	artifactBestPassRate      = "best_pass_rate"
	artifactBestMeanScore     = "best_mean_score"
	artifactBestIteration     = "best_iteration"
	artifactFailedIDs         = "failed_test_case_ids"
	artifactTerminationReason = "termination_reason"
)

// Components are the collaborators every engine is assembled from
type Components struct {
	Scheduler   *execution.Scheduler
	Evaluator   Evaluator
	RuleEngine  RuleEngine
	Aggregator  FeedbackAggregator
	Optimizer   Optimizer
	Teacher     TeacherModel
	Checkpoints *checkpoint.Service
	Metrics     *metrics.OptimizationMetrics
	Logger      *logging.Logger
}

// Engine runs the optimization loop of one task at a time per call
type Engine interface {
	Name() string
	// Run starts a fresh loop over octx
	Run(ctx context.Context, octx *models.OptimizationContext, ctrl *pause.Controller) (*RunResult, error)
	// Resume continues from cp; octx supplies the task definition (target, test cases, config)
	Resume(ctx context.Context, cp *models.Checkpoint, octx *models.OptimizationContext, ctrl *pause.Controller) (*RunResult, error)
}

// RunResult is returned when a loop terminates
type RunResult struct {
	TaskID           string                   `json:"task_id"`
	Prompt           string                   `json:"-"`
	BestPrompt       string                   `json:"-"`
	BestPassRate     float64                  `json:"best_pass_rate"`
	Iterations       int                      `json:"iterations"`
	State            models.IterationState    `json:"state"`
	RunControl       models.RunControlState   `json:"run_control_state"`
	Reason           models.TerminationReason `json:"termination_reason"`
	PassRate         *models.PassRateSummary  `json:"pass_rate_summary,omitempty"`
	RuleVersion      int                      `json:"rule_version"`
	CheckpointIDs    []string                 `json:"checkpoint_ids"`
	LastCheckpointID string                   `json:"last_checkpoint_id,omitempty"`
}

type bestCandidate struct {
	Prompt    string
	PassRate  float64
	MeanScore float64
	Iteration int
}

type strategy struct {
	name                 string
	checkpointEveryStage bool
	fastPath             bool
	consultTeacher       bool
}

type outcome struct {
	terminate      bool
	reason         models.TerminationReason
	skipCheckpoint bool
}

// loop is the shared implementation behind the engines
type loop struct {
	c      Components
	s      strategy
	tracer trace.Tracer
	logger *logging.Logger
}

func newLoop(c Components, s strategy) *loop {
	logger := c.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &loop{
		c:      c,
		s:      s,
		tracer: otel.Tracer("optimization-engine"),
		logger: logger.Named(s.name + "-engine"),
	}
}

func (l *loop) checkComponents() error {
	switch {
	case l.c.Scheduler == nil:
		return internalError("engine has no scheduler", nil)
	case l.c.Evaluator == nil:
		return internalError("engine has no evaluator", nil)
	case l.c.RuleEngine == nil:
		return internalError("engine has no rule engine", nil)
	case l.c.Aggregator == nil:
		return internalError("engine has no feedback aggregator", nil)
	case l.c.Optimizer == nil:
		return internalError("engine has no optimizer", nil)
	case l.c.Checkpoints == nil:
		return internalError("engine has no checkpoint service", nil)
	}
	return nil
}

func (l *loop) validate(octx *models.OptimizationContext, ctrl *pause.Controller) error {
	if err := l.checkComponents(); err != nil {
		return err
	}
	switch {
	case octx == nil:
		return invalidRequest("optimization context is required")
	case ctrl == nil:
		return invalidRequest("pause controller is required")
	case octx.TaskID == "":
		return invalidRequest("task id is required")
	case ctrl.TaskID() != octx.TaskID:
		return invalidRequest("pause controller belongs to task %s", ctrl.TaskID())
	case octx.CurrentPrompt == "":
		return invalidRequest("prompt is required")
	case len(octx.TestCases) == 0:
		return invalidRequest("at least one test case is required")
	case octx.Config.MaxIterations < 1:
		return invalidRequest("max_iterations must be at least 1")
	case octx.Config.PassThreshold <= 0 || octx.Config.PassThreshold > 1:
		return invalidRequest("pass_threshold must be in (0, 1], got %v", octx.Config.PassThreshold)
	case octx.Config.ExecutionMode == models.ExecutionModeParallel && octx.Config.MaxConcurrency < 1:
		return invalidRequest("max_concurrency must be at least 1 in parallel mode")
	case !octx.RunControl.CanTransitionTo(models.RunControlRunning):
		return &Error{
			Kind:    KindInvalidRequest,
			Message: "run cannot start",
			Err:     &models.TransitionError{From: octx.RunControl, To: models.RunControlRunning},
		}
	}
	return nil
}

func (l *loop) run(ctx context.Context, octx *models.OptimizationContext, ctrl *pause.Controller) (*RunResult, error) {
	if err := l.validate(octx, ctrl); err != nil {
		return nil, err
	}
	if octx.Extensions == nil {
		octx.Extensions = make(map[string]interface{})
	}
	return l.execute(ctx, octx, ctrl, false)
}

func (l *loop) resume(ctx context.Context, cp *models.Checkpoint, octx *models.OptimizationContext, ctrl *pause.Controller) (*RunResult, error) {
	if cp == nil {
		return nil, invalidRequest("checkpoint is required")
	}
	if err := checkpoint.Validate(cp); err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Message: "checkpoint is not resumable", Err: err}
	}
	if cp.State.IsTerminal() {
		return nil, invalidRequest("checkpoint %s is in terminal state %s", cp.ID, cp.State)
	}
	if octx == nil {
		return nil, invalidRequest("optimization context is required")
	}

	restored := *octx
	restored.TaskID = cp.TaskID
	restored.Iteration = cp.Iteration
	restored.State = cp.State
	restored.CurrentPrompt = cp.Prompt
	restored.RuleSystem = cp.RuleSystem.Clone()
	restored.BranchID = cp.BranchID
	restored.LastCheckpointID = cp.ID
	restored.Checkpoints = nil
	restored.Extensions = make(map[string]interface{})
	if err := l.validate(&restored, ctrl); err != nil {
		return nil, err
	}

	*octx = restored
	if best, ok := bestFromArtifacts(cp.Artifacts); ok {
		octx.Extensions[extBestCandidate] = best
	}

	l.logger.WithTaskID(octx.TaskID).WithCheckpointID(cp.ID).Info("resuming from checkpoint",
		"iteration", cp.Iteration, "state", string(cp.State))

	return l.execute(ctx, octx, ctrl, true)
}

func (l *loop) execute(ctx context.Context, octx *models.OptimizationContext, ctrl *pause.Controller, resumed bool) (*RunResult, error) {
	ctx, span := l.tracer.Start(ctx, "engine.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", octx.TaskID),
		attribute.String("engine", l.s.name),
		attribute.Bool("resumed", resumed),
		attribute.Int("iteration", octx.Iteration),
	)

	log := l.logger.WithTaskID(octx.TaskID)

	if err := octx.RunControl.TryTransitionTo(models.RunControlRunning); err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Message: "run cannot start", Err: err}
	}
	ctrl.SetRunControl(octx.RunControl)

	log.Info("optimization loop started",
		"engine", l.s.name,
		"resumed", resumed,
		"iteration", octx.Iteration,
		"max_iterations", octx.Config.MaxIterations,
		"test_cases", len(octx.TestCases),
		"execution_mode", string(octx.Config.ExecutionMode),
	)

	var summary *models.PassRateSummary
	for octx.Iteration < octx.Config.MaxIterations {
		out, err := l.iterate(ctx, octx, ctrl, &summary)
		if err != nil {
			span.RecordError(err)
			return nil, l.fail(octx, ctrl, err)
		}
		if out.terminate {
			return l.finish(ctx, octx, ctrl, out.reason, summary, !out.skipCheckpoint)
		}
	}
	return l.finish(ctx, octx, ctrl, models.TerminationMaxIterationsReached, summary, true)
}

// iterate runs one iteration. Iteration counts completed iterations, so it
// only advances once the optimizing stage (or the fast path) finishes.
func (l *loop) iterate(ctx context.Context, octx *models.OptimizationContext, ctrl *pause.Controller, summary **models.PassRateSummary) (outcome, error) {
	var results []models.ExecutionResult
	err := l.stage(ctx, octx, models.IterationStateRunningTests, func(ctx context.Context) error {
		var err error
		results, err = l.runTests(ctx, octx)
		if err != nil {
			return err
		}
		if err := execution.ValidateAlignment(octx.TestCases, results); err != nil {
			return internalError("execution results are misaligned", err)
		}
		return nil
	})
	if err != nil {
		return outcome{}, err
	}
	if out, err := l.boundary(ctx, octx, ctrl, *summary, l.s.checkpointEveryStage); err != nil || out.terminate {
		return out, err
	}

	var evaluations []models.EvaluationResult
	err = l.stage(ctx, octx, models.IterationStateEvaluating, func(ctx context.Context) error {
		var err error
		evaluations, err = l.c.Evaluator.EvaluateBatch(ctx, octx.TestCases, results)
		if err != nil {
			return err
		}
		if err := alignEvaluations(octx.TestCases, evaluations); err != nil {
			return internalError("evaluation results are misaligned", err)
		}
		return nil
	})
	if err != nil {
		return outcome{}, err
	}

	current := summarize(evaluations)
	*summary = &current
	failed := failedTestCaseIDs(evaluations)
	octx.Extensions[extFailedIDs] = failed
	l.trackBest(octx, current)

	if l.s.fastPath && current.PassRate >= octx.Config.PassThreshold {
		octx.Iteration++
		l.c.Metrics.RecordIteration(ctx, l.s.name)
		reason := models.TerminationPassThresholdReached
		if current.Passed == current.Total {
			reason = models.TerminationAllTestsPassed
		}
		return outcome{terminate: true, reason: reason, skipCheckpoint: octx.Config.SkipFastPathCheckpoint}, nil
	}

	err = l.stage(ctx, octx, models.IterationStateExtractingRules, func(ctx context.Context) error {
		next, err := l.c.RuleEngine.ExtractRules(ctx, octx.RuleSystem.Clone(), evaluations)
		if err != nil {
			return err
		}
		next.Version = octx.RuleSystem.Version + 1
		octx.RuleSystem = next
		return nil
	})
	if err != nil {
		return outcome{}, err
	}
	if out, err := l.boundary(ctx, octx, ctrl, *summary, l.s.checkpointEveryStage); err != nil || out.terminate {
		return out, err
	}

	var feedback Feedback
	err = l.stage(ctx, octx, models.IterationStateReflecting, func(ctx context.Context) error {
		reflection := Reflection{
			Iteration:         octx.Iteration,
			FailedTestCaseIDs: failed,
			PassRate:          current.PassRate,
			MeanScore:         current.MeanScore,
			RuleVersion:       octx.RuleSystem.Version,
		}
		if l.s.consultTeacher && l.c.Teacher != nil {
			diagnosis, err := l.c.Teacher.Generate(ctx, diagnosisRequest(reflection, current.Total))
			if err != nil {
				return err
			}
			reflection.Diagnosis = diagnosis
		}
		var err error
		feedback, err = l.c.Aggregator.Aggregate(ctx, reflection)
		if err != nil {
			return err
		}
		octx.Extensions[extFeedback] = feedback
		return nil
	})
	if err != nil {
		return outcome{}, err
	}
	if out, err := l.boundary(ctx, octx, ctrl, *summary, l.s.checkpointEveryStage); err != nil || out.terminate {
		return out, err
	}

	var step OptimizeStep
	err = l.stage(ctx, octx, models.IterationStateOptimizing, func(ctx context.Context) error {
		var err error
		step, err = l.c.Optimizer.OptimizeStep(ctx, OptimizeRequest{
			TaskID:     octx.TaskID,
			Iteration:  octx.Iteration,
			Prompt:     octx.CurrentPrompt,
			RuleSystem: octx.RuleSystem.Clone(),
			Feedback:   feedback,
			PassRate:   current.PassRate,
		})
		if err != nil {
			return err
		}
		if best, ok := octx.Extensions[extBestCandidate].(bestCandidate); step.AdoptBestCandidate && ok {
			octx.CurrentPrompt = best.Prompt
		} else if step.Prompt != "" {
			octx.CurrentPrompt = step.Prompt
		}
		return nil
	})
	if err != nil {
		return outcome{}, err
	}

	octx.Iteration++
	l.c.Metrics.RecordIteration(ctx, l.s.name)

	// Every engine checkpoints at the end of an iteration.
	if out, err := l.boundary(ctx, octx, ctrl, *summary, true); err != nil || out.terminate {
		return out, err
	}
	if step.ShouldTerminate {
		return outcome{terminate: true, reason: models.TerminationOptimizerConverged}, nil
	}
	return outcome{}, nil
}

func (l *loop) stage(ctx context.Context, octx *models.OptimizationContext, state models.IterationState, fn func(ctx context.Context) error) error {
	octx.State = state
	ctx, span := l.tracer.Start(ctx, "engine.stage."+string(state))
	defer span.End()
	span.SetAttributes(attribute.Int("iteration", octx.Iteration))

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	l.c.Metrics.RecordStage(ctx, l.s.name, string(state), elapsed)

	if err != nil {
		span.RecordError(err)
		return err
	}
	l.logger.WithTaskID(octx.TaskID).StageLog(string(state), octx.Iteration, elapsed)
	return nil
}

func (l *loop) runTests(ctx context.Context, octx *models.OptimizationContext) ([]models.ExecutionResult, error) {
	mode := octx.Config.ExecutionMode
	if mode == "" {
		mode = models.ExecutionModeSerial
	}
	l.c.Metrics.RecordTestExecutions(ctx, string(mode), len(octx.TestCases))

	if mode == models.ExecutionModeParallel {
		return l.c.Scheduler.ParallelExecute(ctx, octx.Target, octx.CurrentPrompt, octx.TestCases, octx.Config.MaxConcurrency)
	}
	return l.c.Scheduler.SerialExecute(ctx, octx.Target, octx.CurrentPrompt, octx.TestCases)
}

// boundary writes the stage checkpoint when asked to and then consults the
// pause controller.
func (l *loop) boundary(ctx context.Context, octx *models.OptimizationContext, ctrl *pause.Controller, summary *models.PassRateSummary, writeCheckpoint bool) (outcome, error) {
	if writeCheckpoint {
		if err := l.writeCheckpoint(ctx, octx, summary, ""); err != nil {
			return outcome{}, err
		}
	}
	return l.safepoint(ctx, octx, ctrl, summary, writeCheckpoint)
}

// safepoint honors a pending pause or stop. A pause suspends the loop
// until resumed; a stop, seen before or during the suspension, ends it.
func (l *loop) safepoint(ctx context.Context, octx *models.OptimizationContext, ctrl *pause.Controller, summary *models.PassRateSummary, checkpointed bool) (outcome, error) {
	stopped := outcome{terminate: true, reason: models.TerminationUserStopped}
	if ctrl.IsStopRequested() {
		return stopped, nil
	}

	if !ctrl.CheckpointPause(octx.Iteration, octx.State, "", pauseContext(octx, summary)) {
		return outcome{}, nil
	}

	log := l.logger.WithTaskID(octx.TaskID)
	if err := octx.RunControl.TryTransitionTo(models.RunControlPaused); err != nil {
		return outcome{}, internalError("pause transition rejected", err)
	}
	l.c.Metrics.RecordPause(ctx, string(octx.State))
	log.Info("paused at safepoint", "iteration", octx.Iteration, "stage", string(octx.State))

	// The alternate engine still records a checkpoint for every honored pause.
	if !checkpointed {
		if err := l.writeCheckpoint(ctx, octx, summary, ""); err != nil {
			return outcome{}, err
		}
	}

	if err := ctrl.WaitForResume(ctx); err != nil {
		if errors.Is(err, pause.ErrStopRequested) {
			log.Info("stop requested while paused", "iteration", octx.Iteration)
			return stopped, nil
		}
		return outcome{}, err
	}

	if err := octx.RunControl.TryTransitionTo(models.RunControlRunning); err != nil {
		return outcome{}, internalError("resume transition rejected", err)
	}
	ctrl.SetRunControl(octx.RunControl)
	log.Info("resumed", "iteration", octx.Iteration, "stage", string(octx.State))

	if ctrl.IsStopRequested() {
		return stopped, nil
	}
	return outcome{}, nil
}

func (l *loop) writeCheckpoint(ctx context.Context, octx *models.OptimizationContext, summary *models.PassRateSummary, reason models.TerminationReason) error {
	cp, err := l.c.Checkpoints.Create(ctx, checkpoint.Draft{
		TaskID:     octx.TaskID,
		Iteration:  octx.Iteration,
		State:      octx.State,
		RunControl: octx.RunControl,
		Prompt:     octx.CurrentPrompt,
		RuleSystem: octx.RuleSystem,
		Artifacts:  artifacts(octx, reason),
		PassRate:   summary,
		BranchID:   octx.BranchID,
		ParentID:   octx.LastCheckpointID,
		Lineage:    models.LineageAutomatic,
	})
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	octx.BranchID = cp.BranchID
	octx.LastCheckpointID = cp.ID
	octx.Checkpoints = append(octx.Checkpoints, cp.ID)
	return nil
}

func (l *loop) finish(ctx context.Context, octx *models.OptimizationContext, ctrl *pause.Controller, reason models.TerminationReason, summary *models.PassRateSummary, writeCheckpoint bool) (*RunResult, error) {
	next := models.RunControlIdle
	octx.State = models.IterationStateCompleted
	if reason == models.TerminationUserStopped {
		next = models.RunControlStopped
		octx.State = models.IterationStateUserStopped
	}
	if err := octx.RunControl.TryTransitionTo(next); err != nil {
		return nil, l.fail(octx, ctrl, internalError("termination transition rejected", err))
	}
	ctrl.SetRunControl(octx.RunControl)

	if writeCheckpoint {
		if err := l.writeCheckpoint(ctx, octx, summary, reason); err != nil {
			return nil, l.fail(octx, ctrl, err)
		}
	}

	result := &RunResult{
		TaskID:           octx.TaskID,
		Prompt:           octx.CurrentPrompt,
		Iterations:       octx.Iteration,
		State:            octx.State,
		RunControl:       octx.RunControl,
		Reason:           reason,
		PassRate:         summary,
		RuleVersion:      octx.RuleSystem.Version,
		CheckpointIDs:    append([]string(nil), octx.Checkpoints...),
		LastCheckpointID: octx.LastCheckpointID,
	}
	if best, ok := octx.Extensions[extBestCandidate].(bestCandidate); ok {
		result.BestPrompt = best.Prompt
		result.BestPassRate = best.PassRate
	}

	l.logger.WithTaskID(octx.TaskID).Info("optimization loop finished",
		"reason", string(reason),
		"iterations", octx.Iteration,
		"state", string(octx.State),
		"checkpoints", len(octx.Checkpoints),
	)
	return result, nil
}

// fail marks the context failed in memory only; the persisted checkpoints
// stay as they were so the task remains recoverable.
func (l *loop) fail(octx *models.OptimizationContext, ctrl *pause.Controller, err error) error {
	octx.State = models.IterationStateFailed
	if octx.RunControl.TryTransitionTo(models.RunControlIdle) != nil {
		_ = octx.RunControl.TryTransitionTo(models.RunControlStopped)
	}
	ctrl.SetRunControl(octx.RunControl)

	l.logger.WithTaskID(octx.TaskID).WithError(err).Error("optimization loop failed",
		"iteration", octx.Iteration, "error_kind", string(execution.KindOf(err)))
	return err
}

func (l *loop) trackBest(octx *models.OptimizationContext, s models.PassRateSummary) {
	best, ok := octx.Extensions[extBestCandidate].(bestCandidate)
	if ok && (s.PassRate < best.PassRate || (s.PassRate == best.PassRate && s.MeanScore <= best.MeanScore)) {
		return
	}
	octx.Extensions[extBestCandidate] = bestCandidate{
		Prompt:    octx.CurrentPrompt,
		PassRate:  s.PassRate,
		MeanScore: s.MeanScore,
		Iteration: octx.Iteration,
	}
}

func summarize(evaluations []models.EvaluationResult) models.PassRateSummary {
	s := models.PassRateSummary{Total: len(evaluations)}
	if s.Total == 0 {
		return s
	}
	var scoreSum float64
	for _, e := range evaluations {
		if e.Passed {
			s.Passed++
		}
		scoreSum += e.Score
	}
	s.PassRate = float64(s.Passed) / float64(s.Total)
	s.MeanScore = scoreSum / float64(s.Total)
	return s
}

func failedTestCaseIDs(evaluations []models.EvaluationResult) []string {
	failed := make([]string, 0)
	for _, e := range evaluations {
		if !e.Passed {
			failed = append(failed, e.TestCaseID)
		}
	}
	return failed
}

func alignEvaluations(testCases []models.TestCase, evaluations []models.EvaluationResult) error {
	if len(testCases) != len(evaluations) {
		return fmt.Errorf("expected %d evaluations, got %d", len(testCases), len(evaluations))
	}
	for i := range testCases {
		if testCases[i].ID != evaluations[i].TestCaseID {
			return fmt.Errorf("evaluation %d is for test case %s, expected %s", i, evaluations[i].TestCaseID, testCases[i].ID)
		}
	}
	return nil
}

// diagnosisRequest asks the teacher model about failures by test case id and
// aggregate score only.
func diagnosisRequest(r Reflection, total int) string {
	return fmt.Sprintf(
		"Iteration %d: %d of %d test cases failed (ids: %v). Pass rate %.2f, mean score %.2f, rule system version %d. "+
			"Describe the most likely shared cause of these failures.",
		r.Iteration, len(r.FailedTestCaseIDs), total, r.FailedTestCaseIDs, r.PassRate, r.MeanScore, r.RuleVersion,
	)
}

func pauseContext(octx *models.OptimizationContext, summary *models.PassRateSummary) map[string]interface{} {
	ctx := map[string]interface{}{
		"iteration":          octx.Iteration,
		"stage":              string(octx.State),
		"rule_version":       octx.RuleSystem.Version,
		"last_checkpoint_id": octx.LastCheckpointID,
	}
	if summary != nil {
		ctx["pass_rate"] = summary.PassRate
	}
	if failed, ok := octx.Extensions[extFailedIDs].([]string); ok {
		ctx["failed_test_case_ids"] = append([]string(nil), failed...)
	}
	return ctx
}

func artifacts(octx *models.OptimizationContext, reason models.TerminationReason) map[string]interface{} {
	out := make(map[string]interface{})
	if failed, ok := octx.Extensions[extFailedIDs].([]string); ok {
		out[artifactFailedIDs] = append([]string(nil), failed...)
	}
	if best, ok := octx.Extensions[extBestCandidate].(bestCandidate); ok {
		out[artifactBestPrompt] = best.Prompt
		out[artifactBestPassRate] = best.PassRate
		out[artifactBestMeanScore] = best.MeanScore
		out[artifactBestIteration] = best.Iteration
	}
	if reason != "" {
		out[artifactTerminationReason] = string(reason)
	}
	return out
}

func bestFromArtifacts(a map[string]interface{}) (bestCandidate, bool) {
	prompt, ok := a[artifactBestPrompt].(string)
	if !ok || prompt == "" {
		return bestCandidate{}, false
	}
	best := bestCandidate{Prompt: prompt}
	best.PassRate, _ = toFloat(a[artifactBestPassRate])
	best.MeanScore, _ = toFloat(a[artifactBestMeanScore])
	if it, ok := toFloat(a[artifactBestIteration]); ok {
		best.Iteration = int(it)
	}
	return best, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
