package orchestration

import (
	"context"

	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

// Evaluator scores execution results. It must return one result per test
// case, in the order of the test cases.
type Evaluator interface {
	EvaluateBatch(ctx context.Context, testCases []models.TestCase, results []models.ExecutionResult) ([]models.EvaluationResult, error)
}

// RuleEngine derives the next rule system from the current one and the latest evaluations
type RuleEngine interface {
	ExtractRules(ctx context.Context, current models.RuleSystem, evaluations []models.EvaluationResult) (models.RuleSystem, error)
}

// Reflection is the structured summary of an iteration handed to feedback
// aggregation. It references test cases by id only.
type Reflection struct {
	Iteration         int      `json:"iteration"`
	FailedTestCaseIDs []string `json:"failed_test_case_ids"`
	PassRate          float64  `json:"pass_rate"`
	MeanScore         float64  `json:"mean_score"`
	RuleVersion       int      `json:"rule_version"`
	Diagnosis         string   `json:"diagnosis,omitempty"`
}

// Feedback is the aggregated guidance for the optimizer
type Feedback struct {
	Summary     string   `json:"summary"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// FeedbackAggregator turns a reflection into feedback for the optimizer
type FeedbackAggregator interface {
	Aggregate(ctx context.Context, reflection Reflection) (Feedback, error)
}

// OptimizeRequest carries everything the optimizer sees for one step
type OptimizeRequest struct {
	TaskID     string            `json:"task_id"`
	Iteration  int               `json:"iteration"`
	Prompt     string            `json:"prompt"`
	RuleSystem models.RuleSystem `json:"rule_system"`
	Feedback   Feedback          `json:"feedback"`
	PassRate   float64           `json:"pass_rate"`
}

// OptimizeStep is the optimizer's decision for one iteration
type OptimizeStep struct {
	Prompt string `json:"prompt"`
	// AdoptBestCandidate replaces the prompt with the best one seen so far
	AdoptBestCandidate bool `json:"adopt_best_candidate"`
	// ShouldTerminate ends the run after this iteration
	ShouldTerminate bool `json:"should_terminate"`
}

// Optimizer produces the next prompt candidate
type Optimizer interface {
	OptimizeStep(ctx context.Context, req OptimizeRequest) (OptimizeStep, error)
}

// TeacherModel is a general text generator consulted by the alternate engine
type TeacherModel interface {
	Generate(ctx context.Context, request string) (string, error)
}
