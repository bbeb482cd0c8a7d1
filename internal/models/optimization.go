package models

import (
	"encoding/json"
	"time"
)

// TestCase represents a single input/expectation pair in a test set
type TestCase struct {
	ID        string                 `json:"id"`
	Input     map[string]interface{} `json:"input"`
	Reference map[string]interface{} `json:"reference,omitempty"`
	Split     string                 `json:"split,omitempty"`
}

// TokenUsage represents token accounting reported by an execution target
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ExecutionResult represents the output of running one test case against a target
type ExecutionResult struct {
	TestCaseID  string          `json:"test_case_id"`
	Output      string          `json:"output"`
	Latency     time.Duration   `json:"latency"`
	TokenUsage  *TokenUsage     `json:"token_usage,omitempty"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
}

// EvaluationResult represents the score given to one execution result
type EvaluationResult struct {
	TestCaseID string  `json:"test_case_id"`
	Passed     bool    `json:"passed"`
	Score      float64 `json:"score"`
	Feedback   string  `json:"feedback,omitempty"`
}

// Rule represents one learned rule
type Rule struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

// RuleSystem is the rule set carried between iterations. Only Version is
// interpreted by the orchestration loop.
type RuleSystem struct {
	Rules   []Rule `json:"rules"`
	Version int    `json:"version"`
}

// Clone returns a deep copy of the rule system
func (rs RuleSystem) Clone() RuleSystem {
	out := RuleSystem{Version: rs.Version}
	if rs.Rules != nil {
		out.Rules = make([]Rule, len(rs.Rules))
		for i, r := range rs.Rules {
			r.Tags = append([]string(nil), r.Tags...)
			out.Rules[i] = r
		}
	}
	return out
}

// ExecutionTargetConfig describes where and how prompts are executed
type ExecutionTargetConfig struct {
	Kind           string            `json:"kind"`
	Endpoint       string            `json:"endpoint"`
	Model          string            `json:"model,omitempty"`
	APIKey         string            `json:"-"` // Never serialized
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// ExecutionMode selects how a batch of test cases is dispatched
type ExecutionMode string

const (
	ExecutionModeSerial   ExecutionMode = "serial"
	ExecutionModeParallel ExecutionMode = "parallel"
)

// OptimizationConfig holds the tunables of a task's optimization run
type OptimizationConfig struct {
	MaxIterations  int           `json:"max_iterations" yaml:"max_iterations"`
	PassThreshold  float64       `json:"pass_threshold" yaml:"pass_threshold"`
	ExecutionMode  ExecutionMode `json:"execution_mode" yaml:"execution_mode"`
	MaxConcurrency int           `json:"max_concurrency" yaml:"max_concurrency"`

	// SkipFastPathCheckpoint disables the terminal checkpoint the alternate
	// engine writes when it stops early on the pass-rate fast path.
	SkipFastPathCheckpoint bool `json:"skip_fast_path_checkpoint" yaml:"skip_fast_path_checkpoint"`
}

// DefaultOptimizationConfig returns the configuration used when a task sets none
func DefaultOptimizationConfig() OptimizationConfig {
	return OptimizationConfig{
		MaxIterations:  10,
		PassThreshold:  0.95,
		ExecutionMode:  ExecutionModeSerial,
		MaxConcurrency: 4,
	}
}

// OptimizationContext is the mutable aggregate threaded through one run.
// It is owned by a single Run or Resume call at a time.
type OptimizationContext struct {
	TaskID           string                 `json:"task_id"`
	Target           ExecutionTargetConfig  `json:"target"`
	CurrentPrompt    string                 `json:"current_prompt"`
	RuleSystem       RuleSystem             `json:"rule_system"`
	Iteration        int                    `json:"iteration"`
	State            IterationState         `json:"state"`
	RunControl       RunControlState        `json:"run_control_state"`
	TestCases        []TestCase             `json:"test_cases"`
	Config           OptimizationConfig     `json:"config"`
	Checkpoints      []string               `json:"checkpoints,omitempty"`
	BranchID         string                 `json:"branch_id,omitempty"`
	LastCheckpointID string                 `json:"last_checkpoint_id,omitempty"`
	Extensions       map[string]interface{} `json:"extensions,omitempty"`
}

// NewOptimizationContext builds an idle context for a fresh run
func NewOptimizationContext(taskID, prompt string, target ExecutionTargetConfig, testCases []TestCase, cfg OptimizationConfig) *OptimizationContext {
	return &OptimizationContext{
		TaskID:        taskID,
		Target:        target,
		CurrentPrompt: prompt,
		State:         IterationStateIdle,
		RunControl:    RunControlIdle,
		TestCases:     testCases,
		Config:        cfg,
		Extensions:    make(map[string]interface{}),
	}
}
