package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

const defaultCapabilityTimeout = 60 * time.Second

// CapabilityClient talks to the capability runtime, the external service
// that evaluates outputs, extracts rules, aggregates feedback, proposes
// prompts and answers teacher-model requests. It satisfies every capability
// interface the engines consume.
type CapabilityClient struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
	logger     *logging.Logger
}

var (
	_ Evaluator          = (*CapabilityClient)(nil)
	_ RuleEngine         = (*CapabilityClient)(nil)
	_ FeedbackAggregator = (*CapabilityClient)(nil)
	_ Optimizer          = (*CapabilityClient)(nil)
	_ TeacherModel       = (*CapabilityClient)(nil)
)

type evaluateRequest struct {
	TestCases []models.TestCase        `json:"test_cases"`
	Results   []models.ExecutionResult `json:"results"`
}

type evaluateResponse struct {
	Evaluations []models.EvaluationResult `json:"evaluations"`
}

type rulesRequest struct {
	Current     models.RuleSystem         `json:"current"`
	Evaluations []models.EvaluationResult `json:"evaluations"`
}

type rulesResponse struct {
	RuleSystem models.RuleSystem `json:"rule_system"`
}

type generateRequest struct {
	Request string `json:"request"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// NewCapabilityClient creates a client for the runtime at baseURL
func NewCapabilityClient(baseURL string, timeout time.Duration, logger *logging.Logger) *CapabilityClient {
	if logger == nil {
		logger = logging.Nop()
	}
	if timeout <= 0 {
		timeout = defaultCapabilityTimeout
	}
	logger = logger.Named("capability-client")

	settings := gobreaker.Settings{
		Name:        "capability-runtime",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &CapabilityClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tracer:     otel.Tracer("capability-client"),
		breaker:    gobreaker.NewCircuitBreaker(settings),
		logger:     logger,
	}
}

// EvaluateBatch scores results against their test cases
func (c *CapabilityClient) EvaluateBatch(ctx context.Context, testCases []models.TestCase, results []models.ExecutionResult) ([]models.EvaluationResult, error) {
	var resp evaluateResponse
	if err := c.call(ctx, "evaluate", evaluateRequest{TestCases: testCases, Results: results}, &resp); err != nil {
		return nil, err
	}
	return resp.Evaluations, nil
}

// ExtractRules derives the next rule system
func (c *CapabilityClient) ExtractRules(ctx context.Context, current models.RuleSystem, evaluations []models.EvaluationResult) (models.RuleSystem, error) {
	var resp rulesResponse
	if err := c.call(ctx, "rules", rulesRequest{Current: current, Evaluations: evaluations}, &resp); err != nil {
		return models.RuleSystem{}, err
	}
	return resp.RuleSystem, nil
}

// Aggregate turns a reflection into optimizer feedback
func (c *CapabilityClient) Aggregate(ctx context.Context, reflection Reflection) (Feedback, error) {
	var fb Feedback
	if err := c.call(ctx, "feedback", reflection, &fb); err != nil {
		return Feedback{}, err
	}
	return fb, nil
}

// OptimizeStep asks the runtime for the next prompt candidate
func (c *CapabilityClient) OptimizeStep(ctx context.Context, req OptimizeRequest) (OptimizeStep, error) {
	var step OptimizeStep
	if err := c.call(ctx, "optimize", req, &step); err != nil {
		return OptimizeStep{}, err
	}
	return step, nil
}

// Generate answers a free-form teacher-model request
func (c *CapabilityClient) Generate(ctx context.Context, request string) (string, error) {
	var resp generateResponse
	if err := c.call(ctx, "generate", generateRequest{Request: request}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// IsHealthy checks if the capability runtime is reachable
func (c *CapabilityClient) IsHealthy(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "capability_runtime.health_check")
	defer span.End()

	if c.breaker.State() == gobreaker.StateOpen {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "circuit_breaker_open"))
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		span.RecordError(err)
		return false
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	span.SetAttributes(attribute.Bool("healthy", healthy))
	return healthy
}

func (c *CapabilityClient) call(ctx context.Context, capability string, req, out interface{}) error {
	ctx, span := c.tracer.Start(ctx, "capability_runtime."+capability)
	defer span.End()

	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, capability, req, out)
	})
	if err != nil {
		span.RecordError(err)
		c.logger.WithError(err).WithDuration(time.Since(start)).Warn("capability call failed", "capability", capability)
		return fmt.Errorf("capability %s failed: %w", capability, err)
	}
	c.logger.WithDuration(time.Since(start)).Debug("capability call completed", "capability", capability)
	return nil
}

func (c *CapabilityClient) post(ctx context.Context, capability string, req, out interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/capabilities/"+capability, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	// Response bodies may echo prompt text, so only the status is reported.
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("capability runtime returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
