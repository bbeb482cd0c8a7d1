package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

const defaultTargetTimeout = 60 * time.Second

// TargetRequest is the body posted to an HTTP execution target
type TargetRequest struct {
	Prompt     string                 `json:"prompt"`
	Inputs     map[string]interface{} `json:"inputs"`
	TestCaseID string                 `json:"test_case_id"`
	Model      string                 `json:"model,omitempty"`
}

// TargetResponse is the body returned by an HTTP execution target
type TargetResponse struct {
	Output     string             `json:"output"`
	TokenUsage *models.TokenUsage `json:"token_usage,omitempty"`
}

// HTTPTarget executes prompts by POSTing them to the configured endpoint.
// Each endpoint gets its own circuit breaker.
type HTTPTarget struct {
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *logging.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPTarget creates an HTTP execution target
func NewHTTPTarget(logger *logging.Logger) *HTTPTarget {
	if logger == nil {
		logger = logging.Nop()
	}
	return &HTTPTarget{
		httpClient: &http.Client{},
		tracer:     otel.Tracer("http-execution-target"),
		logger:     logger.Named("http-execution-target"),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs prompt against one test case input
func (t *HTTPTarget) Execute(ctx context.Context, cfg models.ExecutionTargetConfig, prompt string, input map[string]interface{}, testCaseID string) (models.ExecutionResult, error) {
	ctx, span := t.tracer.Start(ctx, "execution_target.execute")
	defer span.End()

	span.SetAttributes(
		attribute.String("test_case_id", testCaseID),
		attribute.String("target.kind", cfg.Kind),
	)

	if cfg.Endpoint == "" {
		return models.ExecutionResult{}, NewError(KindInvalidRequest, testCaseID, "execution target endpoint is not configured", nil)
	}

	timeout := defaultTargetTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := t.breaker(cfg.Endpoint).Execute(func() (interface{}, error) {
		return t.executeInternal(ctx, cfg, prompt, input, testCaseID)
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.ExecutionResult{}, NewError(KindUpstreamError, testCaseID, "execution target circuit breaker is open", err)
		}
		return models.ExecutionResult{}, err
	}

	res := result.(models.ExecutionResult)
	res.Latency = time.Since(start)
	span.SetAttributes(attribute.Int64("latency_ms", res.Latency.Milliseconds()))

	return res, nil
}

func (t *HTTPTarget) executeInternal(ctx context.Context, cfg models.ExecutionTargetConfig, prompt string, input map[string]interface{}, testCaseID string) (models.ExecutionResult, error) {
	jsonData, err := json.Marshal(TargetRequest{
		Prompt:     prompt,
		Inputs:     input,
		TestCaseID: testCaseID,
		Model:      cfg.Model,
	})
	if err != nil {
		return models.ExecutionResult{}, NewError(KindInvalidRequest, testCaseID, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return models.ExecutionResult{}, NewError(KindInvalidRequest, testCaseID, "failed to create request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	// Inject trace context
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return models.ExecutionResult{}, classifyTransportError(ctx, testCaseID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain without echoing the body, which may contain the prompt.
		_, _ = io.Copy(io.Discard, resp.Body)
		return models.ExecutionResult{}, classifyStatus(resp.StatusCode, testCaseID)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ExecutionResult{}, classifyTransportError(ctx, testCaseID, err)
	}

	var body TargetResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return models.ExecutionResult{}, NewError(KindParseError, testCaseID, "failed to decode response", err)
	}

	return models.ExecutionResult{
		TestCaseID:  testCaseID,
		Output:      body.Output,
		TokenUsage:  body.TokenUsage,
		RawResponse: json.RawMessage(raw),
	}, nil
}

func (t *HTTPTarget) breaker(endpoint string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.breakers[endpoint]; ok {
		return b
	}

	settings := gobreaker.Settings{
		Name:        "execution-target:" + endpoint,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// Caller mistakes and caller cancellations say nothing about the
		// target's health.
		IsSuccessful: func(err error) bool {
			if errors.Is(err, context.Canceled) {
				return true
			}
			switch KindOf(err) {
			case KindInvalidRequest, KindInvalidCredentials, KindParseError:
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			t.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	b := gobreaker.NewCircuitBreaker(settings)
	t.breakers[endpoint] = b
	return b
}

func classifyStatus(status int, testCaseID string) *ExecutionError {
	msg := fmt.Sprintf("execution target returned status %d", status)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(KindInvalidCredentials, testCaseID, msg, nil)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return NewError(KindTimeout, testCaseID, msg, nil)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return NewError(KindInvalidRequest, testCaseID, msg, nil)
	default:
		return NewError(KindUpstreamError, testCaseID, msg, nil)
	}
}

func classifyTransportError(ctx context.Context, testCaseID string, err error) *ExecutionError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(KindTimeout, testCaseID, "execution target timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindInternal, testCaseID, "execution cancelled", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return NewError(KindInternal, testCaseID, "execution cancelled", errors.Join(context.Canceled, err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, testCaseID, "execution target timed out", err)
	}
	return NewError(KindNetwork, testCaseID, "failed to reach execution target: "+redactURL(err.Error()), err)
}

// redactURL strips query strings, which may carry credentials, from transport errors.
func redactURL(msg string) string {
	if i := strings.Index(msg, "?"); i >= 0 {
		if j := strings.IndexAny(msg[i:], "\": "); j >= 0 {
			return msg[:i] + msg[i+j:]
		}
		return msg[:i]
	}
	return msg
}
