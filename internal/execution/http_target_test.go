package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

func TestNewHTTPTarget(t *testing.T) {
	target := NewHTTPTarget(nil)

	assert.NotNil(t, target)
	assert.NotNil(t, target.httpClient)
	assert.NotNil(t, target.tracer)
	assert.NotNil(t, target.breakers)
}

func TestHTTPTarget_Execute(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse func(w http.ResponseWriter, r *http.Request)
		expectedKind   ErrorKind
		expectedOutput string
	}{
		{
			name: "successful_execution",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
				assert.Equal(t, "yes", r.Header.Get("X-Custom"))

				var req TargetRequest
				err := json.NewDecoder(r.Body).Decode(&req)
				assert.NoError(t, err)
				assert.Equal(t, "tc-7", req.TestCaseID)
				assert.Equal(t, "summarize", req.Prompt)
				assert.Equal(t, "gpt-test", req.Model)

				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(TargetResponse{
					Output:     "a summary",
					TokenUsage: &models.TokenUsage{TotalTokens: 12},
				})
			},
			expectedOutput: "a summary",
		},
		{
			name: "unauthorized",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			expectedKind: KindInvalidCredentials,
		},
		{
			name: "forbidden",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
			expectedKind: KindInvalidCredentials,
		},
		{
			name: "bad_request",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
			},
			expectedKind: KindInvalidRequest,
		},
		{
			name: "gateway_timeout",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusGatewayTimeout)
			},
			expectedKind: KindTimeout,
		},
		{
			name: "server_error_does_not_echo_body",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte("failed while handling summarize"))
			},
			expectedKind: KindUpstreamError,
		},
		{
			name: "invalid_json_response",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte("invalid json"))
			},
			expectedKind: KindParseError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(tt.serverResponse))
			defer server.Close()

			target := NewHTTPTarget(nil)
			cfg := models.ExecutionTargetConfig{
				Kind:     "http",
				Endpoint: server.URL,
				Model:    "gpt-test",
				APIKey:   "sk-test",
				Headers:  map[string]string{"X-Custom": "yes"},
			}

			res, err := target.Execute(context.Background(), cfg, "summarize", map[string]interface{}{"text": "hello"}, "tc-7")

			if tt.expectedKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.expectedKind, KindOf(err))
				assert.Contains(t, err.Error(), "tc-7")
				assert.NotContains(t, err.Error(), "summarize")
				assert.NotContains(t, err.Error(), "sk-test")
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "tc-7", res.TestCaseID)
			assert.Equal(t, tt.expectedOutput, res.Output)
			require.NotNil(t, res.TokenUsage)
			assert.Equal(t, 12, res.TokenUsage.TotalTokens)
			assert.NotEmpty(t, res.RawResponse)
		})
	}
}

func TestHTTPTarget_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(3 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	target := NewHTTPTarget(nil)
	cfg := models.ExecutionTargetConfig{Endpoint: server.URL, TimeoutSeconds: 1}

	_, err := target.Execute(context.Background(), cfg, "p", nil, "tc-slow")
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestHTTPTarget_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	target := NewHTTPTarget(nil)
	_, err := target.Execute(context.Background(), models.ExecutionTargetConfig{Endpoint: url}, "p", nil, "tc-net")
	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestHTTPTarget_MissingEndpoint(t *testing.T) {
	target := NewHTTPTarget(nil)
	_, err := target.Execute(context.Background(), models.ExecutionTargetConfig{}, "p", nil, "tc-0")
	require.Error(t, err)
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestHTTPTarget_CircuitBreakerOpens(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	target := NewHTTPTarget(nil)
	cfg := models.ExecutionTargetConfig{Endpoint: server.URL}

	for i := 0; i < 6; i++ {
		_, err := target.Execute(context.Background(), cfg, "p", nil, "tc-0")
		require.Error(t, err)
	}

	_, err := target.Execute(context.Background(), cfg, "p", nil, "tc-0")
	require.Error(t, err)
	assert.Equal(t, KindUpstreamError, KindOf(err))
	assert.Contains(t, err.Error(), "circuit breaker")
	assert.Equal(t, int64(6), atomic.LoadInt64(&calls))
}

func TestHTTPTarget_CredentialFailuresDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	target := NewHTTPTarget(nil)
	cfg := models.ExecutionTargetConfig{Endpoint: server.URL}

	for i := 0; i < 10; i++ {
		_, err := target.Execute(context.Background(), cfg, "p", nil, "tc-0")
		assert.Equal(t, KindInvalidCredentials, KindOf(err))
	}
}

func TestHTTPTarget_CancelledSiblingsDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req TargetRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.TestCaseID {
		case "tc-0":
			w.WriteHeader(http.StatusUnauthorized)
			return
		case "tc-next":
		default:
			select {
			case <-r.Context().Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TargetResponse{Output: "ok"})
	}))
	defer server.Close()

	target := NewHTTPTarget(nil)
	scheduler := NewScheduler(target, nil)
	cfg := models.ExecutionTargetConfig{Endpoint: server.URL}

	batch := make([]models.TestCase, 8)
	for i := range batch {
		batch[i] = models.TestCase{ID: fmt.Sprintf("tc-%d", i)}
	}

	_, err := scheduler.ParallelExecute(context.Background(), cfg, "p", batch, 8)
	require.Error(t, err)
	assert.Equal(t, KindInvalidCredentials, KindOf(err))
	assert.Contains(t, err.Error(), "tc-0")

	assert.Equal(t, gobreaker.StateClosed, target.breaker(server.URL).State())

	res, err := target.Execute(context.Background(), cfg, "p", nil, "tc-next")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
}

func TestClassifyTransportError_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := classifyTransportError(ctx, "tc-1", errors.New("read: connection reset"))
	assert.Equal(t, KindInternal, KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}
