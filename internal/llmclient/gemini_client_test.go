package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
)

// -- Test Setup Helpers --

// setupGeminiClient points a GeminiClient at a mock HTTP server with a fast,
// bounded retry policy.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) (*GeminiClient, *observer.ObservedLogs) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	loggerCore, observedLogs := observer.New(zap.InfoLevel)
	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL

	client, err := NewGeminiClient(cfg, zap.New(loggerCore))
	require.NoError(t, err)
	client.backoffFactory = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	}
	return client, observedLogs
}

func createTestRequest() schemas.GenerationRequest {
	return schemas.GenerationRequest{
		SystemPrompt: "System prompt instructions.",
		UserPrompt:   "User query.",
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.3, ForceJSONFormat: true},
	}
}

func writeCandidate(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":%q}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":4,"totalTokenCount":7}}`, text)
}

// -- Test Cases: Initialization --

func TestNewGeminiClient_DefaultEndpoint(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.Endpoint = ""

	client, err := NewGeminiClient(cfg, setupTestLogger(t))
	require.NoError(t, err)

	assert.Equal(t, cfg.APIKey, client.apiKey)
	assert.Equal(t, cfg.APITimeout, client.httpClient.Timeout)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/test-model:generateContent", client.endpoint)
	assert.NotNil(t, client.backoffFactory)
}

func TestNewGeminiClient_MissingAPIKey(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.APIKey = ""

	client, err := NewGeminiClient(cfg, setupTestLogger(t))
	assert.Nil(t, client)
	var missing *config.MissingValueError
	assert.True(t, errors.As(err, &missing))
}

// -- Test Cases: Request Payload Generation --

func TestBuildRequestPayload(t *testing.T) {
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {})
	client.config.MaxTokens = 2048
	client.config.SafetyFilters = map[string]string{"CAT_B": "BLOCK_HIGH", "CAT_A": "BLOCK_LOW"}

	payload := client.buildRequestPayload(createTestRequest())

	require.Len(t, payload.Contents, 1)
	assert.Equal(t, "user", payload.Contents[0].Role)
	assert.Equal(t, "User query.", payload.Contents[0].Parts[0].Text)
	require.NotNil(t, payload.SystemInstruction)
	assert.Equal(t, "System prompt instructions.", payload.SystemInstruction.Parts[0].Text)
	assert.Equal(t, 0.3, payload.GenerationConfig.Temperature)
	assert.Equal(t, "application/json", payload.GenerationConfig.ResponseMimeType)
	assert.Equal(t, 2048, payload.GenerationConfig.MaxOutputTokens)
	// Safety settings are sorted for stable payloads.
	require.Len(t, payload.SafetySettings, 2)
	assert.Equal(t, "CAT_A", payload.SafetySettings[0].Category)

	noSystem := createTestRequest()
	noSystem.SystemPrompt = ""
	noSystem.Options.Temperature = 0
	p2 := client.buildRequestPayload(noSystem)
	assert.Nil(t, p2.SystemInstruction)
	assert.InDelta(t, 0.7, p2.GenerationConfig.Temperature, 1e-6, "falls back to the model temperature")
}

// -- Test Cases: Generate --

func TestGenerate_Success(t *testing.T) {
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))

		body, _ := io.ReadAll(r.Body)
		var payload geminiRequestPayload
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "User query.", payload.Contents[0].Parts[0].Text)

		writeCandidate(w, `{"ok":true}`)
	})

	out, err := client.Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
}

func TestGenerate_RetriesTransientErrors(t *testing.T) {
	var calls int32
	client, logs := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"overloaded"}`))
			return
		}
		writeCandidate(w, "third time lucky")
	})

	out, err := client.Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, logs.FilterMessage("Gemini API returned error status").Len())
}

func TestGenerate_PermanentErrorsDoNotRetry(t *testing.T) {
	var calls int32
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	})

	_, err := client.Generate(context.Background(), createTestRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGenerate_SafetyBlock(t *testing.T) {
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`))
	})

	_, err := client.Generate(context.Background(), createTestRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked the request")
}

func TestGenerate_ContextCancelled(t *testing.T) {
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeCandidate(w, "never read")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Generate(ctx, createTestRequest())
	assert.Error(t, err)
}
