package llmclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
)

// -- Test Setup Helper --

func setupRouter(t *testing.T) (*LLMRouter, *MockLLMClient, *MockLLMClient, *observer.ObservedLogs) {
	t.Helper()
	loggerCore, observedLogs := observer.New(zap.DebugLevel)

	fastClient := &MockLLMClient{Name: "FastClient"}
	powerfulClient := &MockLLMClient{Name: "PowerfulClient"}

	router, err := NewLLMRouter(zap.New(loggerCore), fastClient, powerfulClient)
	require.NoError(t, err)
	return router, fastClient, powerfulClient, observedLogs
}

func TestNewLLMRouter_MissingClients(t *testing.T) {
	_, err := NewLLMRouter(setupTestLogger(t), nil, new(MockLLMClient))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both fast and powerful tier clients must be provided")
}

func TestLLMRouter_Generate(t *testing.T) {
	tests := []struct {
		name         string
		tier         schemas.ModelTier
		expectFast   bool
		expectedText string
	}{
		{"fast tier", schemas.TierFast, true, "fast"},
		{"powerful tier", schemas.TierPowerful, false, "powerful"},
		{"empty tier defaults to powerful", "", false, "powerful"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, fast, powerful, logs := setupRouter(t)
			req := schemas.GenerationRequest{UserPrompt: "q", Tier: tt.tier}

			if tt.expectFast {
				fast.On("Generate", mock.Anything, req).Return("fast", nil).Once()
			} else {
				powerful.On("Generate", mock.Anything, req).Return("powerful", nil).Once()
			}

			out, err := router.Generate(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedText, out)
			fast.AssertExpectations(t)
			powerful.AssertExpectations(t)
			assert.Equal(t, 1, logs.FilterMessage("Routing LLM request").Len())
		})
	}
}

func TestLLMRouter_UnknownTier(t *testing.T) {
	router, _, _, _ := setupRouter(t)
	_, err := router.Generate(context.Background(), schemas.GenerationRequest{Tier: "galaxy-brain"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no LLM client configured for tier")
}

func TestLLMRouter_Close(t *testing.T) {
	t.Run("closes each client", func(t *testing.T) {
		router, fast, powerful, _ := setupRouter(t)
		fast.On("Close").Return(nil).Once()
		powerful.On("Close").Return(errors.New("boom")).Once()

		err := router.Close()
		assert.EqualError(t, err, "boom")
		fast.AssertExpectations(t)
		powerful.AssertExpectations(t)
	})

	t.Run("shared client closed once", func(t *testing.T) {
		shared := &MockLLMClient{Name: "shared"}
		shared.On("Close").Return(nil).Once()
		router, err := NewLLMRouter(setupTestLogger(t), shared, shared)
		require.NoError(t, err)

		assert.NoError(t, router.Close())
		shared.AssertNumberOfCalls(t, "Close", 1)
	})
}
