package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clirdec/presence-engine/internal/domain/behavior"
	"github.com/clirdec/presence-engine/internal/domain/shared"
	"github.com/clirdec/presence-engine/pkg/circuitbreaker"
)

func testClient(baseURL string) *Client {
	cfg := DefaultClientConfig(baseURL)
	cfg.APIKey = "test-key"
	cfg.FailureThreshold = 2
	cfg.OpenTimeout = time.Minute
	return NewClient(cfg)
}

func TestClient_SendEscalation_Accepted(t *testing.T) {
	var got escalationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/escalations", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(escalationResponse{Accepted: true})
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	accepted, err := client.SendEscalation(context.Background(), "student-1", behavior.LevelWarning, "student_email", "3 late arrivals")
	require.NoError(t, err)
	assert.True(t, accepted)

	assert.Equal(t, "student-1", got.StudentID)
	assert.Equal(t, "warning", got.Level)
	assert.Equal(t, "student_email", got.Channel)
	assert.Equal(t, "3 late arrivals", got.Reason)
	assert.NotEmpty(t, got.SentAt)
}

func TestClient_SendEscalation_EmptyAckBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	accepted, err := client.SendEscalation(context.Background(), "student-1", behavior.LevelWarning, "student_email", "reason")
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestClient_SendEscalation_GatewayRejects(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(escalationResponse{Accepted: false, Message: "no parent contact on file"})
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	accepted, err := client.SendEscalation(context.Background(), "student-1", behavior.LevelCritical, "parent_email", "reason")
	require.ErrorIs(t, err, shared.ErrNotifierRejected)
	assert.False(t, accepted)

	// Rejections are final, not retried.
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_SendEscalation_BadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown channel", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	_, err := client.SendEscalation(context.Background(), "student-1", behavior.LevelWarning, "pigeon", "reason")
	require.ErrorIs(t, err, shared.ErrNotifierRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_SendEscalation_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "mail queue stuck", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(escalationResponse{Accepted: true})
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	accepted, err := client.SendEscalation(context.Background(), "student-1", behavior.LevelWarning, "student_email", "reason")
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	ctx := context.Background()

	_, err := client.SendEscalation(ctx, "student-1", behavior.LevelWarning, "student_email", "reason")
	require.ErrorIs(t, err, shared.ErrNotifierUnavailable)
	_, err = client.SendEscalation(ctx, "student-1", behavior.LevelWarning, "student_email", "reason")
	require.ErrorIs(t, err, shared.ErrNotifierUnavailable)

	require.Equal(t, circuitbreaker.StateOpen, client.BreakerState())

	// The open circuit fails fast without touching the gateway.
	before := calls.Load()
	_, err = client.SendEscalation(ctx, "student-1", behavior.LevelWarning, "student_email", "reason")
	require.ErrorIs(t, err, shared.ErrNotifierUnavailable)
	assert.Equal(t, before, calls.Load())
}
