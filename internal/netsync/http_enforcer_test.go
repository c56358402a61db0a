package netsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ispcore/internal/config"
)

func testCommand() Command {
	return Command{
		Type:              "client",
		Action:            WireConnect,
		Username:          "jane",
		Password:          "pw",
		GroupName:         "home-10",
		DownloadSpeedKbps: 10000,
		UploadSpeedKbps:   2000,
		SyncRecordID:      uuid.New(),
	}
}

func TestHTTPEnforcer_Success(t *testing.T) {
	var got Command
	var auth, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewHTTPEnforcer(config.EnforcementConfig{URL: srv.URL, Token: "tok", Timeout: time.Second}, zap.NewNop())
	cmd := testCommand()

	require.NoError(t, e.Enforce(context.Background(), cmd))
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, cmd.SyncRecordID.String(), idem)
	assert.Equal(t, cmd, got)
}

func TestHTTPEnforcer_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown nas", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	e := NewHTTPEnforcer(config.EnforcementConfig{URL: srv.URL, Timeout: time.Second}, zap.NewNop())

	err := e.Enforce(context.Background(), testCommand())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	assert.Equal(t, "unknown nas", statusErr.Body)
}

func TestHTTPEnforcer_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	e := NewHTTPEnforcer(config.EnforcementConfig{URL: srv.URL, Timeout: 50 * time.Millisecond}, zap.NewNop())

	start := time.Now()
	err := e.Enforce(context.Background(), testCommand())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTPEnforcer_CircuitOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewHTTPEnforcer(config.EnforcementConfig{
		URL:              srv.URL,
		Timeout:          time.Second,
		FailureThreshold: 3,
		BreakerDelay:     time.Minute,
	}, zap.NewNop())

	for i := 0; i < 3; i++ {
		assert.Error(t, e.Enforce(context.Background(), testCommand()))
	}
	assert.True(t, e.BreakerOpen())

	err := e.Enforce(context.Background(), testCommand())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load())
}
