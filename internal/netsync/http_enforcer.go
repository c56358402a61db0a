package netsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/timeout"
	"go.uber.org/zap"

	"ispcore/internal/config"
)

// ErrCircuitOpen is returned while the endpoint is considered down.
var ErrCircuitOpen = errors.New("enforcement endpoint circuit open")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("enforcement endpoint returned %d: %s", e.StatusCode, e.Body)
}

// HTTPEnforcer posts commands to the enforcement endpoint through a timeout
// and a circuit breaker.
type HTTPEnforcer struct {
	url      string
	token    string
	client   *http.Client
	breaker  circuitbreaker.CircuitBreaker[*http.Response]
	executor failsafe.Executor[*http.Response]
}

var _ Enforcer = (*HTTPEnforcer)(nil)

// NewHTTPEnforcer creates an enforcer for cfg.URL.
func NewHTTPEnforcer(cfg config.EnforcementConfig, logger *zap.Logger) *HTTPEnforcer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 30 * time.Second
	}

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThreshold(cfg.FailureThreshold).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode >= 500
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.Warn("enforcement circuit breaker state change",
				zap.String("from_state", stateName(event.OldState)),
				zap.String("to_state", stateName(event.NewState)),
			)
		}).
		Build()

	return &HTTPEnforcer{
		url:      cfg.URL,
		token:    cfg.Token,
		client:   &http.Client{},
		breaker:  breaker,
		executor: failsafe.With[*http.Response](breaker, timeout.New[*http.Response](cfg.Timeout)),
	}
}

// Enforce implements Enforcer.
func (e *HTTPEnforcer) Enforce(ctx context.Context, cmd Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	resp, err := e.executor.WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		req, err := http.NewRequestWithContext(exec.Context(), http.MethodPost, e.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", cmd.SyncRecordID.String())
		if e.token != "" {
			req.Header.Set("Authorization", "Bearer "+e.token)
		}
		return e.client.Do(req)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrCircuitOpen
	}
	if err != nil {
		return fmt.Errorf("post command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerOpen reports whether the circuit breaker is currently open.
func (e *HTTPEnforcer) BreakerOpen() bool {
	return e.breaker.IsOpen()
}

// LogEnforcer acknowledges every command after logging it. It stands in for
// the endpoint when none is configured.
type LogEnforcer struct {
	Logger *zap.Logger
}

// Enforce implements Enforcer.
func (e LogEnforcer) Enforce(_ context.Context, cmd Command) error {
	e.Logger.Info("enforcement command",
		zap.String("action", cmd.Action),
		zap.String("username", cmd.Username),
		zap.String("groupname", cmd.GroupName),
		zap.Int("download_speed_kbps", cmd.DownloadSpeedKbps),
		zap.Int("upload_speed_kbps", cmd.UploadSpeedKbps),
	)
	return nil
}
