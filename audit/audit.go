// Package audit records engine lifecycle events with two delivery tiers:
// critical entries are written synchronously with bounded retry and block
// the originating operation on failure; normal entries are fire-and-forget.
// Either tier falls back to a local append-only JSON-lines file when the
// backend rejects the write.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/trinity-platform/trinity/core"
	"github.com/trinity-platform/trinity/telemetry"
)

// Priority selects the delivery tier.
type Priority string

const (
	Critical Priority = "critical"
	Normal   Priority = "normal"
)

// Entry is one audit record.
type Entry struct {
	Type        string                 `json:"type"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	StepID      string                 `json:"step_id,omitempty"`
	Actor       string                 `json:"actor,omitempty"`
	At          time.Time              `json:"at"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Sink is the external audit backend.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Auditor is what the engine consumes.
type Auditor interface {
	Log(ctx context.Context, e Entry, p Priority) error
}

// NoOpAuditor discards everything; used when auditing is not wired.
type NoOpAuditor struct{}

func (NoOpAuditor) Log(ctx context.Context, e Entry, p Priority) error { return nil }

const (
	criticalAttempts = 3
	retryDelay       = 200 * time.Millisecond
	writeTimeout     = 5 * time.Second
)

// Service implements Auditor over a Sink with a local fallback file.
type Service struct {
	sink         Sink
	fallbackPath string
	logger       core.Logger

	fallbackMu sync.Mutex
	wg         sync.WaitGroup
}

// NewService creates an audit service. fallbackPath is the append-only
// JSON-lines file for entries the backend rejected.
func NewService(sink Sink, fallbackPath string, logger core.Logger) *Service {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Service{
		sink:         sink,
		fallbackPath: fallbackPath,
		logger:       logger,
	}
}

// Log records an entry. Critical entries retry synchronously; on exhaustion
// the entry goes to the fallback file and an error is returned so the caller
// refuses the originating operation. Normal entries are written from a
// goroutine and never fail the caller.
func (s *Service) Log(ctx context.Context, e Entry, p Priority) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if p == Critical {
		return s.logCritical(ctx, e)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.sink.Write(wctx, e); err != nil {
			s.writeFallback(e)
			s.logger.Warn("Audit write failed, entry kept in fallback", map[string]interface{}{
				"type":  e.Type,
				"error": err.Error(),
			})
		}
	}()
	return nil
}

func (s *Service) logCritical(ctx context.Context, e Entry) error {
	var lastErr error
	for attempt := 1; attempt <= criticalAttempts; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		lastErr = s.sink.Write(wctx, e)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < criticalAttempts {
			time.Sleep(retryDelay)
		}
	}

	s.writeFallback(e)
	telemetry.Counter(ctx, "trinity.audit.failures", "priority", string(Critical))
	s.logger.ErrorWithContext(ctx, "Critical audit write failed", map[string]interface{}{
		"type":         e.Type,
		"execution_id": e.ExecutionID,
		"error":        lastErr.Error(),
	})
	return fmt.Errorf("audit.Log %s: %v: %w", e.Type, lastErr, core.ErrAuditUnavailable)
}

// writeFallback appends the entry to the local JSON-lines file. Failures
// here are logged and swallowed; there is nowhere further to fall.
func (s *Service) writeFallback(e Entry) {
	if s.fallbackPath == "" {
		return
	}
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()

	f, err := os.OpenFile(s.fallbackPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Error("Audit fallback file unavailable", map[string]interface{}{
			"path":  s.fallbackPath,
			"error": err.Error(),
		})
		return
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		s.logger.Error("Audit fallback write failed", map[string]interface{}{
			"path":  s.fallbackPath,
			"error": err.Error(),
		})
	}
}

// Flush waits for in-flight normal writes; call on shutdown.
func (s *Service) Flush() {
	s.wg.Wait()
}
