package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one security-relevant decision taken by the engine
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id,omitempty"`
	Action    string                 `json:"action"` // e.g. "approve:echo", "macro:core.add@1.0.0"
	Status    string                 `json:"status"` // "approved", "declined", "success", "failure"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	closer io.Closer
}

var (
	auditMu   sync.Mutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the process audit logger, defaulting to stderr
func GetAuditLogger() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = &AuditLogger{logger: zerolog.New(os.Stderr).With().Timestamp().Logger()}
	}
	return auditInst
}

// InitAuditLogger sends audit events to the file at path
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	auditMu.Lock()
	defer auditMu.Unlock()
	auditInst = &AuditLogger{logger: zerolog.New(file).With().Timestamp().Logger(), closer: file}
	return nil
}

// SetAuditWriter replaces the audit destination
func SetAuditWriter(w io.Writer) {
	auditMu.Lock()
	defer auditMu.Unlock()
	auditInst = &AuditLogger{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// Record emits the event and mirrors it on the active span, if any
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.session", event.SessionID),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("session_id", event.SessionID).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Msg("")
}

// Close closes the audit file, if one was opened
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

func RecordApprovalAudit(ctx context.Context, sessionID, tool, status, reason string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:      "approval",
		SessionID: sessionID,
		Action:    "approve:" + tool,
		Status:    status,
		Metadata:  map[string]interface{}{"reason": reason},
	})
}

func RecordMacroAudit(ctx context.Context, sessionID, macro, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:      "macro",
		SessionID: sessionID,
		Action:    "macro:" + macro,
		Status:    status,
		Metadata:  metadata,
	})
}
