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
	"gopkg.in/natefinch/lumberjack.v2"
)

// Audit record kinds.
const (
	AuditKindLane    = "lane"
	AuditKindControl = "control"
)

// AuditRecord is one line of the audit trail. Subject is a lane id for lane
// records and the target operation id for control records.
type AuditRecord struct {
	Kind     string
	Subject  string
	Action   string
	Outcome  string
	At       time.Time
	Metadata map[string]interface{}
}

// AuditLog writes lane lifecycle and control actions as JSON lines.
type AuditLog struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

func newAuditLog(w io.Writer, closer io.Closer) *AuditLog {
	return &AuditLog{logger: zerolog.New(w), closer: closer}
}

var (
	auditMu  sync.RWMutex
	auditLog *AuditLog
)

// GetAuditLogger returns the process audit log. It writes to stderr until
// InitAuditLogger points it at a file.
func GetAuditLogger() *AuditLog {
	auditMu.RLock()
	a := auditLog
	auditMu.RUnlock()
	if a != nil {
		return a
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditLog == nil {
		auditLog = newAuditLog(os.Stderr, nil)
	}
	return auditLog
}

// InitAuditLogger sends the audit trail to path, rotated at 10MB.
func InitAuditLogger(path string) error {
	// lumberjack opens lazily; fail early on an unwritable path.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_ = f.Close()

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		Compress:   true,
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	auditLog = newAuditLog(rotator, rotator)
	return nil
}

// SetAuditLogger replaces the process audit log with one backed by logger.
func SetAuditLogger(logger zerolog.Logger) {
	auditMu.Lock()
	defer auditMu.Unlock()
	auditLog = &AuditLog{logger: logger}
}

// Record writes rec. When ctx carries a recording span the record is also
// attached to it as a span event and the line gets the span's trace id.
func (a *AuditLog) Record(ctx context.Context, rec AuditRecord) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	var traceID string
	if ctx != nil {
		if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
			traceID = span.SpanContext().TraceID().String()
			span.AddEvent("audit."+rec.Action, trace.WithAttributes(
				attribute.String("audit.kind", rec.Kind),
				attribute.String("audit.subject", rec.Subject),
				attribute.String("audit.outcome", rec.Outcome),
			))
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.logger.Log().
		Time("at", rec.At).
		Str("type", rec.Kind).
		Str("actor", rec.Subject).
		Str("action", rec.Action).
		Str("status", rec.Outcome)
	if traceID != "" {
		e = e.Str("trace_id", traceID)
	}
	if len(rec.Metadata) > 0 {
		e = e.Fields(rec.Metadata)
	}
	e.Send()
}

// Close releases the backing file, if any. Later records go to stderr.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	a.logger = zerolog.New(os.Stderr)
	return err
}

// RecordLaneAudit records a lane lifecycle action such as creation or drain.
func RecordLaneAudit(ctx context.Context, action, laneID string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditRecord{
		Kind:     AuditKindLane,
		Subject:  laneID,
		Action:   action,
		Outcome:  "success",
		Metadata: metadata,
	})
}

// RecordControlAudit records a control action against an operation.
func RecordControlAudit(ctx context.Context, action, operationID, outcome string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditRecord{
		Kind:     AuditKindControl,
		Subject:  operationID,
		Action:   action,
		Outcome:  outcome,
		Metadata: metadata,
	})
}
