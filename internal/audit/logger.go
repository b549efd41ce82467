package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/config"
)

// Outcome values.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	Timestamp time.Time              `json:"ts"`
	User      string                 `json:"user"`
	AdapterID string                 `json:"adapterId,omitempty"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Outcome   string                 `json:"outcome"`
	Code      string                 `json:"code"`
	LatencyMs int64                  `json:"latencyMs"`
}

type subjectKey struct{}

// WithSubject returns a context carrying the authenticated caller.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the caller bound by WithSubject, or "unknown".
func SubjectFromContext(ctx context.Context) string {
	if subject, ok := ctx.Value(subjectKey{}).(string); ok && subject != "" {
		return subject
	}
	return "unknown"
}

// Logger appends audit entries to a writer.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	filePath string
	logger   logrus.FieldLogger
}

// NewLogger opens the rotating audit file described by cfg.
func NewLogger(cfg config.AuditConfig, logger logrus.FieldLogger) (*Logger, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("audit file is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	return &Logger{
		out: &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		},
		filePath: cfg.File,
		logger:   logger,
	}, nil
}

// NewWriterLogger writes entries to out.
func NewWriterLogger(out io.Writer, logger logrus.FieldLogger) *Logger {
	return &Logger{out: out, logger: logger}
}

// LogAction records the outcome of one request. err is normalized to its code.
func (l *Logger) LogAction(ctx context.Context, action, adapterID string, params map[string]interface{}, err error, latency time.Duration) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}

	l.writeEntry(AuditEntry{
		Timestamp: time.Now().UTC(),
		User:      SubjectFromContext(ctx),
		AdapterID: adapterID,
		Action:    action,
		Params:    params,
		Outcome:   outcome,
		Code:      adapter.Code(err),
		LatencyMs: latency.Milliseconds(),
	})
}

// LogCode records an outcome whose code was decided by the caller.
func (l *Logger) LogCode(ctx context.Context, action, adapterID, code string, latency time.Duration) {
	outcome := OutcomeSuccess
	if code != "OK" {
		outcome = OutcomeFailure
	}

	l.writeEntry(AuditEntry{
		Timestamp: time.Now().UTC(),
		User:      SubjectFromContext(ctx),
		AdapterID: adapterID,
		Action:    action,
		Outcome:   outcome,
		Code:      code,
		LatencyMs: latency.Milliseconds(),
	})
}

func (l *Logger) writeEntry(entry AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		l.logger.WithError(err).Error("failed to marshal audit entry")
		return
	}

	if _, err := l.out.Write(append(jsonData, '\n')); err != nil {
		l.logger.WithError(err).Error("failed to write audit entry")
	}
}

// Rotate starts a new audit file. Writers that do not rotate ignore it.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r, ok := l.out.(*lumberjack.Logger); ok {
		return r.Rotate()
	}
	return nil
}

// Close closes the audit file. Entries logged afterwards are dropped.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if c, ok := l.out.(io.Closer); ok {
		err = c.Close()
	}
	l.out = nil
	return err
}

// GetFilePath returns the path to the audit log file, empty for writer loggers.
func (l *Logger) GetFilePath() string {
	return l.filePath
}
