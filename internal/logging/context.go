// internal/logging/context.go
package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	// Session context
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session.id", sessionID))
	}

	// Execution context
	if executionID := ExecutionIDFromContext(ctx); executionID != "" {
		fields = append(fields, zap.String("execution.id", executionID))
	}

	// Normalized intent
	if intent := IntentFromContext(ctx); intent != "" {
		fields = append(fields, zap.String("intent", intent))
	}

	return fields
}

// Context key types
type sessionCtxKey struct{}
type executionCtxKey struct{}
type intentCtxKey struct{}

// Validation constants
const (
	maxIDLen     = 128
	maxIntentLen = 200
)

// idPattern allows alphanumeric, hyphen, underscore
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateID validates a session or execution ID.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// SessionIDFromContext extracts session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithSessionID adds session ID to context.
// Panics if sessionID is empty or contains invalid characters.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if err := validateID(sessionID, "sessionID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// ExecutionIDFromContext extracts execution ID from context.
func ExecutionIDFromContext(ctx context.Context) string {
	if e, ok := ctx.Value(executionCtxKey{}).(string); ok {
		return e
	}
	return ""
}

// WithExecutionID adds a composition execution ID to context.
// Panics if executionID is empty or contains invalid characters.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	if err := validateID(executionID, "executionID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, executionCtxKey{}, executionID)
}

// IntentFromContext extracts the normalized intent from context.
func IntentFromContext(ctx context.Context) string {
	if i, ok := ctx.Value(intentCtxKey{}).(string); ok {
		return i
	}
	return ""
}

// WithIntent adds a normalized intent label to context.
// Intents are free text; callers must normalize before attaching.
// Panics if intent is empty, not valid UTF-8, or over 200 chars.
func WithIntent(ctx context.Context, intent string) context.Context {
	if intent == "" {
		panic("logging: intent cannot be empty")
	}
	if !utf8.ValidString(intent) {
		panic("logging: intent contains invalid UTF-8")
	}
	if len(intent) > maxIntentLen {
		panic(fmt.Sprintf("logging: intent exceeds max length %d", maxIntentLen))
	}
	return context.WithValue(ctx, intentCtxKey{}, intent)
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a default nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
