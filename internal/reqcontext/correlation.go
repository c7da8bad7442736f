// Package reqcontext carries per-request correlation metadata through
// context so log lines from the HTTP layer, auth service and dispatcher
// can be tied to one call.
package reqcontext

import (
	"context"
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

// contextKey avoids collisions with other packages' context values
type contextKey string

const correlationIDKey contextKey = "correlation_id"

// GenerateCorrelationID returns a new unique correlation ID
func GenerateCorrelationID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationID retrieves the correlation ID from context, generating
// one when the context carries none.
func CorrelationID(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
			return id
		}
	}
	return GenerateCorrelationID()
}
