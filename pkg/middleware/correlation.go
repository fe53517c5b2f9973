package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

// CorrelationIDKey is the context key for the request correlation ID
const CorrelationIDKey contextKey = "correlation_id"

// headerCorrelationID is the wire header carrying the correlation ID
const headerCorrelationID = "X-Correlation-ID"

// CorrelationID assigns every request a correlation ID, honoring one supplied
// by the client. Viewer frontends poll job status frequently, so the ID is
// what stitches one polling session's requests together in the logs.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(headerCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		w.Header().Set(headerCorrelationID, correlationID)

		ctx := context.WithValue(r.Context(), CorrelationIDKey, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID extracts the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}
