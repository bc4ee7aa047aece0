package requestid

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

type contextKey string

const (
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = contextKey("requestID")
)

// upstream IDs are echoed back, so keep them short and printable
var validID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Middleware adds a unique request ID to each request
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// check if request already has an ID from upstream proxy
		reqID := r.Header.Get(RequestIDHeader)
		if !validID.MatchString(reqID) {
			reqID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, reqID)

		ctx := NewContext(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// NewContext stores id in ctx.
func NewContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// FromContext retrieves request ID from context
func FromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// FromRequest retrieves request ID from request context
func FromRequest(r *http.Request) string {
	return FromContext(r.Context())
}
