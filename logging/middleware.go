package logging

import (
	"context"
	"net/http"
	"reflect"

	"github.com/KG0517/next-firebase-auth-edge/ferrors"
	"github.com/google/uuid"
)

// HTTPMiddleware wraps handler with a per-request logging scope: each
// request gets its own named child logger (keyed by a generated request ID),
// attached to the request's context so downstream handlers can use
// logging.Track.
//
// Panics are recovered, converted into a *ferrors.Error so a clean stack
// trace survives, and logged at Error level; the panic is not re-raised and
// the response status is set to 500.
func HTTPMiddleware(base Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := uuid.NewString()
			logger := base.Named(reqID).With("http.method", r.Method).With("http.path", r.URL.Path)
			ctx := With(r.Context(), logger)

			defer func() {
				if rec := recover(); rec != nil {
					err := ferrors.Wrap(rec, 1).WithCode(ferrors.CodeInternalError)
					trackError(ctx, err)
					logger.Errorw("panic recovered", "error.panic", true)
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// trackError attaches structured error fields (error.type, error.http_status,
// error.code) to the request's logging scope.
func trackError(ctx context.Context, err error) {
	c, ok := ctx.Value(ctxkey{}).(*ctxkey)
	if !ok {
		return
	}
	c.logger = c.logger.With("error.type", reflect.TypeOf(err).String())
	c.logger = c.logger.With("error.http_status", ferrors.HTTPStatusCode(err))
	if fe, ok := err.(*ferrors.Error); ok {
		c.logger = c.logger.With("error.code", string(fe.Code()))
	}
}
