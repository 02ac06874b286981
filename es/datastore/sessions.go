package datastore

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/getpup/pupstore/es"
)

type sessionKey struct{}

// WithSession returns a context whose transactions run on session, an
// externally owned unit of work such as a caller's *sql.Tx. The datastore
// reads and writes through it but never commits, rolls back or closes it.
//
// Locks taken by recorders on the session (the notification lock of an
// application recorder) are held until its owner ends it.
func WithSession(ctx context.Context, session es.DBTX) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

func sessionFromContext(ctx context.Context) (es.DBTX, bool) {
	session, ok := ctx.Value(sessionKey{}).(es.DBTX)
	return session, ok && session != nil
}

// Session is the narrow contract of an externally owned session: statements
// plus commit and rollback, which only its owner calls. *sql.Tx implements it.
type Session interface {
	es.DBTX
	Commit() error
	Rollback() error
}

var _ Session = (*sql.Tx)(nil)

// SessionProvider supplies the session scoped to a context, for frameworks
// that manage one session per request or per worker.
type SessionProvider interface {
	// Session returns the session scoped to ctx, or false when there is none.
	Session(ctx context.Context) (es.DBTX, bool)
}

// SessionProviderFunc adapts a function to SessionProvider.
type SessionProviderFunc func(ctx context.Context) (es.DBTX, bool)

// Session implements SessionProvider.
func (f SessionProviderFunc) Session(ctx context.Context) (es.DBTX, bool) {
	return f(ctx)
}

// RequestSessions scopes one transaction to each HTTP request.
// Install it on the datastore with WithSessions and wrap the handler with
// Middleware: recorders called with the request context then share the
// request's transaction, committed when the handler answers with a status
// below 400 and rolled back otherwise.
type RequestSessions struct {
	logger es.Logger
}

type requestKey struct {
	sessions *RequestSessions
}

// NewRequestSessions creates a request-scoped session provider.
func NewRequestSessions(logger es.Logger) *RequestSessions {
	return &RequestSessions{logger: logger}
}

// Session implements SessionProvider.
func (r *RequestSessions) Session(ctx context.Context) (es.DBTX, bool) {
	tx, ok := ctx.Value(requestKey{r}).(*sql.Tx)
	return tx, ok
}

// Middleware begins a transaction on ds for every request.
// A handler that panics gets its transaction rolled back. Commit errors are
// logged only: the response has already been written.
//
// On a datastore that serializes writers (file SQLite) requests with an
// unsafe method hold the write lock for the whole request. GET, HEAD, OPTIONS
// and TRACE requests run without it and are expected not to write.
func (r *RequestSessions) Middleware(ds *Datastore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()

			if ds.writeLock != nil && !safeMethod(req.Method) {
				if err := ds.writeLock.Acquire(ctx, 1); err != nil {
					http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
					return
				}
				defer ds.writeLock.Release(1)
			}

			tx, err := ds.db.BeginTx(ctx, nil)
			if err != nil {
				if r.logger != nil {
					r.logger.Error(ctx, "failed to begin request transaction", "error", connectionFailure(ds.dialect, err))
				}
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}

			done := false
			defer func() {
				if !done {
					_ = tx.Rollback()
				}
			}()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, req.WithContext(context.WithValue(ctx, requestKey{r}, tx)))

			if sw.status >= http.StatusBadRequest {
				return
			}
			done = true
			if err := tx.Commit(); err != nil && r.logger != nil {
				r.logger.Error(ctx, "failed to commit request transaction",
					"method", req.Method,
					"path", req.URL.Path,
					"error", ds.dialect.Classify(err))
			}
		})
	}
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
