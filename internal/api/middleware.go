package api

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// HeaderRequestID — заголовок с идентификатором запроса.
const HeaderRequestID = "X-Request-Id"

// Middleware — функция-обёртка для http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain применяет middleware в порядке слева направо.
// Chain(m1, m2)(handler) = m1(m2(handler))
func Chain(middlewares ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// RequestID присваивает запросу идентификатор (или берёт его из
// X-Request-Id) и кладёт в context логгер с request_id.
func RequestID(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id)

			ctx := telemetry.WithLogger(r.Context(), logger.With("request_id", id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Logging пишет одну запись на запрос: маршрут, alias flow и запуски,
// которых коснулся запрос. 5xx логируются как ERROR, 4xx как WARN.
func Logging() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			attrs := []any{
				"method", r.Method,
				"route", r.Pattern,
				"status", rw.status,
				"bytes", rw.bytes,
				"duration", time.Since(start),
			}
			if alias := r.PathValue("alias"); alias != "" {
				attrs = append(attrs, "flow_alias", alias)
			}
			if id := r.PathValue("id"); id != "" {
				attrs = append(attrs, "id", id)
			}
			if ids := rw.Header().Get(HeaderFlowRunIDs); ids != "" {
				attrs = append(attrs, "flow_run_ids", ids)
			}

			logger := telemetry.FromContext(r.Context())
			switch {
			case rw.status >= http.StatusInternalServerError:
				logger.Error("http request", attrs...)
			case rw.status >= http.StatusBadRequest:
				logger.Warn("http request", attrs...)
			default:
				logger.Info("http request", attrs...)
			}
		})
	}
}

// Recovery превращает панику обработчика в 500. Если ответ уже начат
// (потоковый запуск), дописать JSON нельзя: запрос просто обрывается.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				logger := telemetry.FromContext(r.Context())
				logger.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"route", r.Pattern,
				)
				if rw, ok := w.(*responseWriter); ok && rw.wroteHeader {
					return
				}
				InternalError(w, logger, nil)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter запоминает статус и размер ответа.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

// Unwrap нужен http.ResponseController (Flush, SetWriteDeadline).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) WriteHeader(status int) {
	if !rw.wroteHeader {
		rw.status = status
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}
