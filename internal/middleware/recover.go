package middleware

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
)

// startedWriter records whether the wrapped handler already sent the status line.
type startedWriter struct {
	http.ResponseWriter
	started bool
}

func (w *startedWriter) WriteHeader(code int) {
	w.started = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *startedWriter) Write(b []byte) (int, error) {
	w.started = true
	return w.ResponseWriter.Write(b)
}

// Recover turns a handler panic into a 500 JSON error and logs the stack with the request id.
// A response that has already started is left alone: the webhook handler acks with
// 200 {"received":true} from a deferred write, and a panic behind it must not append a
// second document to the ack.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &startedWriter{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			// RequestID runs inside Recover; its id is only visible on the response headers
			rid := w.Header().Get(RequestIDHeader)
			log.Printf("[panic] request_id=%s path=%s started=%t err=%v\n%s", rid, r.URL.Path, sw.started, rec, debug.Stack())
			if sw.started {
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal", "request_id": rid})
		}()
		next.ServeHTTP(sw, r)
	})
}
