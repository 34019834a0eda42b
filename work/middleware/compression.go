package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"mktv-gateway/work/logger"
)

// gzipWriterPool reuses gzip writers across responses. BestSpeed favors
// latency over ratio, which is the right trade for small JSON payloads.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipResponseWriter routes Write calls through a gzip writer while keeping
// header access on the original ResponseWriter.
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
	wroteHeader bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Gzip returns middleware compressing responses for clients that advertise
// gzip support. Meant for the JSON API routes; the proxy route streams raw
// media and must not go through it.
func Gzip(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Del("Content-Length")

			gz := gzipWriterPool.Get().(*gzip.Writer)
			gz.Reset(w)
			defer func() {
				if err := gz.Close(); err != nil {
					log.Error("failed to close gzip writer for %s %s: %v", r.Method, r.URL.Path, err)
				}
				gzipWriterPool.Put(gz)
			}()

			next.ServeHTTP(&gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
		})
	}
}
