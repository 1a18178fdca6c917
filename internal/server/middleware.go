package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	s3err "github.com/objectkit/bleepstore/internal/errors"
	"github.com/objectkit/bleepstore/internal/logging"
	"github.com/objectkit/bleepstore/internal/metrics"
	"github.com/objectkit/bleepstore/internal/uid"
	"github.com/objectkit/bleepstore/internal/xmlutil"
)

// commonHeaders is the outermost S3-flavor middleware: it mints the
// request-id BleepStore reports back on every response, stamps a logger
// carrying that ID onto the request context (so downstream handlers never
// touch slog's global default), and sets the response headers real S3
// clients expect on every reply regardless of how the request is routed.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uid.RequestID()

		w.Header().Set("x-amz-request-id", requestID)
		w.Header().Set("x-amz-id-2", requestID)
		w.Header().Set("Date", xmlutil.FormatTimeHTTP(time.Now()))
		w.Header().Set("Server", "BleepStore")

		ctx := logging.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder is a thin http.ResponseWriter decorator that remembers the
// status code and byte count of a response so metricsMiddleware can report
// them after the handler chain has already written the reply.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	written     int
	headersSent bool
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.commit(status)
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(p []byte) (int, error) {
	rec.commit(http.StatusOK)
	n, err := rec.ResponseWriter.Write(p)
	rec.written += n
	return n, err
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// commit records the first status code this response settles on; later
// calls (a handler that calls WriteHeader twice, say) are no-ops, matching
// how net/http itself treats repeated WriteHeader calls.
func (rec *statusRecorder) commit(status int) {
	if rec.headersSent {
		return
	}
	rec.headersSent = true
	rec.status = status
}

// metricsMiddleware records request count, duration, and payload sizes to
// Prometheus. /metrics itself is excluded so scraping doesn't recursively
// inflate its own counters.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		method := r.Method
		path := metrics.NormalizePath(r.URL.Path)
		status := strconv.Itoa(rec.status)

		metrics.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(started).Seconds())

		if r.ContentLength > 0 {
			metrics.HTTPRequestSize.WithLabelValues(method, path).Observe(float64(r.ContentLength))
			metrics.BytesReceivedTotal.Add(float64(r.ContentLength))
		}
		if rec.written > 0 {
			metrics.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(rec.written))
			metrics.BytesSentTotal.Add(float64(rec.written))
		}
	})
}

// chunkedOnly is the set of Transfer-Encoding values BleepStore accepts.
// S3 never honors an "identity" transfer-encoded body.
const chunkedOnly = "chunked"

// transferEncodingCheck rejects any non-chunked Transfer-Encoding before
// auth or routing runs, matching real S3's behavior for bodies it can't
// stream-verify.
func transferEncodingCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !transferEncodingAllowed(r) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// transferEncodingAllowed checks both the raw header (some non-standard
// clients leave it intact) and r.TransferEncoding, which is where Go's
// net/http relocates the header once it recognizes a non-identity encoding.
func transferEncodingAllowed(r *http.Request) bool {
	if te := strings.TrimSpace(r.Header.Get("Transfer-Encoding")); te != "" {
		if !strings.EqualFold(te, chunkedOnly) {
			return false
		}
	}
	for _, enc := range r.TransferEncoding {
		if !strings.EqualFold(enc, chunkedOnly) {
			return false
		}
	}
	return true
}

// amzMetaCanonicalPrefix is "x-amz-meta-" as textproto.CanonicalMIMEHeaderKey
// renders it: the shape every X-Amz-Meta-* header actually has by the time
// a handler calls w.Header().Set.
const amzMetaCanonicalPrefix = "X-Amz-Meta-"

// lowercasingWriter wraps an http.ResponseWriter and rewrites any
// X-Amz-Meta-* header key to fully lowercase immediately before the
// response is flushed.
//
// Go canonicalizes header keys on write (X-Amz-Meta-Author), but S3 user
// metadata keys are case-preserved on the wire and most SDKs (boto3
// included) expect them lowercase. Rewriting at flush time keeps every
// handler free to just call w.Header().Set("x-amz-meta-"+k, v) normally.
type lowercasingWriter struct {
	http.ResponseWriter
	rewritten bool
}

func (lw *lowercasingWriter) lowercaseMetaHeaders() {
	if lw.rewritten {
		return
	}
	lw.rewritten = true

	headers := lw.ResponseWriter.Header()
	for key, values := range headers {
		if !strings.HasPrefix(key, amzMetaCanonicalPrefix) {
			continue
		}
		if lower := strings.ToLower(key); lower != key {
			delete(headers, key)
			headers[lower] = values
		}
	}
}

func (lw *lowercasingWriter) WriteHeader(status int) {
	lw.lowercaseMetaHeaders()
	lw.ResponseWriter.WriteHeader(status)
}

func (lw *lowercasingWriter) Write(p []byte) (int, error) {
	lw.lowercaseMetaHeaders()
	return lw.ResponseWriter.Write(p)
}

func (lw *lowercasingWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// metadataHeaderMiddleware ensures x-amz-meta-* response headers reach the
// client lowercase, regardless of which handler set them.
func metadataHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&lowercasingWriter{ResponseWriter: w}, r)
	})
}
