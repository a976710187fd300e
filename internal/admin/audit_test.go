package admin

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func auditLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestAuditMiddleware_LogsMutatingRequests(t *testing.T) {
	var logBuf bytes.Buffer
	var seenBody string
	handler := AuditMiddleware(auditLogger(&logBuf), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := new(bytes.Buffer)
		_, _ = b.ReadFrom(r.Body)
		seenBody = b.String()
		w.WriteHeader(http.StatusAccepted)
	}))

	body := `{"frequency":30000}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/api/v1/settings", strings.NewReader(body)))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, body, seenBody, "body restored for the handler")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	out := logBuf.String()
	assert.Contains(t, out, "admin API audit")
	assert.Contains(t, out, "PATCH")
	assert.Contains(t, out, "/api/v1/settings")
	assert.Contains(t, out, `"response_status":202`)
}

func TestAuditMiddleware_SkipsGETRequests(t *testing.T) {
	var logBuf bytes.Buffer
	handler := AuditMiddleware(auditLogger(&logBuf), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	assert.Zero(t, logBuf.Len())
}

func TestAuditMiddleware_TruncatesLargeBody(t *testing.T) {
	var logBuf bytes.Buffer
	handler := AuditMiddleware(auditLogger(&logBuf), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	largeBody := strings.Repeat("x", 2000)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/tokens/rediscover", strings.NewReader(largeBody)))
	assert.Contains(t, logBuf.String(), "truncated")
}
