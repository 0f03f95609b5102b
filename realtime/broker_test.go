package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ashare-copilot/database"
)

// noFlushWriter is a ResponseWriter without http.Flusher, like some
// wrapping middlewares
type noFlushWriter struct {
	header http.Header
	code   int
}

func (w *noFlushWriter) Header() http.Header {
	if w.header == nil {
		w.header = http.Header{}
	}
	return w.header
}

func (w *noFlushWriter) Write(p []byte) (int, error) { return len(p), nil }

func (w *noFlushWriter) WriteHeader(code int) { w.code = code }

func TestServeHTTPRejectsWriterWithoutFlusher(t *testing.T) {
	b := NewBroker()

	w := &noFlushWriter{}
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	b.ServeHTTP(w, req)

	if w.code != http.StatusInternalServerError {
		t.Fatalf("Expected 500 for a non-flushing writer, got %d", w.code)
	}
}

func TestPublishReportStatusReachesClient(t *testing.T) {
	b := NewBroker()
	go b.Run()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(rr, req)
		close(done)
	}()

	key := database.ReportKey{Kind: database.KindIntradayChart, Date: "2025-08-18", Subject: "600519"}
	for i := 0; i < 50; i++ {
		b.PublishReportStatus(key, database.StatusRunning)
		time.Sleep(2 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SSE handler did not exit after client disconnect")
	}

	body := rr.Body.String()
	if !strings.Contains(body, "report_status") || !strings.Contains(body, "600519") {
		t.Fatalf("Expected a report_status event in the stream, got %q", body)
	}
}
