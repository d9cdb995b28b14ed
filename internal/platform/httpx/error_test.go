package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/karigai/settlement/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "abc123"})

	WriteError(ctx, rec, NewError("invalid_request", "cart is empty\nretry", http.StatusBadRequest).
		WithDetails(map[string]any{"field": "items", "status": 999}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "invalid_request" || body["message"] != "cart is empty retry" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["status"].(float64) != 400 {
		t.Fatalf("details must not override status, got %v", body["status"])
	}
	if body["field"] != "items" || body["trace_id"] != "abc123" {
		t.Fatalf("expected details and trace id, got %v", body)
	}
}
