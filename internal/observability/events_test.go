package observability

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestBuildHeadersUsesSpanTraceID(t *testing.T) {
	traceID := trace.TraceID{1, 2, 3}
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: trace.SpanID{4}})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := BuildHeaders(ctx, "req-1", "")
	assert.Equal(t, "req-1", headers["x-request-id"])
	assert.Equal(t, traceID.String(), headers["trace_id"])

	assert.Empty(t, BuildHeaders(context.Background(), "", ""))
	assert.Equal(t, "explicit", BuildHeaders(ctx, "", "explicit")["trace_id"])
}

func TestOriginOf(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", OriginOf(r).IP)

	r.Header.Set("X-Real-IP", "10.1.1.1")
	assert.Equal(t, "10.1.1.1", OriginOf(r).IP)

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	r.Header.Set("X-Device-Id", "phone")
	r.Header.Set("X-Request-Id", "abc")
	assert.Equal(t, Origin{DeviceID: "phone", IP: "203.0.113.7", RequestID: "abc"}, OriginOf(r))
}
