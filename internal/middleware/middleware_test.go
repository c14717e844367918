package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nathanyu/pocket-pal/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/v1/accounts/{account_id}", normalizePath("/v1/accounts/01710000001"))
	assert.Equal(t, "/v1/accounts/{account_id}/transactions", normalizePath("/v1/accounts/a@b.com/transactions"))
	assert.Equal(t, "/health", normalizePath("/health"))
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDs(), Tracing(), Metrics())
	r.GET("/v1/accounts/:id", func(c *gin.Context) {
		c.String(http.StatusOK, RequestID(c))
	})
	r.GET("/v1/broken", func(c *gin.Context) {
		SetErrorKind(c, "StorageFailure")
		c.Status(http.StatusServiceUnavailable)
	})
	return r
}

func TestRequestIDs(t *testing.T) {
	r := newRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/01710000001", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "abc-123", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts/01710000001", nil))
	_, err := uuid.Parse(w.Header().Get(RequestIDHeader))
	require.NoError(t, err)
}

func TestMetricsUseRouteTemplate(t *testing.T) {
	r := newRouter()
	counter := telemetry.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/accounts/:id", "200")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"01710000001", "01710000002"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts/"+id, nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

func TestMetricsCountErrorKinds(t *testing.T) {
	r := newRouter()
	errorsByKind := telemetry.HTTPErrorsTotal.WithLabelValues("/v1/broken", "StorageFailure")
	before := testutil.ToFloat64(errorsByKind)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/broken", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	assert.Equal(t, before+1, testutil.ToFloat64(errorsByKind))
	assert.Zero(t, testutil.ToFloat64(telemetry.HTTPRequestsInFlight.WithLabelValues(http.MethodGet)))
}

func TestTracingContinuesCallerTrace(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTracer, prevPropagator := telemetry.Tracer, otel.GetTextMapPropagator()
	telemetry.Tracer = tp.Tracer("test")
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		telemetry.Tracer = prevTracer
		otel.SetTextMapPropagator(prevPropagator)
	})

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/v1/broken", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	w := httptest.NewRecorder()
	newRouter().ServeHTTP(w, req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "GET /v1/broken", span.Name())
	assert.Equal(t, traceID, span.SpanContext().TraceID().String())
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Contains(t, span.Attributes(), attribute.String("error.kind", "StorageFailure"))
	assert.Contains(t, span.Attributes(), attribute.Int("http.response.status_code", http.StatusServiceUnavailable))
}
