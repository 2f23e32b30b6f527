package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordHelpersNoopBeforeInit(t *testing.T) {
	// Must not panic when metrics were never initialized.
	ctx := context.Background()
	RecordHTTP(ctx, 200, time.Millisecond)
	RecordResolve(ctx, "hit", "cache", time.Millisecond)
	RecordProbeDepth(ctx, 3)
	RecordUpstreamFetch(ctx, "cdn", "absent", time.Millisecond)
	RecordCacheOp(ctx, "image", "hit")
}

func TestPrometheusHandlerNotEnabled(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	PrometheusHandler().ServeHTTP(rec, req)
	require.Equal(t, 404, rec.Code)
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(200))
	require.Equal(t, "3xx", StatusClass(301))
	require.Equal(t, "4xx", StatusClass(404))
	require.Equal(t, "5xx", StatusClass(503))
	require.Equal(t, "unknown", StatusClass(42))
}
