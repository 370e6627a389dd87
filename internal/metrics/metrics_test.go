package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	before := testutil.ToFloat64(providerResults.WithLabelValues("binance", "ok"))
	IncProviderResult("binance", "ok")
	assert.Equal(t, before+1, testutil.ToFloat64(providerResults.WithLabelValues("binance", "ok")))

	ObserveAcquisition(3*time.Second, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(quotesMissing))

	SetDrawdown("trend", 4.5)
	assert.Equal(t, 4.5, testutil.ToFloat64(drawdown.WithLabelValues("trend")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trader_provider_results_total")
}
