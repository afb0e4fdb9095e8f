package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.TokenIssued("authorization_code")
	m.TokenIssued("authorization_code")
	m.TokenIssued("refresh_token")
	m.Verified(true, "")
	m.Verified(false, "revoked")
	m.ClientRegistered()
	m.SecurityEvent("refresh_token_reuse")
	m.StoreError("get")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tokensIssued.WithLabelValues("authorization_code")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokensIssued.WithLabelValues("refresh_token")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verify.WithLabelValues("allowed", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verify.WithLabelValues("denied", "revoked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.clientsRegistered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.securityEvents.WithLabelValues("refresh_token_reuse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeErrors.WithLabelValues("get")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TokenIssued("x")
		m.Verified(false, "missing")
		m.ClientRegistered()
		m.SecurityEvent("x")
		m.StoreError("x")
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ClientRegistered()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "oauth_clients_registered_total 1"))
}
