package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/configserver/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_ExportsBuildInfo(t *testing.T) {
	reg := NewRegistry()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() != "configserver_build_info" {
			continue
		}
		found = true
		require.Len(t, mf.GetMetric(), 1)
		assert.Equal(t, 1.0, mf.GetMetric()[0].GetGauge().GetValue())
	}
	assert.True(t, found, "configserver_build_info is registered")
}

func TestMetricName(t *testing.T) {
	assert.Equal(t, "deployment_prepare_millis", metricName(KeyPrepareMillis))
	assert.Equal(t, "deployment_activate_millis", metricName(KeyActivateMillis))
}

func TestDeploymentMetrics_SetLabelsByContext(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDeploymentMetrics(reg)

	ctx := domain.MetricContext{
		LabelApplicationID: "test1.testapp.default",
		LabelTenantName:    "test1",
		LabelApp:           "testapp.default",
		LabelZone:          "prod.default",
	}
	m.Set(KeyPrepareMillis, 42, ctx)
	m.Set(KeyActivateMillis, 7, ctx)
	m.Set("deployment.unknown", 1, ctx)

	assert.Equal(t, 42.0, testutil.ToFloat64(m.Gauge(KeyPrepareMillis).WithLabelValues("test1.testapp.default", "test1", "testapp.default", "prod.default")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Gauge(KeyActivateMillis).WithLabelValues("test1.testapp.default", "test1", "testapp.default", "prod.default")))

	expected := `
# HELP configserver_deployment_prepare_millis Milliseconds spent creating and preparing the last deployment of an application.
# TYPE configserver_deployment_prepare_millis gauge
configserver_deployment_prepare_millis{app="testapp.default",applicationId="test1.testapp.default",tenantName="test1",zone="prod.default"} 42
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "configserver_deployment_prepare_millis"))
}

func TestMaintenanceMetrics_RecordRun(t *testing.T) {
	m := NewMaintenanceMetrics(prometheus.NewRegistry())

	m.RecordRun("local_sessions", 3, nil)
	m.RecordRun("local_sessions", 0, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("local_sessions", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("local_sessions", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Deleted.WithLabelValues("local_sessions")))

	m.SetLeader(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Leader))
	m.SetLeader(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Leader))
}

func TestHTTPMetrics_Middleware(t *testing.T) {
	m := NewHTTPMetrics(prometheus.NewRegistry())

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/application/:tenant", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for _, path := range []string{"/application/t1", "/application/t2", "/health/live"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/application/:tenant", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/health/live", "200")))
}
