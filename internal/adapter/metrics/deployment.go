package metrics

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/configserver/internal/domain"
)

// Label names of the deployment metric context.
const (
	LabelApplicationID = domain.MetricLabelApplicationID
	LabelTenantName    = domain.MetricLabelTenantName
	LabelApp           = domain.MetricLabelApp
	LabelZone          = domain.MetricLabelZone
)

// Metric keys emitted by the application repository.
const (
	KeyPrepareMillis  = domain.MetricPrepareMillis
	KeyActivateMillis = domain.MetricActivateMillis
)

var deploymentLabels = []string{LabelApplicationID, LabelTenantName, LabelApp, LabelZone}

// DeploymentMetrics is the domain.Metric sink. Each known metric key maps to
// a gauge labelled with the deployment context.
type DeploymentMetrics struct {
	gauges map[string]*prometheus.GaugeVec
}

var _ domain.Metric = (*DeploymentMetrics)(nil)

func NewDeploymentMetrics(reg prometheus.Registerer) *DeploymentMetrics {
	m := &DeploymentMetrics{gauges: make(map[string]*prometheus.GaugeVec)}
	for key, help := range map[string]string{
		KeyPrepareMillis:  "Milliseconds spent creating and preparing the last deployment of an application.",
		KeyActivateMillis: "Milliseconds spent activating the last deployment of an application.",
	} {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      metricName(key),
			Help:      help,
		}, deploymentLabels)
		reg.MustRegister(g)
		m.gauges[key] = g
	}
	return m
}

func (m *DeploymentMetrics) Set(key string, value float64, ctx domain.MetricContext) {
	g, ok := m.gauges[key]
	if !ok {
		slog.Debug("Ignoring unknown deployment metric", "key", key)
		return
	}
	values := make([]string, len(deploymentLabels))
	for i, label := range deploymentLabels {
		values[i] = ctx[label]
	}
	g.WithLabelValues(values...).Set(value)
}

// Gauge exposes the gauge backing key, for tests and dashboards wiring.
func (m *DeploymentMetrics) Gauge(key string) *prometheus.GaugeVec {
	return m.gauges[key]
}

// metricName turns "deployment.prepareMillis" into "deployment_prepare_millis".
func metricName(key string) string {
	var sb strings.Builder
	for i, r := range key {
		switch {
		case r == '.':
			sb.WriteByte('_')
		case unicode.IsUpper(r):
			if i > 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
