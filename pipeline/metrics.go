package pipeline

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lucasjlepore/gaitphase/validate"
)

// Metrics are the batch counters of one run. They live on their own
// registry so concurrent runs and tests do not share state.
type Metrics struct {
	registry *prometheus.Registry

	trialsRead    prometheus.Counter
	skipped       *prometheus.CounterVec
	strides       prometheus.Counter
	validated     *prometheus.CounterVec
	failurePoints *prometheus.CounterVec
	duration      prometheus.Gauge
}

// NewMetrics registers the batch metrics on reg, or on a fresh registry when
// reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		trialsRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "gaitphase_trials_read_total",
			Help: "Trials read and validated",
		}),
		skipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gaitphase_skipped_items_total",
			Help: "Trials, sides and strides skipped by stage",
		}, []string{"stage"}),
		strides: factory.NewCounter(prometheus.CounterOpts{
			Name: "gaitphase_strides_normalized_total",
			Help: "Strides resampled onto the phase grid",
		}),
		validated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gaitphase_strides_validated_total",
			Help: "Strides checked against expectations by result",
		}, []string{"result"}), // "passed" or "failed"
		failurePoints: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gaitphase_failure_points_total",
			Help: "Out-of-range checks by stride category",
		}, []string{"category"}),
		duration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gaitphase_run_duration_seconds",
			Help: "Wall time of the last run",
		}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeValidation(r *validate.DatasetReport) {
	if r == nil {
		return
	}
	m.validated.WithLabelValues("passed").Add(float64(r.StridesPassed))
	m.validated.WithLabelValues("failed").Add(float64(r.StridesFailed))
	m.skipped.WithLabelValues(StageValidate).Add(float64(len(r.Skipped)))
	for _, f := range r.Failures {
		m.failurePoints.WithLabelValues(string(f.Category)).Inc()
	}
}

// WriteTextfile writes the metrics in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
