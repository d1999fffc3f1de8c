package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the engine's Prometheus collectors.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	ReadingsIngested  *prometheus.CounterVec
	IngestFailures    prometheus.Counter
	AlertsTriggered   *prometheus.CounterVec
	RuleFailures      prometheus.Counter
	AutomationsRun    *prometheus.CounterVec
	CommandsTotal     *prometheus.CounterVec
	DevicesOffline    prometheus.Counter
	HealthScanSeconds prometheus.Histogram
	EventsForwarded   *prometheus.CounterVec
	DevicesOnline     prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which suits tests.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ReadingsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fieldmesh",
				Subsystem: "ingest",
				Name:      "readings_total",
				Help:      "Total number of sensor readings ingested",
			},
			[]string{"parameter"},
		),

		IngestFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fieldmesh",
				Subsystem: "ingest",
				Name:      "failures_total",
				Help:      "Total number of ingestion steps that failed and were skipped",
			},
		),

		AlertsTriggered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fieldmesh",
				Subsystem: "alerts",
				Name:      "triggered_total",
				Help:      "Total number of alerts generated by rules",
			},
			[]string{"severity", "action"},
		),

		RuleFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fieldmesh",
				Subsystem: "alerts",
				Name:      "evaluation_failures_total",
				Help:      "Total number of malformed rules skipped during evaluation",
			},
		),

		AutomationsRun: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fieldmesh",
				Subsystem: "automation",
				Name:      "executions_total",
				Help:      "Total number of automation batches executed",
			},
			[]string{"trigger"},
		),

		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fieldmesh",
				Subsystem: "commands",
				Name:      "total",
				Help:      "Total number of device commands by outcome",
			},
			[]string{"result"},
		),

		DevicesOffline: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fieldmesh",
				Subsystem: "health",
				Name:      "offline_transitions_total",
				Help:      "Total number of online to offline transitions",
			},
		),

		HealthScanSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "fieldmesh",
				Subsystem: "health",
				Name:      "scan_duration_seconds",
				Help:      "Duration of health monitor scans in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		EventsForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fieldmesh",
				Subsystem: "events",
				Name:      "forwarded_total",
				Help:      "Total number of bus events forwarded to Kafka by outcome",
			},
			[]string{"result"},
		),

		DevicesOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fieldmesh",
				Subsystem: "registry",
				Name:      "devices_online",
				Help:      "Number of devices online at the last health scan",
			},
		),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.ReadingsIngested, m.IngestFailures, m.AlertsTriggered, m.RuleFailures,
		m.AutomationsRun, m.CommandsTotal, m.DevicesOffline, m.HealthScanSeconds,
		m.EventsForwarded, m.DevicesOnline,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ReadingIngested(parameter string) {
	if m == nil {
		return
	}
	m.ReadingsIngested.WithLabelValues(parameter).Inc()
}

func (m *Metrics) IngestFailed() {
	if m == nil {
		return
	}
	m.IngestFailures.Inc()
}

func (m *Metrics) AlertTriggered(severity, action string) {
	if m == nil {
		return
	}
	m.AlertsTriggered.WithLabelValues(severity, action).Inc()
}

func (m *Metrics) RuleFailed() {
	if m == nil {
		return
	}
	m.RuleFailures.Inc()
}

func (m *Metrics) AutomationExecuted(trigger string) {
	if m == nil {
		return
	}
	m.AutomationsRun.WithLabelValues(trigger).Inc()
}

// Command records a dispatcher outcome: executed, scheduled, rejected or failed
func (m *Metrics) Command(result string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) DeviceWentOffline() {
	if m == nil {
		return
	}
	m.DevicesOffline.Inc()
}

func (m *Metrics) HealthScan(seconds float64, online int) {
	if m == nil {
		return
	}
	m.HealthScanSeconds.Observe(seconds)
	m.DevicesOnline.Set(float64(online))
}

// EventsForwardedN records n bus events by outcome: sent, failed, dropped or invalid
func (m *Metrics) EventsForwardedN(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsForwarded.WithLabelValues(result).Add(float64(n))
}
