// Package metrics owns the Prometheus collectors of the process and a JSON-friendly
// snapshot of the delivery counters.
package metrics

import (
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"

	DropBus    = "bus"
	DropStream = "stream"
)

var publishBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

type Metrics struct {
	Registry *prometheus.Registry

	publishTotal    *prometheus.CounterVec
	publishDuration prometheus.Histogram
	delivered       prometheus.Counter
	dropped         *prometheus.CounterVec
	evicted         *prometheus.CounterVec
	streamsOpened   prometheus.Counter
	busHealthy      prometheus.Gauge

	HTTPDuration *prometheus.HistogramVec
	HTTPRequests *prometheus.CounterVec
}

// New builds every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		publishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_publish_total",
			Help: "Notification publishes by event type and result.",
		}, []string{"event_type", "result"}),
		publishDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "notify_publish_duration_seconds",
			Help:    "Latency of notification publishes including retries.",
			Buckets: publishBuckets,
		}),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Name: "notify_stream_messages_delivered_total",
			Help: "Payloads written to client streams.",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_messages_dropped_total",
			Help: "Payloads dropped because a subscriber buffer was full.",
		}, []string{"stage"}),
		evicted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_connections_closed_total",
			Help: "Connections torn down, by reason.",
		}, []string{"reason"}),
		streamsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "notify_streams_opened_total",
			Help: "Streams opened since start.",
		}),
		busHealthy: f.NewGauge(prometheus.GaugeOpts{
			Name: "notify_bus_healthy",
			Help: "1 when the last bus round-trip probe succeeded.",
		}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"path", "method", "status"}),
	}
}

// TrackConnections exposes live connection counts read from fn at scrape time.
func (m *Metrics) TrackConnections(fn func() int) {
	promauto.With(m.Registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "notify_connections_active",
		Help: "Live push streams held by this instance.",
	}, func() float64 { return float64(fn()) })
}

func (m *Metrics) ObservePublish(eventType string, ok bool, d time.Duration) {
	result := ResultSuccess
	if !ok {
		result = ResultFailure
	}
	m.publishTotal.WithLabelValues(eventType, result).Inc()
	m.publishDuration.Observe(d.Seconds())
}

func (m *Metrics) Delivered()           { m.delivered.Inc() }
func (m *Metrics) Dropped(stage string) { m.dropped.WithLabelValues(stage).Inc() }
func (m *Metrics) Closed(reason string) { m.evicted.WithLabelValues(reason).Inc() }
func (m *Metrics) StreamOpened()        { m.streamsOpened.Inc() }
func (m *Metrics) SetBusHealthy(ok bool) {
	if ok {
		m.busHealthy.Set(1)
		return
	}
	m.busHealthy.Set(0)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

type Bucket struct {
	UpperBound float64 `json:"le"`
	Count      uint64  `json:"count"`
}

type Latency struct {
	Count      uint64   `json:"count"`
	SumSeconds float64  `json:"sum_seconds"`
	Buckets    []Bucket `json:"buckets"`
}

type Snapshot struct {
	PublishSuccess uint64            `json:"publish_success"`
	PublishFailure uint64            `json:"publish_failure"`
	PublishLatency Latency           `json:"publish_latency"`
	StreamsOpened  uint64            `json:"streams_opened"`
	Delivered      uint64            `json:"delivered"`
	Dropped        map[string]uint64 `json:"dropped"`
	Closed         map[string]uint64 `json:"closed"`
}

// Snapshot reads the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		Dropped: map[string]uint64{},
		Closed:  map[string]uint64{},
	}
	for _, pb := range collect(m.publishTotal) {
		switch label(pb, "result") {
		case ResultSuccess:
			s.PublishSuccess += uint64(pb.GetCounter().GetValue())
		case ResultFailure:
			s.PublishFailure += uint64(pb.GetCounter().GetValue())
		}
	}
	for _, pb := range collect(m.dropped) {
		s.Dropped[label(pb, "stage")] += uint64(pb.GetCounter().GetValue())
	}
	for _, pb := range collect(m.evicted) {
		s.Closed[label(pb, "reason")] += uint64(pb.GetCounter().GetValue())
	}
	for _, pb := range collect(m.delivered) {
		s.Delivered += uint64(pb.GetCounter().GetValue())
	}
	for _, pb := range collect(m.streamsOpened) {
		s.StreamsOpened += uint64(pb.GetCounter().GetValue())
	}
	for _, pb := range collect(m.publishDuration) {
		h := pb.GetHistogram()
		s.PublishLatency.Count = h.GetSampleCount()
		s.PublishLatency.SumSeconds = h.GetSampleSum()
		for _, b := range h.GetBucket() {
			s.PublishLatency.Buckets = append(s.PublishLatency.Buckets, Bucket{
				UpperBound: b.GetUpperBound(),
				Count:      b.GetCumulativeCount(),
			})
		}
	}
	sort.Slice(s.PublishLatency.Buckets, func(i, j int) bool {
		return s.PublishLatency.Buckets[i].UpperBound < s.PublishLatency.Buckets[j].UpperBound
	})
	return s
}

func collect(c prometheus.Collector) []*dto.Metric {
	ch := make(chan prometheus.Metric)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var out []*dto.Metric
	for m := range ch {
		pb := &dto.Metric{}
		if err := m.Write(pb); err != nil {
			continue
		}
		out = append(out, pb)
	}
	return out
}

func label(pb *dto.Metric, name string) string {
	for _, lp := range pb.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
