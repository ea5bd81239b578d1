package metrics

import "github.com/prometheus/client_golang/prometheus"

// Push outcomes recorded by DeliveryMetrics.
const (
	PushOutcomeDelivered   = "delivered"
	PushOutcomeNoRecipient = "no_recipient"
	PushOutcomeFailed      = "failed"
	PushOutcomeUnavailable = "unavailable"
)

// DeliveryMetrics records realtime push outcomes and dispatcher pressure.
type DeliveryMetrics struct {
	pushes  *prometheus.CounterVec
	dropped *prometheus.CounterVec
	queue   prometheus.Gauge
	panics  prometheus.Counter
}

// NewDeliveryMetrics registers the delivery metrics on the provided registerer.
func NewDeliveryMetrics(reg prometheus.Registerer) *DeliveryMetrics {
	if reg == nil {
		return &DeliveryMetrics{}
	}
	pushes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_push_total",
		Help: "Realtime push attempts by event and outcome.",
	}, []string{"event", "outcome"})
	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_task_dropped_total",
		Help: "Push tasks dropped before execution.",
	}, []string{"reason"})
	queue := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "delivery_queue_depth",
		Help: "Push tasks waiting for a worker.",
	})
	panics := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_task_panics_total",
		Help: "Push tasks that panicked.",
	})
	reg.MustRegister(pushes, dropped, queue, panics)
	return &DeliveryMetrics{
		pushes:  pushes,
		dropped: dropped,
		queue:   queue,
		panics:  panics,
	}
}

// ObservePush counts one push attempt.
func (d *DeliveryMetrics) ObservePush(event, outcome string) {
	if d == nil || d.pushes == nil {
		return
	}
	d.pushes.WithLabelValues(normalizeLabel(event), normalizeLabel(outcome)).Inc()
}

// IncDropped counts a task that never ran.
func (d *DeliveryMetrics) IncDropped(reason string) {
	if d == nil || d.dropped == nil {
		return
	}
	d.dropped.WithLabelValues(normalizeLabel(reason)).Inc()
}

// SetQueueDepth reports the current queue length.
func (d *DeliveryMetrics) SetQueueDepth(depth int) {
	if d == nil || d.queue == nil {
		return
	}
	d.queue.Set(float64(depth))
}

// IncPanic counts a recovered task panic.
func (d *DeliveryMetrics) IncPanic() {
	if d == nil || d.panics == nil {
		return
	}
	d.panics.Inc()
}
