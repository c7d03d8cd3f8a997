package subscription

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the subscription collectors. A nil *metrics records nothing.
type metrics struct {
	delivered *prometheus.CounterVec
	acked     *prometheus.CounterVec
	naked     *prometheus.CounterVec
	parked    *prometheus.CounterVec
	inFlight  *prometheus.GaugeVec
	connected *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}
	labels := []string{"stream", "group"}
	m := &metrics{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pupstore",
			Subsystem: "subscription",
			Name:      "events_delivered_total",
			Help:      "Events delivered to subscribers, including redeliveries",
		}, labels),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pupstore",
			Subsystem: "subscription",
			Name:      "events_acked_total",
			Help:      "Events acknowledged by subscribers",
		}, labels),
		naked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pupstore",
			Subsystem: "subscription",
			Name:      "events_naked_total",
			Help:      "Events negatively acknowledged, by action",
		}, append(labels, "action")),
		parked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pupstore",
			Subsystem: "subscription",
			Name:      "events_parked_total",
			Help:      "Events moved to the parked set",
		}, labels),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pupstore",
			Subsystem: "subscription",
			Name:      "events_in_flight",
			Help:      "Events delivered and awaiting ack or nak",
		}, labels),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pupstore",
			Subsystem: "subscription",
			Name:      "subscribers_connected",
			Help:      "Connected subscribers",
		}, labels),
	}

	var err error
	if m.delivered, err = register(reg, m.delivered); err != nil {
		return nil, err
	}
	if m.acked, err = register(reg, m.acked); err != nil {
		return nil, err
	}
	if m.naked, err = register(reg, m.naked); err != nil {
		return nil, err
	}
	if m.parked, err = register(reg, m.parked); err != nil {
		return nil, err
	}
	if m.inFlight, err = register(reg, m.inFlight); err != nil {
		return nil, err
	}
	if m.connected, err = register(reg, m.connected); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c, returning the collector already registered under
// the same descriptor if there is one.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, fmt.Errorf("failed to register subscription metrics: %w", err)
}

func (m *metrics) recordDelivered(stream, group string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(stream, group).Inc()
}

func (m *metrics) recordAcked(stream, group string) {
	if m == nil {
		return
	}
	m.acked.WithLabelValues(stream, group).Inc()
}

func (m *metrics) recordNak(stream, group string, action NakAction) {
	if m == nil {
		return
	}
	m.naked.WithLabelValues(stream, group, action.String()).Inc()
}

func (m *metrics) recordParked(stream, group string) {
	if m == nil {
		return
	}
	m.parked.WithLabelValues(stream, group).Inc()
}

func (m *metrics) setInFlight(stream, group string, n int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(stream, group).Set(float64(n))
}

func (m *metrics) setConnected(stream, group string, n int) {
	if m == nil {
		return
	}
	m.connected.WithLabelValues(stream, group).Set(float64(n))
}
