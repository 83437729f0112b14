package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stockhold"

// Reservation 汇总了预占子系统的业务指标。
type Reservation struct {
	holdItems     *prometheus.CounterVec
	adjusts       *prometheus.CounterVec
	releasedUnits *prometheus.CounterVec
	lockTimeouts  prometheus.Counter
	sweeps        prometheus.Counter
	sweepErrors   prometheus.Counter
	activeCarts   prometheus.Gauge
}

// NewReservation 在 reg 上注册所有指标。reg 为 nil 时指标不会被注册（测试场景）。
func NewReservation(reg prometheus.Registerer) *Reservation {
	f := promauto.With(reg)
	return &Reservation{
		holdItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hold_items_total",
			Help:      "Hold line items by outcome (granted, partial, shortage).",
		}, []string{"outcome"}),
		adjusts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adjust_total",
			Help:      "Adjust calls by direction and whether they were granted.",
		}, []string{"direction", "granted"}),
		releasedUnits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "released_units_total",
			Help:      "Units returned to available stock, by reason.",
		}, []string{"reason"}),
		lockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_timeouts_total",
			Help:      "Per-product lock acquisitions that timed out.",
		}),
		sweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweeps_total",
			Help:      "Expiry scheduler ticks.",
		}),
		sweepErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweep_errors_total",
			Help:      "Carts the expiry scheduler failed to release.",
		}),
		activeCarts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_carts",
			Help:      "Carts currently holding at least one reservation.",
		}),
	}
}

func (m *Reservation) HoldItem(requested, granted uint) {
	switch {
	case granted == requested:
		m.holdItems.WithLabelValues("granted").Inc()
	case granted == 0:
		m.holdItems.WithLabelValues("shortage").Inc()
	default:
		m.holdItems.WithLabelValues("partial").Inc()
	}
}

func (m *Reservation) Adjust(delta int, granted bool) {
	direction := "increase"
	if delta < 0 {
		direction = "decrease"
	}
	g := "false"
	if granted {
		g = "true"
	}
	m.adjusts.WithLabelValues(direction, g).Inc()
}

func (m *Reservation) Released(reason string, units uint) {
	if units == 0 {
		return
	}
	m.releasedUnits.WithLabelValues(reason).Add(float64(units))
}

func (m *Reservation) LockTimeout() { m.lockTimeouts.Inc() }

func (m *Reservation) Sweep(failed int) {
	m.sweeps.Inc()
	if failed > 0 {
		m.sweepErrors.Add(float64(failed))
	}
}

func (m *Reservation) ActiveCarts(n int) { m.activeCarts.Set(float64(n)) }
