package agreement

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"legacyvault/custody"
)

type serviceMetrics struct {
	operations *prometheus.CounterVec
	payouts    *prometheus.CounterVec
}

func (m *serviceMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.operations = promautoFactory.NewCounterVec(prometheus.CounterOpts{
		Name: "legacyvault_agreement_operations_total",
		Help: "agreement operations by outcome",
	}, []string{"op", "result"})
	m.payouts = promautoFactory.NewCounterVec(prometheus.CounterOpts{
		Name: "legacyvault_agreement_payout_units_total",
		Help: "units paid out of escrow",
	}, []string{"op"})
}

func (m *serviceMetrics) observe(op string, err error) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(op, resultLabel(err)).Inc()
}

func (m *serviceMetrics) paid(op string, amount int64) {
	if m == nil || m.payouts == nil || amount <= 0 {
		return
	}
	m.payouts.WithLabelValues(op).Add(float64(amount))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, custody.ErrAlreadyTerminated):
		return "terminated"
	case errors.Is(err, custody.ErrNotOwner), errors.Is(err, custody.ErrNotBeneficiary):
		return "forbidden"
	case errors.Is(err, custody.ErrWithdrawalNotAllowed):
		return "too_early"
	case errors.Is(err, ErrAgreementNotFound):
		return "not_found"
	case errors.Is(err, ErrIdempotencyKeyReused):
		return "key_reused"
	default:
		return "error"
	}
}
