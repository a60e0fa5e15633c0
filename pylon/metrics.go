package pylon

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Exchanges counts request/response exchanges by command and outcome.
	Exchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pylon_exchanges_total",
			Help: "Serial exchanges with the BMS by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	// DecodeErrors counts received frames that were discarded.
	DecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pylon_decode_errors_total",
			Help: "Discarded response frames by command and reason",
		},
		[]string{"command", "reason"},
	)

	// Cycles counts completed polling cycles over all packs.
	Cycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pylon_cycles_total",
		Help: "Completed polling cycles",
	})

	// Packs is the number of packs reported by the BMS.
	Packs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pylon_packs",
		Help: "Number of battery packs in the stack",
	})
)

// RegisterMetrics registers the protocol metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{Exchanges, DecodeErrors, Cycles, Packs} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// errorReason maps a decode error to a metric label.
func errorReason(err error) string {
	var devErr *DeviceError
	switch {
	case errors.Is(err, ErrChecksum):
		return "checksum"
	case errors.Is(err, ErrLength):
		return "length"
	case errors.Is(err, ErrInvalidHex):
		return "hex"
	case errors.As(err, &devErr):
		return "device"
	}
	return "other"
}
