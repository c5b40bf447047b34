package models

import (
	"encoding/json"
	"fmt"
	"math"
)

// MetricStatus tells whether a Metric carries a defined value.
type MetricStatus string

const (
	MetricAvailable   MetricStatus = "available"
	MetricUnavailable MetricStatus = "unavailable"
)

// Metric is a tri-state KPI value. A metric computed over a zero denominator
// is unavailable and has no value; it is never encoded as 0, 1 or -1.
type Metric struct {
	Value     float64
	Available bool
}

// Known returns an available metric holding v.
func Known(v float64) Metric {
	return Metric{Value: v, Available: true}
}

// Unknown returns an unavailable metric.
func Unknown() Metric {
	return Metric{}
}

// Ratio returns num/den clamped to [0,1], or an unavailable metric when den is zero.
func Ratio(num, den float64) Metric {
	m := Quotient(num, den)
	if !m.Available {
		return m
	}
	return Known(math.Min(1, math.Max(0, m.Value)))
}

// Quotient returns num/den without clamping, or an unavailable metric when
// den is zero or either operand is not finite.
func Quotient(num, den float64) Metric {
	if den == 0 || !finite(num) || !finite(den) {
		return Unknown()
	}
	return Known(num / den)
}

// Product multiplies metrics. Any unavailable factor makes the product unavailable.
func Product(factors ...Metric) Metric {
	if len(factors) == 0 {
		return Unknown()
	}
	v := 1.0
	for _, f := range factors {
		if !f.Available {
			return Unknown()
		}
		v *= f.Value
	}
	return Known(v)
}

// Status reports the tri-state status of the metric.
func (m Metric) Status() MetricStatus {
	if m.Available {
		return MetricAvailable
	}
	return MetricUnavailable
}

func (m Metric) String() string {
	if !m.Available {
		return string(MetricUnavailable)
	}
	return fmt.Sprintf("%.4f", m.Value)
}

type metricWire struct {
	Status MetricStatus `json:"status"`
	Value  *float64     `json:"value,omitempty"`
}

// MarshalJSON encodes {"status":"available","value":x} or {"status":"unavailable"}.
func (m Metric) MarshalJSON() ([]byte, error) {
	w := metricWire{Status: m.Status()}
	if m.Available {
		v := m.Value
		w.Value = &v
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the tri-state wire form.
func (m *Metric) UnmarshalJSON(data []byte) error {
	var w metricWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Status {
	case MetricAvailable:
		if w.Value == nil {
			return fmt.Errorf("available metric without value")
		}
		*m = Known(*w.Value)
	case MetricUnavailable, "":
		*m = Unknown()
	default:
		return fmt.Errorf("unknown metric status %q", w.Status)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
