package nanotube

import (
	"math"
	"time"
)

// MetricType enumerates the kinds of metrics nanotube can send.
type MetricType int

const (
	// CounterType metrics adjust a counter by an integer amount.
	CounterType MetricType = iota + 1

	// TimingType metrics report a duration in milliseconds.
	TimingType

	// SampleType metrics are counters sent for a fraction of the events.
	SampleType

	// KeyValueType metrics report a value, optionally at a point in time.
	KeyValueType
)

func (t MetricType) String() string {
	switch t {
	case CounterType:
		return "counter"
	case TimingType:
		return "timing"
	case SampleType:
		return "sample"
	case KeyValueType:
		return "key/value"
	default:
		return "unknown"
	}
}

// Metric is a single metric event. Values are built with the Counter, Timing,
// Sample and KeyValue functions, which sanitize the key.
type Metric struct {
	Type MetricType
	Key  string

	// Count is the adjustment of CounterType metrics.
	Count int64

	// Value is the reading of timing, sample and key/value metrics.
	Value float64

	// Rate is the sampling rate of SampleType metrics.
	Rate float64

	// Time is the timestamp of KeyValueType metrics, the zero value means
	// the metric has none.
	Time time.Time
}

// Counter returns a metric adjusting the counter key by n.
func Counter(key string, n int) Metric {
	return Metric{Type: CounterType, Key: Sanitize(key), Count: int64(n)}
}

// Increment returns a metric adding one to the counter key.
func Increment(key string) Metric {
	return Counter(key, 1)
}

// Decrement returns a metric removing one from the counter key.
func Decrement(key string) Metric {
	return Counter(key, -1)
}

// Timing returns a metric reporting that key took ms milliseconds.
func Timing(key string, ms float64) Metric {
	return Metric{Type: TimingType, Key: Sanitize(key), Value: ms}
}

// Duration returns a timing metric for d.
func Duration(key string, d time.Duration) Metric {
	return Timing(key, float64(d)/float64(time.Millisecond))
}

// Sample returns a counter metric for value, sent for a fraction rate of the
// events. The rate cannot be greater than 1.
func Sample(key string, value float64, rate float64) (Metric, error) {
	if math.IsNaN(rate) || rate > 1 {
		return Metric{}, ErrInvalidArgument.New("sampling rate must be less than or equal to 1, got %g", rate)
	}
	return Metric{Type: SampleType, Key: Sanitize(key), Value: value, Rate: rate}, nil
}

// KeyValue returns a metric reporting value for key.
func KeyValue(key string, value float64) Metric {
	return Metric{Type: KeyValueType, Key: Sanitize(key), Value: value}
}

// KeyValueAt returns a metric reporting value for key at time t.
func KeyValueAt(key string, value float64, t time.Time) Metric {
	m := KeyValue(key, value)
	m.Time = t
	return m
}
