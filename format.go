package nanotube

import (
	"iter"
	"math"
	"strconv"
	"strings"
)

// Format is the wire protocol metrics are rendered with.
type Format int

const (
	// StatsD renders metrics for etsy/statsd and compatible collectors.
	//
	// StatsD has no key/value metric type, key/value metrics are sent as
	// timings and lose their timestamp.
	StatsD Format = iota + 1

	// StatSite renders metrics for statsite collectors.
	StatSite
)

// ParseFormat returns the format named s, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "statsd":
		return StatsD, nil
	case "statsite":
		return StatSite, nil
	default:
		return 0, ErrInvalidArgument.New("unknown metric format: %q", s)
	}
}

func (f Format) String() string {
	switch f {
	case StatsD:
		return "StatsD"
	case StatSite:
		return "StatSite"
	default:
		return "Format(" + strconv.Itoa(int(f)) + ")"
	}
}

// MarshalText satisfies the encoding.TextMarshaler interface.
func (f Format) MarshalText() ([]byte, error) {
	if f != StatsD && f != StatSite {
		return nil, ErrInvalidArgument.New("unknown metric format: %d", int(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText satisfies the encoding.TextUnmarshaler interface.
func (f *Format) UnmarshalText(b []byte) (err error) {
	*f, err = ParseFormat(string(b))
	return
}

// Line returns the wire representation of m.
func Line(prefix string, f Format, m Metric) string {
	return string(AppendLine(make([]byte, 0, 64), prefix, f, m))
}

// AppendLine appends the wire representation of m to b, without newline. When
// prefix is not empty the key is prefixed with it and a dot. Metrics of an
// unknown type are not rendered.
func AppendLine(b []byte, prefix string, f Format, m Metric) []byte {
	switch m.Type {
	case CounterType, TimingType, SampleType, KeyValueType:
	default:
		return b
	}

	if len(prefix) != 0 {
		b = append(b, prefix...)
		b = append(b, '.')
	}

	b = append(b, m.Key...)
	b = append(b, ':')

	if f == StatSite {
		return appendStatSite(b, m)
	}
	return appendStatsD(b, m)
}

func appendStatsD(b []byte, m Metric) []byte {
	switch m.Type {
	case CounterType:
		b = strconv.AppendInt(b, m.Count, 10)
		b = append(b, "|c"...)
	case TimingType, KeyValueType:
		b = appendDecimal(b, m.Value)
		b = append(b, "|ms"...)
	case SampleType:
		b = appendSample(b, m)
	}
	return b
}

func appendStatSite(b []byte, m Metric) []byte {
	switch m.Type {
	case CounterType:
		b = strconv.AppendInt(b, m.Count, 10)
		b = append(b, "|c"...)
	case TimingType:
		b = appendDecimal(b, m.Value)
		b = append(b, "|ms"...)
	case KeyValueType:
		b = appendDecimal(b, m.Value)
		b = append(b, "|kv"...)
		if !m.Time.IsZero() {
			b = append(b, "|@"...)
			b = strconv.AppendInt(b, m.Time.Unix(), 10)
		}
	case SampleType:
		b = appendSample(b, m)
	}
	return b
}

func appendSample(b []byte, m Metric) []byte {
	b = appendDecimal(b, m.Value)
	b = append(b, "|c|@"...)
	return appendDecimal(b, m.Rate)
}

// appendDecimal writes v with at most three decimals and no trailing zeros.
func appendDecimal(b []byte, v float64) []byte {
	r := math.Round(v*1000) / 1000
	if r == 0 {
		r = 0 // no negative zero
	}
	return strconv.AppendFloat(b, r, 'f', -1, 64)
}

// Lines returns a sequence of the wire representations of metrics. Metrics are
// rendered as the sequence is consumed.
func Lines(prefix string, f Format, metrics iter.Seq[Metric]) iter.Seq[string] {
	return func(yield func(string) bool) {
		b := make([]byte, 0, 128)

		for m := range metrics {
			if b = AppendLine(b[:0], prefix, f, m); len(b) == 0 {
				continue
			}
			if !yield(string(b)) {
				return
			}
		}
	}
}
