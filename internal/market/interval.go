package market

import (
	"fmt"
	"time"
)

// Interval is a candle interval label ("1m", "4h", "1d", ...).
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	// Interval1mo is modelled as exactly 30 days. Callers needing
	// calendar-month alignment must handle that upstream.
	Interval1mo Interval = "1mo"
)

var intervalSeconds = map[Interval]int64{
	Interval1m:  60,
	Interval3m:  180,
	Interval5m:  300,
	Interval15m: 900,
	Interval30m: 1800,
	Interval1h:  3600,
	Interval2h:  7200,
	Interval4h:  14400,
	Interval6h:  21600,
	Interval8h:  28800,
	Interval12h: 43200,
	Interval1d:  86400,
	Interval3d:  259200,
	Interval1w:  604800,
	Interval1mo: 30 * 86400,
}

var intervalOrder = []Interval{
	Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
	Interval1h, Interval2h, Interval4h, Interval6h, Interval8h, Interval12h,
	Interval1d, Interval3d, Interval1w, Interval1mo,
}

// Intervals returns all supported intervals in ascending duration order.
func Intervals() []Interval {
	out := make([]Interval, len(intervalOrder))
	copy(out, intervalOrder)
	return out
}

// ParseInterval validates a canonical interval label.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalSeconds[iv]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
	return iv, nil
}

// Valid reports whether the interval is a known label.
func (i Interval) Valid() bool {
	_, ok := intervalSeconds[i]
	return ok
}

// Seconds returns the interval length in seconds.
func (i Interval) Seconds() int64 {
	return intervalSeconds[i]
}

// Duration returns the interval length as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(intervalSeconds[i]) * time.Second
}

func (i Interval) String() string {
	return string(i)
}

// BucketStart aligns t down to the open time of the candle bucket
// containing it: floor(unix(t) / seconds) * seconds.
func (i Interval) BucketStart(t time.Time) time.Time {
	sec := intervalSeconds[i]
	if sec == 0 {
		return t.UTC()
	}
	return time.Unix(t.Unix()/sec*sec, 0).UTC()
}

// NextBucket returns the open time of the bucket after the one
// containing t.
func (i Interval) NextBucket(t time.Time) time.Time {
	return i.BucketStart(t).Add(i.Duration())
}
