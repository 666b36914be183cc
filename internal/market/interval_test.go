package market

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	for _, label := range []string{"1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d", "3d", "1w", "1mo"} {
		iv, err := ParseInterval(label)
		require.NoError(t, err, label)
		assert.Equal(t, label, iv.String())
	}
}

func TestParseIntervalUnknown(t *testing.T) {
	for _, label := range []string{"", "2m", "1M", "60", "1month", "7d"} {
		_, err := ParseInterval(label)
		require.Error(t, err, label)
		assert.True(t, errors.Is(err, ErrInvalidInterval), label)
	}
}

func TestIntervalSeconds(t *testing.T) {
	assert.Equal(t, int64(60), Interval1m.Seconds())
	assert.Equal(t, int64(14400), Interval4h.Seconds())
	assert.Equal(t, int64(604800), Interval1w.Seconds())
	// 1mo is exactly 30 days.
	assert.Equal(t, int64(2592000), Interval1mo.Seconds())
}

func TestBucketStart(t *testing.T) {
	// 2023-11-14T22:13:20Z
	ts := time.Unix(1700000000, 0).UTC()

	cases := []struct {
		interval Interval
		want     int64
	}{
		{Interval1m, 1699999980},
		{Interval5m, 1699999800},
		{Interval1h, 1699998000},
		{Interval1d, 1699920000},
	}
	for _, tc := range cases {
		got := tc.interval.BucketStart(ts)
		assert.Equal(t, tc.want, got.Unix(), tc.interval)
		// Open times are exact multiples of the interval length.
		assert.Zero(t, got.Unix()%tc.interval.Seconds(), tc.interval)
	}
}

func TestBucketStartIdempotent(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	for _, iv := range Intervals() {
		b := iv.BucketStart(ts)
		assert.Equal(t, b, iv.BucketStart(b), iv)
	}
}

func TestNextBucket(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	for _, iv := range Intervals() {
		next := iv.NextBucket(ts)
		assert.Equal(t, iv.Seconds(), next.Unix()-iv.BucketStart(ts).Unix(), iv)
	}
}
