package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ms(n int) *time.Duration {
	d := time.Duration(n) * time.Millisecond
	return &d
}

func shift(v float64) *float64 {
	return &v
}

func TestPerformanceScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		signals Signals
		want    float64
	}{
		{name: "no signals", signals: Signals{}, want: 0},
		{
			name: "all good",
			signals: Signals{
				FirstContentfulPaint:   ms(900),
				LargestContentfulPaint: ms(1200),
				InputDelay:             ms(40),
				CumulativeLayoutShift:  shift(0.01),
				TimeToFirstByte:        ms(200),
			},
			want: 100,
		},
		{
			name: "all poor",
			signals: Signals{
				FirstContentfulPaint:   ms(5000),
				LargestContentfulPaint: ms(6000),
				InputDelay:             ms(500),
				CumulativeLayoutShift:  shift(0.5),
				TimeToFirstByte:        ms(3000),
			},
			want: 0,
		},
		{name: "single signal halfway", signals: Signals{LargestContentfulPaint: ms(3250)}, want: 50},
		{
			name:    "missing signals re-normalised",
			signals: Signals{InputDelay: ms(50), CumulativeLayoutShift: shift(0.25)},
			want:    50,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, PerformanceScore(tc.signals))
		})
	}
}

func TestRetryStateNextAttemptDoublesAndCaps(t *testing.T) {
	t.Parallel()

	last := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	state := RetryState{RetryCount: 1, LastRetry: last, MaxRetries: 5, BackoffBase: time.Second}

	assert.Equal(t, last.Add(time.Second), state.NextAttempt(time.Minute))

	state.RetryCount = 3
	assert.Equal(t, last.Add(4*time.Second), state.NextAttempt(time.Minute))

	state.RetryCount = 10
	assert.Equal(t, last.Add(time.Minute), state.NextAttempt(time.Minute))
	assert.True(t, state.Exhausted())

	state.RetryCount = 0
	assert.Equal(t, last, state.NextAttempt(time.Minute))
}

func TestRecordKeyString(t *testing.T) {
	t.Parallel()

	rec := MetricRecord{SessionID: "s-1", PageID: "/home"}
	assert.Equal(t, "s-1//home", rec.Key().String())
}
