package domain

import (
	"math"
	"time"
)

type Viewport struct {
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	DevicePixelRatio float64 `json:"device_pixel_ratio,omitempty"`
}

type ConnectionInfo struct {
	EffectiveType NetworkClass `json:"effective_type"`
	DownlinkMbps  float64      `json:"downlink_mbps"`
	RTTMillis     int          `json:"rtt_ms"`
	SaveData      bool         `json:"save_data"`
}

// Signals are the raw performance observations of one page or interaction.
// A nil field means the host did not report the signal.
type Signals struct {
	FirstContentfulPaint   *time.Duration `json:"fcp,omitempty"`
	LargestContentfulPaint *time.Duration `json:"lcp,omitempty"`
	InputDelay             *time.Duration `json:"input_delay,omitempty"`
	CumulativeLayoutShift  *float64       `json:"cls,omitempty"`
	TimeToFirstByte        *time.Duration `json:"ttfb,omitempty"`
}

type MetricRecord struct {
	SessionID  SessionID         `json:"session_id"`
	PageID     string            `json:"page_id"`
	UserID     string            `json:"user_id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Viewport   Viewport          `json:"viewport"`
	Connection ConnectionInfo    `json:"connection"`
	Signals    Signals           `json:"signals"`
	Score      float64           `json:"score"`
	Errors     []string          `json:"errors,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

func (r MetricRecord) Key() RecordKey {
	return RecordKey{SessionID: r.SessionID, PageID: r.PageID}
}

// RecordKey identifies the retry and discard bookkeeping of a record.
type RecordKey struct {
	SessionID SessionID
	PageID    string
}

func (k RecordKey) String() string {
	return string(k.SessionID) + "/" + k.PageID
}

type RetryState struct {
	RetryCount  int
	LastRetry   time.Time
	MaxRetries  int
	BackoffBase time.Duration
}

func (s RetryState) Exhausted() bool {
	return s.RetryCount >= s.MaxRetries
}

// NextAttempt returns the earliest time the key may be sent again:
// LastRetry + BackoffBase * 2^(RetryCount-1), capped at maxBackoff.
func (s RetryState) NextAttempt(maxBackoff time.Duration) time.Time {
	if s.RetryCount <= 0 {
		return s.LastRetry
	}

	delay := s.BackoffBase
	for i := 1; i < s.RetryCount; i++ {
		delay *= 2
		if maxBackoff > 0 && delay >= maxBackoff {
			delay = maxBackoff
			break
		}
	}
	if maxBackoff > 0 && delay > maxBackoff {
		delay = maxBackoff
	}

	return s.LastRetry.Add(delay)
}

type signalThreshold struct {
	weight float64
	good   float64
	poor   float64
}

var (
	fcpThreshold  = signalThreshold{weight: 0.15, good: 1800, poor: 3000}
	lcpThreshold  = signalThreshold{weight: 0.25, good: 2500, poor: 4000}
	inputThresh   = signalThreshold{weight: 0.25, good: 100, poor: 300}
	clsThreshold  = signalThreshold{weight: 0.25, good: 0.1, poor: 0.25}
	ttfbThreshold = signalThreshold{weight: 0.10, good: 800, poor: 1800}
)

// PerformanceScore is the weighted composite of paint, responsiveness and stability
// signals on a 0-100 scale. Missing signals are excluded and the remaining weights
// re-normalised; no signals at all scores 0.
func PerformanceScore(s Signals) float64 {
	var total, weights float64

	add := func(value float64, t signalThreshold) {
		total += t.weight * thresholdScore(value, t)
		weights += t.weight
	}

	if s.FirstContentfulPaint != nil {
		add(millis(*s.FirstContentfulPaint), fcpThreshold)
	}
	if s.LargestContentfulPaint != nil {
		add(millis(*s.LargestContentfulPaint), lcpThreshold)
	}
	if s.InputDelay != nil {
		add(millis(*s.InputDelay), inputThresh)
	}
	if s.CumulativeLayoutShift != nil {
		add(*s.CumulativeLayoutShift, clsThreshold)
	}
	if s.TimeToFirstByte != nil {
		add(millis(*s.TimeToFirstByte), ttfbThreshold)
	}

	if weights == 0 {
		return 0
	}

	return math.Round(total / weights * 100)
}

func thresholdScore(value float64, t signalThreshold) float64 {
	switch {
	case value <= t.good:
		return 1
	case value >= t.poor:
		return 0
	default:
		return 1 - (value-t.good)/(t.poor-t.good)
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
