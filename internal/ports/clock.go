package ports

import (
	"math/rand/v2"
	"time"
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Random is the sampling source; Float64 returns a value in [0, 1).
type Random interface {
	Float64() float64
}

type SystemRandom struct{}

func (SystemRandom) Float64() float64 {
	return rand.Float64()
}
