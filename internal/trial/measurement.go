package trial

import (
	"fmt"
	"time"
)

// Measurement is the outcome of one trial at a constant offered load.
// Values are immutable once built by New.
type Measurement struct {
	duration      time.Duration
	targetTR      float64
	transmitCount uint64
	lossCount     uint64
}

// New validates the counters and returns the trial record.
func New(duration time.Duration, targetTR float64, transmitCount, lossCount uint64) (Measurement, error) {
	if duration <= 0 {
		return Measurement{}, fmt.Errorf("%w: duration %s must be > 0", ErrInvalidMeasurement, duration)
	}
	if targetTR < 0 {
		return Measurement{}, fmt.Errorf("%w: target rate %g must be >= 0", ErrInvalidMeasurement, targetTR)
	}
	if lossCount > transmitCount {
		return Measurement{}, fmt.Errorf("%w: loss count %d exceeds transmit count %d", ErrInvalidMeasurement, lossCount, transmitCount)
	}
	return Measurement{
		duration:      duration,
		targetTR:      targetTR,
		transmitCount: transmitCount,
		lossCount:     lossCount,
	}, nil
}

// Duration is the trial duration.
func (m Measurement) Duration() time.Duration { return m.duration }

// TargetTR is the requested transmit rate in packets per second.
func (m Measurement) TargetTR() float64 { return m.targetTR }

func (m Measurement) TransmitCount() uint64 { return m.transmitCount }

func (m Measurement) LossCount() uint64 { return m.lossCount }

func (m Measurement) ReceiveCount() uint64 { return m.transmitCount - m.lossCount }

func (m Measurement) TransmitRate() float64 {
	return float64(m.transmitCount) / m.duration.Seconds()
}

func (m Measurement) ReceiveRate() float64 {
	return float64(m.ReceiveCount()) / m.duration.Seconds()
}

func (m Measurement) LossRate() float64 {
	return float64(m.lossCount) / m.duration.Seconds()
}

// LossRatio is lost packets over transmitted packets, zero for a trial
// that sent nothing.
func (m Measurement) LossRatio() float64 {
	if m.transmitCount == 0 {
		return 0
	}
	return float64(m.lossCount) / float64(m.transmitCount)
}

// Degenerate reports a trial that transmitted no packets.
func (m Measurement) Degenerate() bool { return m.transmitCount == 0 }

func (m Measurement) String() string {
	return fmt.Sprintf("trial(d=%s tr=%.1f tx=%d loss=%d)", m.duration, m.targetTR, m.transmitCount, m.lossCount)
}
