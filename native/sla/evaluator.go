package sla

import (
	"errors"
	"fmt"
	"math"
)

// Confidence selects the z quantile used by the Wilson lower bound.
type Confidence float64

// zTable maps supported confidence levels onto one-sided normal quantiles.
var zTable = map[Confidence]float64{
	0.80:  0.8416,
	0.90:  1.2816,
	0.95:  1.6449,
	0.975: 1.9600,
	0.99:  2.3263,
}

// ZFor resolves the quantile for a supported confidence level.
func ZFor(confidence Confidence) (float64, error) {
	z, ok := zTable[confidence]
	if !ok {
		return 0, fmt.Errorf("sla: unsupported confidence %v", float64(confidence))
	}
	return z, nil
}

// WilsonLower computes the Wilson score interval's lower bound for the
// observed success ratio. With zero observations it returns 0.
func WilsonLower(successes, total uint64, z float64) float64 {
	if total == 0 {
		return 0
	}
	if successes > total {
		successes = total
	}
	n := float64(total)
	p := float64(successes) / n
	z2 := z * z
	denom := 1 + z2/n
	center := p + z2/(2*n)
	margin := z * math.Sqrt(p*(1-p)/n+z2/(4*n*n))
	lower := (center - margin) / denom
	if lower < 0 {
		return 0
	}
	if lower > 1 {
		return 1
	}
	return lower
}

// Measurements is one evaluation window of provider observations.
type Measurements struct {
	Total        uint64
	TrapsOK      uint64
	QoSOK        uint64
	LatencyMs    float64
	Availability float64
}

// Thresholds are the hard SLA gates.
type Thresholds struct {
	TrapsMin        float64
	QoSMin          float64
	MaxLatencyMs    float64
	AvailabilityMin float64
	Confidence      Confidence
}

// DefaultThresholds returns the development gates.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TrapsMin:        0.98,
		QoSMin:          0.90,
		MaxLatencyMs:    5_000,
		AvailabilityMin: 0.95,
		Confidence:      0.95,
	}
}

// Validate ensures the thresholds are usable.
func (t Thresholds) Validate() error {
	for _, ratio := range []float64{t.TrapsMin, t.QoSMin, t.AvailabilityMin} {
		if ratio < 0 || ratio > 1 {
			return errors.New("sla: ratio thresholds must be in [0, 1]")
		}
	}
	if t.MaxLatencyMs <= 0 {
		return errors.New("sla: max latency must be positive")
	}
	if _, err := ZFor(t.Confidence); err != nil {
		return err
	}
	return nil
}

// Verdict is the per-dimension outcome of one window evaluation.
type Verdict struct {
	Pass        bool
	TrapsPass   bool
	QoSPass     bool
	LatencyPass bool
	AvailPass   bool
	TrapsLower  float64
	QoSLower    float64
	SoftScore   float64
}

// SoftWeights tunes the normalised ranking score. The ramps reward margin
// above a ratio threshold and penalise latency past the gate.
type SoftWeights struct {
	Traps        float64
	QoS          float64
	Availability float64
	Latency      float64
}

// DefaultSoftWeights returns an even weighting.
func DefaultSoftWeights() SoftWeights {
	return SoftWeights{Traps: 0.3, QoS: 0.3, Availability: 0.2, Latency: 0.2}
}

// Evaluator applies the thresholds to measurement windows.
type Evaluator struct {
	thresholds Thresholds
	weights    SoftWeights
	z          float64
}

// NewEvaluator wires an evaluator for the thresholds.
func NewEvaluator(thresholds Thresholds, weights SoftWeights) (*Evaluator, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	z, err := ZFor(thresholds.Confidence)
	if err != nil {
		return nil, err
	}
	return &Evaluator{thresholds: thresholds, weights: weights, z: z}, nil
}

// Evaluate gates one measurement window. Traps and QoS pass on the Wilson
// lower bound; latency and availability are direct comparisons. The overall
// pass requires every dimension.
func (e *Evaluator) Evaluate(m Measurements) Verdict {
	verdict := Verdict{
		TrapsLower: WilsonLower(m.TrapsOK, m.Total, e.z),
		QoSLower:   WilsonLower(m.QoSOK, m.Total, e.z),
	}
	verdict.TrapsPass = verdict.TrapsLower >= e.thresholds.TrapsMin
	verdict.QoSPass = verdict.QoSLower >= e.thresholds.QoSMin
	verdict.LatencyPass = m.LatencyMs <= e.thresholds.MaxLatencyMs
	verdict.AvailPass = m.Availability >= e.thresholds.AvailabilityMin
	verdict.Pass = verdict.TrapsPass && verdict.QoSPass && verdict.LatencyPass && verdict.AvailPass
	verdict.SoftScore = e.softScore(m, verdict)
	return verdict
}

// softScore derives the [0,1] ranking score. It is informational only and
// never gates anything.
func (e *Evaluator) softScore(m Measurements, v Verdict) float64 {
	total := e.weights.Traps + e.weights.QoS + e.weights.Availability + e.weights.Latency
	if total == 0 {
		return 0
	}
	score := e.weights.Traps*rampUp(v.TrapsLower, e.thresholds.TrapsMin) +
		e.weights.QoS*rampUp(v.QoSLower, e.thresholds.QoSMin) +
		e.weights.Availability*rampUp(m.Availability, e.thresholds.AvailabilityMin) +
		e.weights.Latency*rampDown(m.LatencyMs, e.thresholds.MaxLatencyMs)
	return score / total
}

// rampUp maps values at or above the threshold onto [0.5, 1] and below onto
// [0, 0.5), scaling linearly on each side.
func rampUp(value, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	if value >= threshold {
		if threshold >= 1 {
			return 1
		}
		return 0.5 + 0.5*(value-threshold)/(1-threshold)
	}
	return 0.5 * value / threshold
}

// rampDown is the latency counterpart: at or below the gate scores [0.5, 1],
// past the gate decays towards zero.
func rampDown(value, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	if value <= threshold {
		return 0.5 + 0.5*(threshold-value)/threshold
	}
	over := (value - threshold) / threshold
	score := 0.5 - 0.5*over
	if score < 0 {
		return 0
	}
	return score
}
