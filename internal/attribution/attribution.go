// Package attribution implements the Attribution Engine: given two
// adjacent samples it computes host power over the interval, per-socket
// power, per-domain power, and per-process power, handling the wrap-safe
// energy-delta arithmetic that the Counter Source deliberately leaves to
// its consumer.
package attribution

import (
	"errors"
	"fmt"
	"time"

	"github.com/joulemeter/joulemeter/internal/topology"
)

// Errors, from most local to most fatal, matching the error-kind taxonomy.
var (
	// ErrNoSample means attribution was requested but the buffer lacks two
	// records; no value is emitted for that metric family this pass.
	ErrNoSample = errors.New("attribution: no sample")

	// ErrImplausibleReading means the wrap-handling sanity ceiling was
	// exceeded; the derived value for this interval is suppressed but the
	// raw records are retained.
	ErrImplausibleReading = errors.New("attribution: implausible reading")
)

// Energy is a microjoule quantity.
type Energy uint64

// Power is a microwatt quantity.
type Power float64

// MicroWatts returns the power value as float64 microwatts.
func (p Power) MicroWatts() float64 { return float64(p) }

// implausibleWrapFactor bounds how many multiples of a domain's maximum
// representable value a single wrap may plausibly span. Only one wrap is
// assumed between adjacent samples; if the raw difference implies more, the
// reading is implausible (Scenario E: 10x the domain's maximum).
const implausibleWrapFactor = 10

// DomainEnergyDelta computes the wrap-safe energy consumed over one
// interval for a single Domain, per the convention:
//
//	ΔE = E2 - E1                  if E2 >= E1
//	ΔE = (M - E1) + E2            otherwise (single wrap assumed)
//
// If the implied wrap would exceed implausibleWrapFactor times the
// domain's maximum value, ErrImplausibleReading is returned and no energy
// value is produced for this interval.
func DomainEnergyDelta(prev, curr topology.EnergyRecord) (Energy, error) {
	if curr.Value >= prev.Value {
		return Energy(curr.Value - prev.Value), nil
	}

	maxValue := curr.MaxValue
	if maxValue == 0 {
		maxValue = prev.MaxValue
	}
	if maxValue == 0 {
		// No wrap ceiling known at all; treat any decrease as implausible
		// rather than guess.
		return 0, fmt.Errorf("%w: value decreased (%d -> %d) with no known wrap ceiling", ErrImplausibleReading, prev.Value, curr.Value)
	}

	delta := (maxValue - prev.Value) + curr.Value

	if maxValue > 0 && delta > maxValue*implausibleWrapFactor {
		return 0, fmt.Errorf("%w: implied delta %d exceeds %dx domain max %d", ErrImplausibleReading, delta, implausibleWrapFactor, maxValue)
	}

	return Energy(delta), nil
}

// IntervalPower converts an energy delta over [t1, t2] into microwatt
// power: ΔE × 10^6 / (t2 - t1) with the time difference in microseconds.
func IntervalPower(delta Energy, t1, t2 time.Time) (Power, error) {
	micros := t2.Sub(t1).Microseconds()
	if micros <= 0 {
		return 0, fmt.Errorf("%w: non-positive interval (%v -> %v)", ErrNoSample, t1, t2)
	}
	return Power(float64(delta) * 1_000_000 / float64(micros)), nil
}

// DomainPower pairs DomainEnergyDelta and IntervalPower for one Domain's
// two most recent records.
func DomainPower(d *topology.Domain) (energy Energy, power Power, ts time.Time, err error) {
	curr, ok := d.Records.Latest()
	if !ok {
		return 0, 0, time.Time{}, fmt.Errorf("%w: domain %s has no record", ErrNoSample, d.Name)
	}
	prev, ok := d.Records.Previous()
	if !ok {
		return 0, 0, time.Time{}, fmt.Errorf("%w: domain %s has only one record", ErrNoSample, d.Name)
	}

	energy, err = DomainEnergyDelta(prev, curr)
	if err != nil {
		return 0, 0, curr.Timestamp, err
	}

	power, err = IntervalPower(energy, prev.Timestamp, curr.Timestamp)
	if err != nil {
		return energy, 0, curr.Timestamp, err
	}

	return energy, power, curr.Timestamp, nil
}
