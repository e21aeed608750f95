// Package status holds controller snapshots and faults and fans them out to
// readers such as the HTTP server and the MQTT publisher.
package status

import (
	"time"
)

// Zone is the state of one sensor group.
type Zone struct {
	Name    string
	Average float64            // NaN if any sensor is NaN or nothing was read yet
	Detail  map[string]float64 // label -> channel average
}

// Snapshot is the controller state at the end of one cycle. It is a value type;
// producers never modify a snapshot after publishing it.
type Snapshot struct {
	Timestamp time.Time
	// DeltaT is the inner zone average minus the outer zone average. With
	// control.outer_rolling_periods set the outer term is the mean of up to that
	// many recent outer averages, so it differs from the outer Zone entry.
	DeltaT float64
	PWM    float64 // duty fraction applied to the heater
	NewLog bool    // first snapshot after a log boundary request
	Zones  []Zone
}

// Zone returns the named zone.
func (s Snapshot) Zone(name string) (Zone, bool) {
	for _, z := range s.Zones {
		if z.Name == name {
			return z, true
		}
	}
	return Zone{}, false
}

// Fault is a non-nominal condition reported by the controller.
type Fault struct {
	Time   time.Time
	Source string // reader label, "pwm", "controller"
	Err    error
	Fatal  bool
}

func (f Fault) Error() string {
	if f.Err == nil {
		return f.Source
	}
	return f.Source + ": " + f.Err.Error()
}

func (f Fault) Unwrap() error {
	return f.Err
}
