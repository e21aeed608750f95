// Package thermistor converts divider-network voltages into temperatures using
// Steinhart-Hart calibration curves.
package thermistor

import (
	"fmt"
	"math"
	"sort"
)

// Unit is the temperature unit reported by a Thermistor.
type Unit string

const (
	Fahrenheit Unit = "F"
	Celsius    Unit = "C"
)

// Valid temperature range in Celsius. Anything outside is treated as a
// disconnected or shorted sensor.
const (
	MinValidC = -100.0
	MaxValidC = 250.0
)

// Coefficients are the Steinhart-Hart constants: 1/T = A + B*ln(R) + C*ln(R)^3 (T in Kelvin).
type Coefficients struct {
	A float64 `yaml:"a" mapstructure:"a"`
	B float64 `yaml:"b" mapstructure:"b"`
	C float64 `yaml:"c" mapstructure:"c"`
}

var known = map[string]Coefficients{
	"Tekmar 071":    {0.001124476, 0.00023482, 8.54409e-08},
	"Sure 10K":      {0.00090296, 0.000249878, 1.9712e-07},
	"US Sensor 5K":  {0.00128637, 0.00023595, 9.3841e-08},
	"US Sensor J":   {0.001128437, 0.000234244, 8.71364e-08},
	"BAPI 10K-3":    {0.001028172, 0.0002392811, 1.5611865e-07},
	"InOut":         {0.00131413, 0.000174074, 5.576999e-07},
	"Quality 10K Z": {0.001125161025848, 0.000234721098632, 8.5877049e-08},
	"ACR":           {0.00105135, 0.0002475590, 2.8879777e-08},
	"Quality 10K S": {0.001028267, 0.000239267, 1.561795e-07},
	"TDK 5K":        {0.001020977743, 0.000263446501, 1.444025e-07},
}

// Lookup returns the coefficients of a named thermistor type.
func Lookup(name string) (Coefficients, error) {
	c, ok := known[name]
	if !ok {
		return Coefficients{}, fmt.Errorf("unknown thermistor type %q", name)
	}
	return c, nil
}

// Types returns the names of all built-in thermistor types, sorted.
func Types() []string {
	names := make([]string, 0, len(known))
	for name := range known {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Thermistor is one sensor in a voltage divider: the thermistor sits between the
// measured node and ground, DividerR between the applied voltage and the node.
type Thermistor struct {
	Coeff    Coefficients
	DividerR float64 // ohms
	Unit     Unit
}

// New creates a Thermistor for a named type.
func New(name string, dividerR float64, unit Unit) (Thermistor, error) {
	c, err := Lookup(name)
	if err != nil {
		return Thermistor{}, err
	}
	if unit == "" {
		unit = Fahrenheit
	}
	return Thermistor{Coeff: c, DividerR: dividerR, Unit: unit}, nil
}

// RfromV returns the thermistor resistance in ohms given the measured node voltage
// and the voltage applied to the divider. Returns NaN when the reading cannot come
// from a connected sensor.
func (t Thermistor) RfromV(measured, applied float64) float64 {
	if !isFinite(measured) || !isFinite(applied) {
		return math.NaN()
	}
	if measured <= 0 || applied <= 0 {
		return math.NaN()
	}
	div := applied - measured
	if div <= 0 {
		// open sensor: node sits at the applied voltage
		return math.NaN()
	}
	return measured / div * t.DividerR
}

// TfromR returns the temperature for a resistance in ohms, or NaN if it is out of range.
func (t Thermistor) TfromR(r float64) float64 {
	if !isFinite(r) || r <= 0 {
		return math.NaN()
	}
	lnR := math.Log(r)
	inv := t.Coeff.A + t.Coeff.B*lnR + t.Coeff.C*lnR*lnR*lnR
	if inv <= 0 {
		return math.NaN()
	}
	c := 1.0/inv - 273.15
	if !isFinite(c) || c < MinValidC || c > MaxValidC {
		return math.NaN()
	}
	return t.fromCelsius(c)
}

// TfromV returns the temperature for a divider reading.
func (t Thermistor) TfromV(measured, applied float64) float64 {
	return t.TfromR(t.RfromV(measured, applied))
}

// RfromT inverts the Steinhart-Hart equation, returning the resistance at a
// temperature expressed in the thermistor's unit.
func (t Thermistor) RfromT(temp float64) float64 {
	k := t.toCelsius(temp) + 273.15
	if k <= 0 || t.Coeff.C == 0 {
		return math.NaN()
	}
	// Solve C*x^3 + B*x + (A - 1/T) = 0 for x = ln(R) with Cardano's formula.
	y := (t.Coeff.A - 1.0/k) / t.Coeff.C
	x := math.Sqrt(math.Pow(t.Coeff.B/(3*t.Coeff.C), 3) + y*y/4)
	return math.Exp(math.Cbrt(x-y/2) - math.Cbrt(x+y/2))
}

// VfromT returns the node voltage a sensor at temp would produce.
func (t Thermistor) VfromT(temp, applied float64) float64 {
	r := t.RfromT(temp)
	if !isFinite(r) {
		return math.NaN()
	}
	return applied * r / (r + t.DividerR)
}

func (t Thermistor) fromCelsius(c float64) float64 {
	if t.Unit == Celsius {
		return c
	}
	return c*1.8 + 32.0
}

func (t Thermistor) toCelsius(v float64) float64 {
	if t.Unit == Celsius {
		return v
	}
	return (v - 32.0) / 1.8
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
