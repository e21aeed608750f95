package status

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	keyTimestamp = "timestamp"
	keyDeltaT    = "delta_t"
	keyPWM       = "pwm"
	keyNewLog    = "new_log"
)

// number encodes NaN and infinities as null.
type number float64

func (n number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

func (n *number) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*n = number(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = number(f)
	return nil
}

type zoneJSON struct {
	Average number            `json:"average"`
	Detail  map[string]number `json:"detail"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}

// MarshalJSON encodes the snapshot as a flat object: the scalar fields followed
// by one key per zone, in zone order.
//
//	{"timestamp": 1700000000.5, "delta_t": -8.84, "pwm": 0.2, "new_log": false,
//	 "inner": {"average": 78.37, "detail": {"Upper Left Inlet": 78.37}}}
func (s Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	write := func(key string, v any) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		buf.Write(data)
		return nil
	}

	fields := []struct {
		key string
		v   any
	}{
		{keyTimestamp, unixSeconds(s.Timestamp)},
		{keyDeltaT, number(s.DeltaT)},
		{keyPWM, number(s.PWM)},
		{keyNewLog, s.NewLog},
	}
	for _, f := range fields {
		if err := write(f.key, f.v); err != nil {
			return nil, err
		}
	}

	for _, z := range s.Zones {
		detail := make(map[string]number, len(z.Detail))
		for label, v := range z.Detail {
			detail[label] = number(v)
		}
		if err := write(z.Name, zoneJSON{Average: number(z.Average), Detail: detail}); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the format written by MarshalJSON, keeping zone order.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != json.Delim('{') {
		return errors.New("snapshot: expected object")
	}

	out := Snapshot{DeltaT: math.NaN(), PWM: math.NaN()}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("snapshot: unexpected token %v", tok)
		}

		switch key {
		case keyTimestamp:
			var ts float64
			if err := dec.Decode(&ts); err != nil {
				return fmt.Errorf("snapshot %s: %w", key, err)
			}
			out.Timestamp = fromUnixSeconds(ts)
		case keyDeltaT, keyPWM:
			var n number
			if err := dec.Decode(&n); err != nil {
				return fmt.Errorf("snapshot %s: %w", key, err)
			}
			if key == keyDeltaT {
				out.DeltaT = float64(n)
			} else {
				out.PWM = float64(n)
			}
		case keyNewLog:
			if err := dec.Decode(&out.NewLog); err != nil {
				return fmt.Errorf("snapshot %s: %w", key, err)
			}
		default:
			zj := zoneJSON{Average: number(math.NaN())}
			if err := dec.Decode(&zj); err != nil {
				return fmt.Errorf("snapshot zone %s: %w", key, err)
			}
			z := Zone{Name: key, Average: float64(zj.Average), Detail: make(map[string]float64, len(zj.Detail))}
			for label, v := range zj.Detail {
				z.Detail[label] = float64(v)
			}
			out.Zones = append(out.Zones, z)
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*s = out
	return nil
}

type faultJSON struct {
	Time   string `json:"time"`
	Source string `json:"source"`
	Error  string `json:"error"`
	Fatal  bool   `json:"fatal"`
}

// MarshalJSON encodes the fault with its error message.
func (f Fault) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(faultJSON{
		Time:   f.Time.UTC().Format(time.RFC3339Nano),
		Source: f.Source,
		Error:  msg,
		Fatal:  f.Fatal,
	})
}
