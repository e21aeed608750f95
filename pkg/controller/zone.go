package controller

import (
	"math"

	"github.com/itohio/heatctl/pkg/sample"
	"github.com/itohio/heatctl/pkg/status"
)

// zone groups the readers of one configured zone.
type zone struct {
	name    string
	readers []*sample.Reader
}

// read computes the zone state from the cached reader averages. The average is
// the mean of the channel averages, NaN for an empty zone or when any channel is NaN.
func (z zone) read() status.Zone {
	out := status.Zone{
		Name:    z.name,
		Average: math.NaN(),
		Detail:  make(map[string]float64, len(z.readers)),
	}
	if len(z.readers) == 0 {
		return out
	}

	var sum float64
	for _, r := range z.readers {
		v := r.Average()
		out.Detail[r.Channel().Label] = v
		sum += v
	}
	out.Average = sum / float64(len(z.readers))
	return out
}
