package gocu

import (
	"iter"

	"github.com/pkg/errors"

	"github.com/asuszko/gocu-interface/cudriver"
)

// Devices is an ordered set of Device, for spreading work across several
// accelerators. Construction is all or nothing: if any member fails, the
// ones already built are closed before the error is returned.
type Devices struct {
	devices []*Device
}

// NewDevices builds one Device per id. streamCounts either matches ids
// index-wise or holds a single count broadcast to every device; any other
// length fails with ErrConfiguration.
func NewDevices(drv cudriver.Driver, ids []int, streamCounts []int, options ...Option) (*Devices, error) {
	if len(ids) == 0 {
		return nil, errors.WithMessage(ErrConfiguration, "empty device id list")
	}
	switch len(streamCounts) {
	case len(ids):
	case 1:
		broadcast := streamCounts[0]
		streamCounts = make([]int, len(ids))
		for i := range streamCounts {
			streamCounts[i] = broadcast
		}
	default:
		return nil, errors.WithMessagef(ErrConfiguration,
			"%d stream counts for %d devices; pass one per device or a single broadcast count", len(streamCounts), len(ids))
	}
	set := &Devices{devices: make([]*Device, 0, len(ids))}
	for i, id := range ids {
		d, err := NewDevice(drv, id, streamCounts[i], options...)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.devices = append(set.devices, d)
	}
	return set, nil
}

// Len returns the number of devices in the set.
func (s *Devices) Len() int { return len(s.devices) }

// At returns device i in construction order.
func (s *Devices) At(i int) *Device { return s.devices[i] }

// All iterates the devices in construction order.
func (s *Devices) All() iter.Seq2[int, *Device] {
	return func(yield func(int, *Device) bool) {
		for i, d := range s.devices {
			if !yield(i, d) {
				return
			}
		}
	}
}

// Synchronize blocks until every device in the set is idle, in order.
func (s *Devices) Synchronize() error {
	var first error
	for _, d := range s.devices {
		if err := d.Synchronize(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every device in order. Safe to call more than once; the
// first error is returned and later members are still closed.
func (s *Devices) Close() error {
	var first error
	for _, d := range s.devices {
		if err := d.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
